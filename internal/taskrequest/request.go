package taskrequest

import (
	"time"
)

const (
	// MaxPriority is the lowest priority a task can have.
	MaxPriority = 255
	// minUserPriority is the highest priority granted without privileges.
	minUserPriority = 20
	// maxSlices bounds the fallback list of a request.
	maxSlices = 8
)

// TaskRequest is created once by Init and never mutated afterwards.
type TaskRequest struct {
	ID             RequestID   `json:"id"`
	CreatedAt      time.Time   `json:"created_at"`
	Expiration     time.Time   `json:"expiration"`
	Name           string      `json:"name"`
	User           string      `json:"user"`
	ServiceAccount string      `json:"service_account"`
	Priority       int         `json:"priority"`
	TaskSlices     []TaskSlice `json:"task_slices"`
	ParentTaskID   string      `json:"parent_task_id,omitempty"`
	ManualTags     []string    `json:"manual_tags,omitempty"`
	Tags           []string    `json:"tags"`

	PubSubTopic     string `json:"pubsub_topic,omitempty"`
	PubSubAuthToken string `json:"pubsub_auth_token,omitempty"`
	PubSubUserdata  string `json:"pubsub_userdata,omitempty"`
}

// InitOptions carries the submission context Init needs.
type InitOptions struct {
	// Parent is the request of the task that triggered this one, if any.
	Parent *TaskRequest
	// AllowHighPriority lets privileged callers use priorities below 20.
	AllowHighPriority bool
}

// Init normalizes a freshly submitted request and validates it. The ID is
// left to the scheduler, which regenerates it on collision.
func (r *TaskRequest) Init(now time.Time, opts InitOptions) error {
	r.CreatedAt = now.UTC()
	if opts.Parent != nil {
		r.User = opts.Parent.User
		r.Priority = min(r.Priority, max(opts.Parent.Priority-1, 1))
	}
	if r.Priority < minUserPriority && !opts.AllowHighPriority {
		r.Priority = minUserPriority
	}
	if r.ServiceAccount == "" {
		r.ServiceAccount = "none"
	}
	for i := range r.TaskSlices {
		r.TaskSlices[i].Properties.normalize()
	}

	var total time.Duration
	for _, s := range r.TaskSlices {
		total += s.Expiration
	}
	r.Expiration = r.CreatedAt.Add(total)
	r.Tags = mergeTags(r)
	return r.Validate()
}

// TaskSlice returns slice i. It panics on an out of range index like a slice
// access would.
func (r *TaskRequest) TaskSlice(i int) *TaskSlice {
	return &r.TaskSlices[i]
}

// SliceDeadline returns when slice i stops being eligible: creation time plus
// the expirations of slices 0..i.
func (r *TaskRequest) SliceDeadline(i int) time.Time {
	deadline := r.CreatedAt
	for j := 0; j <= i && j < len(r.TaskSlices); j++ {
		deadline = deadline.Add(r.TaskSlices[j].Expiration)
	}
	return deadline
}

// IsTerminate reports whether this is the single-slice bot termination shape.
func (r *TaskRequest) IsTerminate() bool {
	return len(r.TaskSlices) == 1 && r.TaskSlices[0].Properties.IsTerminate()
}

// TaskID returns the summary id of the request.
func (r *TaskRequest) TaskID() string {
	return r.ID.TaskID()
}
