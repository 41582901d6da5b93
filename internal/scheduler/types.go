package scheduler

import (
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// TaskResultSummary aggregates the outcome of a request across its tries.
type TaskResultSummary struct {
	RequestID  taskrequest.RequestID `json:"request_id"`
	State      domain.State          `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
	ModifiedAt time.Time             `json:"modified_at"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	AbandonedAt time.Time `json:"abandoned_at"`

	BotID         string            `json:"bot_id,omitempty"`
	BotDimensions domain.Dimensions `json:"bot_dimensions,omitempty"`
	BotVersion    string            `json:"bot_version,omitempty"`

	CurrentTaskSlice int `json:"current_task_slice"`
	// TryNumber is 0 until a bot claims the task, and stays 0 when deduped.
	TryNumber int `json:"try_number"`

	Failure         bool     `json:"failure"`
	InternalFailure bool     `json:"internal_failure"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	Duration        *float64 `json:"duration,omitempty"`

	// CostsUSD holds the cost of each try, indexed by try-1.
	CostsUSD     []float64 `json:"costs_usd,omitempty"`
	CostSavedUSD float64   `json:"cost_saved_usd,omitempty"`

	// DedupedFrom is the run id whose result was reused.
	DedupedFrom string `json:"deduped_from,omitempty"`
	// PropertiesHash is set once an idempotent try succeeded. Only such
	// summaries are dedup sources.
	PropertiesHash []byte `json:"properties_hash,omitempty"`
	// SliceFingerprints holds the dedup fingerprint of each idempotent
	// slice, nil for the others.
	SliceFingerprints [][]byte `json:"slice_fingerprints,omitempty"`

	OutputsRef      *taskrequest.FilesRef `json:"outputs_ref,omitempty"`
	ChildrenTaskIDs []string              `json:"children_task_ids,omitempty"`

	Name     string   `json:"name"`
	User     string   `json:"user"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`

	// NotifyPending is set with a terminal transition and cleared once the
	// completion notification went out.
	NotifyPending bool `json:"notify_pending,omitempty"`
}

// TaskID returns the summary id.
func (s *TaskResultSummary) TaskID() string {
	return s.RequestID.TaskID()
}

// TaskRunResult is one try executed by one bot.
type TaskRunResult struct {
	RequestID        taskrequest.RequestID `json:"request_id"`
	TryNumber        int                   `json:"try_number"`
	CurrentTaskSlice int                   `json:"current_task_slice"`
	State            domain.State          `json:"state"`

	BotID         string            `json:"bot_id"`
	BotDimensions domain.Dimensions `json:"bot_dimensions"`
	BotVersion    string            `json:"bot_version"`

	StartedAt   time.Time `json:"started_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	CompletedAt time.Time `json:"completed_at"`
	AbandonedAt time.Time `json:"abandoned_at"`

	// Killing asks the bot to stop on its next update.
	Killing bool `json:"killing,omitempty"`

	Failure         bool     `json:"failure"`
	InternalFailure bool     `json:"internal_failure"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	Duration        *float64 `json:"duration,omitempty"`
	CostUSD         float64  `json:"cost_usd"`

	Output          []byte                `json:"output,omitempty"`
	OutputsRef      *taskrequest.FilesRef `json:"outputs_ref,omitempty"`
	ChildrenTaskIDs []string              `json:"children_task_ids,omitempty"`
}

// TaskID returns the run id.
func (r *TaskRunResult) TaskID() string {
	return r.RequestID.RunID(r.TryNumber)
}

// TaskToRun is a pending ledger entry for one (request, try, slice).
type TaskToRun struct {
	RequestID      taskrequest.RequestID `json:"request_id"`
	TryNumber      int                   `json:"try_number"`
	TaskSliceIndex int                   `json:"task_slice_index"`
	// QueueNumber is the dimension hash of the slice; 0 once claimed or
	// expired.
	QueueNumber uint32            `json:"queue_number"`
	Dimensions  domain.Dimensions `json:"dimensions"`
	Priority    int               `json:"priority"`
	// CreatedAt is the request's creation time so retries keep their place.
	CreatedAt time.Time `json:"created_at"`
	// Expiration is checked when a bot claims the entry. It carries the
	// request's overall expiration.
	Expiration time.Time `json:"expiration"`
	// SliceExpiration is checked by the expiration sweep.
	SliceExpiration time.Time `json:"slice_expiration"`
}

// Key returns the ledger id of the entry.
func (t *TaskToRun) Key() string {
	return t.RequestID.ToRunID(t.TryNumber, t.TaskSliceIndex)
}

// IsReapable reports whether a bot may still claim the entry.
func (t *TaskToRun) IsReapable() bool {
	return t.QueueNumber != 0
}

// Less orders entries by priority, then age.
func (t *TaskToRun) Less(o *TaskToRun) bool {
	if t.Priority != o.Priority {
		return t.Priority < o.Priority
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	if t.RequestID != o.RequestID {
		return t.RequestID < o.RequestID
	}
	if t.TryNumber != o.TryNumber {
		return t.TryNumber < o.TryNumber
	}
	return t.TaskSliceIndex < o.TaskSliceIndex
}

// TaskGroup is every mutable record of one request, loaded and committed as
// a unit.
type TaskGroup struct {
	Request *taskrequest.TaskRequest
	Summary *TaskResultSummary
	// Runs is ordered by try number.
	Runs  []*TaskRunResult
	ToRun []*TaskToRun
}

// Run returns the run of the given try, or nil.
func (g *TaskGroup) Run(try int) *TaskRunResult {
	for _, r := range g.Runs {
		if r.TryNumber == try {
			return r
		}
	}
	return nil
}

// Entry returns the ledger entry of (try, slice), or nil.
func (g *TaskGroup) Entry(try, slice int) *TaskToRun {
	for _, t := range g.ToRun {
		if t.TryNumber == try && t.TaskSliceIndex == slice {
			return t
		}
	}
	return nil
}

// Assignment is the work handed to a polling bot.
type Assignment struct {
	Request    *taskrequest.TaskRequest
	Properties *taskrequest.TaskProperties
	Run        *TaskRunResult
	// Terminate tells the bot to shut down instead of running a command.
	Terminate bool
}

// BotID returns the bot the assignment was made to.
func (a *Assignment) BotID() string { return a.Run.BotID }

// TaskID returns the run id the bot reports against.
func (a *Assignment) TaskID() string { return a.Run.TaskID() }

// UpdateParams is one progress report from a bot.
type UpdateParams struct {
	RunID  string
	BotID  string
	Output []byte
	// OutputChunkStart is the offset Output is written at.
	OutputChunkStart int
	// ExitCode is set once the task process exited.
	ExitCode    *int
	Duration    *float64
	HardTimeout bool
	IOTimeout   bool
	// CostUSD is the cumulative cost of the try so far.
	CostUSD    *float64
	OutputsRef *taskrequest.FilesRef
}

// Notification is sent once per terminal transition of a request that asked
// for one.
type Notification struct {
	TaskID    string `json:"task_id"`
	Topic     string `json:"topic"`
	AuthToken string `json:"auth_token,omitempty"`
	Userdata  string `json:"userdata,omitempty"`
	State     string `json:"state"`
}
