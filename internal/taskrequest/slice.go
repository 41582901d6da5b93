package taskrequest

import "time"

// TaskSlice is one attempt configuration of a request.
type TaskSlice struct {
	Properties TaskProperties `json:"properties"`
	// Expiration is how long the slice may stay pending before the scheduler
	// falls back to the next slice.
	Expiration time.Duration `json:"expiration"`
	// WaitForCapacity keeps the slice pending even when no bot currently
	// matches. When false, such a slice is denied and the next one is tried.
	WaitForCapacity bool `json:"wait_for_capacity"`
}

// MaxLifetime bounds how long a bot may hold the slice once claimed.
func (s *TaskSlice) MaxLifetime() time.Duration {
	return s.Properties.ExecutionTimeout + s.Properties.GracePeriod
}
