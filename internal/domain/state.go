package domain

// State represents the states a task attempt or task summary can be in.
type State string

const (
	StatePending    State = "PENDING"
	StateRunning    State = "RUNNING"
	StateCompleted  State = "COMPLETED"
	StateExpired    State = "EXPIRED"
	StateCanceled   State = "CANCELED"
	StateTimedOut   State = "TIMED_OUT"
	StateBotDied    State = "BOT_DIED"
	StateKilled     State = "KILLED"
	StateDeduped    State = "DEDUPED"
	StateNoResource State = "NO_RESOURCE"
)

// IsTerminal returns true if no further state transitions are possible.
func (s State) IsTerminal() bool {
	return s != StatePending && s != StateRunning
}

// IsExceptional returns true for terminal states that did not run the task
// to its natural end.
func (s State) IsExceptional() bool {
	switch s {
	case StateExpired, StateCanceled, StateTimedOut, StateBotDied, StateKilled, StateNoResource:
		return true
	}
	return false
}
