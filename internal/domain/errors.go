package domain

import (
	"errors"
	"fmt"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// ValidationError is returned when a submission is rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError with a formatted reason.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConcurrentUpdateError is returned when an optimistic transaction lost the
// race against another writer of the same entity group.
type ConcurrentUpdateError struct {
	Entity string
	Key    string
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("concurrent update of %s %s", e.Entity, e.Key)
}

// DuplicateRequestError is returned when a request id is already taken.
type DuplicateRequestError struct {
	RequestID string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("request id %s already exists", e.RequestID)
}

// BotMismatchError is returned when a bot acts on an attempt it does not own.
type BotMismatchError struct {
	BotID   string
	Action  string
	TaskID  string
	OwnerID string
}

func (e *BotMismatchError) Error() string {
	return fmt.Sprintf("Bot %s sent %s for task %s owned by bot %s", e.BotID, e.Action, e.TaskID, e.OwnerID)
}

// StaleRunError is returned when a bot reports on an attempt that was already
// abandoned, e.g. declared BOT_DIED while the bot was unreachable.
type StaleRunError struct {
	TaskID string
	State  State
}

func (e *StaleRunError) Error() string {
	return fmt.Sprintf("task %s is no longer running (state %s)", e.TaskID, e.State)
}

// IsConflict reports whether err is an optimistic concurrency failure.
func IsConflict(err error) bool {
	var ce *ConcurrentUpdateError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a TaskNotFoundError.
func IsNotFound(err error) bool {
	var nf *TaskNotFoundError
	return errors.As(err, &nf)
}

// IsDuplicate reports whether err is a DuplicateRequestError.
func IsDuplicate(err error) bool {
	var de *DuplicateRequestError
	return errors.As(err, &de)
}
