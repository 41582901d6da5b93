package taskrequest

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"
)

// idEpoch is the zero point of the time component of request ids.
var idEpoch = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	idVersion    = 0x1
	idSuffixBits = 16
	idTimeShift  = 20
)

// RequestID packs milliseconds since 2010-01-01 in the high bits, a 16 bit
// random disambiguator, and a 4 bit schema version. Larger ids are more
// recent.
type RequestID int64

// NewRequestID builds an id for the given time and disambiguator.
func NewRequestID(now time.Time, suffix uint16) RequestID {
	ms := now.Sub(idEpoch).Milliseconds()
	return RequestID(ms<<idTimeShift | int64(suffix)<<4 | idVersion)
}

// RandomRequestID builds an id with a random disambiguator. Callers retry
// with a fresh id when the store reports a collision.
func RandomRequestID(now time.Time) RequestID {
	return NewRequestID(now, uint16(rand.N(1<<idSuffixBits)))
}

// CreatedAt returns the time component, truncated to the millisecond.
func (id RequestID) CreatedAt() time.Time {
	return idEpoch.Add(time.Duration(int64(id)>>idTimeShift) * time.Millisecond)
}

// TaskID is the textual id of the request's result summary.
func (id RequestID) TaskID() string {
	return fmt.Sprintf("%x0", int64(id))
}

// RunID is the textual id of attempt `try` (1-indexed).
func (id RequestID) RunID(try int) string {
	return fmt.Sprintf("%x%x", int64(id), try)
}

// ToRunID is the textual id of the pending ledger entry for (try, slice).
func (id RequestID) ToRunID(try, slice int) string {
	return fmt.Sprintf("%x%x:%d", int64(id), try, slice)
}

// String returns the hex form of the id.
func (id RequestID) String() string {
	return strconv.FormatInt(int64(id), 16)
}

// ParseTaskID splits a summary or run id into its request id and try number.
// A try number of 0 designates the summary.
func ParseTaskID(taskID string) (RequestID, int, error) {
	if len(taskID) < 2 {
		return 0, 0, fmt.Errorf("task id %q is too short", taskID)
	}
	reqPart, tryPart := taskID[:len(taskID)-1], taskID[len(taskID)-1:]
	v, err := strconv.ParseInt(reqPart, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse task id %q: %w", taskID, err)
	}
	if v&0xf != idVersion {
		return 0, 0, fmt.Errorf("task id %q has unknown version %d", taskID, v&0xf)
	}
	try, err := strconv.ParseInt(tryPart, 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("parse try number of %q: %w", taskID, err)
	}
	return RequestID(v), int(try), nil
}
