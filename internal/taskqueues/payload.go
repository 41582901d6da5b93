package taskqueues

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
)

// ErrMalformedPayload marks rebuild payloads that can never succeed. Workers
// should drop them instead of asking for redelivery.
var ErrMalformedPayload = errors.New("malformed rebuild payload")

// RebuildPayload is the deferred message asking a worker to fan a requirement
// set out to every matching bot. The hash travels as a decimal string.
type RebuildPayload struct {
	Dimensions     domain.Dimensions `json:"dimensions"`
	DimensionsHash string            `json:"dimensions_hash"`
	ValidUntil     time.Time         `json:"valid_until"`
}

func newRebuildPayload(dims domain.Dimensions, hash uint32, validUntil time.Time) RebuildPayload {
	return RebuildPayload{
		Dimensions:     dims,
		DimensionsHash: strconv.FormatUint(uint64(hash), 10),
		ValidUntil:     validUntil.UTC(),
	}
}

// DecodeRebuildPayload parses the wire form produced by Marshal.
func DecodeRebuildPayload(b []byte) (RebuildPayload, error) {
	var p RebuildPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, nil
}

// Marshal encodes the payload as JSON.
func (p RebuildPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// hash checks the payload and returns its parsed hash.
func (p RebuildPayload) hash() (uint32, error) {
	if len(p.Dimensions) == 0 {
		return 0, fmt.Errorf("%w: no dimensions", ErrMalformedPayload)
	}
	if RootFor(p.Dimensions) == "" {
		return 0, fmt.Errorf("%w: neither id nor pool", ErrMalformedPayload)
	}
	h, err := strconv.ParseUint(p.DimensionsHash, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: hash %q: %v", ErrMalformedPayload, p.DimensionsHash, err)
	}
	if want := HashDimensions(p.Dimensions); uint32(h) != want {
		return 0, fmt.Errorf("%w: hash %d does not match dimensions (%d)", ErrMalformedPayload, h, want)
	}
	return uint32(h), nil
}
