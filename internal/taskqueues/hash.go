package taskqueues

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
)

// HashDimensions maps a requirement set to its 32 bit queue number. The input
// is flattened first, so key order and value order never matter. Zero is
// reserved as "unset" and never returned. Collisions are expected; the exact
// sets stored in TaskDimensions disambiguate them.
func HashDimensions(dims domain.Dimensions) uint32 {
	return hashFlat(dims.Flatten())
}

func hashFlat(flat []string) uint32 {
	d := xxhash.New()
	for _, kv := range flat {
		k, v, _ := strings.Cut(kv, ":")
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(v)
		_, _ = d.Write([]byte{0})
	}
	h := uint32(d.Sum64())
	if h == 0 {
		return 1
	}
	return h
}
