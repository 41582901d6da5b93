package taskrequest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// PropertiesHash is the dedup fingerprint of idempotent properties: SHA-256
// over the canonical JSON form followed by the secret payload, both
// length-prefixed. It is a lookup key only, never an identity.
func PropertiesHash(p TaskProperties, secret []byte) ([]byte, error) {
	p.normalize()
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}

	h := sha256.New()
	writeField := func(b []byte) {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(b)))
		h.Write(size[:])
		h.Write(b)
	}
	writeField(data)
	writeField(secret)
	return h.Sum(nil), nil
}
