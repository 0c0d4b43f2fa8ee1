// Package syncx holds small pure helpers shared by the sync pipeline:
// canonical payload hashing and timestamp formatting.
package syncx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Canonical serializes v as canonical JSON: object keys sorted, no
// insignificant whitespace. Arrays keep their order, so callers must
// normalize multi-value fields (labels, relation ids) before hashing.
func Canonical(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	// Round-trip through any so maps re-marshal with sorted keys
	// regardless of the original struct field order.
	var tmp any
	if err := json.Unmarshal(b, &tmp); err != nil {
		return nil, fmt.Errorf("canonical unmarshal: %w", err)
	}
	return json.Marshal(tmp)
}

// Hash returns the SHA-256 hex digest of the canonical JSON of v.
// Used for payload idempotence and echo suppression.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash is Hash for values known to be marshalable (plain structs
// and maps of strings). It panics otherwise.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HashString returns the SHA-256 hex digest of a raw string.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Now returns the current UTC time truncated to milliseconds, which is
// the precision the state store keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// RFC3339 formats t for human-readable fields (backlinks, notices).
func RFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
