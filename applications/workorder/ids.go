package workorder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// newID generates a new entity identifier. Every Order/Item/Part/Event/
// Provenance id in this package is a UUID, grounded on the teacher's
// uniform use of google/uuid across applications/jam.
func newID() string {
	return uuid.NewString()
}

// canonicalJSON serializes v with sorted object keys so that two
// logically-equal payloads hash identically regardless of map
// iteration order, the same "canonical before hashing" approach as
// the teacher's HashStruct helper in applications/jam/helpers.go.
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through JSON so map[string]any keys sort
// deterministically via encoding/json's built-in object-key ordering,
// and nested structs become plain maps comparable the same way.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// checksumPayload returns the SHA-256 hex digest of the canonical JSON
// encoding of payload, the Part.checksum rule in spec.md §3.
func checksumPayload(payload JSON) (string, error) {
	data, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// hashKey returns the SHA-256 hex digest of an idempotency key string
// (spec.md §3 Idempotency Key: "key_hash is SHA-256 of the caller-
// provided key string").
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// sortedKeys is a small helper used by components that need stable
// iteration over a JSON map (e.g. building a deterministic field list
// in error messages).
func sortedKeys(m JSON) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
