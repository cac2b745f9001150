package workorder

import (
	"context"
	"encoding/json"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// RequiredIdempotencyOperations lists the operations spec.md §4.2
// mandates a caller-supplied key for. Configurable via
// idempotency.required_operations (spec.md §6); this is the default.
var RequiredIdempotencyOperations = map[string]bool{
	"propose":      true,
	"submit":       true,
	"submit-part":  true,
	"finalize":     true,
	"approve":      true,
	"reject":       true,
}

// IdempotencyGuard backs every mutating operation with scope+key ->
// cached response, at-most-once execution under a key (C6).
type IdempotencyGuard struct {
	store     Store
	clock     Clock
	required  map[string]bool
}

// NewIdempotencyGuard builds a guard using the default required-ops
// set; callers may replace that set with SetRequired after construction.
func NewIdempotencyGuard(store Store, clock Clock) *IdempotencyGuard {
	required := make(map[string]bool, len(RequiredIdempotencyOperations))
	for k, v := range RequiredIdempotencyOperations {
		required[k] = v
	}
	return &IdempotencyGuard{store: store, clock: clock, required: required}
}

// SetRequired replaces the required-operations set.
func (g *IdempotencyGuard) SetRequired(ops map[string]bool) { g.required = ops }

// RequireKey returns IdempotencyKeyRequired if operation demands a key
// and none was supplied by the caller.
func (g *IdempotencyGuard) RequireKey(operation, key string) error {
	if g.required[operation] && key == "" {
		return werrors.IdempotencyKeyRequired(operation)
	}
	return nil
}

// Guard implements spec.md §4.2's guard(scope, key, fn) contract: hash
// key, lock the (scope, key_hash) row inside a transaction, return the
// cached response if one exists (first writer wins, no payload
// comparison), otherwise run fn and persist its result. fn's return
// value must be JSON-serializable.
func (g *IdempotencyGuard) Guard(ctx context.Context, scope, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if key == "" {
		// Optional-key operations run fn directly, uncached.
		return fn(ctx)
	}
	keyHash := hashKey(key)

	var result any
	err := g.store.WithTx(ctx, func(ctx context.Context) error {
		existing, ok, err := g.store.LockIdempotencyKey(ctx, scope, keyHash)
		if err != nil {
			return err
		}
		if ok {
			result = existing.ResponseSnapshot
			return nil
		}
		out, err := fn(ctx)
		if err != nil {
			// fn failed: do not persist the row, so retries may succeed.
			return err
		}
		snapshot, err := toJSONSnapshot(out)
		if err != nil {
			return err
		}
		if err := g.store.SaveIdempotencyKey(ctx, IdempotencyKey{
			Scope:            scope,
			KeyHash:          keyHash,
			ResponseSnapshot: snapshot,
			CreatedAt:        g.clock.Now(),
		}); err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// toJSONSnapshot round-trips v through JSON so the cached response is
// a plain JSON-compatible value, matching how it will be returned on
// a cache hit read back from the store.
func toJSONSnapshot(v any) (JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var snap JSON
	if err := json.Unmarshal(raw, &snap); err != nil {
		// v did not marshal to a JSON object (e.g. it's a scalar); wrap it.
		var scalar any
		if uerr := json.Unmarshal(raw, &scalar); uerr != nil {
			return nil, err
		}
		return JSON{"value": scalar}, nil
	}
	return snap, nil
}
