package workorder

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// LeaseBackend is the "external keyed TTL store" strategy spec.md
// §4.3 allows as an alternative to database-row leasing: "a
// lease-backend strategy (database rows, or an external keyed TTL
// store — same contract)". It exposes only the mutual-exclusion
// primitive; item/order state transitions always go through the
// StateMachine regardless of which backend decided the lock.
type LeaseBackend interface {
	// Claim atomically claims key for owner with the given TTL, the
	// same all-or-nothing semantics as SELECT ... FOR UPDATE plus a
	// conditional UPDATE. Returns false if already claimed by someone else.
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends an existing claim's TTL, failing if owner does not
	// hold it (or it expired).
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release clears a claim held by owner.
	Release(ctx context.Context, key, owner string) error
}

// RedisLeaseBackend implements LeaseBackend on top of go-redis,
// grounded on the Outblock-flowindex insert-on-claim /
// `ON CONFLICT DO NOTHING` pattern translated to Redis's `SET NX PX`
// equivalent, and on ankorstore-mq-lease-service's lease-provider
// shape (claim/renew/release over a keyed store) for the method set.
type RedisLeaseBackend struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLeaseBackend builds a backend over an existing client.
// keyPrefix namespaces lease keys, e.g. "workorder:lease:".
func NewRedisLeaseBackend(client *redis.Client, keyPrefix string) *RedisLeaseBackend {
	if keyPrefix == "" {
		keyPrefix = "workorder:lease:"
	}
	return &RedisLeaseBackend{client: client, keyPrefix: keyPrefix}
}

func (b *RedisLeaseBackend) key(k string) string { return b.keyPrefix + k }

// Claim issues SET key owner NX PX ttl: the key is written only if it
// does not already exist, making claim acquisition a single atomic
// round trip with no separate check-then-set race window.
func (b *RedisLeaseBackend) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.key(key), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// renewScript conditionally resets the TTL only if the stored owner
// still matches, avoiding a renew racing a concurrent claim by a new
// owner after this one's lease already lapsed.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

func (b *RedisLeaseBackend) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := b.client.Eval(ctx, renewScript, []string{b.key(key)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// releaseScript conditionally deletes only if the stored owner still
// matches, the same "owner check before mutate" guard as Renew.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

func (b *RedisLeaseBackend) Release(ctx context.Context, key, owner string) error {
	_, err := b.client.Eval(ctx, releaseScript, []string{b.key(key)}, owner).Result()
	return err
}

// RedisLeaseEngine re-implements the LeaseEngine operations spec.md
// §4.3 describes, using a LeaseBackend as the mutual-exclusion source
// of truth instead of a row lock, while item/order state still moves
// exclusively through the StateMachine and the lease columns on Item
// are still written so SelectNextAvailableItem's single-query
// candidate filter keeps working for read paths and for the
// Postgres-backed getNextAvailable selector. This is the "external"
// leg of lease.backend; the default remains the row-lock LeaseEngine.
type RedisLeaseEngine struct {
	*LeaseEngine
	backend LeaseBackend
}

// NewRedisLeaseEngine wraps an existing LeaseEngine's store/clock/sm
// with a LeaseBackend for the claim decision.
func NewRedisLeaseEngine(base *LeaseEngine, backend LeaseBackend) *RedisLeaseEngine {
	return &RedisLeaseEngine{LeaseEngine: base, backend: backend}
}

// Acquire claims itemID via the backend first; only on success does it
// perform the same state transition the row-lock LeaseEngine.Acquire does.
func (e *RedisLeaseEngine) Acquire(ctx context.Context, itemID, agentID string) (Item, error) {
	claimed, err := e.backend.Claim(ctx, itemID, agentID, e.cfg.TTL)
	if err != nil {
		return Item{}, err
	}
	if !claimed {
		return Item{}, werrors.LeaseConflict(itemID)
	}
	item, err := e.LeaseEngine.Acquire(ctx, itemID, agentID)
	if err != nil {
		// Row-lock side lost the race (e.g. item already left `queued`
		// for an unrelated reason); release the backend claim so it
		// does not block the item forever.
		_ = e.backend.Release(ctx, itemID, agentID)
		return Item{}, err
	}
	return item, nil
}

// Extend renews the backend claim before extending the row TTL, so a
// caller who lost the backend's claim (e.g. to a reclaim) is told
// LeaseExpired rather than silently keeping a Postgres-only lease.
func (e *RedisLeaseEngine) Extend(ctx context.Context, itemID, agentID string) (Item, error) {
	renewed, err := e.backend.Renew(ctx, itemID, agentID, e.cfg.TTL)
	if err != nil {
		return Item{}, err
	}
	if !renewed {
		return Item{}, werrors.LeaseExpired(itemID)
	}
	return e.LeaseEngine.Extend(ctx, itemID, agentID)
}

// Release clears the backend claim alongside the row-based release.
func (e *RedisLeaseEngine) Release(ctx context.Context, itemID, agentID string) (Item, error) {
	item, err := e.LeaseEngine.Release(ctx, itemID, agentID)
	if err != nil {
		return Item{}, err
	}
	_ = e.backend.Release(ctx, itemID, agentID)
	return item, nil
}

// ReclaimExpired relies on the row-based pass: the backend key already
// expired on its own TTL by the time lease_expires_at has passed, so
// there is nothing extra to clean up there.
func (e *RedisLeaseEngine) ReclaimExpired(ctx context.Context) (int, error) {
	return e.LeaseEngine.ReclaimExpired(ctx)
}
