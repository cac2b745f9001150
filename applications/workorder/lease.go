package workorder

import (
	"context"
	"time"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// LeaseConfig carries the tunables spec.md §6 enumerates under `lease.*`.
type LeaseConfig struct {
	TTL                  time.Duration
	HeartbeatEvery       time.Duration
	AcquireRetryAttempts int
}

// DefaultLeaseConfig matches spec.md §4.3's defaults.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{TTL: 600 * time.Second, HeartbeatEvery: 120 * time.Second, AcquireRetryAttempts: 3}
}

// LeaseOperator is the surface the HTTP transport and the Maintainer
// depend on, satisfied by both the row-lock *LeaseEngine and
// *RedisLeaseEngine so callers work unmodified regardless of which
// lease.backend is configured.
type LeaseOperator interface {
	AcquireNext(ctx context.Context, f LeaseFilters, agentID string) (Item, error)
	Acquire(ctx context.Context, itemID, agentID string) (Item, error)
	Extend(ctx context.Context, itemID, agentID string) (Item, error)
	Release(ctx context.Context, itemID, agentID string) (Item, error)
	ReclaimExpired(ctx context.Context) (int, error)
}

// LeaseEngine acquires/extends/releases/reclaims TTL leases and
// selects the next eligible item (C7).
type LeaseEngine struct {
	store Store
	clock Clock
	sm    *StateMachine
	cfg   LeaseConfig
}

// NewLeaseEngine builds a LeaseEngine.
func NewLeaseEngine(store Store, clock Clock, sm *StateMachine, cfg LeaseConfig) *LeaseEngine {
	return &LeaseEngine{store: store, clock: clock, sm: sm, cfg: cfg}
}

// GetNextAvailable implements spec.md §4.3's selector.
func (le *LeaseEngine) GetNextAvailable(ctx context.Context, f LeaseFilters) (Item, bool, error) {
	return le.store.SelectNextAvailableItem(ctx, f, le.clock.Now())
}

// Acquire claims item for agentID, transitioning item queued->leased
// and its order to checked_out (if still queued). It makes a single
// attempt and returns LeaseConflict if the item is no longer available
// once the row lock lands; AcquireNext is the caller that retries such
// lost races a bounded number of times.
func (le *LeaseEngine) Acquire(ctx context.Context, itemID, agentID string) (Item, error) {
	var result Item
	err := le.store.WithTx(ctx, func(ctx context.Context) error {
		item, err := le.store.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		now := le.clock.Now()
		if item.State != ItemQueued || item.HasLiveLease(now) {
			return werrors.LeaseConflict(itemID)
		}
		expiry := now.Add(le.cfg.TTL)
		item.LeasedByAgentID = agentID
		item.LeaseExpiresAt = &expiry
		item.LastHeartbeatAt = &now

		item, _, err = le.sm.TransitionItem(ctx, item, ItemLeased, Actor{Kind: ActorAgent, ID: agentID}, EventLeaseAcquired, JSON{"agent_id": agentID}, "")
		if err != nil {
			return err
		}
		if err := le.store.UpdateItem(ctx, item); err != nil {
			return err
		}

		order, err := le.store.GetOrderForUpdate(ctx, item.OrderID)
		if err != nil {
			return err
		}
		if order.State == OrderQueued {
			if _, _, err := le.sm.TransitionOrder(ctx, order, OrderCheckedOut, Actor{Kind: ActorAgent, ID: agentID}, EventLeaseAcquired, JSON{"item_id": itemID}, "", nil); err != nil {
				return err
			}
		}
		result = item
		return nil
	})
	return result, err
}

// AcquireNext selects and acquires the next eligible item, retrying a
// bounded number of times on lost races (spec.md §4.3 concurrency note).
func (le *LeaseEngine) AcquireNext(ctx context.Context, f LeaseFilters, agentID string) (Item, error) {
	attempts := le.cfg.AcquireRetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	for i := 0; i < attempts; i++ {
		item, ok, err := le.GetNextAvailable(ctx, f)
		if err != nil {
			return Item{}, err
		}
		if !ok {
			return Item{}, werrors.NoItemsAvailable()
		}
		acquired, err := le.Acquire(ctx, item.ID, agentID)
		if err == nil {
			return acquired, nil
		}
		if !werrors.HasCode(err, werrors.ErrCodeLeaseConflict) {
			return Item{}, err
		}
	}
	return Item{}, werrors.NoItemsAvailable()
}

// Extend heartbeats a lease, resetting its TTL.
func (le *LeaseEngine) Extend(ctx context.Context, itemID, agentID string) (Item, error) {
	var result Item
	err := le.store.WithTx(ctx, func(ctx context.Context) error {
		item, err := le.store.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		now := le.clock.Now()
		if item.LeaseExpiresAt == nil || now.After(*item.LeaseExpiresAt) {
			return werrors.LeaseExpired(itemID)
		}
		if item.LeasedByAgentID != agentID {
			return werrors.LeaseConflict(itemID)
		}
		expiry := now.Add(le.cfg.TTL)
		item.LeaseExpiresAt = &expiry
		item.LastHeartbeatAt = &now
		actor := Actor{Kind: ActorAgent, ID: agentID}

		// First heartbeat after acquire is treated as the agent starting
		// work: the transition graph has no dedicated "begin work" entry
		// point (spec.md §4.5 only names submit/approve/apply/reject/
		// fail/submitPart/finalizeItem), so leased->in_progress happens
		// here instead of staying in leased until submit.
		if item.State == ItemLeased {
			var err error
			item, _, err = le.sm.TransitionItem(ctx, item, ItemInProgress, actor, EventStarted, nil, "")
			if err != nil {
				return err
			}
			result = item
			return nil
		}
		if err := le.store.UpdateItem(ctx, item); err != nil {
			return err
		}
		if _, err := le.sm.RecordEvent(ctx, item.OrderID, item.ID, actor, EventHeartbeat, nil, ""); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

// Release clears item's lease and returns it to queued; if the parent
// order has no other leased/in-progress item, the order also returns
// to queued.
func (le *LeaseEngine) Release(ctx context.Context, itemID, agentID string) (Item, error) {
	var result Item
	err := le.store.WithTx(ctx, func(ctx context.Context) error {
		item, err := le.store.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		if item.LeasedByAgentID != agentID {
			return werrors.LeaseConflict(itemID)
		}
		item.LeasedByAgentID = ""
		item.LeaseExpiresAt = nil
		item.LastHeartbeatAt = nil

		item, _, err = le.sm.TransitionItem(ctx, item, ItemQueued, Actor{Kind: ActorAgent, ID: agentID}, EventLeaseReleased, nil, "")
		if err != nil {
			return err
		}

		order, err := le.store.GetOrderForUpdate(ctx, item.OrderID)
		if err != nil {
			return err
		}
		siblings, err := le.store.ListItemsByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		anyActive := false
		for _, sib := range siblings {
			if sib.ID != item.ID && (sib.State == ItemLeased || sib.State == ItemInProgress) {
				anyActive = true
				break
			}
		}
		if !anyActive && order.State == OrderCheckedOut {
			if _, _, err := le.sm.TransitionOrder(ctx, order, OrderQueued, Actor{Kind: ActorAgent, ID: agentID}, EventReleased, nil, "", nil); err != nil {
				return err
			}
		}
		result = item
		return nil
	})
	return result, err
}

// ReclaimExpired implements spec.md §4.3's reclaimExpired: every item
// whose lease has passed is either returned to queued (incrementing
// attempts) or failed once max_attempts is reached. Returns the count
// of items touched.
func (le *LeaseEngine) ReclaimExpired(ctx context.Context) (int, error) {
	now := le.clock.Now()
	expired, err := le.store.ListExpirableLeasedItems(ctx, now)
	if err != nil {
		return 0, err
	}
	touched := 0
	for _, candidate := range expired {
		err := le.store.WithTx(ctx, func(ctx context.Context) error {
			item, err := le.store.GetItemForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if item.LeaseExpiresAt == nil || !item.LeaseExpiresAt.Before(le.clock.Now()) {
				return nil // reclaimed or extended by someone else already
			}
			if item.State != ItemLeased && item.State != ItemInProgress {
				return nil
			}
			item.Attempts++
			item.LeasedByAgentID = ""
			item.LeaseExpiresAt = nil
			item.LastHeartbeatAt = nil

			if item.Attempts >= item.MaxAttempts {
				item.Error = JSON{"code": "lease_expired_max_attempts"}
				if _, _, err := le.sm.TransitionItem(ctx, item, ItemFailed, SystemActor, EventLeaseExpired, JSON{"code": "lease_expired_max_attempts"}, "max attempts reached"); err != nil {
					return err
				}
			} else {
				if _, _, err := le.sm.TransitionItem(ctx, item, ItemQueued, SystemActor, EventLeaseExpired, nil, ""); err != nil {
					return err
				}
			}
			touched++
			return nil
		})
		if err != nil {
			return touched, err
		}
	}
	return touched, nil
}
