package workorder

import (
	"context"
	"testing"
	"time"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

func newQueuedOrderAndItem(t *testing.T, ts *testSystem, priority int) (Order, Item) {
	t.Helper()
	order := ts.proposeEcho(t, priority, "hi")
	items, err := ts.allocator.Plan(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	return order, items[0]
}

func TestLeaseEngine_AcquireTransitionsItemAndOrder(t *testing.T) {
	ts := newTestSystem()
	_, item := newQueuedOrderAndItem(t, ts, 1)

	acquired, err := ts.lease.Acquire(context.Background(), item.ID, "agent-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if acquired.State != ItemLeased {
		t.Fatalf("expected item leased, got %s", acquired.State)
	}
	if acquired.LeasedByAgentID != "agent-1" {
		t.Fatalf("expected agent-1 to own lease, got %q", acquired.LeasedByAgentID)
	}
	if acquired.LeaseExpiresAt == nil {
		t.Fatalf("expected lease_expires_at set")
	}

	order, _ := ts.store.GetOrder(context.Background(), acquired.OrderID)
	if order.State != OrderCheckedOut {
		t.Fatalf("expected order checked_out, got %s", order.State)
	}
}

func TestLeaseEngine_AcquireConflict(t *testing.T) {
	ts := newTestSystem()
	_, item := newQueuedOrderAndItem(t, ts, 1)

	if _, err := ts.lease.Acquire(context.Background(), item.ID, "agent-1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	_, err := ts.lease.Acquire(context.Background(), item.ID, "agent-2")
	if !werrors.HasCode(err, werrors.ErrCodeLeaseConflict) {
		t.Fatalf("expected LeaseConflict for second acquire, got %v", err)
	}
}

func TestLeaseEngine_AcquireNext_NoneAvailable(t *testing.T) {
	ts := newTestSystem()
	_, err := ts.lease.AcquireNext(context.Background(), LeaseFilters{}, "agent-1")
	if !werrors.HasCode(err, werrors.ErrCodeNoItemsAvailable) {
		t.Fatalf("expected NoItemsAvailable on empty store, got %v", err)
	}
}

func TestLeaseEngine_Extend_HeartbeatAndFirstBeginsWork(t *testing.T) {
	ts := newTestSystem()
	_, item := newQueuedOrderAndItem(t, ts, 1)
	acquired, err := ts.lease.Acquire(context.Background(), item.ID, "agent-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	extended, err := ts.lease.Extend(context.Background(), acquired.ID, "agent-1")
	if err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if extended.ID == "" {
		t.Fatalf("extend must return the updated item, got zero value")
	}
	if extended.State != ItemInProgress {
		t.Fatalf("expected first heartbeat to begin work (in_progress), got %s", extended.State)
	}

	firstExpiry := *extended.LeaseExpiresAt
	ts.clock.Advance(time.Minute)
	extended2, err := ts.lease.Extend(context.Background(), extended.ID, "agent-1")
	if err != nil {
		t.Fatalf("second extend failed: %v", err)
	}
	if !extended2.LeaseExpiresAt.After(firstExpiry) {
		t.Fatalf("expected lease expiry to be pushed forward, got %v vs %v", extended2.LeaseExpiresAt, firstExpiry)
	}
}

func TestLeaseEngine_Extend_WrongAgent(t *testing.T) {
	ts := newTestSystem()
	_, item := newQueuedOrderAndItem(t, ts, 1)
	acquired, _ := ts.lease.Acquire(context.Background(), item.ID, "agent-1")

	_, err := ts.lease.Extend(context.Background(), acquired.ID, "agent-2")
	if !werrors.HasCode(err, werrors.ErrCodeLeaseConflict) {
		t.Fatalf("expected LeaseConflict for wrong agent, got %v", err)
	}
}

func TestLeaseEngine_Extend_Expired(t *testing.T) {
	ts := newTestSystem()
	_, item := newQueuedOrderAndItem(t, ts, 1)
	acquired, _ := ts.lease.Acquire(context.Background(), item.ID, "agent-1")

	ts.clock.Advance(ts.lease.cfg.TTL + time.Second)
	_, err := ts.lease.Extend(context.Background(), acquired.ID, "agent-1")
	if !werrors.HasCode(err, werrors.ErrCodeLeaseExpired) {
		t.Fatalf("expected LeaseExpired, got %v", err)
	}
}

func TestLeaseEngine_Release_ReturnsItemAndOrderToQueued(t *testing.T) {
	ts := newTestSystem()
	_, item := newQueuedOrderAndItem(t, ts, 1)
	acquired, _ := ts.lease.Acquire(context.Background(), item.ID, "agent-1")

	released, err := ts.lease.Release(context.Background(), acquired.ID, "agent-1")
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released.State != ItemQueued || released.LeasedByAgentID != "" {
		t.Fatalf("expected item released to queued with no owner, got %+v", released)
	}
	order, _ := ts.store.GetOrder(context.Background(), released.OrderID)
	if order.State != OrderQueued {
		t.Fatalf("expected order back to queued with no other active items, got %s", order.State)
	}
}

func TestLeaseEngine_ReclaimExpired_ReturnsToQueuedAndIncrementsAttempts(t *testing.T) {
	ts := newTestSystem()
	_, item := newQueuedOrderAndItem(t, ts, 1)
	acquired, _ := ts.lease.Acquire(context.Background(), item.ID, "agent-1")

	ts.clock.Advance(ts.lease.cfg.TTL + time.Second)
	touched, err := ts.lease.ReclaimExpired(context.Background())
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if touched != 1 {
		t.Fatalf("expected 1 item touched, got %d", touched)
	}

	reclaimed, _ := ts.store.GetItem(context.Background(), acquired.ID)
	if reclaimed.State != ItemQueued {
		t.Fatalf("expected item back to queued, got %s", reclaimed.State)
	}
	if reclaimed.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", reclaimed.Attempts)
	}
	if reclaimed.LeasedByAgentID != "" || reclaimed.LeaseExpiresAt != nil {
		t.Fatalf("expected lease columns cleared, got %+v", reclaimed)
	}

	events, _ := ts.store.ListEvents(context.Background(), EventFilter{ItemID: acquired.ID})
	found := false
	for _, e := range events {
		if e.Kind == EventLeaseExpired {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a lease_expired event, got %+v", events)
	}
}

func TestLeaseEngine_ReclaimExpired_MaxAttemptsFails(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hi")
	items, err := ts.allocator.Plan(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	item := items[0]
	item.MaxAttempts = 2
	if err := ts.store.UpdateItem(context.Background(), item); err != nil {
		t.Fatalf("fixture update failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		acquired, err := ts.lease.Acquire(context.Background(), item.ID, "agent-1")
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		ts.clock.Advance(ts.lease.cfg.TTL + time.Second)
		touched, err := ts.lease.ReclaimExpired(context.Background())
		if err != nil {
			t.Fatalf("reclaim %d failed: %v", i, err)
		}
		if touched != 1 {
			t.Fatalf("reclaim %d expected 1 touched, got %d", i, touched)
		}
		_ = acquired
	}

	final, _ := ts.store.GetItem(context.Background(), item.ID)
	if final.State != ItemFailed {
		t.Fatalf("expected item failed after max attempts, got %s", final.State)
	}
	if final.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", final.Attempts)
	}
	code, _ := final.Error["code"].(string)
	if code != "lease_expired_max_attempts" {
		t.Fatalf("expected lease_expired_max_attempts error code, got %+v", final.Error)
	}
}

func TestLeaseEngine_PriorityThenFIFOOrdering(t *testing.T) {
	ts := newTestSystem()
	_, lowPriorityItem := newQueuedOrderAndItem(t, ts, 1)
	ts.clock.Advance(time.Second)
	_, highPriorityItem := newQueuedOrderAndItem(t, ts, 10)

	next, ok, err := ts.lease.GetNextAvailable(context.Background(), LeaseFilters{})
	if err != nil || !ok {
		t.Fatalf("expected a candidate, err=%v ok=%v", err, ok)
	}
	if next.ID != highPriorityItem.ID {
		t.Fatalf("expected higher-priority order's item first, got %s want %s", next.ID, highPriorityItem.ID)
	}
	_ = lowPriorityItem
}

func TestLeaseEngine_FIFOWithinSamePriority(t *testing.T) {
	ts := newTestSystem()
	_, earlier := newQueuedOrderAndItem(t, ts, 5)
	ts.clock.Advance(time.Second)
	_, later := newQueuedOrderAndItem(t, ts, 5)

	next, ok, err := ts.lease.GetNextAvailable(context.Background(), LeaseFilters{})
	if err != nil || !ok {
		t.Fatalf("expected a candidate, err=%v ok=%v", err, ok)
	}
	if next.ID != earlier.ID {
		t.Fatalf("expected FIFO: earlier order's item first, got %s want %s", next.ID, earlier.ID)
	}
	_ = later
}
