package workorder

import (
	"context"
	"testing"
	"time"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

func newOrderFixture(store Store, clock Clock, state OrderState) Order {
	now := clock.Now()
	o := Order{ID: newID(), Type: "echo", State: state, Priority: 1, Payload: JSON{"message": "hi"}, CreatedAt: now, LastTransitionedAt: now}
	store.CreateOrder(context.Background(), o)
	return o
}

func TestTransitionOrder_IllegalTransitionRejected(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	sm := NewStateMachine(store, clock, DefaultOrderTransitions(), DefaultItemTransitions())
	order := newOrderFixture(store, clock, OrderCompleted)

	_, _, err := sm.TransitionOrder(context.Background(), order, OrderQueued, SystemActor, EventProposed, nil, "", nil)
	if !werrors.HasCode(err, werrors.ErrCodeIllegalTransition) {
		t.Fatalf("expected IllegalTransition, got %v", err)
	}

	// No event or state write should have happened (spec.md S7).
	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.State != OrderCompleted {
		t.Fatalf("state must be unchanged, got %s", got.State)
	}
	events, _ := store.ListEvents(context.Background(), EventFilter{OrderID: order.ID})
	if len(events) != 0 {
		t.Fatalf("expected no events written, got %d", len(events))
	}
}

func TestTransitionOrder_SetsTimestampsOnce(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sm := NewStateMachine(store, clock, DefaultOrderTransitions(), DefaultItemTransitions())
	order := newOrderFixture(store, clock, OrderApproved)

	order, _, err := sm.TransitionOrder(context.Background(), order, OrderApplied, SystemActor, EventApplied, nil, "", nil)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if order.AppliedAt == nil {
		t.Fatalf("expected applied_at to be set")
	}
	firstApplied := *order.AppliedAt

	clock.Advance(time.Hour)
	order, _, err = sm.TransitionOrder(context.Background(), order, OrderFailed, SystemActor, EventFailed, nil, "", nil)
	if err != nil {
		t.Fatalf("transition to failed failed: %v", err)
	}
	if order.AppliedAt == nil || !order.AppliedAt.Equal(firstApplied) {
		t.Fatalf("applied_at should not change once set, got %v want %v", order.AppliedAt, firstApplied)
	}
}

func TestTransitionItem_ClearsLeaseOnTerminal(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	sm := NewStateMachine(store, clock, DefaultOrderTransitions(), DefaultItemTransitions())

	expiry := clock.Now().Add(time.Minute)
	item := Item{ID: newID(), OrderID: "o1", State: ItemSubmitted, MaxAttempts: 3, LeasedByAgentID: "a1", LeaseExpiresAt: &expiry, CreatedAt: clock.Now()}
	store.CreateItems(context.Background(), []Item{item})

	item, _, err := sm.TransitionItem(context.Background(), item, ItemAccepted, SystemActor, EventAccepted, nil, "")
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if item.AcceptedAt == nil {
		t.Fatalf("expected accepted_at to be set")
	}

	item, _, err = sm.TransitionItem(context.Background(), item, ItemCompleted, SystemActor, EventCompleted, nil, "")
	if err != nil {
		t.Fatalf("transition to completed failed: %v", err)
	}
	if item.LeasedByAgentID != "" || item.LeaseExpiresAt != nil {
		t.Fatalf("expected lease columns cleared on terminal state, got agent=%q expiry=%v", item.LeasedByAgentID, item.LeaseExpiresAt)
	}
}

func TestTransitionOrder_ObserverFiresAfterCommit(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	sm := NewStateMachine(store, clock, DefaultOrderTransitions(), DefaultItemTransitions())
	order := newOrderFixture(store, clock, OrderQueued)

	var notified []Event
	sm.OnEvent(func(e Event) { notified = append(notified, e) })

	_, ev, err := sm.TransitionOrder(context.Background(), order, OrderCheckedOut, SystemActor, EventLeaseAcquired, nil, "", nil)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if len(notified) != 1 || notified[0].ID != ev.ID {
		t.Fatalf("expected observer notified with persisted event, got %+v", notified)
	}
}

func TestRecordEvent_NoStateChange(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	sm := NewStateMachine(store, clock, DefaultOrderTransitions(), DefaultItemTransitions())
	order := newOrderFixture(store, clock, OrderQueued)

	_, err := sm.RecordEvent(context.Background(), order.ID, "", SystemActor, EventHeartbeat, nil, "note")
	if err != nil {
		t.Fatalf("record event failed: %v", err)
	}
	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.State != OrderQueued {
		t.Fatalf("recordEvent must not change state, got %s", got.State)
	}
	events, _ := store.ListEvents(context.Background(), EventFilter{OrderID: order.ID})
	if len(events) != 1 || events[0].Kind != EventHeartbeat {
		t.Fatalf("expected one heartbeat event, got %+v", events)
	}
}

func TestDefaultTransitionGraphs_CoverReworkPaths(t *testing.T) {
	og := DefaultOrderTransitions()
	if !og.allows(string(OrderQueued), string(OrderRejected)) {
		t.Fatalf("expected queued->rejected rework path")
	}
	if !og.allows(string(OrderRejected), string(OrderQueued)) {
		t.Fatalf("expected rejected->queued rework path")
	}
	if !og.allows(string(OrderCheckedOut), string(OrderQueued)) {
		t.Fatalf("expected checked_out->queued release path")
	}
	if !og.allows(string(OrderFailed), string(OrderDeadLettered)) {
		t.Fatalf("expected failed->dead_lettered path")
	}

	ig := DefaultItemTransitions()
	if !ig.allows(string(ItemLeased), string(ItemQueued)) {
		t.Fatalf("expected leased->queued release/expire path")
	}
	if !ig.allows(string(ItemSubmitted), string(ItemRejected)) {
		t.Fatalf("expected submitted->rejected path")
	}
}
