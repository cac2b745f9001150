package workorder

import (
	"context"
	"fmt"
	"time"
)

// echoOrderType is a minimal OrderType test double modeled on spec.md's
// own S1 scenario ("echo" type): one item, apply just snapshots the
// submitted result as the order's domain change. It exists only to
// exercise the Allocator/Executor/LeaseEngine against a concrete
// contract implementation, the same role stubRefiner/stubAccumulator
// play for applications/jam/engine_test.go.
type echoOrderType struct {
	BaseOrderType
	autoApprove   bool
	requireParts  []string
	applyErr      error
	applyCalls    *int
}

func (echoOrderType) Type() string { return "echo" }

func (echoOrderType) Schema() SchemaMap {
	return SchemaMap{
		"required": []string{"message"},
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "minLength": 1},
		},
	}
}

func (t echoOrderType) Plan(_ context.Context, order Order) ([]ItemSpec, error) {
	spec := ItemSpec{Type: "echo-item", Input: order.Payload}
	if len(t.requireParts) > 0 {
		spec.PartsRequired = t.requireParts
	}
	return []ItemSpec{spec}, nil
}

func (t echoOrderType) AcceptancePolicy() AcceptancePolicy { return echoAcceptancePolicy{} }

func (t echoOrderType) Apply(_ context.Context, order Order, items []Item) (Diff, error) {
	if t.applyCalls != nil {
		*t.applyCalls++
	}
	if t.applyErr != nil {
		return Diff{}, t.applyErr
	}
	before := JSON{}
	after := JSON{}
	for _, it := range items {
		if it.Result != nil {
			after["echoed_message"] = it.Result["echoed_message"]
		}
	}
	return NewDiff(before, after, fmt.Sprintf("Applied echo order with %d items", len(items))), nil
}

func (t echoOrderType) AutoApprove() bool { return t.autoApprove }

// echoAcceptancePolicy requires result.ok == true and is ready once
// every item has submitted (or later) a result.
type echoAcceptancePolicy struct{}

func (echoAcceptancePolicy) ValidateSubmission(_ Item, result JSON) []FieldError {
	if ok, _ := result["ok"].(bool); !ok {
		return []FieldError{{Field: "ok", Code: "required", Message: "must be true"}}
	}
	return nil
}

func (echoAcceptancePolicy) ReadyForApproval(_ Order, items []Item) bool {
	for _, it := range items {
		if it.State != ItemSubmitted && it.State != ItemAccepted && it.State != ItemCompleted {
			return false
		}
	}
	return len(items) > 0
}

// failingOrderType resolves but errors on Apply, for exercising the
// ApplyFailed / order-failed path.
type failingOrderType struct {
	echoOrderType
}

func (failingOrderType) Type() string { return "failing" }

// testSystem wires the full stack over an InMemoryStore with a
// FakeClock, the shape every test in this package builds on.
type testSystem struct {
	store     *InMemoryStore
	clock     *FakeClock
	sm        *StateMachine
	registry  *Registry
	allocator *Allocator
	executor  *Executor
	lease     *LeaseEngine
	guard     *IdempotencyGuard
}

func newTestSystem() *testSystem {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sm := NewStateMachine(store, clock, DefaultOrderTransitions(), DefaultItemTransitions())
	registry := NewRegistry()
	registry.Register(echoOrderType{})
	allocator := NewAllocator(store, clock, sm, registry)
	executor := NewExecutor(store, clock, sm, registry, DefaultExecutorConfig())
	lease := NewLeaseEngine(store, clock, sm, DefaultLeaseConfig())
	guard := NewIdempotencyGuard(store, clock)
	return &testSystem{store: store, clock: clock, sm: sm, registry: registry, allocator: allocator, executor: executor, lease: lease, guard: guard}
}

func (ts *testSystem) proposeEcho(t testingT, priority int, message string) Order {
	t.Helper()
	order, err := ts.allocator.Propose(context.Background(), ProposeInput{
		Type:            "echo",
		Payload:         JSON{"message": message},
		Priority:        priority,
		RequestedByKind: ActorUser,
		RequestedByID:   "u1",
	})
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	return order
}

// testingT is the subset of *testing.T this helper needs, so it can be
// shared by both Test functions and table-driven subtests.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}
