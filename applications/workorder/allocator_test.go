package workorder

import (
	"context"
	"testing"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

func TestAllocator_Propose_UnknownTypeRejected(t *testing.T) {
	ts := newTestSystem()
	_, err := ts.allocator.Propose(context.Background(), ProposeInput{Type: "nonexistent", Payload: JSON{}})
	if !werrors.HasCode(err, werrors.ErrCodeOrderTypeNotFound) {
		t.Fatalf("expected OrderTypeNotFound, got %v", err)
	}
}

func TestAllocator_Propose_SchemaValidationRejected(t *testing.T) {
	ts := newTestSystem()
	_, err := ts.allocator.Propose(context.Background(), ProposeInput{Type: "echo", Payload: JSON{}})
	if !werrors.HasCode(err, werrors.ErrCodeValidationFailed) {
		t.Fatalf("expected ValidationFailed for missing message, got %v", err)
	}
}

func TestAllocator_Propose_WritesOrderProvenanceAndEvent(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 5, "hi")

	if order.State != OrderQueued {
		t.Fatalf("expected new order queued, got %s", order.State)
	}
	if order.Priority != 5 {
		t.Fatalf("expected priority preserved, got %d", order.Priority)
	}

	events, _ := ts.store.ListEvents(context.Background(), EventFilter{OrderID: order.ID})
	if len(events) != 1 || events[0].Kind != EventProposed {
		t.Fatalf("expected one proposed event, got %+v", events)
	}
}

func TestAllocator_Plan_CreatesItemsFromOrderType(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hello")

	items, err := ts.allocator.Plan(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item from echo's Plan, got %d", len(items))
	}
	if items[0].State != ItemQueued {
		t.Fatalf("expected item queued, got %s", items[0].State)
	}
	if items[0].MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected default max attempts %d, got %d", DefaultMaxAttempts, items[0].MaxAttempts)
	}

	events, _ := ts.store.ListEvents(context.Background(), EventFilter{OrderID: order.ID})
	found := false
	for _, e := range events {
		if e.Kind == EventPlanned {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a planned event, got %+v", events)
	}
}

func TestAllocator_Plan_IsIdempotent(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hello")

	first, err := ts.allocator.Plan(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("first plan failed: %v", err)
	}
	second, err := ts.allocator.Plan(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("second plan failed: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("re-planning an already-planned order must not add items: first=%d second=%d", len(first), len(second))
	}
	if first[0].ID != second[0].ID {
		t.Fatalf("expected the same item back, got %s vs %s", first[0].ID, second[0].ID)
	}
}

type fixedDiscovery struct {
	name   string
	inputs []ProposeInput
	err    error
}

func (d fixedDiscovery) Name() string { return d.name }
func (d fixedDiscovery) Discover(context.Context) ([]ProposeInput, error) {
	return d.inputs, d.err
}

func TestAllocator_Generate_RunsStrategiesAndStampsSystemActor(t *testing.T) {
	ts := newTestSystem()
	strategies := []DiscoveryStrategy{
		fixedDiscovery{name: "s1", inputs: []ProposeInput{{Type: "echo", Payload: JSON{"message": "found"}}}},
	}
	created, errs := ts.allocator.Generate(context.Background(), strategies)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 order created, got %d", len(created))
	}
	if created[0].RequestedByKind != ActorSystem {
		t.Fatalf("expected system actor stamped, got %s", created[0].RequestedByKind)
	}
}

func TestAllocator_Generate_ContinuesAfterStrategyFailure(t *testing.T) {
	ts := newTestSystem()
	strategies := []DiscoveryStrategy{
		fixedDiscovery{name: "bad", err: werrors.Internal("discover failed", nil)},
		fixedDiscovery{name: "good", inputs: []ProposeInput{{Type: "echo", Payload: JSON{"message": "ok"}}}},
	}
	created, errs := ts.allocator.Generate(context.Background(), strategies)
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 error from the failing strategy, got %v", errs)
	}
	if len(created) != 1 {
		t.Fatalf("expected the good strategy to still produce an order, got %d", len(created))
	}
}
