package workorder

import (
	"context"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// TransitionGraph maps a state to the set of states it may legally
// move to. Configurable per spec.md §6 (state_machine.order_transitions
// / .item_transitions); DefaultOrderTransitions/DefaultItemTransitions
// below are the required minimum.
type TransitionGraph map[string][]string

func (g TransitionGraph) allows(from, to string) bool {
	for _, s := range g[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultOrderTransitions is the minimum graph spec.md §4.1 requires.
func DefaultOrderTransitions() TransitionGraph {
	return TransitionGraph{
		string(OrderQueued):      {string(OrderCheckedOut), string(OrderRejected), string(OrderFailed)},
		string(OrderCheckedOut):  {string(OrderInProgress), string(OrderSubmitted), string(OrderQueued), string(OrderFailed)},
		string(OrderInProgress):  {string(OrderSubmitted), string(OrderFailed)},
		string(OrderSubmitted):   {string(OrderApproved), string(OrderRejected), string(OrderFailed)},
		string(OrderApproved):    {string(OrderApplied), string(OrderFailed)},
		string(OrderApplied):     {string(OrderCompleted), string(OrderFailed)},
		string(OrderRejected):    {string(OrderQueued), string(OrderFailed)},
		string(OrderFailed):      {string(OrderDeadLettered)},
		string(OrderCompleted):   {},
		string(OrderDeadLettered): {},
	}
}

// DefaultItemTransitions is the minimum graph spec.md §4.1 requires.
func DefaultItemTransitions() TransitionGraph {
	return TransitionGraph{
		string(ItemQueued):       {string(ItemLeased), string(ItemRejected), string(ItemFailed)},
		// leased->submitted covers spec.md §4.5 submit's own precondition
		// (item state in {leased, in_progress}): an agent may submit
		// without ever calling heartbeat/extend first, so a leased item
		// must be able to reach submitted directly, not only by way of
		// in_progress.
		string(ItemLeased):       {string(ItemInProgress), string(ItemSubmitted), string(ItemQueued), string(ItemFailed)},
		string(ItemInProgress):   {string(ItemSubmitted), string(ItemQueued), string(ItemFailed)},
		string(ItemSubmitted):    {string(ItemAccepted), string(ItemRejected), string(ItemFailed)},
		string(ItemAccepted):     {string(ItemCompleted), string(ItemFailed)},
		string(ItemRejected):     {string(ItemQueued)},
		string(ItemFailed):       {string(ItemDeadLettered)},
		string(ItemCompleted):    {},
		string(ItemDeadLettered): {},
	}
}

// Observer receives a domain event after it has committed. Emission
// order is always persist -> commit -> notify (spec.md §4.1).
type Observer func(Event)

// StateMachine validates and performs state transitions for orders and
// items, writing the corresponding event inside the same transaction
// as the state change and notifying observers only after commit.
type StateMachine struct {
	store           Store
	clock           Clock
	orderGraph      TransitionGraph
	itemGraph       TransitionGraph
	observers       []Observer
}

// NewStateMachine builds a StateMachine over the given graphs.
func NewStateMachine(store Store, clock Clock, orderGraph, itemGraph TransitionGraph) *StateMachine {
	return &StateMachine{store: store, clock: clock, orderGraph: orderGraph, itemGraph: itemGraph}
}

// OnEvent registers an observer invoked after every committed event.
func (m *StateMachine) OnEvent(o Observer) {
	m.observers = append(m.observers, o)
}

func (m *StateMachine) notify(e Event) {
	for _, o := range m.observers {
		o(e)
	}
}

// TransitionOrder moves order to `to`, recording payload/message/diff
// on the generated event. Must run inside an already-open Store
// transaction (the caller's WithTx); commit/notify ordering is the
// caller's responsibility once its outer transaction returns.
func (m *StateMachine) TransitionOrder(ctx context.Context, order Order, to OrderState, actor Actor, kind EventKind, payload JSON, message string, diff *Diff) (Order, Event, error) {
	if !m.orderGraph.allows(string(order.State), string(to)) {
		return Order{}, Event{}, werrors.IllegalTransition("order", string(order.State), string(to))
	}
	now := m.clock.Now()
	order.State = to
	order.LastTransitionedAt = now
	if to == OrderApplied && order.AppliedAt == nil {
		order.AppliedAt = &now
	}
	if to == OrderCompleted && order.CompletedAt == nil {
		order.CompletedAt = &now
	}
	if err := m.store.UpdateOrder(ctx, order); err != nil {
		return Order{}, Event{}, err
	}
	ev := Event{
		ID:        newID(),
		OrderID:   order.ID,
		Kind:      kind,
		ActorKind: actor.Kind,
		ActorID:   actor.ID,
		Payload:   payload,
		Diff:      diff,
		Message:   message,
		CreatedAt: now,
	}
	ev, err := m.store.AppendEvent(ctx, ev)
	if err != nil {
		return Order{}, Event{}, err
	}
	return order, ev, nil
}

// TransitionItem moves item to `to`, same contract as TransitionOrder.
func (m *StateMachine) TransitionItem(ctx context.Context, item Item, to ItemState, actor Actor, kind EventKind, payload JSON, message string) (Item, Event, error) {
	if !m.itemGraph.allows(string(item.State), string(to)) {
		return Item{}, Event{}, werrors.IllegalTransition("item", string(item.State), string(to))
	}
	now := m.clock.Now()
	item.State = to
	if to == ItemAccepted && item.AcceptedAt == nil {
		item.AcceptedAt = &now
	}
	if to.IsTerminal() {
		item.LeasedByAgentID = ""
		item.LeaseExpiresAt = nil
	}
	if err := m.store.UpdateItem(ctx, item); err != nil {
		return Item{}, Event{}, err
	}
	ev := Event{
		ID:        newID(),
		OrderID:   item.OrderID,
		ItemID:    item.ID,
		Kind:      kind,
		ActorKind: actor.Kind,
		ActorID:   actor.ID,
		Payload:   payload,
		Message:   message,
		CreatedAt: now,
	}
	ev, err := m.store.AppendEvent(ctx, ev)
	if err != nil {
		return Item{}, Event{}, err
	}
	return item, ev, nil
}

// RecordEvent writes an informational event without a state change
// (heartbeats, lease-expired notes) per spec.md §4.1 recordEvent.
func (m *StateMachine) RecordEvent(ctx context.Context, orderID, itemID string, actor Actor, kind EventKind, payload JSON, message string) (Event, error) {
	ev := Event{
		ID:        newID(),
		OrderID:   orderID,
		ItemID:    itemID,
		Kind:      kind,
		ActorKind: actor.Kind,
		ActorID:   actor.ID,
		Payload:   payload,
		Message:   message,
		CreatedAt: m.clock.Now(),
	}
	return m.store.AppendEvent(ctx, ev)
}
