package workorder

import (
	"context"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// DefaultMaxAttempts is retry.default_max_attempts (spec.md §6).
const DefaultMaxAttempts = 3

// Allocator proposes new orders and plans them into items (C8).
type Allocator struct {
	store    Store
	clock    Clock
	sm       *StateMachine
	registry *Registry
}

// NewAllocator builds an Allocator.
func NewAllocator(store Store, clock Clock, sm *StateMachine, registry *Registry) *Allocator {
	return &Allocator{store: store, clock: clock, sm: sm, registry: registry}
}

// ProposeInput carries the propose() request shape (spec.md §6).
type ProposeInput struct {
	Type            string
	Payload         JSON
	Meta            JSON
	Priority        int
	RequestedByKind ActorKind
	RequestedByID   string
	AgentName       string
	AgentVersion    string
}

// Propose implements spec.md §4.4's propose: resolve the type, validate
// payload against its schema, and insert the order + provenance +
// `proposed` event inside one transaction.
func (a *Allocator) Propose(ctx context.Context, in ProposeInput) (Order, error) {
	orderType, err := a.registry.Resolve(in.Type)
	if err != nil {
		return Order{}, err
	}

	if fieldErrs := Validate(in.Payload, orderType.Schema()); len(fieldErrs) > 0 {
		return Order{}, werrors.ValidationFailed(toDetails(fieldErrs))
	}

	var created Order
	err = a.store.WithTx(ctx, func(ctx context.Context) error {
		now := a.clock.Now()
		order := Order{
			ID:                 newID(),
			Type:               in.Type,
			State:              OrderQueued,
			Priority:           in.Priority,
			Payload:            in.Payload,
			Meta:               in.Meta,
			RequestedByKind:    in.RequestedByKind,
			RequestedByID:      in.RequestedByID,
			CreatedAt:          now,
			LastTransitionedAt: now,
		}
		order, err := a.store.CreateOrder(ctx, order)
		if err != nil {
			return err
		}
		if _, err := a.store.CreateProvenance(ctx, Provenance{
			ID:           newID(),
			OrderID:      order.ID,
			AgentID:      in.RequestedByID,
			AgentName:    in.AgentName,
			AgentVersion: in.AgentVersion,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		actor := Actor{Kind: in.RequestedByKind, ID: in.RequestedByID}
		if _, err := a.sm.RecordEvent(ctx, order.ID, "", actor, EventProposed, JSON{"type": in.Type}, ""); err != nil {
			return err
		}
		created = order
		return nil
	})
	return created, err
}

// Plan implements spec.md §4.4's plan: idempotent w.r.t. an order that
// already has items.
func (a *Allocator) Plan(ctx context.Context, orderID string) ([]Item, error) {
	var planned []Item
	err := a.store.WithTx(ctx, func(ctx context.Context) error {
		order, err := a.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		exists, err := a.store.ItemsExistForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if exists {
			planned, err = a.store.ListItemsByOrder(ctx, orderID)
			return err
		}
		orderType, err := a.registry.Resolve(order.Type)
		if err != nil {
			return err
		}
		specs, err := orderType.Plan(ctx, order)
		if err != nil {
			return err
		}
		now := a.clock.Now()
		items := make([]Item, 0, len(specs))
		for _, spec := range specs {
			maxAttempts := spec.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = DefaultMaxAttempts
			}
			items = append(items, Item{
				ID:            newID(),
				OrderID:       order.ID,
				Type:          spec.Type,
				State:         ItemQueued,
				MaxAttempts:   maxAttempts,
				Input:         spec.Input,
				PartsRequired: spec.PartsRequired,
				CreatedAt:     now,
			})
		}
		items, err = a.store.CreateItems(ctx, items)
		if err != nil {
			return err
		}
		if _, err := a.sm.RecordEvent(ctx, order.ID, "", SystemActor, EventPlanned, JSON{"count": len(items)}, ""); err != nil {
			return err
		}
		planned = items
		return nil
	})
	return planned, err
}

// DiscoveryStrategy finds new work and turns it into propose() calls.
// Concrete strategies are an external collaborator (spec.md §1); the
// allocator only knows how to run the set of registered ones.
type DiscoveryStrategy interface {
	Name() string
	Discover(ctx context.Context) ([]ProposeInput, error)
}

// Generate implements the §6 `generate(strategies)` maintenance entry
// point: run each discovery strategy and propose() everything it
// finds, stamping actor = system:scheduler. A strategy failure is
// logged by the caller and does not stop the remaining strategies.
func (a *Allocator) Generate(ctx context.Context, strategies []DiscoveryStrategy) ([]Order, []error) {
	var created []Order
	var errs []error
	for _, strat := range strategies {
		inputs, err := strat.Discover(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, in := range inputs {
			in.RequestedByKind = ActorSystem
			if in.RequestedByID == "" {
				in.RequestedByID = SystemActor.ID
			}
			order, err := a.Propose(ctx, in)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			created = append(created, order)
		}
	}
	return created, errs
}

func toDetails(fieldErrs []FieldError) []werrors.FieldErrorDetail {
	out := make([]werrors.FieldErrorDetail, len(fieldErrs))
	for i, fe := range fieldErrs {
		out[i] = werrors.FieldErrorDetail{Field: fe.Field, Code: fe.Code, Message: fe.Message}
	}
	return out
}
