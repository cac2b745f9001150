package workorder

import (
	"context"
	"fmt"
	"sort"
	"sync"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// AcceptancePolicy validates item submissions and decides approval readiness.
// OrderType implementations construct a concrete value; it captures no
// unserializable scope (spec.md §9 "acceptance policy anonymous-inner
// construction").
type AcceptancePolicy interface {
	// ValidateSubmission checks a proposed item result before it is
	// accepted into the submitted state. Returns field errors, empty if valid.
	ValidateSubmission(item Item, result JSON) []FieldError
	// ReadyForApproval reports whether the order may be approved.
	ReadyForApproval(order Order, items []Item) bool
}

// OrderType is the contract every registered work-order type must
// satisfy. Optional hooks have default no-op implementations supplied
// by BaseOrderType, which concrete types embed.
type OrderType interface {
	Type() string
	Schema() SchemaMap
	Plan(ctx context.Context, order Order) ([]ItemSpec, error)
	AcceptancePolicy() AcceptancePolicy
	Apply(ctx context.Context, order Order, items []Item) (Diff, error)

	BeforeApply(ctx context.Context, order Order) error
	AfterApply(ctx context.Context, order Order, diff Diff) error
	PartialRules(ctx context.Context, item Item, partKey string, seq *int64, payload JSON) []FieldError
	AfterValidatePart(ctx context.Context, item Item, part Part) error
	RequiredParts(item Item) []string
	Assemble(ctx context.Context, item Item, latest []Part) (JSON, error)
	ValidateAssembled(ctx context.Context, item Item, assembled JSON) []FieldError
	AutoApprove() bool
}

// BaseOrderType supplies default (no-op) implementations for every
// optional OrderType hook. Concrete types embed it and override only
// what they need, mirroring the "abstract base with optional hooks"
// pattern named in spec.md §9.
type BaseOrderType struct{}

func (BaseOrderType) BeforeApply(context.Context, Order) error { return nil }
func (BaseOrderType) AfterApply(context.Context, Order, Diff) error { return nil }
func (BaseOrderType) PartialRules(context.Context, Item, string, *int64, JSON) []FieldError { return nil }
func (BaseOrderType) AfterValidatePart(context.Context, Item, Part) error { return nil }
func (BaseOrderType) RequiredParts(item Item) []string { return item.PartsRequired }
func (BaseOrderType) AutoApprove() bool { return false }

// Assemble merges all latest parts by key into a single map - the
// default "merge parts by key" behavior named in spec.md §4.6.
func (BaseOrderType) Assemble(_ context.Context, _ Item, latest []Part) (JSON, error) {
	out := make(JSON, len(latest))
	for _, p := range latest {
		out[p.PartKey] = p.Payload
	}
	return out, nil
}

func (BaseOrderType) ValidateAssembled(context.Context, Item, JSON) []FieldError { return nil }

// Registry maps type-id strings to OrderType instances. Read-mostly
// after boot; the mutex exists only to guard registration during
// start-up wiring.
type Registry struct {
	mu    sync.RWMutex
	types map[string]OrderType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]OrderType)}
}

// Register adds or replaces a type. Intended for use during process
// init only.
func (r *Registry) Register(t OrderType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Type()] = t
}

// Resolve returns the OrderType for id, or OrderTypeNotFound.
func (r *Registry) Resolve(id string) (OrderType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	if !ok {
		return nil, werrors.OrderTypeNotFound(id)
	}
	return t, nil
}

// List returns all registered type ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for id := range r.types {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry(%d types)", len(r.types))
}
