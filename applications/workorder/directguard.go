package workorder

import (
	"context"
	"net/http"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// DirectMutationGuard is the §6 "enforce-via-work-order" interceptor:
// callers that want to forbid side effects on their own domain tables
// outside of a work order wire this in front of those mutations. It
// does not gate anything in this package's own Allocator/Executor/
// LeaseEngine calls (those are the thing being enforced, not the
// enforcer) — it is named here, as the spec requires, as a small
// independently testable function rather than left purely notional.
type DirectMutationGuard struct {
	store Store

	// allowed is the set of Order states under which a direct mutation
	// carrying that order's id is permitted. Defaults to the states in
	// which an order's items are actively being worked: an order must
	// exist and not yet be terminal or still queued-unclaimed.
	allowed map[OrderState]bool
}

// NewDirectMutationGuard builds a guard with the default allowed-state
// set: checked_out, in_progress, submitted, approved. A freshly queued
// order has no agent actively holding it, and applied/completed/
// rejected/failed/dead_lettered orders are done or off the happy path,
// so none of those states license a direct mutation either.
func NewDirectMutationGuard(store Store) *DirectMutationGuard {
	return &DirectMutationGuard{
		store: store,
		allowed: map[OrderState]bool{
			OrderCheckedOut: true,
			OrderInProgress: true,
			OrderSubmitted:  true,
			OrderApproved:   true,
		},
	}
}

// SetAllowedStates replaces the allowed-state set.
func (g *DirectMutationGuard) SetAllowedStates(states ...OrderState) {
	m := make(map[OrderState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	g.allowed = m
}

// Allow reports whether a direct mutation carrying orderID is
// permitted right now. It returns ForbiddenDirectMutation (not a bare
// bool) so callers can surface the same structured error shape the
// rest of the core uses: empty orderID, an order lookup miss, or an
// order in a disallowed state all deny.
func (g *DirectMutationGuard) Allow(ctx context.Context, orderID string) error {
	if orderID == "" {
		return werrors.ForbiddenDirectMutation(orderID)
	}
	order, err := g.store.GetOrder(ctx, orderID)
	if err != nil {
		return werrors.ForbiddenDirectMutation(orderID)
	}
	if !g.allowed[order.State] {
		return werrors.ForbiddenDirectMutation(orderID)
	}
	return nil
}

// orderIDHeader is the header a caller's own mutation endpoints are
// expected to carry the work order id under when fronted by
// Middleware. Named here rather than left to each integrator to
// reinvent.
const orderIDHeader = "X-Work-Order-Id"

// Middleware wraps an arbitrary domain-mutation handler so it only
// runs when the incoming request carries a valid, in-flight work
// order id, matching the "interceptor" shape spec.md §6 describes.
// This is deliberately independent of the chi Server in http.go: it
// is meant to sit in front of a caller's own domain endpoints, not
// this package's own operations.
func (g *DirectMutationGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orderID := r.Header.Get(orderIDHeader)
		if err := g.Allow(r.Context(), orderID); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
