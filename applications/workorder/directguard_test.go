package workorder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

func TestDirectMutationGuard_Allow(t *testing.T) {
	ts := newTestSystem()
	guard := NewDirectMutationGuard(ts.store)
	ctx := context.Background()

	order := ts.proposeEcho(t, 5, "hi")
	if err := guard.Allow(ctx, order.ID); err == nil {
		t.Fatalf("expected queued order to be denied, got nil error")
	}

	if _, err := ts.allocator.Plan(ctx, order.ID); err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	items, err := ts.store.ListItemsByOrder(ctx, order.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one planned item, got %v err=%v", items, err)
	}
	if _, err := ts.lease.Acquire(ctx, items[0].ID, "agent-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	checkedOut, err := ts.store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if checkedOut.State != OrderCheckedOut {
		t.Fatalf("expected order checked_out after acquire, got %s", checkedOut.State)
	}
	if err := guard.Allow(ctx, order.ID); err != nil {
		t.Fatalf("expected checked_out order to be allowed, got %v", err)
	}

	if err := guard.Allow(ctx, ""); err == nil {
		t.Fatalf("expected empty order id to be denied")
	}
	if err := guard.Allow(ctx, "does-not-exist"); err == nil {
		t.Fatalf("expected unknown order id to be denied")
	}
	var svcErr *werrors.ServiceError
	err = guard.Allow(ctx, "does-not-exist")
	if !errorsAs(err, &svcErr) || svcErr.Code != werrors.ErrCodeForbiddenDirectMutation {
		t.Fatalf("expected ForbiddenDirectMutation, got %v", err)
	}
}

func TestDirectMutationGuard_Middleware(t *testing.T) {
	ts := newTestSystem()
	guard := NewDirectMutationGuard(ts.store)
	order := ts.proposeEcho(t, 1, "hi")

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := guard.Middleware(next)

	req := httptest.NewRequest(http.MethodPost, "/domain/mutate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if called {
		t.Fatalf("expected next handler not to run without an order id header")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/domain/mutate", nil)
	req.Header.Set(orderIDHeader, order.ID)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if called {
		t.Fatalf("expected next handler not to run for a still-queued order")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for queued order, got %d", rec.Code)
	}
}

func errorsAs(err error, target **werrors.ServiceError) bool {
	se, ok := err.(*werrors.ServiceError)
	if !ok {
		return false
	}
	*target = se
	return true
}
