package workorder

import (
	"context"
	"testing"
	"time"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

func TestIdempotencyGuard_FirstWriterWins(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	guard := NewIdempotencyGuard(store, clock)

	calls := 0
	fn := func(payload string) func(context.Context) (any, error) {
		return func(context.Context) (any, error) {
			calls++
			return map[string]any{"order_id": payload}, nil
		}
	}

	first, err := guard.Guard(context.Background(), "propose:echo", "K", fn("first-payload"))
	if err != nil {
		t.Fatalf("first guard call failed: %v", err)
	}
	second, err := guard.Guard(context.Background(), "propose:echo", "K", fn("second-payload"))
	if err != nil {
		t.Fatalf("second guard call failed: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected fn to run exactly once, ran %d times", calls)
	}
	firstMap, _ := first.(JSON)
	secondMap, _ := second.(JSON)
	if firstMap["order_id"] != "first-payload" || secondMap["order_id"] != "first-payload" {
		t.Fatalf("expected second call to return first call's cached response, got first=%v second=%v", first, second)
	}
}

func TestIdempotencyGuard_DoesNotPersistOnFnFailure(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	guard := NewIdempotencyGuard(store, clock)

	calls := 0
	failOnce := func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, werrors.Internal("boom", nil)
		}
		return map[string]any{"ok": true}, nil
	}

	_, err := guard.Guard(context.Background(), "submit:item:i1", "K", failOnce)
	if err == nil {
		t.Fatalf("expected first call to fail")
	}
	result, err := guard.Guard(context.Background(), "submit:item:i1", "K", failOnce)
	if err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected fn invoked twice (failed attempt not cached), got %d", calls)
	}
	m, _ := result.(JSON)
	if m["ok"] != true {
		t.Fatalf("expected successful retry response, got %v", result)
	}
}

func TestIdempotencyGuard_NoKeyRunsUncached(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	guard := NewIdempotencyGuard(store, clock)

	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}
	guard.Guard(context.Background(), "scope", "", fn)
	guard.Guard(context.Background(), "scope", "", fn)
	if calls != 2 {
		t.Fatalf("expected uncached calls to run fn every time, ran %d times", calls)
	}
}

func TestIdempotencyGuard_ScopesAreIndependent(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	guard := NewIdempotencyGuard(store, clock)

	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}
	guard.Guard(context.Background(), "scope-a", "K", fn)
	guard.Guard(context.Background(), "scope-b", "K", fn)
	if calls != 2 {
		t.Fatalf("expected distinct scopes to execute independently, ran %d times", calls)
	}
}

func TestRequireKey(t *testing.T) {
	store := NewInMemoryStore()
	clock := NewFakeClock(time.Now())
	guard := NewIdempotencyGuard(store, clock)

	if err := guard.RequireKey("propose", ""); !werrors.HasCode(err, werrors.ErrCodeIdempotencyKeyRequired) {
		t.Fatalf("expected IdempotencyKeyRequired for propose without key, got %v", err)
	}
	if err := guard.RequireKey("propose", "K"); err != nil {
		t.Fatalf("expected no error when key supplied, got %v", err)
	}
	if err := guard.RequireKey("list", ""); err != nil {
		t.Fatalf("list is not a required operation, got %v", err)
	}
}
