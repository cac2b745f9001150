package workorder

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// LeaseFilters narrows getNextAvailable candidates (spec.md §4.3).
type LeaseFilters struct {
	OrderID     string
	Type        string
	TenantID    string // accepted, never enforced (spec.md §9 open question 1)
	MinPriority *int
}

// EventFilter narrows the event log query.
type EventFilter struct {
	OrderID string
	ItemID  string
	Limit   int
}

// QueryFilter describes the C12 Query Surface's request shape (§4.10).
type QueryFilter struct {
	ID              string
	State           string
	Type            string
	RequestedByKind string
	RequestedByID   string
	MetaContains    JSON
	HasAvailable    *bool
	SortField       string
	SortDesc        bool
	Limit           int
	Offset          int
}

// Store is the transactional persistence contract every C1-C11
// component relies on. WithTx establishes one outer transaction; every
// method invoked with the returned context participates in it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateOrder(ctx context.Context, o Order) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderForUpdate(ctx context.Context, id string) (Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	ListOrders(ctx context.Context, f QueryFilter) ([]Order, int64, error)
	DeleteOrder(ctx context.Context, id string) error

	CreateItems(ctx context.Context, items []Item) ([]Item, error)
	GetItem(ctx context.Context, id string) (Item, error)
	GetItemForUpdate(ctx context.Context, id string) (Item, error)
	UpdateItem(ctx context.Context, it Item) error
	ListItemsByOrder(ctx context.Context, orderID string) ([]Item, error)
	ItemsExistForOrder(ctx context.Context, orderID string) (bool, error)
	SelectNextAvailableItem(ctx context.Context, f LeaseFilters, now time.Time) (Item, bool, error)
	ListExpirableLeasedItems(ctx context.Context, now time.Time) ([]Item, error)

	CreatePart(ctx context.Context, p Part) (Part, error)
	ListPartsByItem(ctx context.Context, itemID string) ([]Part, error)

	AppendEvent(ctx context.Context, e Event) (Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)

	CreateProvenance(ctx context.Context, p Provenance) (Provenance, error)

	// LockIdempotencyKey returns the existing row for (scope,keyHash), if
	// any, taking a row lock so a concurrent guard call blocks until this
	// transaction commits or rolls back (spec.md §4.2 step 2).
	LockIdempotencyKey(ctx context.Context, scope, keyHash string) (IdempotencyKey, bool, error)
	SaveIdempotencyKey(ctx context.Context, k IdempotencyKey) error
}

// InMemoryStore is a mutex-guarded, map-backed Store used for tests and
// for running the control plane without a database, grounded on the
// in-memory table pattern in applications/jam/store.go. WithTx provides
// no real cross-statement isolation: it serializes against the single
// store mutex for the closure's duration, which is sufficient for a
// single-process test double but not a substitute for PGStore's row
// locks under real concurrency.
type InMemoryStore struct {
	mu sync.Mutex

	orders      map[string]Order
	items       map[string]Item
	itemsByOrd  map[string][]string
	parts       map[string][]Part
	events      []Event
	provenances []Provenance
	idempotency map[string]IdempotencyKey
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:      make(map[string]Order),
		items:       make(map[string]Item),
		itemsByOrd:  make(map[string][]string),
		parts:       make(map[string][]Part),
		idempotency: make(map[string]IdempotencyKey),
	}
}

// WithTx runs fn directly: InMemoryStore has no real transaction log,
// so it offers no cross-statement atomicity, only the per-method
// mutual exclusion each method below takes individually. Good enough
// for a single-process test double; PGStore is what provides the
// real row-lock guarantees described in spec.md §5.
func (s *InMemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *InMemoryStore) CreateOrder(_ context.Context, o Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return o, nil
}

func (s *InMemoryStore) GetOrder(_ context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, werrors.NotFound("order", id)
	}
	return o, nil
}

func (s *InMemoryStore) GetOrderForUpdate(ctx context.Context, id string) (Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *InMemoryStore) UpdateOrder(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return werrors.NotFound("order", o.ID)
	}
	s.orders[o.ID] = o
	return nil
}

func (s *InMemoryStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
	for _, itemID := range s.itemsByOrd[id] {
		delete(s.items, itemID)
		delete(s.parts, itemID)
	}
	delete(s.itemsByOrd, id)
	kept := s.events[:0]
	for _, e := range s.events {
		if e.OrderID != id {
			kept = append(kept, e)
		}
	}
	s.events = kept
	keptP := s.provenances[:0]
	for _, p := range s.provenances {
		if p.OrderID != id {
			keptP = append(keptP, p)
		}
	}
	s.provenances = keptP
	return nil
}

func (s *InMemoryStore) ListOrders(_ context.Context, f QueryFilter) ([]Order, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		if f.ID != "" && o.ID != f.ID {
			continue
		}
		if f.State != "" && string(o.State) != f.State {
			continue
		}
		if f.Type != "" && o.Type != f.Type {
			continue
		}
		if f.RequestedByKind != "" && string(o.RequestedByKind) != f.RequestedByKind {
			continue
		}
		if f.RequestedByID != "" && o.RequestedByID != f.RequestedByID {
			continue
		}
		if len(f.MetaContains) > 0 && !metaContains(o.Meta, f.MetaContains) {
			continue
		}
		if f.HasAvailable != nil {
			has := s.orderHasAvailableItem(o.ID, time.Now().UTC())
			if has != *f.HasAvailable {
				continue
			}
		}
		all = append(all, o)
	}

	sortOrders(all, f.SortField, f.SortDesc)

	total := int64(len(all))
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []Order{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *InMemoryStore) orderHasAvailableItem(orderID string, now time.Time) bool {
	for _, itemID := range s.itemsByOrd[orderID] {
		it := s.items[itemID]
		if it.State == ItemQueued && !it.HasLiveLease(now) {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) CreateItems(_ context.Context, items []Item) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.items[it.ID] = it
		s.itemsByOrd[it.OrderID] = append(s.itemsByOrd[it.OrderID], it.ID)
	}
	return items, nil
}

func (s *InMemoryStore) GetItem(_ context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, werrors.NotFound("item", id)
	}
	return it, nil
}

func (s *InMemoryStore) GetItemForUpdate(ctx context.Context, id string) (Item, error) {
	return s.GetItem(ctx, id)
}

func (s *InMemoryStore) UpdateItem(_ context.Context, it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; !ok {
		return werrors.NotFound("item", it.ID)
	}
	s.items[it.ID] = it
	return nil
}

func (s *InMemoryStore) ListItemsByOrder(_ context.Context, orderID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.itemsByOrd[orderID]
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ItemsExistForOrder(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.itemsByOrd[orderID]) > 0, nil
}

// SelectNextAvailableItem implements the §4.3 getNextAvailable selector:
// item queued, lease absent/expired, parent order still active, ordered
// by order priority DESC, order created_at ASC, item created_at ASC.
func (s *InMemoryStore) SelectNextAvailableItem(_ context.Context, f LeaseFilters, now time.Time) (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []Item
	for _, it := range s.items {
		if it.State != ItemQueued || it.HasLiveLease(now) {
			continue
		}
		ord, ok := s.orders[it.OrderID]
		if !ok || !isActiveOrderState(ord.State) {
			continue
		}
		if f.OrderID != "" && it.OrderID != f.OrderID {
			continue
		}
		if f.Type != "" && it.Type != f.Type {
			continue
		}
		if f.MinPriority != nil && ord.Priority < *f.MinPriority {
			continue
		}
		candidates = append(candidates, it)
	}
	if len(candidates) == 0 {
		return Item{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		oi, oj := s.orders[candidates[i].OrderID], s.orders[candidates[j].OrderID]
		if oi.Priority != oj.Priority {
			return oi.Priority > oj.Priority
		}
		if !oi.CreatedAt.Equal(oj.CreatedAt) {
			return oi.CreatedAt.Before(oj.CreatedAt)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], true, nil
}

func isActiveOrderState(s OrderState) bool {
	return s == OrderQueued || s == OrderCheckedOut || s == OrderInProgress
}

func (s *InMemoryStore) ListExpirableLeasedItems(_ context.Context, now time.Time) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items {
		if (it.State == ItemLeased || it.State == ItemInProgress) && it.LeaseExpiresAt != nil && it.LeaseExpiresAt.Before(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CreatePart(_ context.Context, p Part) (Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[p.ItemID] = append(s.parts[p.ItemID], p)
	return p, nil
}

func (s *InMemoryStore) ListPartsByItem(_ context.Context, itemID string) ([]Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Part, len(s.parts[itemID]))
	copy(out, s.parts[itemID])
	return out, nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return e, nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, f EventFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if f.OrderID != "" && e.OrderID != f.OrderID {
			continue
		}
		if f.ItemID != "" && e.ItemID != f.ItemID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *InMemoryStore) CreateProvenance(_ context.Context, p Provenance) (Provenance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provenances = append(s.provenances, p)
	return p, nil
}

func (s *InMemoryStore) LockIdempotencyKey(_ context.Context, scope, keyHash string) (IdempotencyKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.idempotency[scope+"\x00"+keyHash]
	return k, ok, nil
}

func (s *InMemoryStore) SaveIdempotencyKey(_ context.Context, k IdempotencyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotency[k.Scope+"\x00"+k.KeyHash] = k
	return nil
}

// metaContains implements the §4.10 "meta contains {key:value}" filter:
// every key in want must be present in meta with an equal value, after
// round-tripping both through JSON so numeric/string representations
// from different call sites compare equal the way two JSON documents
// describing the same value would.
func metaContains(meta, want JSON) bool {
	for k, v := range want {
		mv, ok := meta[k]
		if !ok {
			return false
		}
		if !jsonEqual(mv, v) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

// sortOrders applies the field/direction sort from QueryFilter, default
// "priority DESC, created_at ASC" (spec.md §4.10) when field is empty.
func sortOrders(orders []Order, field string, desc bool) {
	cmp := func(a, b Order) int {
		switch field {
		case "priority":
			return compareInt(a.Priority, b.Priority)
		case "created_at", "":
			return compareTime(a.CreatedAt, b.CreatedAt)
		case "items_count":
			return 0
		default:
			return compareTime(a.CreatedAt, b.CreatedAt)
		}
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if field == "" {
			if orders[i].Priority != orders[j].Priority {
				return orders[i].Priority > orders[j].Priority
			}
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		c := cmp(orders[i], orders[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}
