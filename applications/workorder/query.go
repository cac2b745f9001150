package workorder

import (
	"context"

	"github.com/opsmesh/workorderd/pkg/storage"
)

// QueryConfig carries query.default_page_size / query.max_page_size
// (spec.md §6).
type QueryConfig struct {
	DefaultPageSize int
	MaxPageSize     int
}

// DefaultQueryConfig matches spec.md §4.10's defaults.
func DefaultQueryConfig() QueryConfig { return QueryConfig{DefaultPageSize: 50, MaxPageSize: 100} }

// QuerySurface is the read-only filtered/sorted/paginated view over
// orders and events (C12). It owns none of the filtering logic itself
// - that lives in the Store implementation, which is free to push it
// down into SQL - but it is the single place page-size clamping is
// enforced, so every caller (HTTP handler or direct Go caller) gets the
// same §4.10 page-size defaults. The default sort is applied by each
// Store implementation when no sort field is given.
type QuerySurface struct {
	store Store
	cfg   QueryConfig
}

// NewQuerySurface builds a QuerySurface.
func NewQuerySurface(store Store, cfg QueryConfig) *QuerySurface {
	return &QuerySurface{store: store, cfg: cfg}
}

// OrderPage is one page of the §4.10 orders query, plus pagination metadata.
type OrderPage struct {
	Orders []Order
	Total  int64
	Limit  int
	Offset int
}

// ListOrders implements the §6 `list` operation: default sort
// "priority DESC, created_at ASC", default page size 50, maximum 100.
func (q *QuerySurface) ListOrders(ctx context.Context, f QueryFilter) (OrderPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = q.defaultPageSize()
	}
	if limit > q.maxPageSize() {
		limit = q.maxPageSize()
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	f.Limit = limit
	f.Offset = offset

	orders, total, err := q.store.ListOrders(ctx, f)
	if err != nil {
		return OrderPage{}, err
	}
	return OrderPage{Orders: orders, Total: total, Limit: limit, Offset: offset}, nil
}

// Get implements the §6 `get` operation: order + its items + its
// recent events (capped to recentEventsLimit).
func (q *QuerySurface) Get(ctx context.Context, orderID string, recentEventsLimit int) (Order, []Item, []Event, error) {
	order, err := q.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, nil, nil, err
	}
	items, err := q.store.ListItemsByOrder(ctx, orderID)
	if err != nil {
		return Order{}, nil, nil, err
	}
	events, err := q.store.ListEvents(ctx, EventFilter{OrderID: orderID, Limit: recentEventsLimit})
	if err != nil {
		return Order{}, nil, nil, err
	}
	return order, items, events, nil
}

// ListParts implements the §6 `listParts` operation.
func (q *QuerySurface) ListParts(ctx context.Context, itemID string) ([]Part, JSON, error) {
	item, err := q.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	parts, err := q.store.ListPartsByItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	return parts, item.PartsState, nil
}

func (q *QuerySurface) defaultPageSize() int {
	if q.cfg.DefaultPageSize > 0 {
		return q.cfg.DefaultPageSize
	}
	return storage.DefaultPagination().Limit
}

func (q *QuerySurface) maxPageSize() int {
	if q.cfg.MaxPageSize > 0 {
		return q.cfg.MaxPageSize
	}
	return 100
}
