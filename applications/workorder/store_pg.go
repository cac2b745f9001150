package workorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
	"github.com/opsmesh/workorderd/pkg/storage/postgres"
)

// PGStore implements Store on PostgreSQL, grounded on
// applications/jam/store_pg.go's transaction-per-operation shape
// (BeginTx, row-lock SELECT, single Commit) and layered on
// pkg/storage/postgres.BaseStore for the tx-in-context plumbing every
// other Postgres-backed component in this repo shares.
type PGStore struct {
	*postgres.BaseStore
	db *sql.DB
}

// NewPGStore constructs a PostgreSQL-backed Store over the six
// work_* tables (spec.md §6).
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{BaseStore: postgres.NewBaseStore(db, "work_orders"), db: db}
}

func (s *PGStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.BaseStore.WithTx(ctx, fn)
}

func jsonOrNull(v JSON) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func scanJSON(raw []byte) JSON {
	if len(raw) == 0 {
		return nil
	}
	var out JSON
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func scanFieldErrors(raw []byte) []FieldError {
	if len(raw) == 0 {
		return nil
	}
	var out []FieldError
	_ = json.Unmarshal(raw, &out)
	return out
}

// --- Orders ---

func (s *PGStore) CreateOrder(ctx context.Context, o Order) (Order, error) {
	_, err := s.ExecContext(ctx, `
		INSERT INTO work_orders
			(id, type, state, priority, payload, meta, requested_by_kind, requested_by_id,
			 created_at, last_transitioned_at, applied_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, o.ID, o.Type, string(o.State), o.Priority, jsonOrNull(o.Payload), jsonOrNull(o.Meta),
		string(o.RequestedByKind), o.RequestedByID, o.CreatedAt, o.LastTransitionedAt, o.AppliedAt, o.CompletedAt)
	if err != nil {
		return Order{}, werrors.DatabaseError("create_order", err)
	}
	return o, nil
}

const orderColumns = `id, type, state, priority, payload, meta, requested_by_kind, requested_by_id,
	created_at, last_transitioned_at, applied_at, completed_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	var payload, meta []byte
	if err := row.Scan(&o.ID, &o.Type, &o.State, &o.Priority, &payload, &meta,
		&o.RequestedByKind, &o.RequestedByID, &o.CreatedAt, &o.LastTransitionedAt, &o.AppliedAt, &o.CompletedAt); err != nil {
		return Order{}, err
	}
	o.Payload = scanJSON(payload)
	o.Meta = scanJSON(meta)
	return o, nil
}

func (s *PGStore) GetOrder(ctx context.Context, id string) (Order, error) {
	row := s.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM work_orders WHERE id = $1", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, werrors.NotFound("order", id)
	}
	if err != nil {
		return Order{}, werrors.DatabaseError("get_order", err)
	}
	return o, nil
}

// GetOrderForUpdate row-locks the order so concurrent transitions on
// the same order serialize, per spec.md §5 "state changes are
// serialized against themselves... (row lock on the order row inside
// each transition)".
func (s *PGStore) GetOrderForUpdate(ctx context.Context, id string) (Order, error) {
	row := s.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM work_orders WHERE id = $1 FOR UPDATE", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, werrors.NotFound("order", id)
	}
	if err != nil {
		return Order{}, werrors.DatabaseError("get_order_for_update", err)
	}
	return o, nil
}

func (s *PGStore) UpdateOrder(ctx context.Context, o Order) error {
	res, err := s.ExecContext(ctx, `
		UPDATE work_orders SET
			type=$2, state=$3, priority=$4, payload=$5, meta=$6,
			requested_by_kind=$7, requested_by_id=$8, last_transitioned_at=$9,
			applied_at=$10, completed_at=$11
		WHERE id=$1
	`, o.ID, o.Type, string(o.State), o.Priority, jsonOrNull(o.Payload), jsonOrNull(o.Meta),
		string(o.RequestedByKind), o.RequestedByID, o.LastTransitionedAt, o.AppliedAt, o.CompletedAt)
	if err != nil {
		return werrors.DatabaseError("update_order", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return werrors.NotFound("order", o.ID)
	}
	return nil
}

// DeleteOrder relies on FOREIGN KEY ... ON DELETE CASCADE from
// work_items/work_events/work_provenances to work_orders (spec.md §6),
// so a single DELETE here cascades to every owned row.
func (s *PGStore) DeleteOrder(ctx context.Context, id string) error {
	_, err := s.ExecContext(ctx, "DELETE FROM work_orders WHERE id = $1", id)
	if err != nil {
		return werrors.DatabaseError("delete_order", err)
	}
	return nil
}

// ListOrders builds the §4.10 Query Surface's dynamic WHERE/ORDER BY
// clause, grounded on applications/jam/store_pg.go's ListPackages and
// on pkg/storage/postgres.SelectBuilder for placeholder bookkeeping.
func (s *PGStore) ListOrders(ctx context.Context, f QueryFilter) ([]Order, int64, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ID != "" {
		add("id = $%d", f.ID)
	}
	if f.State != "" {
		add("state = $%d", f.State)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.RequestedByKind != "" {
		add("requested_by_kind = $%d", f.RequestedByKind)
	}
	if f.RequestedByID != "" {
		add("requested_by_id = $%d", f.RequestedByID)
	}
	if len(f.MetaContains) > 0 {
		b, _ := json.Marshal(f.MetaContains)
		add("meta @> $%d::jsonb", string(b))
	}
	if f.HasAvailable != nil {
		sub := `EXISTS (
			SELECT 1 FROM work_items wi
			WHERE wi.order_id = work_orders.id AND wi.state = 'queued'
			  AND (wi.lease_expires_at IS NULL OR wi.lease_expires_at <= now())
		)`
		if *f.HasAvailable {
			where = append(where, sub)
		} else {
			where = append(where, "NOT "+sub)
		}
	}

	whereClause := strings.Join(where, " AND ")

	var total int64
	countQuery := "SELECT COUNT(*) FROM work_orders WHERE " + whereClause
	if err := s.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, werrors.DatabaseError("count_orders", err)
	}

	orderBy := orderByClause(f.SortField, f.SortDesc)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf("SELECT %s FROM work_orders WHERE %s ORDER BY %s LIMIT %d OFFSET %d",
		orderColumns, whereClause, orderBy, limit, offset)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, werrors.DatabaseError("list_orders", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, werrors.DatabaseError("scan_order", err)
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

func orderByClause(field string, desc bool) string {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	switch field {
	case "priority":
		return "priority " + dir
	case "created_at":
		return "created_at " + dir
	case "items_count":
		return fmt.Sprintf("(SELECT COUNT(*) FROM work_items wi WHERE wi.order_id = work_orders.id) %s", dir)
	case "":
		return "priority DESC, created_at ASC"
	default:
		return "priority DESC, created_at ASC"
	}
}

// --- Items ---

const itemColumns = `id, order_id, type, state, attempts, max_attempts, input, result,
	assembled_result, parts_required, parts_state, error, leased_by_agent_id,
	lease_expires_at, last_heartbeat_at, accepted_at, created_at`

func (s *PGStore) CreateItems(ctx context.Context, items []Item) ([]Item, error) {
	for _, it := range items {
		_, err := s.ExecContext(ctx, `
			INSERT INTO work_items
				(id, order_id, type, state, attempts, max_attempts, input, result,
				 assembled_result, parts_required, parts_state, error, leased_by_agent_id,
				 lease_expires_at, last_heartbeat_at, accepted_at, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		`, it.ID, it.OrderID, it.Type, string(it.State), it.Attempts, it.MaxAttempts,
			jsonOrNull(it.Input), jsonOrNull(it.Result), jsonOrNull(it.AssembledResult),
			pq.Array(it.PartsRequired), jsonOrNull(it.PartsState), jsonOrNull(it.Error),
			nullStr(it.LeasedByAgentID), it.LeaseExpiresAt, it.LastHeartbeatAt, it.AcceptedAt, it.CreatedAt)
		if err != nil {
			return nil, werrors.DatabaseError("create_item", err)
		}
	}
	return items, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var it Item
	var input, result, assembled, partsState, errJSON []byte
	var partsRequired pq.StringArray
	var leasedBy sql.NullString
	if err := row.Scan(&it.ID, &it.OrderID, &it.Type, &it.State, &it.Attempts, &it.MaxAttempts,
		&input, &result, &assembled, &partsRequired, &partsState, &errJSON, &leasedBy,
		&it.LeaseExpiresAt, &it.LastHeartbeatAt, &it.AcceptedAt, &it.CreatedAt); err != nil {
		return Item{}, err
	}
	it.Input = scanJSON(input)
	it.Result = scanJSON(result)
	it.AssembledResult = scanJSON(assembled)
	it.PartsRequired = []string(partsRequired)
	it.PartsState = scanJSON(partsState)
	it.Error = scanJSON(errJSON)
	it.LeasedByAgentID = leasedBy.String
	return it, nil
}

func (s *PGStore) GetItem(ctx context.Context, id string) (Item, error) {
	row := s.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM work_items WHERE id = $1", id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, werrors.NotFound("item", id)
	}
	if err != nil {
		return Item{}, werrors.DatabaseError("get_item", err)
	}
	return it, nil
}

func (s *PGStore) GetItemForUpdate(ctx context.Context, id string) (Item, error) {
	row := s.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM work_items WHERE id = $1 FOR UPDATE", id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, werrors.NotFound("item", id)
	}
	if err != nil {
		return Item{}, werrors.DatabaseError("get_item_for_update", err)
	}
	return it, nil
}

func (s *PGStore) UpdateItem(ctx context.Context, it Item) error {
	res, err := s.ExecContext(ctx, `
		UPDATE work_items SET
			state=$2, attempts=$3, max_attempts=$4, input=$5, result=$6,
			assembled_result=$7, parts_required=$8, parts_state=$9, error=$10,
			leased_by_agent_id=$11, lease_expires_at=$12, last_heartbeat_at=$13, accepted_at=$14
		WHERE id=$1
	`, it.ID, string(it.State), it.Attempts, it.MaxAttempts, jsonOrNull(it.Input), jsonOrNull(it.Result),
		jsonOrNull(it.AssembledResult), pq.Array(it.PartsRequired), jsonOrNull(it.PartsState), jsonOrNull(it.Error),
		nullStr(it.LeasedByAgentID), it.LeaseExpiresAt, it.LastHeartbeatAt, it.AcceptedAt)
	if err != nil {
		return werrors.DatabaseError("update_item", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return werrors.NotFound("item", it.ID)
	}
	return nil
}

func (s *PGStore) ListItemsByOrder(ctx context.Context, orderID string) ([]Item, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+itemColumns+" FROM work_items WHERE order_id = $1 ORDER BY created_at ASC", orderID)
	if err != nil {
		return nil, werrors.DatabaseError("list_items_by_order", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, werrors.DatabaseError("scan_item", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PGStore) ItemsExistForOrder(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := s.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM work_items WHERE order_id = $1)", orderID).Scan(&exists)
	if err != nil {
		return false, werrors.DatabaseError("items_exist_for_order", err)
	}
	return exists, nil
}

// SelectNextAvailableItem implements spec.md §4.3's getNextAvailable
// as a single query joining the parent order, ordered priority DESC,
// order created_at ASC, item created_at ASC.
func (s *PGStore) SelectNextAvailableItem(ctx context.Context, f LeaseFilters, now time.Time) (Item, bool, error) {
	where := []string{
		"wi.state = 'queued'",
		"(wi.lease_expires_at IS NULL OR wi.lease_expires_at <= $1)",
		"wo.state IN ('queued','checked_out','in_progress')",
	}
	args := []any{now}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OrderID != "" {
		add("wi.order_id = $%d", f.OrderID)
	}
	if f.Type != "" {
		add("wi.type = $%d", f.Type)
	}
	if f.MinPriority != nil {
		add("wo.priority >= $%d", *f.MinPriority)
	}

	query := fmt.Sprintf(`
		SELECT wi.id, wi.order_id, wi.type, wi.state, wi.attempts, wi.max_attempts, wi.input, wi.result,
		       wi.assembled_result, wi.parts_required, wi.parts_state, wi.error, wi.leased_by_agent_id,
		       wi.lease_expires_at, wi.last_heartbeat_at, wi.accepted_at, wi.created_at
		FROM work_items wi
		JOIN work_orders wo ON wo.id = wi.order_id
		WHERE %s
		ORDER BY wo.priority DESC, wo.created_at ASC, wi.created_at ASC
		LIMIT 1
	`, strings.Join(where, " AND "))

	row := s.QueryRowContext(ctx, query, args...)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, werrors.DatabaseError("select_next_available_item", err)
	}
	return it, true, nil
}

func (s *PGStore) ListExpirableLeasedItems(ctx context.Context, now time.Time) ([]Item, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+itemColumns+` FROM work_items
		WHERE state IN ('leased','in_progress') AND lease_expires_at < $1
		ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, werrors.DatabaseError("list_expirable_leased_items", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, werrors.DatabaseError("scan_item", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// --- Parts ---

func (s *PGStore) CreatePart(ctx context.Context, p Part) (Part, error) {
	errsJSON, _ := json.Marshal(p.Errors)
	_, err := s.ExecContext(ctx, `
		INSERT INTO work_item_parts
			(id, work_item_id, part_key, seq, status, payload, evidence, notes, errors, checksum, submitted_by_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, p.ID, p.ItemID, p.PartKey, p.Seq, string(p.Status), jsonOrNull(p.Payload), jsonOrNull(p.Evidence),
		p.Notes, string(errsJSON), p.Checksum, p.SubmittedByID, p.CreatedAt)
	if err != nil {
		return Part{}, werrors.DatabaseError("create_part", err)
	}
	return p, nil
}

func (s *PGStore) ListPartsByItem(ctx context.Context, itemID string) ([]Part, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, work_item_id, part_key, seq, status, payload, evidence, notes, errors, checksum, submitted_by_id, created_at
		FROM work_item_parts WHERE work_item_id = $1 ORDER BY created_at ASC
	`, itemID)
	if err != nil {
		return nil, werrors.DatabaseError("list_parts_by_item", err)
	}
	defer rows.Close()
	var out []Part
	for rows.Next() {
		var p Part
		var payload, evidence, errsRaw []byte
		if err := rows.Scan(&p.ID, &p.ItemID, &p.PartKey, &p.Seq, &p.Status, &payload, &evidence,
			&p.Notes, &errsRaw, &p.Checksum, &p.SubmittedByID, &p.CreatedAt); err != nil {
			return nil, werrors.DatabaseError("scan_part", err)
		}
		p.Payload = scanJSON(payload)
		p.Evidence = scanJSON(evidence)
		p.Errors = scanFieldErrors(errsRaw)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *PGStore) AppendEvent(ctx context.Context, e Event) (Event, error) {
	var diffJSON any
	if e.Diff != nil {
		b, _ := json.Marshal(e.Diff)
		diffJSON = string(b)
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO work_events
			(id, order_id, item_id, event, actor_kind, actor_id, payload, diff, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.OrderID, nullStr(e.ItemID), string(e.Kind), string(e.ActorKind), e.ActorID,
		jsonOrNull(e.Payload), diffJSON, e.Message, e.CreatedAt)
	if err != nil {
		return Event{}, werrors.DatabaseError("append_event", err)
	}
	return e, nil
}

func (s *PGStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OrderID != "" {
		add("order_id = $%d", f.OrderID)
	}
	if f.ItemID != "" {
		add("item_id = $%d", f.ItemID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, order_id, item_id, event, actor_kind, actor_id, payload, diff, message, created_at
		FROM work_events WHERE %s ORDER BY created_at DESC LIMIT %d
	`, strings.Join(where, " AND "), limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, werrors.DatabaseError("list_events", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var itemID sql.NullString
		var payload, diffRaw []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &itemID, &e.Kind, &e.ActorKind, &e.ActorID,
			&payload, &diffRaw, &e.Message, &e.CreatedAt); err != nil {
			return nil, werrors.DatabaseError("scan_event", err)
		}
		e.ItemID = itemID.String
		e.Payload = scanJSON(payload)
		if len(diffRaw) > 0 {
			var d Diff
			if json.Unmarshal(diffRaw, &d) == nil {
				e.Diff = &d
			}
		}
		out = append(out, e)
	}
	// Query above is newest-first for LIMIT to keep the most recent N;
	// callers expect chronological order, so reverse in place.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// --- Provenance ---

func (s *PGStore) CreateProvenance(ctx context.Context, p Provenance) (Provenance, error) {
	_, err := s.ExecContext(ctx, `
		INSERT INTO work_provenances
			(id, order_id, item_id, agent_id, agent_name, agent_version, request_fingerprint,
			 idempotency_key_hash, extra, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, p.ID, p.OrderID, nullStr(p.ItemID), p.AgentID, p.AgentName, p.AgentVersion,
		p.RequestFingerprint, nullStr(p.IdempotencyKeyHash), jsonOrNull(p.Extra), p.CreatedAt)
	if err != nil {
		return Provenance{}, werrors.DatabaseError("create_provenance", err)
	}
	return p, nil
}

// --- Idempotency ---

// LockIdempotencyKey takes a row lock on (scope,key_hash), the
// transactional "check-then-insert" guard spec.md §4.2 requires.
func (s *PGStore) LockIdempotencyKey(ctx context.Context, scope, keyHash string) (IdempotencyKey, bool, error) {
	row := s.QueryRowContext(ctx, `
		SELECT scope, key_hash, response_snapshot, created_at
		FROM work_idempotency_keys WHERE scope = $1 AND key_hash = $2 FOR UPDATE
	`, scope, keyHash)
	var k IdempotencyKey
	var snap []byte
	err := row.Scan(&k.Scope, &k.KeyHash, &snap, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyKey{}, false, nil
	}
	if err != nil {
		return IdempotencyKey{}, false, werrors.DatabaseError("lock_idempotency_key", err)
	}
	k.ResponseSnapshot = scanJSON(snap)
	return k, true, nil
}

func (s *PGStore) SaveIdempotencyKey(ctx context.Context, k IdempotencyKey) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO work_idempotency_keys (scope, key_hash, response_snapshot, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (scope, key_hash) DO NOTHING
	`, k.Scope, k.KeyHash, jsonOrNull(k.ResponseSnapshot), k.CreatedAt)
	if err != nil {
		return werrors.DatabaseError("save_idempotency_key", err)
	}
	return nil
}
