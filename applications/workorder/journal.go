package workorder

import (
	"context"
	"encoding/json"

	"github.com/opsmesh/workorderd/pkg/pgnotify"
)

// EventChannel is the pgnotify channel the journal publishes committed
// events on, mirroring the teacher's table-change-subscription naming
// (pkg/pgnotify's "table -> channel" convention) applied to work_events.
const EventChannel = "work_events"

// Journal is the Event Journal & Provenance component (C11): it wires
// the StateMachine's post-commit observer hook to a pgnotify.Bus so
// other processes (and, locally, anything that called OnEvent) learn
// about a transition only after it has durably committed - the same
// persist -> commit -> notify ordering spec.md §4.1 requires.
type Journal struct {
	sm    *StateMachine
	bus   *pgnotify.Bus
	store Store
}

// NewJournal attaches to sm; bus may be nil (no-op broadcast, e.g. when
// running against InMemoryStore with no Postgres LISTEN/NOTIFY channel).
func NewJournal(sm *StateMachine, store Store, bus *pgnotify.Bus) *Journal {
	j := &Journal{sm: sm, bus: bus, store: store}
	sm.OnEvent(j.onEvent)
	return j
}

func (j *Journal) onEvent(e Event) {
	if j.bus == nil {
		return
	}
	_ = j.bus.Publish(context.Background(), EventChannel, e)
}

// Subscribe registers a local in-process handler invoked after every
// committed event, in addition to pgnotify.Bus propagation.
func (j *Journal) Subscribe(h Observer) {
	j.sm.OnEvent(h)
}

// Logs returns the most recent events for an order or item, newest
// last, implementing the §6 `logs` operation.
func (j *Journal) Logs(ctx context.Context, orderID, itemID string, limit int) ([]Event, error) {
	return j.store.ListEvents(ctx, EventFilter{OrderID: orderID, ItemID: itemID, Limit: limit})
}

// RecordProvenance persists a Provenance row for a mutating request,
// hashing the idempotency key (if any) rather than storing it in the
// clear, per spec.md §3's "optional idempotency-key hash".
func (j *Journal) RecordProvenance(ctx context.Context, orderID, itemID string, actor Actor, agentName, agentVersion, requestFingerprint, idempotencyKey string, extra JSON) (Provenance, error) {
	p := Provenance{
		ID:                 newID(),
		OrderID:            orderID,
		ItemID:             itemID,
		AgentID:            actor.ID,
		AgentName:          agentName,
		AgentVersion:       agentVersion,
		RequestFingerprint: requestFingerprint,
		Extra:              extra,
		CreatedAt:          j.sm.clock.Now(),
	}
	if idempotencyKey != "" {
		p.IdempotencyKeyHash = hashKey(idempotencyKey)
	}
	return j.store.CreateProvenance(ctx, p)
}

// marshalForLog is a small helper kept beside the journal since events
// routinely carry opaque JSON payload/diff fields that log call sites
// want as a single redaction-ready string rather than a nested map.
func marshalForLog(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
