// Package workorder implements the work-order control plane: the
// transactional scheduler that proposes, distributes, executes,
// reviews, and applies externally-performed units of work.
package workorder

import "time"

// OrderState is the lifecycle state of an Order.
type OrderState string

const (
	OrderQueued      OrderState = "queued"
	OrderCheckedOut  OrderState = "checked_out"
	OrderInProgress  OrderState = "in_progress"
	OrderSubmitted   OrderState = "submitted"
	OrderApproved    OrderState = "approved"
	OrderApplied     OrderState = "applied"
	OrderCompleted   OrderState = "completed"
	OrderRejected    OrderState = "rejected"
	OrderFailed      OrderState = "failed"
	OrderDeadLettered OrderState = "dead_lettered"
)

// ItemState is the lifecycle state of an Item.
type ItemState string

const (
	ItemQueued       ItemState = "queued"
	ItemLeased       ItemState = "leased"
	ItemInProgress   ItemState = "in_progress"
	ItemSubmitted    ItemState = "submitted"
	ItemAccepted     ItemState = "accepted"
	ItemCompleted    ItemState = "completed"
	ItemRejected     ItemState = "rejected"
	ItemFailed       ItemState = "failed"
	ItemDeadLettered ItemState = "dead_lettered"
)

// PartStatus is the lifecycle state of a partial submission.
type PartStatus string

const (
	PartDraft     PartStatus = "draft"
	PartValidated PartStatus = "validated"
	PartRejected  PartStatus = "rejected"
)

// ActorKind identifies who caused a mutation.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
)

// Actor identifies the caller of a mutating operation.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// SystemActor is used by the maintainer and by discovery strategies.
var SystemActor = Actor{Kind: ActorSystem, ID: "system:scheduler"}

// JSON is a loosely-typed structured document, matching the "opaque
// structured document" fields spec.md describes for payload/input/result.
type JSON = map[string]any

// Order is a unit of intent: a request to perform some change, planned
// into one or more items.
type Order struct {
	ID                 string     `json:"id"`
	Type               string     `json:"type"`
	State              OrderState `json:"state"`
	Priority           int        `json:"priority"`
	Payload            JSON       `json:"payload"`
	Meta               JSON       `json:"meta,omitempty"`
	RequestedByKind    ActorKind  `json:"requested_by_kind"`
	RequestedByID      string     `json:"requested_by_id"`
	CreatedAt          time.Time  `json:"created_at"`
	LastTransitionedAt time.Time  `json:"last_transitioned_at"`
	AppliedAt          *time.Time `json:"applied_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Item is a single leasable, agent-executable unit of an order.
type Item struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"order_id"`
	Type             string     `json:"type"`
	State            ItemState  `json:"state"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	Input            JSON       `json:"input"`
	Result           JSON       `json:"result,omitempty"`
	AssembledResult  JSON       `json:"assembled_result,omitempty"`
	PartsRequired    []string   `json:"parts_required,omitempty"`
	PartsState       JSON       `json:"parts_state,omitempty"`
	Error            JSON       `json:"error,omitempty"`
	LeasedByAgentID  string     `json:"leased_by_agent_id,omitempty"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at,omitempty"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// HasLiveLease reports whether the item currently carries an unexpired lease.
func (it Item) HasLiveLease(now time.Time) bool {
	return it.LeasedByAgentID != "" && it.LeaseExpiresAt != nil && it.LeaseExpiresAt.After(now)
}

// Part is an incremental piece of an item's result, keyed by part_key.
type Part struct {
	ID            string     `json:"id"`
	ItemID        string     `json:"item_id"`
	PartKey       string     `json:"part_key"`
	Seq           *int64     `json:"seq,omitempty"`
	Status        PartStatus `json:"status"`
	Payload       JSON       `json:"payload"`
	Evidence      JSON       `json:"evidence,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Errors        []FieldError `json:"errors,omitempty"`
	Checksum      string     `json:"checksum"`
	SubmittedByID string     `json:"submitted_by_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EventKind enumerates the append-only journal entry kinds.
type EventKind string

const (
	EventProposed       EventKind = "proposed"
	EventPlanned        EventKind = "planned"
	EventLeaseAcquired  EventKind = "lease_acquired"
	EventHeartbeat      EventKind = "heartbeat"
	EventLeaseReleased  EventKind = "lease_released"
	EventLeaseExpired   EventKind = "lease_expired"
	EventSubmitted      EventKind = "submitted"
	EventPartValidated  EventKind = "part_validated"
	EventPartRejected   EventKind = "part_rejected"
	EventPartSubmitted  EventKind = "part_submitted"
	EventFinalized      EventKind = "finalized"
	EventStarted        EventKind = "started"
	EventAccepted       EventKind = "accepted"
	EventApproved       EventKind = "approved"
	EventApplied        EventKind = "applied"
	EventCompleted      EventKind = "completed"
	EventRejected       EventKind = "rejected"
	EventFailed         EventKind = "failed"
	EventDeadLettered   EventKind = "dead_lettered"
	EventReleased       EventKind = "released"
)

// Event is an append-only record of a transition or notable occurrence.
type Event struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Kind      EventKind `json:"event"`
	ActorKind ActorKind `json:"actor_kind"`
	ActorID   string    `json:"actor_id"`
	Payload   JSON      `json:"payload,omitempty"`
	Diff      *Diff     `json:"diff,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Provenance captures who invoked a mutation, for audit.
type Provenance struct {
	ID                string    `json:"id"`
	OrderID           string    `json:"order_id"`
	ItemID            string    `json:"item_id,omitempty"`
	AgentID           string    `json:"agent_id"`
	AgentName         string    `json:"agent_name,omitempty"`
	AgentVersion      string    `json:"agent_version,omitempty"`
	RequestFingerprint string   `json:"request_fingerprint,omitempty"`
	IdempotencyKeyHash string   `json:"idempotency_key_hash,omitempty"`
	Extra             JSON      `json:"extra,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// IdempotencyKey is a cached response keyed by (scope, key_hash).
type IdempotencyKey struct {
	Scope            string    `json:"scope"`
	KeyHash          string    `json:"key_hash"`
	ResponseSnapshot JSON      `json:"response_snapshot"`
	CreatedAt        time.Time `json:"created_at"`
}

// FieldError is a single structured validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ItemSpec describes an item to be created during planning.
type ItemSpec struct {
	Type          string
	Input         JSON
	MaxAttempts   int
	PartsRequired []string
}
