package workorder

import (
	"context"
	"sort"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// ExecutorConfig carries the executor's configurable behavior.
type ExecutorConfig struct {
	// AutoApproveEnabled gates spec.md §9 open question 2: whether
	// meeting autoApprove+readyForApproval fires approve() immediately.
	AutoApproveEnabled bool
}

// DefaultExecutorConfig matches the spec's chosen resolution: fire
// immediately, exposed as a knob.
func DefaultExecutorConfig() ExecutorConfig { return ExecutorConfig{AutoApproveEnabled: true} }

// Executor drives submit/approve/apply/reject/fail/submitPart/
// finalizeItem (C9).
type Executor struct {
	store    Store
	clock    Clock
	sm       *StateMachine
	registry *Registry
	cfg      ExecutorConfig
}

// NewExecutor builds an Executor.
func NewExecutor(store Store, clock Clock, sm *StateMachine, registry *Registry, cfg ExecutorConfig) *Executor {
	return &Executor{store: store, clock: clock, sm: sm, registry: registry, cfg: cfg}
}

// Submit implements spec.md §4.5 submit.
func (ex *Executor) Submit(ctx context.Context, itemID, agentID string, result JSON, evidence JSON, notes string) (Item, error) {
	var out Item
	err := ex.store.WithTx(ctx, func(ctx context.Context) error {
		item, err := ex.store.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		if item.LeaseExpiresAt == nil || ex.clock.Now().After(*item.LeaseExpiresAt) {
			return werrors.LeaseExpired(itemID)
		}
		if item.LeasedByAgentID != agentID {
			return werrors.LeaseConflict(itemID)
		}
		if item.State != ItemLeased && item.State != ItemInProgress {
			return werrors.LeaseConflict(itemID)
		}

		order, err := ex.store.GetOrder(ctx, item.OrderID)
		if err != nil {
			return err
		}
		orderType, err := ex.registry.Resolve(order.Type)
		if err != nil {
			return err
		}
		if fieldErrs := orderType.AcceptancePolicy().ValidateSubmission(item, result); len(fieldErrs) > 0 {
			item.Error = JSON{"fields": fieldErrs}
			if err := ex.store.UpdateItem(ctx, item); err != nil {
				return err
			}
			return werrors.ValidationFailed(toDetails(fieldErrs))
		}

		item.Result = result
		actor := Actor{Kind: ActorAgent, ID: agentID}
		item, _, err = ex.sm.TransitionItem(ctx, item, ItemSubmitted, actor, EventSubmitted, JSON{"result": result, "evidence": evidence, "notes": notes}, notes)
		if err != nil {
			return err
		}

		if allItemsIn(siblingsOf(ctx, ex.store, order.ID), item, ItemSubmitted, ItemAccepted, ItemCompleted) {
			if order.State == OrderInProgress || order.State == OrderCheckedOut {
				order, _, err = ex.sm.TransitionOrder(ctx, order, OrderSubmitted, actor, EventSubmitted, nil, "", nil)
				if err != nil {
					return err
				}
			}
		}

		if orderType.AutoApprove() && ex.cfg.AutoApproveEnabled && orderType.AcceptancePolicy().ReadyForApproval(order, mustItems(ctx, ex.store, order.ID)) {
			if _, _, err := ex.approveAndApply(ctx, order, SystemActor); err != nil {
				return err
			}
		}
		out = item
		return nil
	})
	return out, err
}

// Approve implements spec.md §4.5 approve, invoking apply in the same
// outer transaction.
func (ex *Executor) Approve(ctx context.Context, orderID string, actor Actor) (Order, Diff, error) {
	var order Order
	var diff Diff
	err := ex.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := ex.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		order, diff, err = ex.approveAndApply(ctx, o, actor)
		return err
	})
	return order, diff, err
}

// approveAndApply runs approve step 3 ("Invoke apply(order) in the
// same outer transaction") — shared by the public Approve operation
// and by Submit's auto-approve branch (spec.md §4.5 submit step 5:
// "immediately call approve(order, SYSTEM)"), so auto-approval reaches
// applied/completed exactly like an explicit approve call instead of
// stopping at approved.
func (ex *Executor) approveAndApply(ctx context.Context, order Order, actor Actor) (Order, Diff, error) {
	approved, err := ex.approveLocked(ctx, order, actor)
	if err != nil {
		return Order{}, Diff{}, err
	}
	return ex.applyLocked(ctx, approved)
}

func (ex *Executor) approveLocked(ctx context.Context, order Order, actor Actor) (Order, error) {
	orderType, err := ex.registry.Resolve(order.Type)
	if err != nil {
		return Order{}, err
	}
	if !orderType.AcceptancePolicy().ReadyForApproval(order, mustItems(ctx, ex.store, order.ID)) {
		return Order{}, werrors.NotReadyForApproval(order.ID)
	}
	order, _, err = ex.sm.TransitionOrder(ctx, order, OrderApproved, actor, EventApproved, nil, "", nil)
	return order, err
}

// Apply implements spec.md §4.5 apply as a standalone operation (used
// by re-apply callers exercising property 3's idempotence guarantee).
func (ex *Executor) Apply(ctx context.Context, orderID string) (Order, Diff, error) {
	var order Order
	var diff Diff
	err := ex.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := ex.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		order, diff, err = ex.applyLocked(ctx, o)
		return err
	})
	return order, diff, err
}

func (ex *Executor) applyLocked(ctx context.Context, order Order) (Order, Diff, error) {
	orderType, err := ex.registry.Resolve(order.Type)
	if err != nil {
		return Order{}, Diff{}, err
	}

	applyErr := func() error {
		if err := orderType.BeforeApply(ctx, order); err != nil {
			return err
		}
		return nil
	}()
	if applyErr != nil {
		return ex.failOrder(ctx, order, applyErr)
	}

	items, err := ex.store.ListItemsByOrder(ctx, order.ID)
	if err != nil {
		return ex.failOrder(ctx, order, err)
	}

	diff, applyErr := orderType.Apply(ctx, order, items)
	if applyErr != nil {
		return ex.failOrder(ctx, order, applyErr)
	}

	order, _, err = ex.sm.TransitionOrder(ctx, order, OrderApplied, SystemActor, EventApplied, nil, "", &diff)
	if err != nil {
		return Order{}, Diff{}, err
	}

	for _, it := range items {
		if it.State == ItemSubmitted {
			if _, _, err := ex.sm.TransitionItem(ctx, it, ItemAccepted, SystemActor, EventAccepted, nil, ""); err != nil {
				return Order{}, Diff{}, err
			}
		}
	}

	if err := orderType.AfterApply(ctx, order, diff); err != nil {
		return ex.failOrder(ctx, order, err)
	}

	items, err = ex.store.ListItemsByOrder(ctx, order.ID)
	if err != nil {
		return Order{}, Diff{}, err
	}
	for i, it := range items {
		if it.State == ItemAccepted {
			if items[i], _, err = ex.sm.TransitionItem(ctx, it, ItemCompleted, SystemActor, EventCompleted, nil, ""); err != nil {
				return Order{}, Diff{}, err
			}
		}
	}
	allTerminalSuccess := true
	for _, it := range items {
		if !TerminalSuccessfulItemStates[it.State] {
			allTerminalSuccess = false
			break
		}
	}
	if allTerminalSuccess {
		order, _, err = ex.sm.TransitionOrder(ctx, order, OrderCompleted, SystemActor, EventCompleted, nil, "", nil)
		if err != nil {
			return Order{}, Diff{}, err
		}
	}
	return order, diff, nil
}

func (ex *Executor) failOrder(ctx context.Context, order Order, cause error) (Order, Diff, error) {
	wrapped := werrors.ApplyFailed(order.ID, cause)
	if order.State != OrderFailed {
		if failed, _, ferr := ex.sm.TransitionOrder(ctx, order, OrderFailed, SystemActor, EventFailed, JSON{"error": cause.Error()}, cause.Error(), nil); ferr == nil {
			order = failed
		}
	}
	return order, Diff{}, wrapped
}

// Reject implements spec.md §4.5 reject.
func (ex *Executor) Reject(ctx context.Context, orderID string, fieldErrs []FieldError, actor Actor, allowRework bool) (Order, error) {
	var order Order
	err := ex.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := ex.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		o, _, err = ex.sm.TransitionOrder(ctx, o, OrderRejected, actor, EventRejected, JSON{"errors": fieldErrs}, "", nil)
		if err != nil {
			return err
		}
		if allowRework {
			o, _, err = ex.sm.TransitionOrder(ctx, o, OrderQueued, actor, EventProposed, nil, "rework", nil)
			if err != nil {
				return err
			}
		}
		order = o
		return nil
	})
	return order, err
}

// Fail implements spec.md §4.5 fail.
func (ex *Executor) Fail(ctx context.Context, itemID string, itemErr JSON) (Item, error) {
	var out Item
	err := ex.store.WithTx(ctx, func(ctx context.Context) error {
		item, err := ex.store.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		item.Error = itemErr
		item, _, err = ex.sm.TransitionItem(ctx, item, ItemFailed, SystemActor, EventFailed, itemErr, "")
		if err != nil {
			return err
		}
		out = item
		return nil
	})
	return out, err
}

// SubmitPart implements spec.md §4.5 submitPart.
func (ex *Executor) SubmitPart(ctx context.Context, itemID, partKey string, seq *int64, payload JSON, agentID string, evidence JSON, notes string) (Part, error) {
	var out Part
	err := ex.store.WithTx(ctx, func(ctx context.Context) error {
		item, err := ex.store.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		if item.LeasedByAgentID != agentID || (item.State != ItemLeased && item.State != ItemInProgress) {
			return werrors.LeaseConflict(itemID)
		}
		order, err := ex.store.GetOrder(ctx, item.OrderID)
		if err != nil {
			return err
		}
		orderType, err := ex.registry.Resolve(order.Type)
		if err != nil {
			return err
		}
		checksum, err := checksumPayload(payload)
		if err != nil {
			return err
		}

		fieldErrs := orderType.PartialRules(ctx, item, partKey, seq, payload)
		now := ex.clock.Now()
		if len(fieldErrs) > 0 {
			part := Part{
				ID: newID(), ItemID: itemID, PartKey: partKey, Seq: seq,
				Status: PartRejected, Payload: payload, Evidence: evidence, Notes: notes,
				Errors: fieldErrs, Checksum: checksum, SubmittedByID: agentID, CreatedAt: now,
			}
			part, err = ex.store.CreatePart(ctx, part)
			if err != nil {
				return err
			}
			if _, err := ex.sm.RecordEvent(ctx, order.ID, itemID, Actor{Kind: ActorAgent, ID: agentID}, EventPartRejected, JSON{"part_key": partKey}, ""); err != nil {
				return err
			}
			return werrors.ValidationFailed(toDetails(fieldErrs))
		}

		part := Part{
			ID: newID(), ItemID: itemID, PartKey: partKey, Seq: seq,
			Status: PartValidated, Payload: payload, Evidence: evidence, Notes: notes,
			Checksum: checksum, SubmittedByID: agentID, CreatedAt: now,
		}
		part, err = ex.store.CreatePart(ctx, part)
		if err != nil {
			return err
		}
		if err := orderType.AfterValidatePart(ctx, item, part); err != nil {
			return err
		}

		parts, err := ex.store.ListPartsByItem(ctx, itemID)
		if err != nil {
			return err
		}
		item.PartsState = summarizePartsState(parts)
		if err := ex.store.UpdateItem(ctx, item); err != nil {
			return err
		}
		actor := Actor{Kind: ActorAgent, ID: agentID}
		if _, err := ex.sm.RecordEvent(ctx, order.ID, itemID, actor, EventPartValidated, JSON{"part_key": partKey}, ""); err != nil {
			return err
		}
		if _, err := ex.sm.RecordEvent(ctx, order.ID, itemID, actor, EventPartSubmitted, JSON{"part_key": partKey}, ""); err != nil {
			return err
		}
		out = part
		return nil
	})
	return out, err
}

// FinalizeMode is the finalizeItem strict/best_effort toggle.
type FinalizeMode string

const (
	FinalizeStrict     FinalizeMode = "strict"
	FinalizeBestEffort FinalizeMode = "best_effort"
)

// FinalizeItem implements spec.md §4.5 finalizeItem.
func (ex *Executor) FinalizeItem(ctx context.Context, itemID string, mode FinalizeMode) (Item, error) {
	var out Item
	err := ex.store.WithTx(ctx, func(ctx context.Context) error {
		item, err := ex.store.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		order, err := ex.store.GetOrder(ctx, item.OrderID)
		if err != nil {
			return err
		}
		orderType, err := ex.registry.Resolve(order.Type)
		if err != nil {
			return err
		}
		parts, err := ex.store.ListPartsByItem(ctx, itemID)
		if err != nil {
			return err
		}
		latest := latestPartsByKey(parts)

		if mode == FinalizeStrict {
			required := orderType.RequiredParts(item)
			have := make(map[string]bool, len(latest))
			for k, p := range latest {
				if p.Status == PartValidated {
					have[k] = true
				}
			}
			var missing []FieldError
			for _, key := range required {
				if !have[key] {
					missing = append(missing, FieldError{Field: key, Code: "missing", Message: "required part not submitted"})
				}
			}
			if len(missing) > 0 {
				return werrors.ValidationFailed(toDetails(missing))
			}
		}

		latestList := make([]Part, 0, len(latest))
		for _, p := range latest {
			latestList = append(latestList, p)
		}
		sort.Slice(latestList, func(i, j int) bool { return latestList[i].PartKey < latestList[j].PartKey })

		assembled, err := orderType.Assemble(ctx, item, latestList)
		if err != nil {
			return err
		}
		if fieldErrs := orderType.ValidateAssembled(ctx, item, assembled); len(fieldErrs) > 0 {
			return werrors.ValidationFailed(toDetails(fieldErrs))
		}

		item.AssembledResult = assembled
		item.Result = assembled
		item, _, err = ex.sm.TransitionItem(ctx, item, ItemSubmitted, Actor{Kind: ActorSystem, ID: "finalize"}, EventFinalized, JSON{"mode": mode}, "")
		if err != nil {
			return err
		}
		out = item
		return nil
	})
	return out, err
}

// latestPartsByKey picks one Part per part_key: greatest seq (NULL
// sorts last), tiebreak by greatest id (spec.md §4.5 step 1, §9 open
// question 4).
func latestPartsByKey(parts []Part) map[string]Part {
	best := make(map[string]Part)
	for _, p := range parts {
		cur, ok := best[p.PartKey]
		if !ok || isLaterPart(p, cur) {
			best[p.PartKey] = p
		}
	}
	return best
}

func isLaterPart(a, b Part) bool {
	if (a.Seq == nil) != (b.Seq == nil) {
		return b.Seq == nil // NULL sorts last => a concrete seq beats NULL
	}
	if a.Seq != nil && b.Seq != nil && *a.Seq != *b.Seq {
		return *a.Seq > *b.Seq
	}
	return a.ID > b.ID
}

func summarizePartsState(parts []Part) JSON {
	latest := latestPartsByKey(parts)
	out := make(JSON, len(latest))
	for k, p := range latest {
		out[k] = JSON{"status": string(p.Status), "seq": p.Seq}
	}
	return out
}

func siblingsOf(ctx context.Context, store Store, orderID string) []Item {
	items, err := store.ListItemsByOrder(ctx, orderID)
	if err != nil {
		return nil
	}
	return items
}

func mustItems(ctx context.Context, store Store, orderID string) []Item {
	return siblingsOf(ctx, store, orderID)
}

// allItemsIn reports whether every sibling item (the just-transitioned
// one substituted in) is in one of the given states.
func allItemsIn(siblings []Item, updated Item, states ...ItemState) bool {
	allowed := make(map[ItemState]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}
	for _, it := range siblings {
		if it.ID == updated.ID {
			it = updated
		}
		if !allowed[it.State] {
			return false
		}
	}
	return true
}
