package workorder

import (
	"context"
	"testing"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// TestScenarioS1_HappyPathSingleItem follows spec.md's S1 seed scenario
// almost verbatim: propose -> plan -> checkout -> heartbeat -> submit ->
// approve (which applies in the same call) -> order completed.
func TestScenarioS1_HappyPathSingleItem(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 5, "hi")

	items, err := ts.allocator.Plan(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	item := items[0]

	acquired, err := ts.lease.Acquire(context.Background(), item.ID, "a1")
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	order, _ = ts.store.GetOrder(context.Background(), order.ID)
	if order.State != OrderCheckedOut {
		t.Fatalf("expected order checked_out, got %s", order.State)
	}

	if _, err := ts.lease.Extend(context.Background(), acquired.ID, "a1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	submitted, err := ts.executor.Submit(context.Background(), acquired.ID, "a1",
		JSON{"ok": true, "verified": true, "echoed_message": "hi"}, nil, "")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if submitted.State != ItemSubmitted {
		t.Fatalf("expected item submitted, got %s", submitted.State)
	}

	order, _ = ts.store.GetOrder(context.Background(), order.ID)
	if order.State != OrderSubmitted {
		t.Fatalf("expected order submitted (all items submitted), got %s", order.State)
	}

	approved, diff, err := ts.executor.Approve(context.Background(), order.ID, Actor{Kind: ActorUser, ID: "u1"})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if diff.Summary != "Applied echo order with 1 items" {
		t.Fatalf("expected diff summary to match spec.md S1, got %q", diff.Summary)
	}
	if approved.State != OrderCompleted {
		t.Fatalf("expected order completed, got %s", approved.State)
	}

	finalItem, _ := ts.store.GetItem(context.Background(), item.ID)
	if finalItem.State != ItemCompleted {
		t.Fatalf("expected item completed, got %s", finalItem.State)
	}
	if finalItem.AcceptedAt == nil {
		t.Fatalf("expected accepted_at set on the way to completed")
	}
}

func TestExecutor_Submit_LeaseConflictWrongAgent(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	acquired, _ := ts.lease.Acquire(context.Background(), items[0].ID, "a1")

	_, err := ts.executor.Submit(context.Background(), acquired.ID, "a2", JSON{"ok": true}, nil, "")
	if !werrors.HasCode(err, werrors.ErrCodeLeaseConflict) {
		t.Fatalf("expected LeaseConflict, got %v", err)
	}
}

func TestExecutor_Submit_ValidationFailureDoesNotTransition(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	acquired, _ := ts.lease.Acquire(context.Background(), items[0].ID, "a1")

	_, err := ts.executor.Submit(context.Background(), acquired.ID, "a1", JSON{"ok": false}, nil, "")
	if !werrors.HasCode(err, werrors.ErrCodeValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	stillLeased, _ := ts.store.GetItem(context.Background(), acquired.ID)
	if stillLeased.State != ItemLeased {
		t.Fatalf("expected item to remain leased after failed validation, got %s", stillLeased.State)
	}
	if stillLeased.Error == nil {
		t.Fatalf("expected error recorded on item")
	}
}

func TestExecutor_Approve_NotReadyRejected(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hi")
	ts.allocator.Plan(context.Background(), order.ID)

	_, _, err := ts.executor.Approve(context.Background(), order.ID, Actor{Kind: ActorUser, ID: "u1"})
	if !werrors.HasCode(err, werrors.ErrCodeNotReadyForApproval) {
		t.Fatalf("expected NotReadyForApproval, got %v", err)
	}
}

func TestExecutor_Apply_IdempotentOnReapplication(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	acquired, _ := ts.lease.Acquire(context.Background(), items[0].ID, "a1")
	ts.executor.Submit(context.Background(), acquired.ID, "a1", JSON{"ok": true, "echoed_message": "hi"}, nil, "")
	approved, firstDiff, err := ts.executor.Approve(context.Background(), order.ID, Actor{Kind: ActorUser, ID: "u1"})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if firstDiff.IsEmpty() {
		t.Fatalf("expected the first apply to produce a non-empty diff")
	}

	_, secondDiff, err := ts.executor.Apply(context.Background(), approved.ID)
	if err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}
	if !secondDiff.IsEmpty() {
		t.Fatalf("spec.md property 3: re-applying an applied order must yield an empty diff, got %+v", secondDiff.Changes)
	}
}

func TestExecutor_Apply_FailureTransitionsOrderToFailed(t *testing.T) {
	ts := newTestSystem()
	ts.registry.Register(failingOrderType{echoOrderType: echoOrderType{applyErr: werrors.Internal("boom", nil)}})
	order, err := ts.allocator.Propose(context.Background(), ProposeInput{Type: "failing", Payload: JSON{"message": "hi"}, RequestedByKind: ActorUser, RequestedByID: "u1"})
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	acquired, _ := ts.lease.Acquire(context.Background(), items[0].ID, "a1")
	if _, err := ts.executor.Submit(context.Background(), acquired.ID, "a1", JSON{"ok": true}, nil, ""); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	_, _, err = ts.executor.Approve(context.Background(), order.ID, Actor{Kind: ActorUser, ID: "u1"})
	if !werrors.HasCode(err, werrors.ErrCodeApplyFailed) {
		t.Fatalf("expected ApplyFailed, got %v", err)
	}
	failed, _ := ts.store.GetOrder(context.Background(), order.ID)
	if failed.State != OrderFailed {
		t.Fatalf("expected order failed after apply error, got %s", failed.State)
	}
}

func TestExecutor_Reject_WithReworkReturnsToQueued(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	acquired, _ := ts.lease.Acquire(context.Background(), items[0].ID, "a1")
	ts.executor.Submit(context.Background(), acquired.ID, "a1", JSON{"ok": true}, nil, "")

	rejected, err := ts.executor.Reject(context.Background(), order.ID, []FieldError{{Field: "x", Code: "bad", Message: "bad"}}, Actor{Kind: ActorUser, ID: "u1"}, true)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.State != OrderQueued {
		t.Fatalf("expected rework to land the order back in queued, got %s", rejected.State)
	}
}

func TestExecutor_Reject_WithoutReworkStaysRejected(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	acquired, _ := ts.lease.Acquire(context.Background(), items[0].ID, "a1")
	ts.executor.Submit(context.Background(), acquired.ID, "a1", JSON{"ok": true}, nil, "")

	rejected, err := ts.executor.Reject(context.Background(), order.ID, nil, Actor{Kind: ActorUser, ID: "u1"}, false)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.State != OrderRejected {
		t.Fatalf("expected order to stay rejected, got %s", rejected.State)
	}
}

func TestExecutor_Fail_TransitionsItemToFailed(t *testing.T) {
	ts := newTestSystem()
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)

	failed, err := ts.executor.Fail(context.Background(), items[0].ID, JSON{"code": "boom"})
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if failed.State != ItemFailed {
		t.Fatalf("expected item failed, got %s", failed.State)
	}
	if failed.Error["code"] != "boom" {
		t.Fatalf("expected error recorded, got %+v", failed.Error)
	}
}

// TestScenarioS6_PartialSubmissionsStrict follows spec.md's S6 seed:
// an item with parts_required=[research,analysis]; submitting both
// validated parts lets finalize(strict) assemble them; submitting only
// one raises ValidationFailed listing the missing key.
func TestScenarioS6_PartialSubmissionsStrict(t *testing.T) {
	ts := newTestSystem()
	ts.registry.Register(echoOrderType{requireParts: []string{"research", "analysis"}})
	order := ts.proposeEcho(t, 1, "hi")
	items, err := ts.allocator.Plan(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	item := items[0]
	acquired, err := ts.lease.Acquire(context.Background(), item.ID, "a1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	seq1 := int64(1)
	if _, err := ts.executor.SubmitPart(context.Background(), acquired.ID, "research", &seq1, JSON{"finding": "x"}, "a1", nil, ""); err != nil {
		t.Fatalf("submit research part failed: %v", err)
	}

	_, err = ts.executor.FinalizeItem(context.Background(), acquired.ID, FinalizeStrict)
	if !werrors.HasCode(err, werrors.ErrCodeValidationFailed) {
		t.Fatalf("expected ValidationFailed with only one of two required parts, got %v", err)
	}

	if _, err := ts.executor.SubmitPart(context.Background(), acquired.ID, "analysis", &seq1, JSON{"finding": "y"}, "a1", nil, ""); err != nil {
		t.Fatalf("submit analysis part failed: %v", err)
	}

	finalized, err := ts.executor.FinalizeItem(context.Background(), acquired.ID, FinalizeStrict)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if finalized.State != ItemSubmitted {
		t.Fatalf("expected item submitted after finalize, got %s", finalized.State)
	}
	research, _ := finalized.AssembledResult["research"].(JSON)
	analysis, _ := finalized.AssembledResult["analysis"].(JSON)
	if research["finding"] != "x" || analysis["finding"] != "y" {
		t.Fatalf("expected assembled_result to map both keys to their submitted payloads, got %+v", finalized.AssembledResult)
	}
}

func TestSubmitPart_LatestSeqSelection(t *testing.T) {
	ts := newTestSystem()
	ts.registry.Register(echoOrderType{requireParts: []string{"research"}})
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	item := items[0]
	ts.lease.Acquire(context.Background(), item.ID, "a1")

	seq1, seq2 := int64(1), int64(2)
	if _, err := ts.executor.SubmitPart(context.Background(), item.ID, "research", &seq1, JSON{"v": "old"}, "a1", nil, ""); err != nil {
		t.Fatalf("submit seq1 failed: %v", err)
	}
	if _, err := ts.executor.SubmitPart(context.Background(), item.ID, "research", &seq2, JSON{"v": "new"}, "a1", nil, ""); err != nil {
		t.Fatalf("submit seq2 failed: %v", err)
	}

	finalized, err := ts.executor.FinalizeItem(context.Background(), item.ID, FinalizeStrict)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	research, _ := finalized.AssembledResult["research"].(JSON)
	if research["v"] != "new" {
		t.Fatalf("expected greatest seq to win, got %+v", finalized.AssembledResult)
	}
}

// TestSubmitPart_ConcreteSeqBeatsNullSeq covers spec.md §4.5 step 1 /
// §9 open question 4: "latest" = greatest seq, with NULL seq sorting
// last, so a part with any concrete seq must win over a NULL-seq part
// regardless of submission order.
func TestSubmitPart_ConcreteSeqBeatsNullSeq(t *testing.T) {
	ts := newTestSystem()
	ts.registry.Register(echoOrderType{requireParts: []string{"research"}})
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	item := items[0]
	ts.lease.Acquire(context.Background(), item.ID, "a1")

	seq1 := int64(1)
	if _, err := ts.executor.SubmitPart(context.Background(), item.ID, "research", nil, JSON{"v": "nullseq"}, "a1", nil, ""); err != nil {
		t.Fatalf("submit null-seq part failed: %v", err)
	}
	if _, err := ts.executor.SubmitPart(context.Background(), item.ID, "research", &seq1, JSON{"v": "concrete"}, "a1", nil, ""); err != nil {
		t.Fatalf("submit seq1 failed: %v", err)
	}

	finalized, err := ts.executor.FinalizeItem(context.Background(), item.ID, FinalizeStrict)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	research, _ := finalized.AssembledResult["research"].(JSON)
	if research["v"] != "concrete" {
		t.Fatalf("expected concrete seq to beat NULL seq, got %+v", finalized.AssembledResult)
	}
}

func TestExecutor_AutoApprove_FiresImmediatelyOnSubmit(t *testing.T) {
	ts := newTestSystem()
	ts.registry.Register(echoOrderType{autoApprove: true})
	order := ts.proposeEcho(t, 1, "hi")
	items, _ := ts.allocator.Plan(context.Background(), order.ID)
	acquired, _ := ts.lease.Acquire(context.Background(), items[0].ID, "a1")

	if _, err := ts.executor.Submit(context.Background(), acquired.ID, "a1", JSON{"ok": true, "echoed_message": "hi"}, nil, ""); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	order, _ = ts.store.GetOrder(context.Background(), order.ID)
	if order.State != OrderCompleted {
		t.Fatalf("expected auto-approve to carry the order through to completed, got %s", order.State)
	}
}
