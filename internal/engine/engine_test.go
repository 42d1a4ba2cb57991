package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/ledger"
	"draftline/internal/migrate"
	"draftline/internal/patch"
	"draftline/internal/reconcile"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("job-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Ledger.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "job-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func seedDraft(t *testing.T, env testEnv, snapshot map[string]any) domain.Draft {
	t.Helper()
	d, err := env.Engine.CreateDraft(env.Ctx, engine.DraftCreateOptions{
		ProjectID: "job-1",
		Title:     "kitchen remodel",
		Snapshot:  snapshot,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return d
}

func laborSnapshot() map[string]any {
	return map[string]any{
		"tasks": map[string]any{"byId": map[string]any{
			"task_1": map[string]any{"title": "install cabinets"},
		}},
		"labor": map[string]any{"byId": map[string]any{
			"lab_1": map[string]any{
				"qty":   4.0,
				"rate":  50.0,
				"links": map[string]any{"taskIds": []any{"task_1"}},
			},
		}},
	}
}

func TestRemoveTaskOrphansLaborLine(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, laborSnapshot())

	res, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID:      d.ID,
		BaseRevision: d.RevisionNumber,
		Ops:          []patch.Op{{Kind: patch.OpRemove, Path: "/tasks/byId/task_1"}},
		Provenance:   domain.Provenance{ActorID: "tester", Origin: domain.OriginUser},
	})
	if err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if res.Draft.RevisionNumber != d.RevisionNumber+1 {
		t.Fatalf("revision = %d, want %d", res.Draft.RevisionNumber, d.RevisionNumber+1)
	}
	if res.Draft.Status != domain.DraftNeedsReview {
		t.Fatalf("status = %s, want needs_review", res.Draft.Status)
	}
	if res.Reconciliation.Status != reconcile.StatusNeedsReview {
		t.Fatalf("reconcile status = %s", res.Reconciliation.Status)
	}
	if len(res.AutoAppliedOps) != 1 || res.AutoAppliedOps[0].Kind != patch.OpUnlink {
		t.Fatalf("auto ops = %+v, want one unlink", res.AutoAppliedOps)
	}
	if len(res.DecisionItemIDs) != 1 {
		t.Fatalf("decisions = %v, want one", res.DecisionItemIDs)
	}

	// the unlink must be applied in the committed snapshot
	labor := res.Draft.Snapshot["labor"].(map[string]any)["byId"].(map[string]any)["lab_1"].(map[string]any)
	links := labor["links"].(map[string]any)["taskIds"].([]any)
	if len(links) != 0 {
		t.Fatalf("taskIds = %v, want empty", links)
	}

	item, err := env.Engine.Repo.GetDecisionItem(env.Ctx, res.DecisionItemIDs[0])
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if item.Kind != reconcile.KindLaborOrphaned {
		t.Fatalf("kind = %s", item.Kind)
	}
	if !item.BlocksApproval || item.Status != "pending" {
		t.Fatalf("decision = %+v", item)
	}
}

func TestStaleBaseRevisionRejected(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, laborSnapshot())

	op := []patch.Op{{Kind: patch.OpAdd, Path: "/tasks/byId/task_2", Value: map[string]any{"title": "paint"}}}
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber, Ops: op,
		Provenance: domain.Provenance{ActorID: "tester"},
	}); err != nil {
		t.Fatalf("first edit: %v", err)
	}

	// same base revision again must conflict, and must not write anything
	_, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber, Ops: op,
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	var conflict *engine.RevisionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want RevisionConflictError", err)
	}
	if conflict.Actual != d.RevisionNumber+1 {
		t.Fatalf("actual = %d, want %d", conflict.Actual, d.RevisionNumber+1)
	}
	sets, err := env.Engine.Repo.ListChangeSets(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 1 {
		t.Fatalf("changesets = %d, want 1", len(sets))
	}
}

func TestFailedOpLeavesDraftUntouched(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, laborSnapshot())

	_, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID:      d.ID,
		BaseRevision: d.RevisionNumber,
		Ops: []patch.Op{
			{Kind: patch.OpAdd, Path: "/tasks/byId/task_2", Value: map[string]any{"title": "paint"}},
			{Kind: patch.OpRemove, Path: "/tasks/byId/missing"},
		},
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	var perr *patch.PathError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PathError", err)
	}
	cur, err := env.Engine.Repo.GetDraft(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.RevisionNumber != d.RevisionNumber {
		t.Fatalf("revision moved to %d", cur.RevisionNumber)
	}
	tasks := cur.Snapshot["tasks"].(map[string]any)["byId"].(map[string]any)
	if _, ok := tasks["task_2"]; ok {
		t.Fatalf("partial op leaked into snapshot")
	}
}

func TestResolveDecisionRemoveLine(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, laborSnapshot())

	res, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber,
		Ops:        []patch.Op{{Kind: patch.OpRemove, Path: "/tasks/byId/task_1"}},
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	if err != nil {
		t.Fatal(err)
	}
	decisionID := res.DecisionItemIDs[0]

	out, err := env.Engine.ResolveDecision(env.Ctx, decisionID, "remove_line", "reviewer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Draft.Status != domain.DraftOpen {
		t.Fatalf("status = %s, want open after resolution", out.Draft.Status)
	}
	labor := out.Draft.Snapshot["labor"].(map[string]any)["byId"].(map[string]any)["lab_1"].(map[string]any)
	if labor["deletedAt"] == nil || labor["deletedAt"] == "" {
		t.Fatalf("labor line not tombstoned: %+v", labor)
	}
	// resolution must not re-create the same decision
	if len(out.DecisionItemIDs) != 0 {
		t.Fatalf("resolution recreated decisions: %v", out.DecisionItemIDs)
	}

	item, err := env.Engine.Repo.GetDecisionItem(env.Ctx, decisionID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != "resolved" || item.SelectedOptionID == nil || *item.SelectedOptionID != "remove_line" {
		t.Fatalf("decision = %+v", item)
	}

	// second resolution attempt is rejected
	_, err = env.Engine.ResolveDecision(env.Ctx, decisionID, "remove_line", "reviewer")
	var already *engine.AlreadyResolvedError
	if !errors.As(err, &already) {
		t.Fatalf("err = %v, want AlreadyResolvedError", err)
	}
}

func TestResolveUnknownOption(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, laborSnapshot())
	res, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber,
		Ops:        []patch.Op{{Kind: patch.OpRemove, Path: "/tasks/byId/task_1"}},
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveDecision(env.Ctx, res.DecisionItemIDs[0], "nope", "reviewer")
	var invalid *engine.InvalidOptionError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidOptionError", err)
	}
}

func TestDismissDecisionReopensDraft(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, laborSnapshot())
	res, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber,
		Ops:        []patch.Op{{Kind: patch.OpRemove, Path: "/tasks/byId/task_1"}},
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	if err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.DismissDecision(env.Ctx, res.DecisionItemIDs[0], "reviewer")
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if item.Status != "dismissed" {
		t.Fatalf("status = %s", item.Status)
	}
	cur, err := env.Engine.Repo.GetDraft(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != domain.DraftOpen {
		t.Fatalf("draft status = %s, want open", cur.Status)
	}
}

func TestApprovalBlockedByPendingDecision(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, laborSnapshot())
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber,
		Ops:        []patch.Op{{Kind: patch.OpRemove, Path: "/tasks/byId/task_1"}},
		Provenance: domain.Provenance{ActorID: "tester"},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.SetDraftStatus(env.Ctx, d.ID, domain.DraftApproved, false, "tester")
	var blocked *engine.ApprovalBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want ApprovalBlockedError", err)
	}

	// force bypasses the gate
	cur, err := env.Engine.SetDraftStatus(env.Ctx, d.ID, domain.DraftApproved, true, "tester")
	if err != nil {
		t.Fatalf("forced approve: %v", err)
	}
	if cur.Status != domain.DraftApproved {
		t.Fatalf("status = %s", cur.Status)
	}

	// approved drafts reject edits
	_, err = env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: cur.RevisionNumber,
		Ops:        []patch.Op{{Kind: patch.OpAdd, Path: "/tasks/byId/task_9", Value: map[string]any{}}},
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	if err == nil {
		t.Fatalf("expected edit rejection on approved draft")
	}
}

func materialOp(lineID string, qty float64) patch.Op {
	return patch.Op{
		Kind: patch.OpAdd,
		Path: "/materials/byId/" + lineID,
		Value: map[string]any{
			"qty": qty,
			"procurement": map[string]any{
				"mode":            "stock",
				"reserve":         true,
				"inventoryItemId": "item-1",
			},
		},
	}
}

func TestStockReservationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateInventoryItem(env.Ctx, engine.InventoryCreateOptions{
		ID: "item-1", ProjectID: "job-1", Name: "2x4 lumber", Unit: "ea", OnHandQty: 10, ActorID: "tester",
	}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	d := seedDraft(t, env, nil)

	// fits availability: reserved active, no decision
	res, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber,
		Ops:        []patch.Op{materialOp("mat_1", 10)},
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.DecisionItemIDs) != 0 {
		t.Fatalf("unexpected decisions: %v", res.DecisionItemIDs)
	}
	rs, err := env.Engine.Ledger.ListReservations(env.Ctx, ledger.ReservationFilters{ProjectID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 {
		t.Fatalf("reservations = %d, want 1", len(rs))
	}
	if rs[0].Status != ledger.StatusActive || rs[0].Qty != 10 || rs[0].ComputedAvailableAfter != 0 {
		t.Fatalf("reservation = %+v", rs[0])
	}
	if rs[0].MaterialLineID == nil || *rs[0].MaterialLineID != "mat_1" {
		t.Fatalf("material line = %v", rs[0].MaterialLineID)
	}

	// a second edit of the same draft must not double-reserve the line
	cur, _ := env.Engine.Repo.GetDraft(env.Ctx, d.ID)
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: cur.RevisionNumber,
		Ops:        []patch.Op{{Kind: patch.OpAdd, Path: "/materials/byId/mat_1/note", Value: "rush"}},
		Provenance: domain.Provenance{ActorID: "tester"},
	}); err != nil {
		t.Fatal(err)
	}
	rs, err = env.Engine.Ledger.ListReservations(env.Ctx, ledger.ReservationFilters{ProjectID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 {
		t.Fatalf("reservations after second edit = %d, want 1", len(rs))
	}
}

func TestOverbookDecisionAndResolution(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateInventoryItem(env.Ctx, engine.InventoryCreateOptions{
		ID: "item-1", ProjectID: "job-1", Name: "2x4 lumber", OnHandQty: 10, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	d := seedDraft(t, env, nil)

	res, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber,
		Ops:        []patch.Op{materialOp("mat_1", 11)},
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.DecisionItemIDs) != 1 {
		t.Fatalf("decisions = %v, want one overbook decision", res.DecisionItemIDs)
	}
	item, err := env.Engine.Repo.GetDecisionItem(env.Ctx, res.DecisionItemIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if item.Kind != reconcile.KindInventoryOverbook {
		t.Fatalf("kind = %s", item.Kind)
	}
	// shortfall was not silently reserved
	avail, err := env.Engine.Ledger.ComputeAvailability(env.Ctx, "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if avail.TotalReserved != 0 {
		t.Fatalf("reserved = %v, want 0", avail.TotalReserved)
	}

	// keeping stock with overbook reserves and must not re-create the decision
	out, err := env.Engine.ResolveDecision(env.Ctx, item.ID, "keep_stock_overbook", "reviewer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(out.DecisionItemIDs) != 0 {
		t.Fatalf("overbook resolution recreated decisions: %v", out.DecisionItemIDs)
	}
	avail, err = env.Engine.Ledger.ComputeAvailability(env.Ctx, "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if avail.TotalReserved != 11 || avail.Available != -1 {
		t.Fatalf("availability = %+v", avail)
	}
}

func TestUnknownInventoryItemWarns(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, nil)

	res, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber,
		Ops:        []patch.Op{materialOp("mat_1", 5)},
		Provenance: domain.Provenance{ActorID: "tester"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reconciliation.Status != reconcile.StatusWarnings {
		t.Fatalf("status = %s, want hasWarnings", res.Reconciliation.Status)
	}
	if len(res.Reconciliation.Warnings) != 1 || res.Reconciliation.Warnings[0].Code != reconcile.WarnUnknownInventoryItem {
		t.Fatalf("warnings = %+v", res.Reconciliation.Warnings)
	}
	if res.Draft.Status != domain.DraftOpen {
		t.Fatalf("warnings must not gate the draft, status = %s", res.Draft.Status)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	d := seedDraft(t, env, laborSnapshot())
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		DraftID: d.ID, BaseRevision: d.RevisionNumber,
		Ops:        []patch.Op{{Kind: patch.OpRemove, Path: "/tasks/byId/task_1"}},
		Provenance: domain.Provenance{ActorID: "tester"},
	}); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "job-1", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"project.init", "draft.created", "draft.edited", "decision.created"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
