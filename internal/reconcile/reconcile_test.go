package reconcile_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"draftline/internal/patch"
	"draftline/internal/reconcile"
)

type fakeLedger struct {
	available map[string]float64
	reserved  map[string]bool
}

func (f fakeLedger) ComputeAvailability(_ context.Context, itemID string) (reconcile.Availability, error) {
	avail, ok := f.available[itemID]
	if !ok {
		return reconcile.Availability{}, fmt.Errorf("inventory item %s: %w", itemID, reconcile.ErrUnknownItem)
	}
	return reconcile.Availability{OnHandQty: avail, Available: avail}, nil
}

func (f fakeLedger) HasActiveReservation(_ context.Context, _, _ string, lineID *string) (bool, error) {
	if lineID == nil {
		return false, nil
	}
	return f.reserved[*lineID], nil
}

func newEngine(l reconcile.Ledger) reconcile.Engine {
	return reconcile.Engine{
		Ledger: l,
		Now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func snapshotWith(materials, labor map[string]any) map[string]any {
	return map[string]any{
		"tasks":     map[string]any{"byId": map[string]any{}},
		"materials": map[string]any{"byId": materials},
		"labor":     map[string]any{"byId": labor},
	}
}

func reconcileSnap(t *testing.T, e reconcile.Engine, snap map[string]any) reconcile.Result {
	t.Helper()
	res, err := e.Reconcile(context.Background(), "d1", "job-1", 1, snap)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return res
}

func TestCleanSnapshot(t *testing.T) {
	e := newEngine(fakeLedger{})
	res := reconcileSnap(t, e, snapshotWith(map[string]any{}, map[string]any{}))
	if res.Status != reconcile.StatusClean {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.SafeFixes.AutoApplyOps) != 0 || len(res.ReviewRequired) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestLaborOrphanDetection(t *testing.T) {
	e := newEngine(fakeLedger{})
	labor := map[string]any{
		"lab_1": map[string]any{
			"qty": 4.0, "rate": 50.0,
			"links": map[string]any{"taskIds": []any{"task_gone"}},
		},
	}
	res := reconcileSnap(t, e, snapshotWith(map[string]any{}, labor))
	if res.Status != reconcile.StatusNeedsReview {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.SafeFixes.AutoApplyOps) != 1 {
		t.Fatalf("auto ops = %+v", res.SafeFixes.AutoApplyOps)
	}
	op := res.SafeFixes.AutoApplyOps[0]
	if op.Kind != patch.OpUnlink || op.Path != "/labor/byId/lab_1/links/taskIds" || op.To != "task_gone" {
		t.Fatalf("op = %+v", op)
	}
	if len(res.ReviewRequired) != 1 {
		t.Fatalf("items = %+v", res.ReviewRequired)
	}
	item := res.ReviewRequired[0]
	if item.Kind != reconcile.KindLaborOrphaned || !item.BlocksApproval {
		t.Fatalf("item = %+v", item)
	}
	if item.Impact.MoneyDelta != -200 {
		t.Fatalf("money delta = %v", item.Impact.MoneyDelta)
	}
	if len(item.Options) != 2 || item.Options[0].ID != "keep_placeholder" || item.Options[1].ID != "remove_line" {
		t.Fatalf("options = %+v", item.Options)
	}
}

func TestTombstonedTaskCountsAsMissing(t *testing.T) {
	e := newEngine(fakeLedger{})
	snap := snapshotWith(map[string]any{}, map[string]any{
		"lab_1": map[string]any{"links": map[string]any{"taskIds": []any{"task_1"}}},
	})
	snap["tasks"] = map[string]any{"byId": map[string]any{
		"task_1": map[string]any{"deletedAt": "2024-01-01T00:00:00Z"},
	}}
	res := reconcileSnap(t, e, snap)
	if len(res.ReviewRequired) != 1 {
		t.Fatalf("tombstoned task not treated as missing: %+v", res)
	}
}

func TestTombstonedLinesAreIgnored(t *testing.T) {
	e := newEngine(fakeLedger{})
	labor := map[string]any{
		"lab_1": map[string]any{
			"deletedAt": "2024-01-01T00:00:00Z",
			"links":     map[string]any{"taskIds": []any{"task_gone"}},
		},
	}
	res := reconcileSnap(t, e, snapshotWith(map[string]any{}, labor))
	if res.Status != reconcile.StatusClean {
		t.Fatalf("tombstoned line raised hazards: %+v", res)
	}
}

func TestMaterialOrphanPurchaseDecision(t *testing.T) {
	e := newEngine(fakeLedger{})
	materials := map[string]any{
		"mat_buy": map[string]any{
			"qty": 2.0, "unitCost": 30.0,
			"procurement": map[string]any{"mode": "purchase"},
			"links":       map[string]any{"taskIds": []any{"task_gone"}},
		},
		"mat_stock": map[string]any{
			"qty":         1.0,
			"procurement": map[string]any{"mode": "stock"},
			"links":       map[string]any{"taskIds": []any{"task_gone"}},
		},
	}
	res := reconcileSnap(t, e, snapshotWith(materials, map[string]any{}))
	// both lines get unlinked, only the purchase line needs a decision
	if len(res.SafeFixes.AutoApplyOps) != 2 {
		t.Fatalf("auto ops = %+v", res.SafeFixes.AutoApplyOps)
	}
	if len(res.ReviewRequired) != 1 {
		t.Fatalf("items = %+v", res.ReviewRequired)
	}
	item := res.ReviewRequired[0]
	if item.Kind != reconcile.KindPurchaseTaskDeleted || item.RecordPath != "/materials/byId/mat_buy" {
		t.Fatalf("item = %+v", item)
	}
	if item.Impact.MoneyDelta != -60 {
		t.Fatalf("money delta = %v", item.Impact.MoneyDelta)
	}
}

func TestPurchaseDecisionOverride(t *testing.T) {
	e := newEngine(fakeLedger{})
	e.PurchaseDecision = func(map[string]any) bool { return false }
	materials := map[string]any{
		"mat_buy": map[string]any{
			"procurement": map[string]any{"mode": "purchase"},
			"links":       map[string]any{"taskIds": []any{"task_gone"}},
		},
	}
	res := reconcileSnap(t, e, snapshotWith(materials, map[string]any{}))
	if len(res.ReviewRequired) != 0 {
		t.Fatalf("override ignored: %+v", res.ReviewRequired)
	}
	// the unlink still happens
	if len(res.SafeFixes.AutoApplyOps) != 1 {
		t.Fatalf("auto ops = %+v", res.SafeFixes.AutoApplyOps)
	}
}

func stockLine(qty float64, itemID string) map[string]any {
	return map[string]any{
		"qty": qty,
		"procurement": map[string]any{
			"mode": "stock", "reserve": true, "inventoryItemId": itemID,
		},
	}
}

func TestInventoryOverbookDetection(t *testing.T) {
	e := newEngine(fakeLedger{available: map[string]float64{"item-1": 5}})
	res := reconcileSnap(t, e, snapshotWith(map[string]any{"mat_1": stockLine(8, "item-1")}, map[string]any{}))
	if len(res.ReviewRequired) != 1 {
		t.Fatalf("items = %+v", res.ReviewRequired)
	}
	item := res.ReviewRequired[0]
	if item.Kind != reconcile.KindInventoryOverbook {
		t.Fatalf("kind = %s", item.Kind)
	}
	if item.Impact.Qty != 3 || item.Impact.InventoryItemID != "item-1" {
		t.Fatalf("impact = %+v", item.Impact)
	}
	if item.Options[0].ID != "switch_to_purchase" || item.Options[1].ID != "keep_stock_overbook" {
		t.Fatalf("options = %+v", item.Options)
	}
}

func TestInventoryFitsNoDecision(t *testing.T) {
	e := newEngine(fakeLedger{available: map[string]float64{"item-1": 5}})
	res := reconcileSnap(t, e, snapshotWith(map[string]any{"mat_1": stockLine(5, "item-1")}, map[string]any{}))
	if res.Status != reconcile.StatusClean {
		t.Fatalf("status = %s: %+v", res.Status, res)
	}
}

func TestAllowOverbookSkipsDetection(t *testing.T) {
	line := stockLine(8, "item-1")
	line["procurement"].(map[string]any)["allowOverbook"] = true
	e := newEngine(fakeLedger{available: map[string]float64{"item-1": 5}})
	res := reconcileSnap(t, e, snapshotWith(map[string]any{"mat_1": line}, map[string]any{}))
	if len(res.ReviewRequired) != 0 {
		t.Fatalf("allowOverbook line still flagged: %+v", res.ReviewRequired)
	}
}

func TestExistingReservationSkipsDetection(t *testing.T) {
	e := newEngine(fakeLedger{
		available: map[string]float64{"item-1": 0},
		reserved:  map[string]bool{"mat_1": true},
	})
	res := reconcileSnap(t, e, snapshotWith(map[string]any{"mat_1": stockLine(8, "item-1")}, map[string]any{}))
	if len(res.ReviewRequired) != 0 {
		t.Fatalf("already-reserved line flagged: %+v", res.ReviewRequired)
	}
}

func TestInventoryWarnings(t *testing.T) {
	e := newEngine(fakeLedger{available: map[string]float64{}})
	materials := map[string]any{
		"mat_noitem":  stockLine(1, ""),
		"mat_unknown": stockLine(1, "ghost"),
	}
	res := reconcileSnap(t, e, snapshotWith(materials, map[string]any{}))
	if res.Status != reconcile.StatusWarnings {
		t.Fatalf("status = %s", res.Status)
	}
	codes := map[string]bool{}
	for _, w := range res.Warnings {
		codes[w.Code] = true
	}
	if !codes[reconcile.WarnMissingInventoryItem] || !codes[reconcile.WarnUnknownInventoryItem] {
		t.Fatalf("warnings = %+v", res.Warnings)
	}
	if len(res.ReviewRequired) != 0 {
		t.Fatalf("warnings escalated to decisions: %+v", res.ReviewRequired)
	}
}
