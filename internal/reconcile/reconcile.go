package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"draftline/internal/patch"
)

// Engine inspects a freshly-patched snapshot for integrity hazards and splits
// findings into auto-fixable operations and human decisions.
type Engine struct {
	Ledger Ledger
	Now    func() time.Time
	// PurchaseDecision reports whether an orphaned material line needs a
	// human decision. Nil falls back to the built-in rule; config can supply
	// an expression-compiled override.
	PurchaseDecision func(record map[string]any) bool
}

// Reconcile runs all detectors over the snapshot. Detectors never
// short-circuit each other and never raise errors for data hazards; an error
// return means the ledger itself failed.
func (e Engine) Reconcile(ctx context.Context, draftID, projectID string, revision int64, snapshot map[string]any) (Result, error) {
	res := Result{Status: StatusClean}

	e.detectLaborOrphans(snapshot, &res)
	e.detectMaterialOrphans(snapshot, &res)
	if err := e.detectInventoryConflicts(ctx, projectID, snapshot, &res); err != nil {
		return Result{}, fmt.Errorf("reconcile draft %s: %w", draftID, err)
	}

	switch {
	case len(res.ReviewRequired) > 0:
		res.Status = StatusNeedsReview
	case len(res.Warnings) > 0:
		res.Status = StatusWarnings
	default:
		res.Status = StatusClean
	}
	return res, nil
}

// missingTaskIDs lists linked task ids absent or tombstoned in tasks.byId.
func missingTaskIDs(snapshot map[string]any, rec map[string]any) []string {
	tasks := byID(snapshot, SectionTasks)
	var missing []string
	for _, id := range linkedTaskIDs(rec) {
		task, _ := tasks[id].(map[string]any)
		if task == nil || isTombstoned(task) {
			missing = append(missing, id)
		}
	}
	return missing
}

func unlinkOps(recPath, recID string, missing []string) []patch.Op {
	ops := make([]patch.Op, 0, len(missing))
	for _, taskID := range missing {
		ops = append(ops, patch.Op{
			Kind: patch.OpUnlink,
			Path: recPath + "/links/taskIds",
			From: recID,
			To:   taskID,
			Rel:  "task",
		})
	}
	return ops
}

func (e Engine) detectLaborOrphans(snapshot map[string]any, res *Result) {
	labor := byID(snapshot, SectionLabor)
	for _, id := range sortedIDs(labor) {
		rec, _ := labor[id].(map[string]any)
		if rec == nil || isTombstoned(rec) {
			continue
		}
		missing := missingTaskIDs(snapshot, rec)
		if len(missing) == 0 {
			continue
		}
		recPath := "/" + SectionLabor + "/byId/" + id
		res.SafeFixes.AutoApplyOps = append(res.SafeFixes.AutoApplyOps, unlinkOps(recPath, id, missing)...)

		money := getFloat(rec, "qty") * getFloat(rec, "rate")
		res.ReviewRequired = append(res.ReviewRequired, Item{
			Kind:       KindLaborOrphaned,
			RecordPath: recPath,
			Message:    fmt.Sprintf("labor line %s references removed task(s) %s", id, strings.Join(missing, ", ")),
			Impact:     Impact{MoneyDelta: -money, Note: "removing the line drops its qty x rate value"},
			Options: []Option{
				{
					ID:    "keep_placeholder",
					Label: "Keep as placeholder without a task",
					Ops: []patch.Op{
						{Kind: patch.OpAdd, Path: recPath + "/status", Value: "orphaned"},
						{Kind: patch.OpAdd, Path: recPath + "/needsReview", Value: true},
					},
				},
				{
					ID:    "remove_line",
					Label: "Remove the labor line",
					Ops: []patch.Op{
						{Kind: patch.OpTombstone, Path: recPath, Reason: "task removed"},
					},
				},
			},
			BlocksApproval: true,
		})
	}
}

// defaultPurchaseDecision mirrors the shipped config rule.
func defaultPurchaseDecision(rec map[string]any) bool {
	if getString(getMap(rec, "procurement"), "mode") == "purchase" {
		return true
	}
	return getBool(rec, "needPurchase")
}

func (e Engine) detectMaterialOrphans(snapshot map[string]any, res *Result) {
	decide := e.PurchaseDecision
	if decide == nil {
		decide = defaultPurchaseDecision
	}
	materials := byID(snapshot, SectionMaterials)
	for _, id := range sortedIDs(materials) {
		rec, _ := materials[id].(map[string]any)
		if rec == nil || isTombstoned(rec) {
			continue
		}
		missing := missingTaskIDs(snapshot, rec)
		if len(missing) == 0 {
			continue
		}
		recPath := "/" + SectionMaterials + "/byId/" + id
		res.SafeFixes.AutoApplyOps = append(res.SafeFixes.AutoApplyOps, unlinkOps(recPath, id, missing)...)

		if !decide(rec) {
			continue
		}
		money := getFloat(rec, "qty") * getFloat(rec, "unitCost")
		res.ReviewRequired = append(res.ReviewRequired, Item{
			Kind:       KindPurchaseTaskDeleted,
			RecordPath: recPath,
			Message:    fmt.Sprintf("purchase material %s references removed task(s) %s", id, strings.Join(missing, ", ")),
			Impact:     Impact{MoneyDelta: -money, Qty: getFloat(rec, "qty"), Note: "purchase no longer tied to a task"},
			Options: []Option{
				{
					ID:    "switch_to_stock",
					Label: "Switch the line to stock procurement",
					Ops: []patch.Op{
						{Kind: patch.OpAdd, Path: recPath + "/procurement/mode", Value: "stock"},
						{Kind: patch.OpAdd, Path: recPath + "/needPurchase", Value: false},
					},
				},
				{
					ID:    "keep_purchase",
					Label: "Keep as purchase without a task",
					Ops: []patch.Op{
						{Kind: patch.OpAdd, Path: recPath + "/needsReview", Value: true},
					},
				},
			},
			BlocksApproval: true,
		})
	}
}

func (e Engine) detectInventoryConflicts(ctx context.Context, projectID string, snapshot map[string]any, res *Result) error {
	if e.Ledger == nil {
		return nil
	}
	materials := byID(snapshot, SectionMaterials)
	for _, id := range sortedIDs(materials) {
		rec, _ := materials[id].(map[string]any)
		if rec == nil || isTombstoned(rec) {
			continue
		}
		proc := getMap(rec, "procurement")
		if getString(proc, "mode") != "stock" || !getBool(proc, "reserve") {
			continue
		}
		if getBool(proc, "allowOverbook") {
			continue
		}
		recPath := "/" + SectionMaterials + "/byId/" + id
		itemID := getString(proc, "inventoryItemId")
		if itemID == "" {
			res.Warnings = append(res.Warnings, Warning{
				Code:       WarnMissingInventoryItem,
				RecordPath: recPath,
				Message:    fmt.Sprintf("material %s wants a stock reservation but names no inventory item", id),
			})
			continue
		}
		lineID := id
		exists, err := e.Ledger.HasActiveReservation(ctx, projectID, itemID, &lineID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		avail, err := e.Ledger.ComputeAvailability(ctx, itemID)
		if err != nil {
			if IsUnknownItem(err) {
				res.Warnings = append(res.Warnings, Warning{
					Code:       WarnUnknownInventoryItem,
					RecordPath: recPath,
					Message:    fmt.Sprintf("material %s references unknown inventory item %s", id, itemID),
				})
				continue
			}
			return err
		}
		qty := getFloat(rec, "qty")
		if qty <= avail.Available {
			continue
		}
		res.ReviewRequired = append(res.ReviewRequired, Item{
			Kind:       KindInventoryOverbook,
			RecordPath: recPath,
			Message:    fmt.Sprintf("material %s requests %.2f of item %s but only %.2f is available", id, qty, itemID, avail.Available),
			Impact:     Impact{Qty: qty - avail.Available, InventoryItemID: itemID, Note: "shortfall if reserved from stock"},
			Options: []Option{
				{
					ID:    "switch_to_purchase",
					Label: "Switch the line to purchase",
					Ops: []patch.Op{
						{Kind: patch.OpAdd, Path: recPath + "/procurement/mode", Value: "purchase"},
						{Kind: patch.OpAdd, Path: recPath + "/procurement/reserve", Value: false},
					},
				},
				{
					ID:    "keep_stock_overbook",
					Label: "Keep stock procurement and overbook",
					Ops: []patch.Op{
						{Kind: patch.OpAdd, Path: recPath + "/procurement/allowOverbook", Value: true},
					},
				},
			},
			BlocksApproval: true,
		})
	}
	return nil
}
