package reconcile

import (
	"context"
	"errors"

	"draftline/internal/patch"
)

// ErrUnknownItem marks an availability lookup against an inventory item that
// does not exist. Ledger implementations wrap it so the detector can downgrade
// the failure to a warning.
var ErrUnknownItem = errors.New("unknown inventory item")

func IsUnknownItem(err error) bool { return errors.Is(err, ErrUnknownItem) }

type Status string

const (
	StatusClean       Status = "clean"
	StatusWarnings    Status = "hasWarnings"
	StatusNeedsReview Status = "needsReview"
	StatusBlocked     Status = "blocked"
)

// Decision item kinds.
const (
	KindLaborOrphaned       = "laborOrphanedDecision"
	KindPurchaseTaskDeleted = "purchaseTaskDeletedDecision"
	KindInventoryOverbook   = "inventoryOverbookDecision"
)

// Warning codes.
const (
	WarnMissingInventoryItem = "MISSING_INVENTORY_ITEM"
	WarnUnknownInventoryItem = "UNKNOWN_INVENTORY_ITEM"
)

// Option is one mutually exclusive remediation; its ops re-enter the edit
// protocol when the option is selected.
type Option struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Ops   []patch.Op `json:"ops"`
}

// Impact previews the money/inventory consequence of resolving a decision
// with its most destructive option.
type Impact struct {
	MoneyDelta      float64 `json:"money_delta"`
	Qty             float64 `json:"qty,omitempty"`
	InventoryItemID string  `json:"inventory_item_id,omitempty"`
	Note            string  `json:"note,omitempty"`
}

// Item is one hazard that requires a human decision.
type Item struct {
	Kind           string   `json:"kind"`
	RecordPath     string   `json:"record_path"`
	Message        string   `json:"message"`
	Impact         Impact   `json:"impact"`
	Options        []Option `json:"options"`
	BlocksApproval bool     `json:"blocks_approval"`
}

type Warning struct {
	Code       string `json:"code"`
	RecordPath string `json:"record_path,omitempty"`
	Message    string `json:"message"`
}

// SafeFixes holds the operations the engine applies immediately and silently.
type SafeFixes struct {
	AutoApplyOps []patch.Op `json:"auto_apply_ops"`
}

// Result classifies the consequences of an edit. Hazards are always data,
// never errors. Blockers stays empty in the current detector set but is part
// of the contract.
type Result struct {
	Status         Status    `json:"status"`
	SafeFixes      SafeFixes `json:"safe_fixes"`
	ReviewRequired []Item    `json:"review_required"`
	Warnings       []Warning `json:"warnings"`
	Blockers       []string  `json:"blockers"`
}

type Availability struct {
	OnHandQty     float64 `json:"on_hand_qty"`
	TotalReserved float64 `json:"total_reserved"`
	Available     float64 `json:"available"`
}

// Ledger is the read surface the inventory-conflict detector needs. The
// sqlite-backed ledger implements it; tests use in-memory fakes.
type Ledger interface {
	ComputeAvailability(ctx context.Context, inventoryItemID string) (Availability, error)
	HasActiveReservation(ctx context.Context, projectID, inventoryItemID string, materialLineID *string) (bool, error)
}
