package domain

// Draft statuses.
const (
	DraftOpen        = "open"
	DraftNeedsReview = "needs_review"
	DraftApproved    = "approved"
	DraftDiscarded   = "discarded"
)

// Edit origins.
const (
	OriginUser      = "user"
	OriginGraveyard = "graveyard"
	OriginAPI       = "api"
)

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Draft owns one live snapshot and is mutated only through the edit protocol.
type Draft struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Title          string         `json:"title"`
	Status         string         `json:"status" enum:"open,needs_review,approved,discarded"`
	RevisionNumber int64          `json:"revision_number"`
	SchemaVersion  int            `json:"schema_version"`
	Snapshot       map[string]any `json:"snapshot"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// ChangeSet is the immutable record of one accepted edit. OpsJSON holds the
// operations the caller submitted (not the auto-fixes); ResultJSON holds the
// full reconciliation result.
type ChangeSet struct {
	ID           string `json:"id"`
	DraftID      string `json:"draft_id"`
	BaseRevision int64  `json:"base_revision"`
	OpsJSON      string `json:"ops_json"`
	ResultJSON   string `json:"result_json"`
	ActorID      string `json:"actor_id"`
	Origin       string `json:"origin" enum:"user,graveyard,api"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// DecisionItem is one pending human choice in the graveyard.
type DecisionItem struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	DraftID          string  `json:"draft_id"`
	ChangeSetID      string  `json:"changeset_id"`
	Kind             string  `json:"kind"`
	Message          string  `json:"message"`
	ImpactJSON       string  `json:"impact_json,omitempty"`
	OptionsJSON      string  `json:"options_json"`
	BlocksApproval   bool    `json:"blocks_approval"`
	Status           string  `json:"status" enum:"pending,resolved,dismissed"`
	SelectedOptionID *string `json:"selected_option_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	ResolvedAt       *string `json:"resolved_at,omitempty" format:"date-time"`
}

type InventoryItem struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	OnHandQty float64 `json:"on_hand_qty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Reservation struct {
	ID                     string  `json:"id"`
	InventoryItemID        string  `json:"inventory_item_id"`
	ProjectID              string  `json:"project_id"`
	MaterialLineID         *string `json:"material_line_id,omitempty"`
	Qty                    float64 `json:"qty"`
	Status                 string  `json:"status" enum:"active,overbooked,cancelled,fulfilled"`
	ComputedAvailableAfter float64 `json:"computed_available_after"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
	UpdatedAt              string  `json:"updated_at" format:"date-time"`
}

// Provenance records who or what produced an edit.
type Provenance struct {
	ActorID string `json:"actor_id"`
	Origin  string `json:"origin" enum:"user,graveyard,api"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
