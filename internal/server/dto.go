package server

import (
	"encoding/json"

	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/patch"
	"draftline/internal/reconcile"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateDraftRequest struct {
	ID        *string        `json:"id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Title     string         `json:"title"`
	Snapshot  map[string]any `json:"snapshot,omitempty"`
}

type EditRequest struct {
	BaseRevision int64      `json:"base_revision"`
	Ops          []patch.Op `json:"ops"`
}

type SetDraftStatusRequest struct {
	Status string `json:"status" enum:"open,needs_review,approved,discarded"`
	Force  bool   `json:"force,omitempty"`
}

type ResolveDecisionRequest struct {
	OptionID string `json:"option_id"`
}

type CreateInventoryItemRequest struct {
	ID        *string `json:"id,omitempty"`
	ProjectID string  `json:"project_id,omitempty"`
	Name      string  `json:"name"`
	SKU       *string `json:"sku,omitempty"`
	Unit      *string `json:"unit,omitempty"`
	OnHandQty float64 `json:"on_hand_qty"`
}

type ReserveRequest struct {
	Qty           float64 `json:"qty"`
	AllowOverbook bool    `json:"allow_overbook,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type DraftResponse struct {
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

type ChangeSetResponse struct {
	ID           string           `json:"id"`
	DraftID      string           `json:"draft_id"`
	BaseRevision int64            `json:"base_revision"`
	Ops          []patch.Op       `json:"ops"`
	Result       reconcile.Result `json:"result"`
	ActorID      string           `json:"actor_id"`
	Origin       string           `json:"origin" enum:"user,graveyard,api"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
}

type DecisionResponse struct {
	ID               string             `json:"id"`
	ProjectID        string             `json:"project_id"`
	DraftID          string             `json:"draft_id"`
	ChangeSetID      string             `json:"changeset_id"`
	Kind             string             `json:"kind"`
	Message          string             `json:"message"`
	Impact           *reconcile.Impact  `json:"impact,omitempty"`
	Options          []reconcile.Option `json:"options"`
	BlocksApproval   bool               `json:"blocks_approval"`
	Status           string             `json:"status" enum:"pending,resolved,dismissed"`
	SelectedOptionID *string            `json:"selected_option_id,omitempty"`
	CreatedAt        string             `json:"created_at" format:"date-time"`
	ResolvedAt       *string            `json:"resolved_at,omitempty" format:"date-time"`
}

type EditResponse struct {
	Draft           DraftResponse    `json:"draft"`
	ChangeSetID     string           `json:"changeset_id"`
	AcceptedOps     []patch.Op       `json:"accepted_ops"`
	AutoAppliedOps  []patch.Op       `json:"auto_applied_ops"`
	Reconciliation  reconcile.Result `json:"reconciliation"`
	DecisionItemIDs []string         `json:"decision_item_ids"`
}

type InventoryItemResponse struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	OnHandQty float64 `json:"on_hand_qty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type AvailabilityResponse struct {
	InventoryItemID string  `json:"inventory_item_id"`
	OnHandQty       float64 `json:"on_hand_qty"`
	TotalReserved   float64 `json:"total_reserved"`
	Available       float64 `json:"available"`
}

type ReservationResponse struct {
	ID                     string  `json:"id"`
	InventoryItemID        string  `json:"inventory_item_id"`
	ProjectID              string  `json:"project_id"`
	MaterialLineID         *string `json:"material_line_id,omitempty"`
	Qty                    float64 `json:"qty"`
	Status                 string  `json:"status" enum:"active,overbooked,cancelled,fulfilled"`
	ComputedAvailableAfter float64 `json:"computed_available_after"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
}

type ReserveResponse struct {
	Reserved       bool                 `json:"reserved"`
	Status         string               `json:"status,omitempty"`
	AvailableAfter float64              `json:"available_after"`
	Reservation    *ReservationResponse `json:"reservation,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Mapping helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func draftResponse(d domain.Draft) DraftResponse {
	return DraftResponse{
		ID:             d.ID,
		ProjectID:      d.ProjectID,
		Title:          d.Title,
		Status:         d.Status,
		RevisionNumber: d.RevisionNumber,
		SchemaVersion:  d.SchemaVersion,
		Snapshot:       d.Snapshot,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func mapDrafts(items []domain.Draft) []DraftResponse {
	res := make([]DraftResponse, 0, len(items))
	for _, d := range items {
		res = append(res, draftResponse(d))
	}
	return res
}

func changeSetResponse(cs domain.ChangeSet) ChangeSetResponse {
	res := ChangeSetResponse{
		ID:           cs.ID,
		DraftID:      cs.DraftID,
		BaseRevision: cs.BaseRevision,
		ActorID:      cs.ActorID,
		Origin:       cs.Origin,
		CreatedAt:    cs.CreatedAt,
	}
	_ = json.Unmarshal([]byte(cs.OpsJSON), &res.Ops)
	_ = json.Unmarshal([]byte(cs.ResultJSON), &res.Result)
	res.Ops = nonNilSlice(res.Ops)
	return res
}

func mapChangeSets(items []domain.ChangeSet) []ChangeSetResponse {
	res := make([]ChangeSetResponse, 0, len(items))
	for _, cs := range items {
		res = append(res, changeSetResponse(cs))
	}
	return res
}

func decisionResponse(d domain.DecisionItem) DecisionResponse {
	res := DecisionResponse{
		ID:               d.ID,
		ProjectID:        d.ProjectID,
		DraftID:          d.DraftID,
		ChangeSetID:      d.ChangeSetID,
		Kind:             d.Kind,
		Message:          d.Message,
		BlocksApproval:   d.BlocksApproval,
		Status:           d.Status,
		SelectedOptionID: d.SelectedOptionID,
		CreatedAt:        d.CreatedAt,
		ResolvedAt:       d.ResolvedAt,
	}
	if d.ImpactJSON != "" {
		var impact reconcile.Impact
		if err := json.Unmarshal([]byte(d.ImpactJSON), &impact); err == nil {
			res.Impact = &impact
		}
	}
	_ = json.Unmarshal([]byte(d.OptionsJSON), &res.Options)
	res.Options = nonNilSlice(res.Options)
	return res
}

func mapDecisions(items []domain.DecisionItem) []DecisionResponse {
	res := make([]DecisionResponse, 0, len(items))
	for _, d := range items {
		res = append(res, decisionResponse(d))
	}
	return res
}

func editResponse(r engine.EditResult) EditResponse {
	return EditResponse{
		Draft:           draftResponse(r.Draft),
		ChangeSetID:     r.ChangeSetID,
		AcceptedOps:     nonNilSlice(r.AcceptedOps),
		AutoAppliedOps:  nonNilSlice(r.AutoAppliedOps),
		Reconciliation:  r.Reconciliation,
		DecisionItemIDs: nonNilSlice(r.DecisionItemIDs),
	}
}

func inventoryItemResponse(it domain.InventoryItem) InventoryItemResponse {
	return InventoryItemResponse{
		ID:        it.ID,
		ProjectID: it.ProjectID,
		Name:      it.Name,
		SKU:       it.SKU,
		Unit:      it.Unit,
		OnHandQty: it.OnHandQty,
		CreatedAt: it.CreatedAt,
	}
}

func mapInventoryItems(items []domain.InventoryItem) []InventoryItemResponse {
	res := make([]InventoryItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, inventoryItemResponse(it))
	}
	return res
}

func reservationResponse(r domain.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:                     r.ID,
		InventoryItemID:        r.InventoryItemID,
		ProjectID:              r.ProjectID,
		MaterialLineID:         r.MaterialLineID,
		Qty:                    r.Qty,
		Status:                 r.Status,
		ComputedAvailableAfter: r.ComputedAvailableAfter,
		CreatedAt:              r.CreatedAt,
	}
}

func mapReservations(items []domain.Reservation) []ReservationResponse {
	res := make([]ReservationResponse, 0, len(items))
	for _, r := range items {
		res = append(res, reservationResponse(r))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	res := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &res.Payload)
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
