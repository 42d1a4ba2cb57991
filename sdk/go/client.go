package draftlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Draftline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Op is one patch operation. add/replace use Path and Value, remove uses
// Path, tombstone takes an optional Reason, link/unlink use Path plus
// From/To/Rel.
type Op struct {
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	Value     any    `json:"value,omitempty"`
	DeletedAt string `json:"deleted_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Rel       string `json:"rel,omitempty"`
}

// Draft represents the API draft model.
type Draft struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Title          string         `json:"title"`
	Status         string         `json:"status"`
	RevisionNumber int64          `json:"revision_number"`
	SchemaVersion  int            `json:"schema_version"`
	Snapshot       map[string]any `json:"snapshot"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// ChangeSet is one accepted edit with its reconciliation outcome.
type ChangeSet struct {
	ID           string         `json:"id"`
	DraftID      string         `json:"draft_id"`
	BaseRevision int64          `json:"base_revision"`
	Ops          []Op           `json:"ops"`
	Result       map[string]any `json:"result"`
	ActorID      string         `json:"actor_id"`
	Origin       string         `json:"origin"`
	CreatedAt    string         `json:"created_at"`
}

// DecisionOption is one choice offered by a graveyard decision.
type DecisionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Ops   []Op   `json:"ops,omitempty"`
}

// Decision is a pending or settled graveyard entry.
type Decision struct {
	ID               string           `json:"id"`
	ProjectID        string           `json:"project_id"`
	DraftID          string           `json:"draft_id"`
	ChangeSetID      string           `json:"changeset_id"`
	Kind             string           `json:"kind"`
	Message          string           `json:"message"`
	Impact           map[string]any   `json:"impact,omitempty"`
	Options          []DecisionOption `json:"options"`
	BlocksApproval   bool             `json:"blocks_approval"`
	Status           string           `json:"status"`
	SelectedOptionID *string          `json:"selected_option_id,omitempty"`
	CreatedAt        string           `json:"created_at"`
	ResolvedAt       *string          `json:"resolved_at,omitempty"`
}

// EditResult reports what an accepted edit did.
type EditResult struct {
	Draft           Draft          `json:"draft"`
	ChangeSetID     string         `json:"changeset_id"`
	AcceptedOps     []Op           `json:"accepted_ops"`
	AutoAppliedOps  []Op           `json:"auto_applied_ops"`
	Reconciliation  map[string]any `json:"reconciliation"`
	DecisionItemIDs []string       `json:"decision_item_ids"`
}

// InventoryItem represents a stock item.
type InventoryItem struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	OnHandQty float64 `json:"on_hand_qty"`
	CreatedAt string  `json:"created_at"`
}

// Availability is the computed stock position for an item.
type Availability struct {
	InventoryItemID string  `json:"inventory_item_id"`
	OnHandQty       float64 `json:"on_hand_qty"`
	TotalReserved   float64 `json:"total_reserved"`
	Available       float64 `json:"available"`
}

// Reservation is one ledger entry against a stock item.
type Reservation struct {
	ID                     string  `json:"id"`
	InventoryItemID        string  `json:"inventory_item_id"`
	ProjectID              string  `json:"project_id"`
	MaterialLineID         *string `json:"material_line_id,omitempty"`
	Qty                    float64 `json:"qty"`
	Status                 string  `json:"status"`
	ComputedAvailableAfter float64 `json:"computed_available_after"`
	CreatedAt              string  `json:"created_at"`
}

// ReserveResult reports whether a reservation was recorded.
type ReserveResult struct {
	Reserved       bool         `json:"reserved"`
	Status         string       `json:"status,omitempty"`
	AvailableAfter float64      `json:"available_after"`
	Reservation    *Reservation `json:"reservation,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message are filled when the
// server returned its structured error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDraft creates a draft. Snapshot may be nil for an empty one.
func (c *Client) CreateDraft(ctx context.Context, title string, snapshot map[string]any) (Draft, error) {
	body := map[string]any{
		"title":      title,
		"project_id": c.ProjectID,
	}
	if snapshot != nil {
		body["snapshot"] = snapshot
	}
	var resp Draft
	err := c.do(ctx, http.MethodPost, "v0/drafts", body, &resp)
	return resp, err
}

// GetDraft fetches a draft with its current snapshot.
func (c *Client) GetDraft(ctx context.Context, draftID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, "v0/drafts/"+url.PathEscape(draftID), nil, &resp)
	return resp, err
}

// ListDrafts returns drafts for the client's project, optionally filtered by status.
func (c *Client) ListDrafts(ctx context.Context, status string) ([]Draft, error) {
	endpoint := "v0/drafts"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Draft
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplyEdit submits ops against a base revision. A stale base yields an
// APIError with code "revision_conflict".
func (c *Client) ApplyEdit(ctx context.Context, draftID string, baseRevision int64, ops []Op) (EditResult, error) {
	body := map[string]any{
		"base_revision": baseRevision,
		"ops":           ops,
	}
	var resp EditResult
	err := c.do(ctx, http.MethodPost, "v0/drafts/"+url.PathEscape(draftID)+"/edits", body, &resp)
	return resp, err
}

// SetDraftStatus moves a draft to a new status. force bypasses the
// pending-decision approval gate.
func (c *Client) SetDraftStatus(ctx context.Context, draftID, status string, force bool) (Draft, error) {
	body := map[string]any{
		"status": status,
		"force":  force,
	}
	var resp Draft
	err := c.do(ctx, http.MethodPost, "v0/drafts/"+url.PathEscape(draftID)+"/status", body, &resp)
	return resp, err
}

// ListChangeSets returns a draft's edit history, newest first.
func (c *Client) ListChangeSets(ctx context.Context, draftID string) ([]ChangeSet, error) {
	var resp []ChangeSet
	err := c.do(ctx, http.MethodGet, "v0/drafts/"+url.PathEscape(draftID)+"/changesets", nil, &resp)
	return resp, err
}

// ListDecisions returns graveyard entries, optionally filtered by draft and status.
func (c *Client) ListDecisions(ctx context.Context, draftID, status string) ([]Decision, error) {
	q := url.Values{}
	if draftID != "" {
		q.Set("draft_id", draftID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "v0/graveyard"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Decision
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetDecision fetches one graveyard entry.
func (c *Client) GetDecision(ctx context.Context, decisionID string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, "v0/graveyard/"+url.PathEscape(decisionID), nil, &resp)
	return resp, err
}

// ResolveDecision picks an option and applies it to the draft.
func (c *Client) ResolveDecision(ctx context.Context, decisionID, optionID string) (EditResult, error) {
	body := map[string]any{"option_id": optionID}
	var resp EditResult
	err := c.do(ctx, http.MethodPost, "v0/graveyard/"+url.PathEscape(decisionID)+"/resolve", body, &resp)
	return resp, err
}

// DismissDecision closes a decision without changing the draft.
func (c *Client) DismissDecision(ctx context.Context, decisionID string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/graveyard/"+url.PathEscape(decisionID)+"/dismiss", map[string]any{}, &resp)
	return resp, err
}

// CreateInventoryItem adds a stock item.
func (c *Client) CreateInventoryItem(ctx context.Context, name, sku, unit string, onHandQty float64) (InventoryItem, error) {
	body := map[string]any{
		"project_id":  c.ProjectID,
		"name":        name,
		"sku":         sku,
		"unit":        unit,
		"on_hand_qty": onHandQty,
	}
	var resp InventoryItem
	err := c.do(ctx, http.MethodPost, "v0/inventory/items", body, &resp)
	return resp, err
}

// ListInventoryItems returns the project's stock items.
func (c *Client) ListInventoryItems(ctx context.Context) ([]InventoryItem, error) {
	var resp []InventoryItem
	err := c.do(ctx, http.MethodGet, "v0/inventory/items", nil, &resp)
	return resp, err
}

// Availability returns the computed stock position for an item.
func (c *Client) Availability(ctx context.Context, itemID string) (Availability, error) {
	var resp Availability
	err := c.do(ctx, http.MethodGet, "v0/inventory/items/"+url.PathEscape(itemID)+"/availability", nil, &resp)
	return resp, err
}

// Reserve records a reservation against an item.
func (c *Client) Reserve(ctx context.Context, itemID string, qty float64, allowOverbook bool) (ReserveResult, error) {
	body := map[string]any{
		"qty":            qty,
		"allow_overbook": allowOverbook,
	}
	var resp ReserveResult
	err := c.do(ctx, http.MethodPost, "v0/inventory/items/"+url.PathEscape(itemID)+"/reservations", body, &resp)
	return resp, err
}

// ListReservations returns reservations, optionally filtered by item and status.
func (c *Client) ListReservations(ctx context.Context, itemID, status string) ([]Reservation, error) {
	q := url.Values{}
	if itemID != "" {
		q.Set("item_id", itemID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "v0/inventory/reservations"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Reservation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelReservation cancels a reservation, freeing its quantity.
func (c *Client) CancelReservation(ctx context.Context, reservationID string) error {
	return c.do(ctx, http.MethodDelete, "v0/inventory/reservations/"+url.PathEscape(reservationID), nil, nil)
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ProjectID != "" {
		req.Header.Set("X-Project-Id", c.ProjectID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
