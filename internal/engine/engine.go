package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/ledger"
	"draftline/internal/patch"
	"draftline/internal/reconcile"
	"draftline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Ledger{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// purchaseDecision returns the configured predicate, or nil for the built-in
// default when no config is loaded.
func (e Engine) purchaseDecision() func(map[string]any) bool {
	if e.Config == nil {
		return nil
	}
	fn, err := e.Config.PurchaseDecisionFunc()
	if err != nil {
		return nil
	}
	return fn
}

func (e Engine) reconciler() reconcile.Engine {
	return reconcile.Engine{
		Ledger:           e.Ledger,
		Now:              e.Now,
		PurchaseDecision: e.purchaseDecision(),
	}
}

// InitProject creates the project row, stores its config, and records the
// init event.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowRFC3339(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,status,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(p.ID)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, p.CreatedAt); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectInit, p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DraftCreateOptions are parameters for creating a draft.
type DraftCreateOptions struct {
	ID        string
	ProjectID string
	Title     string
	Snapshot  map[string]any
	ActorID   string
}

// CreateDraft creates a draft at revision 1 with an empty or caller-supplied
// initial snapshot.
func (e Engine) CreateDraft(ctx context.Context, opts DraftCreateOptions) (domain.Draft, error) {
	if opts.Title == "" {
		return domain.Draft{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Draft{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Draft{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Snapshot == nil {
		opts.Snapshot = map[string]any{}
	}
	now := e.nowRFC3339()
	d := domain.Draft{
		ID:             opts.ID,
		ProjectID:      opts.ProjectID,
		Title:          opts.Title,
		Status:         domain.DraftOpen,
		RevisionNumber: 1,
		SchemaVersion:  1,
		Snapshot:       opts.Snapshot,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return domain.Draft{}, fmt.Errorf("insert draft: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, now); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DraftCreated, d.ProjectID, "draft", d.ID, opts.ActorID, events.EventPayload{"title": d.Title}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return d, nil
}

// EditOptions are parameters for one edit submission.
type EditOptions struct {
	DraftID      string
	BaseRevision int64
	Ops          []patch.Op
	Provenance   domain.Provenance
}

// EditResult reports the outcome of an accepted edit.
type EditResult struct {
	Draft           domain.Draft     `json:"draft"`
	ChangeSetID     string           `json:"changeset_id"`
	AcceptedOps     []patch.Op       `json:"accepted_ops"`
	AutoAppliedOps  []patch.Op       `json:"auto_applied_ops"`
	Reconciliation  reconcile.Result `json:"reconciliation"`
	DecisionItemIDs []string         `json:"decision_item_ids,omitempty"`
}

// ApplyEdit runs the full edit protocol: load the draft, check the base
// revision, apply the caller's ops against a copy of the snapshot, reconcile
// the result, apply auto-fixes, then commit the new revision together with
// the changeset and any decision items. Reservations happen after the commit
// and never fail the edit.
func (e Engine) ApplyEdit(ctx context.Context, opts EditOptions) (EditResult, error) {
	if len(opts.Ops) == 0 {
		return EditResult{}, errors.New("at least one operation is required")
	}
	if opts.Provenance.Origin == "" {
		opts.Provenance.Origin = domain.OriginUser
	}
	draft, err := e.Repo.GetDraft(ctx, opts.DraftID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return EditResult{}, fmt.Errorf("draft %s: %w", opts.DraftID, ErrDraftNotFound)
		}
		return EditResult{}, err
	}
	if draft.Status != domain.DraftOpen && draft.Status != domain.DraftNeedsReview {
		return EditResult{}, fmt.Errorf("draft %s is %s and cannot be edited", draft.ID, draft.Status)
	}
	if opts.BaseRevision != draft.RevisionNumber {
		return EditResult{}, &RevisionConflictError{DraftID: draft.ID, Expected: opts.BaseRevision, Actual: draft.RevisionNumber}
	}

	applier := patch.Applier{Now: e.Now}
	snapshot, accepted, err := applier.Apply(draft.Snapshot, opts.Ops)
	if err != nil {
		return EditResult{}, err
	}

	result, err := e.reconciler().Reconcile(ctx, draft.ID, draft.ProjectID, draft.RevisionNumber, snapshot)
	if err != nil {
		return EditResult{}, err
	}

	if len(result.SafeFixes.AutoApplyOps) > 0 {
		snapshot, _, err = applier.Apply(snapshot, result.SafeFixes.AutoApplyOps)
		if err != nil {
			return EditResult{}, fmt.Errorf("apply auto-fixes: %w", err)
		}
	}

	now := e.nowRFC3339()
	opsJSON, err := json.Marshal(accepted)
	if err != nil {
		return EditResult{}, err
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return EditResult{}, err
	}
	cs := domain.ChangeSet{
		ID:           uuid.New().String(),
		DraftID:      draft.ID,
		BaseRevision: opts.BaseRevision,
		OpsJSON:      string(opsJSON),
		ResultJSON:   string(resultJSON),
		ActorID:      opts.Provenance.ActorID,
		Origin:       opts.Provenance.Origin,
		CreatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EditResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, opts.Provenance.ActorID, now); err != nil {
		return EditResult{}, err
	}
	if err := e.Repo.InsertChangeSet(ctx, tx, cs); err != nil {
		return EditResult{}, fmt.Errorf("insert changeset: %w", err)
	}

	var decisionIDs []string
	for _, item := range result.ReviewRequired {
		impactJSON, err := json.Marshal(item.Impact)
		if err != nil {
			return EditResult{}, err
		}
		optionsJSON, err := json.Marshal(item.Options)
		if err != nil {
			return EditResult{}, err
		}
		di := domain.DecisionItem{
			ID:             uuid.New().String(),
			ProjectID:      draft.ProjectID,
			DraftID:        draft.ID,
			ChangeSetID:    cs.ID,
			Kind:           item.Kind,
			Message:        item.Message,
			ImpactJSON:     string(impactJSON),
			OptionsJSON:    string(optionsJSON),
			BlocksApproval: item.BlocksApproval,
			Status:         "pending",
			CreatedAt:      now,
		}
		if err := e.Repo.InsertDecisionItem(ctx, tx, di); err != nil {
			return EditResult{}, fmt.Errorf("insert decision item: %w", err)
		}
		decisionIDs = append(decisionIDs, di.ID)
		if err := e.Events.Append(ctx, tx, events.DecisionCreated, draft.ProjectID, "decision", di.ID, opts.Provenance.ActorID,
			events.EventPayload{"draft_id": draft.ID, "kind": di.Kind}); err != nil {
			return EditResult{}, err
		}
	}

	pending, err := e.Repo.CountPendingDecisionsTx(ctx, tx, draft.ID)
	if err != nil {
		return EditResult{}, err
	}
	status := domain.DraftOpen
	if pending > 0 {
		status = domain.DraftNeedsReview
	}
	if err := e.Repo.CommitDraftRevision(ctx, tx, draft.ID, opts.BaseRevision, snapshot, status, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cur, _ := e.Repo.GetDraft(ctx, draft.ID)
			return EditResult{}, &RevisionConflictError{DraftID: draft.ID, Expected: opts.BaseRevision, Actual: cur.RevisionNumber}
		}
		return EditResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DraftEdited, draft.ProjectID, "draft", draft.ID, opts.Provenance.ActorID,
		events.EventPayload{"changeset_id": cs.ID, "revision": draft.RevisionNumber + 1, "status": string(result.Status)}); err != nil {
		return EditResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EditResult{}, err
	}

	e.reserveStockLines(ctx, draft.ProjectID, snapshot, opts.Provenance.ActorID)

	updated, err := e.Repo.GetDraft(ctx, draft.ID)
	if err != nil {
		return EditResult{}, err
	}
	return EditResult{
		Draft:           updated,
		ChangeSetID:     cs.ID,
		AcceptedOps:     accepted,
		AutoAppliedOps:  result.SafeFixes.AutoApplyOps,
		Reconciliation:  result,
		DecisionItemIDs: decisionIDs,
	}, nil
}

// reserveStockLines opportunistically reserves inventory for stock material
// lines after an edit committed. Failures are recorded as skip events, never
// surfaced to the caller.
func (e Engine) reserveStockLines(ctx context.Context, projectID string, snapshot map[string]any, actorID string) {
	defaultOverbook := e.Config != nil && e.Config.Inventory.DefaultAllowOverbook
	for _, line := range stockReserveLines(snapshot) {
		lineID := line.id
		existing, err := e.Ledger.FindExistingReservation(ctx, projectID, line.itemID, &lineID)
		if err != nil || existing != nil {
			continue
		}
		res, err := e.Ledger.Reserve(ctx, ledger.ReserveArgs{
			InventoryItemID: line.itemID,
			ProjectID:       projectID,
			MaterialLineID:  &lineID,
			Qty:             line.qty,
		}, line.allowOverbook || defaultOverbook)
		if err != nil {
			continue
		}
		if res.Reserved {
			e.appendEvent(ctx, events.ReservationCreated, projectID, "reservation", res.Reservation.ID, actorID,
				events.EventPayload{"inventory_item_id": line.itemID, "material_line_id": lineID, "qty": line.qty, "status": res.Status})
		} else {
			e.appendEvent(ctx, events.ReservationSkipped, projectID, "inventory_item", line.itemID, actorID,
				events.EventPayload{"material_line_id": lineID, "qty": line.qty, "available_after": res.AvailableAfter})
		}
	}
}

// appendEvent writes one event in its own transaction, dropping it on error.
func (e Engine) appendEvent(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.nowRFC3339()); err != nil {
		return
	}
	if err := e.Events.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}

// ResolveDecision claims a pending decision with the chosen option, then
// re-enters the edit protocol with that option's ops at the draft's current
// revision.
func (e Engine) ResolveDecision(ctx context.Context, decisionID, optionID, actorID string) (EditResult, error) {
	item, err := e.Repo.GetDecisionItem(ctx, decisionID)
	if err != nil {
		return EditResult{}, err
	}
	if item.Status != "pending" {
		return EditResult{}, &AlreadyResolvedError{DecisionID: item.ID, Status: item.Status}
	}
	var options []reconcile.Option
	if err := json.Unmarshal([]byte(item.OptionsJSON), &options); err != nil {
		return EditResult{}, fmt.Errorf("decision %s options: %w", item.ID, err)
	}
	var selected *reconcile.Option
	for i := range options {
		if options[i].ID == optionID {
			selected = &options[i]
			break
		}
	}
	if selected == nil {
		return EditResult{}, &InvalidOptionError{DecisionID: item.ID, OptionID: optionID}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EditResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkDecisionResolved(ctx, tx, item.ID, optionID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cur, _ := e.Repo.GetDecisionItem(ctx, item.ID)
			return EditResult{}, &AlreadyResolvedError{DecisionID: item.ID, Status: cur.Status}
		}
		return EditResult{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return EditResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DecisionResolved, item.ProjectID, "decision", item.ID, actorID,
		events.EventPayload{"draft_id": item.DraftID, "option_id": optionID}); err != nil {
		return EditResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EditResult{}, err
	}

	draft, err := e.Repo.GetDraft(ctx, item.DraftID)
	if err != nil {
		return EditResult{}, err
	}
	return e.ApplyEdit(ctx, EditOptions{
		DraftID:      item.DraftID,
		BaseRevision: draft.RevisionNumber,
		Ops:          selected.Ops,
		Provenance:   domain.Provenance{ActorID: actorID, Origin: domain.OriginGraveyard},
	})
}

// DismissDecision closes a pending decision without applying any ops. The
// draft status is re-derived from the remaining pending decisions.
func (e Engine) DismissDecision(ctx context.Context, decisionID, actorID string) (domain.DecisionItem, error) {
	item, err := e.Repo.GetDecisionItem(ctx, decisionID)
	if err != nil {
		return domain.DecisionItem{}, err
	}
	if item.Status != "pending" {
		return domain.DecisionItem{}, &AlreadyResolvedError{DecisionID: item.ID, Status: item.Status}
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DecisionItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkDecisionDismissed(ctx, tx, item.ID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cur, _ := e.Repo.GetDecisionItem(ctx, item.ID)
			return domain.DecisionItem{}, &AlreadyResolvedError{DecisionID: item.ID, Status: cur.Status}
		}
		return domain.DecisionItem{}, err
	}
	pending, err := e.Repo.CountPendingDecisionsTx(ctx, tx, item.DraftID)
	if err != nil {
		return domain.DecisionItem{}, err
	}
	if pending == 0 {
		draft, err := e.Repo.GetDraftTx(ctx, tx, item.DraftID)
		if err == nil && draft.Status == domain.DraftNeedsReview {
			if err := e.Repo.UpdateDraftStatus(ctx, tx, item.DraftID, domain.DraftOpen, now); err != nil {
				return domain.DecisionItem{}, err
			}
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.DecisionItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DecisionDismissed, item.ProjectID, "decision", item.ID, actorID,
		events.EventPayload{"draft_id": item.DraftID}); err != nil {
		return domain.DecisionItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DecisionItem{}, err
	}
	return e.Repo.GetDecisionItem(ctx, item.ID)
}

var allowedTransitions = map[string][]string{
	domain.DraftOpen:        {domain.DraftApproved, domain.DraftDiscarded},
	domain.DraftNeedsReview: {domain.DraftApproved, domain.DraftDiscarded},
	domain.DraftApproved:    {domain.DraftOpen},
	domain.DraftDiscarded:   {domain.DraftOpen},
}

// SetDraftStatus moves a draft through the status table. Approval requires no
// pending decisions unless force is set.
func (e Engine) SetDraftStatus(ctx context.Context, draftID, newStatus string, force bool, actorID string) (domain.Draft, error) {
	draft, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Draft{}, fmt.Errorf("draft %s: %w", draftID, ErrDraftNotFound)
		}
		return domain.Draft{}, err
	}
	allowed := false
	for _, s := range allowedTransitions[draft.Status] {
		if s == newStatus {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Draft{}, &InvalidTransitionError{DraftID: draft.ID, From: draft.Status, To: newStatus}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	if newStatus == domain.DraftApproved && !force {
		pending, err := e.Repo.CountPendingDecisionsTx(ctx, tx, draft.ID)
		if err != nil {
			return domain.Draft{}, err
		}
		if pending > 0 {
			return domain.Draft{}, &ApprovalBlockedError{DraftID: draft.ID, Pending: pending}
		}
	}
	if err := e.Repo.UpdateDraftStatus(ctx, tx, draft.ID, newStatus, now); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DraftStatusChanged, draft.ProjectID, "draft", draft.ID, actorID,
		events.EventPayload{"from": draft.Status, "to": newStatus, "force": force}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return e.Repo.GetDraft(ctx, draft.ID)
}

// InventoryCreateOptions are parameters for registering an inventory item.
type InventoryCreateOptions struct {
	ID        string
	ProjectID string
	Name      string
	SKU       string
	Unit      string
	OnHandQty float64
	ActorID   string
}

func (e Engine) CreateInventoryItem(ctx context.Context, opts InventoryCreateOptions) (domain.InventoryItem, error) {
	if opts.Name == "" {
		return domain.InventoryItem{}, errors.New("name is required")
	}
	if opts.ProjectID == "" {
		return domain.InventoryItem{}, errors.New("project is required")
	}
	if opts.OnHandQty < 0 {
		return domain.InventoryItem{}, errors.New("on-hand quantity cannot be negative")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.InventoryItem{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	it := domain.InventoryItem{
		ID:        opts.ID,
		ProjectID: opts.ProjectID,
		Name:      opts.Name,
		SKU:       opts.SKU,
		Unit:      opts.Unit,
		OnHandQty: opts.OnHandQty,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertInventoryItem(ctx, it); err != nil {
		return domain.InventoryItem{}, err
	}
	e.appendEvent(ctx, events.InventoryCreated, it.ProjectID, "inventory_item", it.ID, opts.ActorID,
		events.EventPayload{"name": it.Name, "on_hand_qty": it.OnHandQty})
	return it, nil
}

// Reserve places a manual reservation against an inventory item.
func (e Engine) Reserve(ctx context.Context, args ledger.ReserveArgs, allowOverbook bool, actorID string) (ledger.ReserveResult, error) {
	res, err := e.Ledger.Reserve(ctx, args, allowOverbook)
	if err != nil {
		return ledger.ReserveResult{}, err
	}
	if res.Reserved {
		e.appendEvent(ctx, events.ReservationCreated, args.ProjectID, "reservation", res.Reservation.ID, actorID,
			events.EventPayload{"inventory_item_id": args.InventoryItemID, "qty": args.Qty, "status": res.Status})
	} else {
		e.appendEvent(ctx, events.ReservationSkipped, args.ProjectID, "inventory_item", args.InventoryItemID, actorID,
			events.EventPayload{"qty": args.Qty, "available_after": res.AvailableAfter})
	}
	return res, nil
}

// CancelReservation cancels an active or overbooked reservation.
func (e Engine) CancelReservation(ctx context.Context, reservationID, projectID, actorID string) error {
	if err := e.Ledger.Cancel(ctx, reservationID); err != nil {
		return err
	}
	e.appendEvent(ctx, events.ReservationCanceled, projectID, "reservation", reservationID, actorID, nil)
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
