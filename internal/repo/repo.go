package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"draftline/internal/config"
	"draftline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,status,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) UpdateProject(ctx context.Context, id, status string, description *string) error {
	sets := []string{}
	var args []any
	if status != "" {
		sets = append(sets, "status=?")
		args = append(args, status)
	}
	if description != nil {
		sets = append(sets, "description=?")
		args = append(args, nullable(*description))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- project config ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- drafts ---

func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	snap, err := json.Marshal(d.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO drafts(id,project_id,title,status,revision_number,schema_version,snapshot_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Title, d.Status, d.RevisionNumber, d.SchemaVersion, string(snap), d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDraft(row interface{ Scan(...any) error }) (domain.Draft, error) {
	var d domain.Draft
	var snap string
	err := row.Scan(&d.ID, &d.ProjectID, &d.Title, &d.Status, &d.RevisionNumber, &d.SchemaVersion, &snap, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(snap), &d.Snapshot); err != nil {
		return d, fmt.Errorf("unmarshal snapshot of draft %s: %w", d.ID, err)
	}
	return d, nil
}

const draftColumns = `id,project_id,title,status,revision_number,schema_version,snapshot_json,created_at,updated_at`

func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id))
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, id string) (domain.Draft, error) {
	return scanDraft(tx.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id))
}

type DraftFilters struct {
	ProjectID string
	Status    string
	Limit     int
}

func (r Repo) ListDrafts(ctx context.Context, f DraftFilters) ([]domain.Draft, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CommitDraftRevision writes the new snapshot and bumps the revision by one,
// guarded by the expected current revision. Returns ErrNotFound when the
// guard misses (stale revision or missing draft).
func (r Repo) CommitDraftRevision(ctx context.Context, tx *sql.Tx, draftID string, expectedRevision int64, snapshot map[string]any, status, updatedAt string) error {
	snap, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET snapshot_json=?, revision_number=revision_number+1, status=?, updated_at=?
WHERE id=? AND revision_number=?`,
		string(snap), status, updatedAt, draftID, expectedRevision)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateDraftStatus(ctx context.Context, tx *sql.Tx, draftID, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET status=?, updated_at=? WHERE id=?`, status, updatedAt, draftID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- changesets (append-only) ---

func (r Repo) InsertChangeSet(ctx context.Context, tx *sql.Tx, cs domain.ChangeSet) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO changesets(id,draft_id,base_revision,ops_json,result_json,actor_id,origin,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		cs.ID, cs.DraftID, cs.BaseRevision, cs.OpsJSON, cs.ResultJSON, cs.ActorID, cs.Origin, cs.CreatedAt)
	return err
}

func (r Repo) ListChangeSets(ctx context.Context, draftID string, limit int) ([]domain.ChangeSet, error) {
	query := `SELECT id,draft_id,base_revision,ops_json,result_json,actor_id,origin,created_at FROM changesets WHERE draft_id=? ORDER BY base_revision DESC, created_at DESC`
	args := []any{draftID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeSet
	for rows.Next() {
		var cs domain.ChangeSet
		if err := rows.Scan(&cs.ID, &cs.DraftID, &cs.BaseRevision, &cs.OpsJSON, &cs.ResultJSON, &cs.ActorID, &cs.Origin, &cs.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, cs)
	}
	return res, rows.Err()
}

// --- decision items (graveyard) ---

func (r Repo) InsertDecisionItem(ctx context.Context, tx *sql.Tx, d domain.DecisionItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decision_items(id,project_id,draft_id,changeset_id,kind,message,impact_json,options_json,blocks_approval,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.DraftID, d.ChangeSetID, d.Kind, d.Message, nullable(d.ImpactJSON), d.OptionsJSON, d.BlocksApproval, d.Status, d.CreatedAt)
	return err
}

const decisionColumns = `id,project_id,draft_id,changeset_id,kind,message,COALESCE(impact_json,''),options_json,blocks_approval,status,selected_option_id,created_at,resolved_at`

func scanDecision(row interface{ Scan(...any) error }) (domain.DecisionItem, error) {
	var d domain.DecisionItem
	var selected, resolvedAt sql.NullString
	err := row.Scan(&d.ID, &d.ProjectID, &d.DraftID, &d.ChangeSetID, &d.Kind, &d.Message, &d.ImpactJSON, &d.OptionsJSON,
		&d.BlocksApproval, &d.Status, &selected, &d.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if selected.Valid {
		d.SelectedOptionID = &selected.String
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.String
	}
	return d, nil
}

func (r Repo) GetDecisionItem(ctx context.Context, id string) (domain.DecisionItem, error) {
	return scanDecision(r.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_items WHERE id=?`, id))
}

type DecisionFilters struct {
	ProjectID string
	DraftID   string
	Status    string
	Kind      string
	Limit     int
}

func (r Repo) ListDecisionItems(ctx context.Context, f DecisionFilters) ([]domain.DecisionItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.DraftID != "" {
		clauses = append(clauses, "draft_id=?")
		args = append(args, f.DraftID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT ` + decisionColumns + ` FROM decision_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionItem
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// MarkDecisionResolved flips a pending item to resolved with the chosen
// option. Returns ErrNotFound when the item is not pending anymore.
func (r Repo) MarkDecisionResolved(ctx context.Context, tx *sql.Tx, id, optionID, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE decision_items SET status='resolved', selected_option_id=?, resolved_at=? WHERE id=? AND status='pending'`,
		optionID, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkDecisionDismissed(ctx context.Context, tx *sql.Tx, id, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE decision_items SET status='dismissed', resolved_at=? WHERE id=? AND status='pending'`,
		resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountPendingDecisionsTx(ctx context.Context, tx *sql.Tx, draftID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_items WHERE draft_id=? AND status='pending'`, draftID).Scan(&n)
	return n, err
}

// --- inventory items ---

func (r Repo) InsertInventoryItem(ctx context.Context, it domain.InventoryItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO inventory_items(id,project_id,name,sku,unit,on_hand_qty,created_at) VALUES (?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Name, nullable(it.SKU), nullable(it.Unit), it.OnHandQty, it.CreatedAt)
	return err
}

func (r Repo) GetInventoryItem(ctx context.Context, id string) (domain.InventoryItem, error) {
	var it domain.InventoryItem
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,COALESCE(sku,''),COALESCE(unit,''),on_hand_qty,created_at FROM inventory_items WHERE id=?`, id).
		Scan(&it.ID, &it.ProjectID, &it.Name, &it.SKU, &it.Unit, &it.OnHandQty, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) ListInventoryItems(ctx context.Context, projectID string) ([]domain.InventoryItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,COALESCE(sku,''),COALESCE(unit,''),on_hand_qty,created_at FROM inventory_items WHERE project_id=? ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InventoryItem
	for rows.Next() {
		var it domain.InventoryItem
		if err := rows.Scan(&it.ID, &it.ProjectID, &it.Name, &it.SKU, &it.Unit, &it.OnHandQty, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) SetOnHandQty(ctx context.Context, id string, qty float64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE inventory_items SET on_hand_qty=? WHERE id=?`, qty, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- actors ---

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	const q = `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, actorID, now)
	} else {
		_, err = r.DB.ExecContext(ctx, q, actorID, now)
	}
	return err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID).Scan(&id)
	return id, err
}

// CountDraftsByStatus powers the project status summary.
func (r Repo) CountDraftsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM drafts WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountPendingDecisions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_items WHERE project_id=? AND status='pending'`, projectID).Scan(&n)
	return n, err
}
