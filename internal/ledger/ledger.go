package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"draftline/internal/domain"
	"draftline/internal/reconcile"
)

// Reservation statuses.
const (
	StatusActive     = "active"
	StatusOverbooked = "overbooked"
	StatusCancelled  = "cancelled"
	StatusFulfilled  = "fulfilled"
)

// Ledger tracks committed stock reservations against inventory items.
//
// ComputeAvailability and Reserve are read-then-write with no isolation
// across independent requests for the same item: concurrent reservations must
// be serialized by the caller. A lost race is representable as an overbooked
// reservation, not hidden behind a lock.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// ComputeAvailability sums qty of all non-cancelled, non-fulfilled
// reservations for the item against its on-hand quantity.
func (l Ledger) ComputeAvailability(ctx context.Context, inventoryItemID string) (reconcile.Availability, error) {
	var onHand float64
	err := l.DB.QueryRowContext(ctx, `SELECT on_hand_qty FROM inventory_items WHERE id=?`, inventoryItemID).Scan(&onHand)
	if err == sql.ErrNoRows {
		return reconcile.Availability{}, fmt.Errorf("inventory item %s: %w", inventoryItemID, reconcile.ErrUnknownItem)
	}
	if err != nil {
		return reconcile.Availability{}, err
	}
	var reserved float64
	err = l.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(qty),0) FROM reservations WHERE inventory_item_id=? AND status NOT IN (?,?)`,
		inventoryItemID, StatusCancelled, StatusFulfilled).Scan(&reserved)
	if err != nil {
		return reconcile.Availability{}, err
	}
	return reconcile.Availability{
		OnHandQty:     onHand,
		TotalReserved: reserved,
		Available:     onHand - reserved,
	}, nil
}

// FindExistingReservation matches on exact material line identity, including
// both being absent, excluding cancelled and fulfilled reservations.
func (l Ledger) FindExistingReservation(ctx context.Context, projectID, inventoryItemID string, materialLineID *string) (*domain.Reservation, error) {
	query := `SELECT id,inventory_item_id,project_id,material_line_id,qty,status,computed_available_after,created_at,updated_at
FROM reservations WHERE project_id=? AND inventory_item_id=? AND status NOT IN (?,?)`
	args := []any{projectID, inventoryItemID, StatusCancelled, StatusFulfilled}
	if materialLineID == nil {
		query += ` AND material_line_id IS NULL`
	} else {
		query += ` AND material_line_id=?`
		args = append(args, *materialLineID)
	}
	query += ` LIMIT 1`
	r, err := scanReservation(l.DB.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// HasActiveReservation implements the reconcile.Ledger read surface.
func (l Ledger) HasActiveReservation(ctx context.Context, projectID, inventoryItemID string, materialLineID *string) (bool, error) {
	r, err := l.FindExistingReservation(ctx, projectID, inventoryItemID, materialLineID)
	return r != nil, err
}

type ReserveArgs struct {
	InventoryItemID string
	ProjectID       string
	MaterialLineID  *string
	Qty             float64
}

type ReserveResult struct {
	Reserved       bool
	Status         string
	AvailableAfter float64
	Reservation    *domain.Reservation
}

// Reserve computes availableAfter = available - qty. When qty exceeds
// availability and allowOverbook is false it returns Reserved=false without
// persisting; otherwise it persists the reservation, overbooked when short,
// always recording computed_available_after for audit.
func (l Ledger) Reserve(ctx context.Context, args ReserveArgs, allowOverbook bool) (ReserveResult, error) {
	avail, err := l.ComputeAvailability(ctx, args.InventoryItemID)
	if err != nil {
		return ReserveResult{}, err
	}
	after := avail.Available - args.Qty
	if args.Qty > avail.Available && !allowOverbook {
		return ReserveResult{Reserved: false, AvailableAfter: after}, nil
	}
	status := StatusActive
	if args.Qty > avail.Available {
		status = StatusOverbooked
	}
	now := l.now().UTC().Format(time.RFC3339)
	res := domain.Reservation{
		ID:                     uuid.New().String(),
		InventoryItemID:        args.InventoryItemID,
		ProjectID:              args.ProjectID,
		MaterialLineID:         args.MaterialLineID,
		Qty:                    args.Qty,
		Status:                 status,
		ComputedAvailableAfter: after,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	var lineID any
	if args.MaterialLineID != nil {
		lineID = *args.MaterialLineID
	}
	_, err = l.DB.ExecContext(ctx, `INSERT INTO reservations(id,inventory_item_id,project_id,material_line_id,qty,status,computed_available_after,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		res.ID, res.InventoryItemID, res.ProjectID, lineID, res.Qty, res.Status, res.ComputedAvailableAfter, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{Reserved: true, Status: status, AvailableAfter: after, Reservation: &res}, nil
}

// Cancel marks a reservation cancelled; it stays in the table for audit.
func (l Ledger) Cancel(ctx context.Context, reservationID string) error {
	now := l.now().UTC().Format(time.RFC3339)
	res, err := l.DB.ExecContext(ctx, `UPDATE reservations SET status=?, updated_at=? WHERE id=? AND status NOT IN (?,?)`,
		StatusCancelled, now, reservationID, StatusCancelled, StatusFulfilled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reservation %s not found or already closed", reservationID)
	}
	return nil
}

type ReservationFilters struct {
	ProjectID       string
	InventoryItemID string
	Status          string
}

func (l Ledger) ListReservations(ctx context.Context, f ReservationFilters) ([]domain.Reservation, error) {
	query := `SELECT id,inventory_item_id,project_id,material_line_id,qty,status,computed_available_after,created_at,updated_at FROM reservations WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.InventoryItemID != "" {
		query += ` AND inventory_item_id=?`
		args = append(args, f.InventoryItemID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		var lineID sql.NullString
		if err := rows.Scan(&r.ID, &r.InventoryItemID, &r.ProjectID, &lineID, &r.Qty, &r.Status, &r.ComputedAvailableAfter, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if lineID.Valid {
			r.MaterialLineID = &lineID.String
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var r domain.Reservation
	var lineID sql.NullString
	err := row.Scan(&r.ID, &r.InventoryItemID, &r.ProjectID, &lineID, &r.Qty, &r.Status, &r.ComputedAvailableAfter, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if lineID.Valid {
		r.MaterialLineID = &lineID.String
	}
	return r, nil
}
