package ledger_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"draftline/internal/db"
	"draftline/internal/ledger"
	"draftline/internal/migrate"
	"draftline/internal/reconcile"
)

func newTestLedger(t *testing.T) (ledger.Ledger, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := "2024-01-01T00:00:00Z"
	if _, err := conn.Exec(`INSERT INTO projects(id,status,created_at) VALUES ('job-1','active',?)`, now); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO inventory_items(id,project_id,name,on_hand_qty,created_at) VALUES ('item-1','job-1','lumber',10,?)`, now); err != nil {
		t.Fatal(err)
	}
	l := ledger.Ledger{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return l, conn
}

func TestReserveWithinAvailability(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, ledger.ReserveArgs{InventoryItemID: "item-1", ProjectID: "job-1", Qty: 4}, false)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Reserved || res.Status != ledger.StatusActive || res.AvailableAfter != 6 {
		t.Fatalf("result = %+v", res)
	}
	avail, err := l.ComputeAvailability(ctx, "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if avail.OnHandQty != 10 || avail.TotalReserved != 4 || avail.Available != 6 {
		t.Fatalf("availability = %+v", avail)
	}
}

func TestReserveShortfallNotPersisted(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, ledger.ReserveArgs{InventoryItemID: "item-1", ProjectID: "job-1", Qty: 11}, false)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Reserved {
		t.Fatalf("shortfall was reserved: %+v", res)
	}
	if res.AvailableAfter != -1 {
		t.Fatalf("availableAfter = %v", res.AvailableAfter)
	}
	avail, _ := l.ComputeAvailability(ctx, "item-1")
	if avail.TotalReserved != 0 {
		t.Fatalf("reservation leaked: %+v", avail)
	}
}

func TestReserveOverbook(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, ledger.ReserveArgs{InventoryItemID: "item-1", ProjectID: "job-1", Qty: 11}, true)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Reserved || res.Status != ledger.StatusOverbooked || res.AvailableAfter != -1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Reservation.ComputedAvailableAfter != -1 {
		t.Fatalf("reservation = %+v", res.Reservation)
	}
	avail, _ := l.ComputeAvailability(ctx, "item-1")
	if avail.Available != -1 {
		t.Fatalf("availability = %+v", avail)
	}
}

func TestCancelFreesAvailability(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Reserve(ctx, ledger.ReserveArgs{InventoryItemID: "item-1", ProjectID: "job-1", Qty: 10}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Cancel(ctx, res.Reservation.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	avail, _ := l.ComputeAvailability(ctx, "item-1")
	if avail.Available != 10 {
		t.Fatalf("availability after cancel = %+v", avail)
	}
	// cancelled reservations stay in the table for audit
	rows, err := l.ListReservations(ctx, ledger.ReservationFilters{ProjectID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != ledger.StatusCancelled {
		t.Fatalf("rows = %+v", rows)
	}
	if err := l.Cancel(ctx, res.Reservation.ID); err == nil {
		t.Fatalf("double cancel accepted")
	}
}

func TestFindExistingReservationMatchesLineIdentity(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	lineA := "mat_a"

	if _, err := l.Reserve(ctx, ledger.ReserveArgs{InventoryItemID: "item-1", ProjectID: "job-1", MaterialLineID: &lineA, Qty: 2}, false); err != nil {
		t.Fatal(err)
	}
	got, err := l.FindExistingReservation(ctx, "job-1", "item-1", &lineA)
	if err != nil || got == nil {
		t.Fatalf("lookup by line: %v %v", got, err)
	}
	lineB := "mat_b"
	got, err = l.FindExistingReservation(ctx, "job-1", "item-1", &lineB)
	if err != nil || got != nil {
		t.Fatalf("different line matched: %v %v", got, err)
	}
	// nil line id only matches reservations without a line
	got, err = l.FindExistingReservation(ctx, "job-1", "item-1", nil)
	if err != nil || got != nil {
		t.Fatalf("nil line matched line-bound reservation: %v %v", got, err)
	}
}

func TestUnknownItem(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.ComputeAvailability(context.Background(), "ghost")
	if !reconcile.IsUnknownItem(err) {
		t.Fatalf("err = %v, want ErrUnknownItem", err)
	}
}

var _ reconcile.Ledger = ledger.Ledger{}
