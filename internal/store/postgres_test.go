package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/cleanco/dispatchcore/internal/domain"
	derrors "github.com/cleanco/dispatchcore/internal/errors"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewPostgres(db), mock
}

func jobColumns() []string {
	return []string{
		"id", "booking_number", "customer_id", "assigned_employee_id", "service_id", "address_id",
		"city", "region_code", "scheduled_date", "estimated_hours", "status", "version",
		"payment_status", "price_components", "pricing_snapshot", "payment_method", "discount_code",
		"assigned_at", "sla_deadline", "actual_start_time", "paused_at", "resumed_at",
		"actual_end_time", "failed_at", "cancelled_at", "cancelled_by_id",
		"customer_notes", "cleaner_notes", "failure_reason", "cancellation_reason",
		"created_at", "updated_at",
	}
}

func TestPostgresGetScansAllColumns(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(jobColumns()).AddRow(
		int64(7), "BH260729ABCDEF", int64(1), nil, int64(2), int64(3),
		"Dubai", "DXB", now, 2.5, "PENDING", int64(0),
		"PENDING", []byte(`{}`), []byte(`{}`), "card", "",
		nil, nil, nil, nil, nil,
		nil, nil, nil, nil,
		"", "", "", "",
		now, now,
	)
	mock.ExpectQuery(`SELECT`).WithArgs(int64(7)).WillReturnRows(rows)

	job, err := p.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.BookingNumber != "BH260729ABCDEF" || job.RegionCode != domain.RegionDXB {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.PaymentMethod != "card" {
		t.Fatalf("expected payment method to round-trip, got %q", job.PaymentMethod)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresGetTranslatesNoRowsToNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT`).WithArgs(int64(99)).WillReturnError(sql.ErrNoRows)

	_, err := p.Get(context.Background(), 99)
	if derrors.KindOf(err) != derrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateDetectsConcurrentModification(t *testing.T) {
	p, mock := newMockPostgres(t)
	job := &domain.Job{
		ID: 7, Status: domain.StatusAssigned, Version: 2,
		Price: domain.PriceComponents{}, Pricing: domain.PricingSnapshot{},
	}

	mock.ExpectExec(`UPDATE bookings SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.Update(context.Background(), job, 1)
	if derrors.KindOf(err) != derrors.KindConcurrentModification {
		t.Fatalf("expected ConcurrentModification, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresWithinTxCommitsOnSuccess(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE employees SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.WithinTx(context.Background(), func(tx Tx) error {
		return tx.UpdateWorker(context.Background(), &domain.Worker{ID: 1, OperationalStatus: domain.OpBusy})
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresWithinTxRollsBackOnError(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE employees SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	sentinel := derrors.BadRequest("forced failure")
	err := p.WithinTx(context.Background(), func(tx Tx) error {
		if err := tx.UpdateWorker(context.Background(), &domain.Worker{ID: 1, OperationalStatus: domain.OpBusy}); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected the sentinel error to propagate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCreateAssignsReturnedID(t *testing.T) {
	p, mock := newMockPostgres(t)
	job := &domain.Job{
		BookingNumber: "BH260729ABCDEF", CustomerID: 1, ServiceID: 2, AddressID: 3,
		City: "Dubai", RegionCode: domain.RegionDXB, Status: domain.StatusPending,
		Price: domain.PriceComponents{}, Pricing: domain.PricingSnapshot{},
	}

	mock.ExpectPrepare(`INSERT INTO bookings`)
	mock.ExpectQuery(`INSERT INTO bookings`).WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(int64(42)),
	)

	if err := p.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID != 42 {
		t.Fatalf("expected assigned ID 42, got %d", job.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
