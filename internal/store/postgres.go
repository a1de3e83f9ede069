package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cleanco/dispatchcore/internal/audit"
	derrors "github.com/cleanco/dispatchcore/internal/errors"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// dbHandle is the slice of *sqlx.DB's API Postgres's methods use. *sqlx.Tx
// implements the same methods, so every method below runs unchanged
// whether p.db is the root connection or a transaction opened by
// WithinTx.
type dbHandle interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	PrepareNamedContext(ctx context.Context, query string) (*sqlx.NamedStmt, error)
	Rebind(query string) string
}

// Postgres persists jobs, status history, workers, and id sequences to the
// tables named in spec §6 (bookings, booking_status_history, employees,
// employee_id_sequences). Reads and writes go through sqlx on top of the
// pgx stdlib driver.
type Postgres struct {
	db dbHandle
}

// NewPostgres wraps an already-opened sqlx handle (driver name "pgx").
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// pgTx is the Tx view WithinTx hands to its callback: the same Postgres
// methods, bound to a live *sqlx.Tx instead of the root *sqlx.DB, plus an
// audit.Writer bound to that same transaction.
type pgTx struct {
	*Postgres
	audit *audit.PostgresWriter
}

func (t *pgTx) Audit() audit.Writer { return t.audit }

// WithinTx begins a real SQL transaction, runs fn against a Postgres view
// and audit writer bound to it, and commits on success or rolls back on
// any error fn returns. Grounded on job_state_machine.py's single
// self.db.commit() closing out the booking update, worker write, history
// insert, and audit row together; sqlx has no example of this in the
// retrieved repos, so the shape follows sqlx's own BeginTxx/Tx idiom.
func (p *Postgres) WithinTx(ctx context.Context, fn func(Tx) error) error {
	root, ok := p.db.(*sqlx.DB)
	if !ok {
		return fmt.Errorf("store: WithinTx called on a non-root Postgres handle")
	}
	tx, err := root.BeginTxx(ctx, nil)
	if err != nil {
		return derrors.Wrap(err, "begin transaction")
	}
	txStore := &pgTx{Postgres: &Postgres{db: tx}, audit: audit.NewPostgresWriter(tx)}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return derrors.Wrap(err, "commit transaction")
	}
	return nil
}

type jobRow struct {
	ID                 int64          `db:"id"`
	BookingNumber      string         `db:"booking_number"`
	CustomerID         int64          `db:"customer_id"`
	WorkerID           sql.NullInt64  `db:"assigned_employee_id"`
	ServiceID          int64          `db:"service_id"`
	AddressID          int64          `db:"address_id"`
	City               string         `db:"city"`
	RegionCode         string         `db:"region_code"`
	ScheduledDate      time.Time      `db:"scheduled_date"`
	EstimatedHours     float64        `db:"estimated_hours"`
	Status             string         `db:"status"`
	Version            int64          `db:"version"`
	PaymentStatus      string         `db:"payment_status"`
	PriceJSON          []byte         `db:"price_components"`
	PricingJSON        []byte         `db:"pricing_snapshot"`
	PaymentMethod      string         `db:"payment_method"`
	DiscountCode       string         `db:"discount_code"`
	AssignedAt         sql.NullTime   `db:"assigned_at"`
	SLADeadline        sql.NullTime   `db:"sla_deadline"`
	ActualStartTime    sql.NullTime   `db:"actual_start_time"`
	PausedAt           sql.NullTime   `db:"paused_at"`
	ResumedAt          sql.NullTime   `db:"resumed_at"`
	ActualEndTime      sql.NullTime   `db:"actual_end_time"`
	FailedAt           sql.NullTime   `db:"failed_at"`
	CancelledAt        sql.NullTime   `db:"cancelled_at"`
	CancelledByID      sql.NullInt64  `db:"cancelled_by_id"`
	CustomerNotes      string         `db:"customer_notes"`
	CleanerNotes       string         `db:"cleaner_notes"`
	FailureReason      string         `db:"failure_reason"`
	CancellationReason string         `db:"cancellation_reason"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func toRow(j *domain.Job) (*jobRow, error) {
	price, err := json.Marshal(j.Price)
	if err != nil {
		return nil, err
	}
	pricing, err := json.Marshal(j.Pricing)
	if err != nil {
		return nil, err
	}
	row := &jobRow{
		ID:                 j.ID,
		BookingNumber:      j.BookingNumber,
		CustomerID:         j.CustomerID,
		ServiceID:          j.ServiceID,
		AddressID:          j.AddressID,
		City:               j.City,
		RegionCode:         string(j.RegionCode),
		ScheduledDate:      j.ScheduledDate,
		EstimatedHours:     j.EstimatedHours,
		Status:             string(j.Status),
		Version:            j.Version,
		PaymentStatus:      string(j.PaymentStatus),
		PriceJSON:          price,
		PricingJSON:        pricing,
		PaymentMethod:      j.PaymentMethod,
		DiscountCode:       j.DiscountCode,
		AssignedAt:         nullTime(j.AssignedAt),
		SLADeadline:        nullTime(j.SLADeadline),
		ActualStartTime:    nullTime(j.ActualStartTime),
		PausedAt:           nullTime(j.PausedAt),
		ResumedAt:          nullTime(j.ResumedAt),
		ActualEndTime:      nullTime(j.ActualEndTime),
		FailedAt:           nullTime(j.FailedAt),
		CancelledAt:        nullTime(j.CancelledAt),
		CustomerNotes:      j.CustomerNotes,
		CleanerNotes:       j.CleanerNotes,
		FailureReason:      j.FailureReason,
		CancellationReason: j.CancellationReason,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
	if j.WorkerID != nil {
		row.WorkerID = sql.NullInt64{Int64: *j.WorkerID, Valid: true}
	}
	if j.CancelledByID != nil {
		row.CancelledByID = sql.NullInt64{Int64: *j.CancelledByID, Valid: true}
	}
	return row, nil
}

func fromRow(row *jobRow) (*domain.Job, error) {
	j := &domain.Job{
		ID:                 row.ID,
		BookingNumber:      row.BookingNumber,
		CustomerID:         row.CustomerID,
		ServiceID:          row.ServiceID,
		AddressID:          row.AddressID,
		City:               row.City,
		RegionCode:         domain.RegionCode(row.RegionCode),
		ScheduledDate:      row.ScheduledDate,
		EstimatedHours:     row.EstimatedHours,
		Status:             domain.JobStatus(row.Status),
		Version:            row.Version,
		PaymentStatus:      domain.PaymentStatus(row.PaymentStatus),
		PaymentMethod:      row.PaymentMethod,
		DiscountCode:       row.DiscountCode,
		AssignedAt:         fromNullTime(row.AssignedAt),
		SLADeadline:        fromNullTime(row.SLADeadline),
		ActualStartTime:    fromNullTime(row.ActualStartTime),
		PausedAt:           fromNullTime(row.PausedAt),
		ResumedAt:          fromNullTime(row.ResumedAt),
		ActualEndTime:      fromNullTime(row.ActualEndTime),
		FailedAt:           fromNullTime(row.FailedAt),
		CancelledAt:        fromNullTime(row.CancelledAt),
		CustomerNotes:      row.CustomerNotes,
		CleanerNotes:       row.CleanerNotes,
		FailureReason:      row.FailureReason,
		CancellationReason: row.CancellationReason,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.WorkerID.Valid {
		id := row.WorkerID.Int64
		j.WorkerID = &id
	}
	if row.CancelledByID.Valid {
		id := row.CancelledByID.Int64
		j.CancelledByID = &id
	}
	if len(row.PriceJSON) > 0 {
		if err := json.Unmarshal(row.PriceJSON, &j.Price); err != nil {
			return nil, err
		}
	}
	if len(row.PricingJSON) > 0 {
		if err := json.Unmarshal(row.PricingJSON, &j.Pricing); err != nil {
			return nil, err
		}
	}
	return j, nil
}

const insertJobSQL = `
INSERT INTO bookings (
	booking_number, customer_id, assigned_employee_id, service_id, address_id,
	city, region_code, scheduled_date, estimated_hours, status, version,
	payment_status, price_components, pricing_snapshot, payment_method,
	discount_code, customer_notes, created_at, updated_at
) VALUES (
	:booking_number, :customer_id, :assigned_employee_id, :service_id, :address_id,
	:city, :region_code, :scheduled_date, :estimated_hours, :status, :version,
	:payment_status, :price_components, :pricing_snapshot, :payment_method,
	:discount_code, :customer_notes, :created_at, :updated_at
) RETURNING id`

func (p *Postgres) Create(ctx context.Context, job *domain.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	stmt, err := p.db.PrepareNamedContext(ctx, insertJobSQL)
	if err != nil {
		return derrors.Wrap(err, "prepare insert booking")
	}
	defer stmt.Close()
	var id int64
	if err := stmt.GetContext(ctx, &id, row); err != nil {
		return derrors.Wrap(err, "insert booking")
	}
	job.ID = id
	return nil
}

const selectJobSQL = `SELECT
	id, booking_number, customer_id, assigned_employee_id, service_id, address_id,
	city, region_code, scheduled_date, estimated_hours, status, version,
	payment_status, price_components, pricing_snapshot, payment_method, discount_code,
	assigned_at, sla_deadline, actual_start_time, paused_at, resumed_at,
	actual_end_time, failed_at, cancelled_at, cancelled_by_id,
	customer_notes, cleaner_notes, failure_reason, cancellation_reason,
	created_at, updated_at
FROM bookings WHERE id = $1`

func (p *Postgres) Get(ctx context.Context, id int64) (*domain.Job, error) {
	var row jobRow
	if err := p.db.GetContext(ctx, &row, selectJobSQL, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, derrors.NotFound("job %d not found", id)
		}
		return nil, derrors.Wrap(err, "select booking")
	}
	return fromRow(&row)
}

const updateJobSQL = `UPDATE bookings SET
	assigned_employee_id = :assigned_employee_id, status = :status, version = :version,
	payment_status = :payment_status, price_components = :price_components,
	pricing_snapshot = :pricing_snapshot,
	assigned_at = :assigned_at, sla_deadline = :sla_deadline,
	actual_start_time = :actual_start_time, paused_at = :paused_at,
	resumed_at = :resumed_at, actual_end_time = :actual_end_time,
	failed_at = :failed_at, cancelled_at = :cancelled_at,
	cancelled_by_id = :cancelled_by_id, customer_notes = :customer_notes,
	cleaner_notes = :cleaner_notes, failure_reason = :failure_reason,
	cancellation_reason = :cancellation_reason, updated_at = :updated_at
WHERE id = :id AND version = :expected_version`

// Update performs the optimistic-lock write: the WHERE clause only matches
// when the stored version is still expectedVersion. Zero rows affected
// means someone else committed first.
func (p *Postgres) Update(ctx context.Context, job *domain.Job, expectedVersion int64) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	params := structToMap(row)
	params["id"] = job.ID
	params["expected_version"] = expectedVersion

	result, err := p.db.NamedExecContext(ctx, updateJobSQL, params)
	if err != nil {
		return derrors.Wrap(err, "update booking")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return derrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return derrors.ConcurrentModification(
			"job %d was modified concurrently (expected version %d)", job.ID, expectedVersion)
	}
	return nil
}

// structToMap flattens a jobRow into the parameter map NamedExecContext
// expects, reusing the db struct tags sqlx already understands for reads.
func structToMap(row *jobRow) map[string]any {
	return map[string]any{
		"assigned_employee_id": row.WorkerID,
		"status":               row.Status,
		"version":              row.Version,
		"payment_status":       row.PaymentStatus,
		"price_components":     row.PriceJSON,
		"pricing_snapshot":     row.PricingJSON,
		"assigned_at":          row.AssignedAt,
		"sla_deadline":         row.SLADeadline,
		"actual_start_time":    row.ActualStartTime,
		"paused_at":            row.PausedAt,
		"resumed_at":           row.ResumedAt,
		"actual_end_time":      row.ActualEndTime,
		"failed_at":            row.FailedAt,
		"cancelled_at":         row.CancelledAt,
		"cancelled_by_id":      row.CancelledByID,
		"customer_notes":       row.CustomerNotes,
		"cleaner_notes":        row.CleanerNotes,
		"failure_reason":       row.FailureReason,
		"cancellation_reason":  row.CancellationReason,
		"updated_at":           row.UpdatedAt,
	}
}

func (p *Postgres) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	query, args, err := sqlx.In(selectJobSQL[:len(selectJobSQL)-len("WHERE id = $1")]+"WHERE status IN (?) ORDER BY scheduled_date", statuses)
	if err != nil {
		return nil, derrors.Wrap(err, "build status query")
	}
	query = p.db.Rebind(query)

	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, derrors.Wrap(err, "select bookings by status")
	}
	return rowsToJobs(rows)
}

func (p *Postgres) ListActiveByWorker(ctx context.Context, workerID int64) ([]*domain.Job, error) {
	query := selectJobSQL[:len(selectJobSQL)-len("WHERE id = $1")] +
		"WHERE assigned_employee_id = $1 AND status IN ('ASSIGNED','IN_PROGRESS','PAUSED')"
	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, query, workerID); err != nil {
		return nil, derrors.Wrap(err, "select active bookings by worker")
	}
	return rowsToJobs(rows)
}

func (p *Postgres) LastCompletedByWorker(ctx context.Context, workerID int64) (*domain.Job, error) {
	query := selectJobSQL[:len(selectJobSQL)-len("WHERE id = $1")] +
		"WHERE assigned_employee_id = $1 AND status = 'COMPLETED' AND actual_end_time IS NOT NULL " +
		"ORDER BY actual_end_time DESC LIMIT 1"
	var row jobRow
	if err := p.db.GetContext(ctx, &row, query, workerID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, derrors.Wrap(err, "select last completed booking")
	}
	return fromRow(&row)
}

func rowsToJobs(rows []jobRow) ([]*domain.Job, error) {
	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		j, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
