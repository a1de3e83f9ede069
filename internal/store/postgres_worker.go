package store

import (
	"context"
	"database/sql"

	derrors "github.com/cleanco/dispatchcore/internal/errors"

	"github.com/cleanco/dispatchcore/internal/domain"
)

type workerRow struct {
	ID                int64        `db:"id"`
	EmployeeID        string       `db:"employee_id"`
	Phone             string       `db:"phone"`
	FullName          string       `db:"full_name"`
	RegionCode        string       `db:"region_code"`
	AccountStatus     string       `db:"account_status"`
	OperationalStatus string       `db:"operational_status"`
	Rating            float64      `db:"rating"`
	CompletedCount    int64        `db:"completed_count"`
	FailedCount       int64        `db:"failed_count"`
	CooldownExpiresAt sql.NullTime `db:"cooldown_expires_at"`
	CreatedAt         sql.NullTime `db:"created_at"`
	UpdatedAt         sql.NullTime `db:"updated_at"`
}

func workerFromRow(row *workerRow) *domain.Worker {
	w := &domain.Worker{
		ID:                row.ID,
		EmployeeID:        row.EmployeeID,
		Phone:             row.Phone,
		FullName:          row.FullName,
		RegionCode:        domain.RegionCode(row.RegionCode),
		AccountStatus:     domain.WorkerAccountStatus(row.AccountStatus),
		OperationalStatus: domain.WorkerOperationalStatus(row.OperationalStatus),
		Rating:            row.Rating,
		CompletedCount:    row.CompletedCount,
		FailedCount:       row.FailedCount,
	}
	w.CooldownExpiresAt = fromNullTime(row.CooldownExpiresAt)
	if row.CreatedAt.Valid {
		w.CreatedAt = row.CreatedAt.Time
	}
	if row.UpdatedAt.Valid {
		w.UpdatedAt = row.UpdatedAt.Time
	}
	return w
}

const insertWorkerSQL = `
INSERT INTO employees (
	employee_id, phone, full_name, region_code, account_status,
	operational_status, rating, completed_count, failed_count, created_at, updated_at
) VALUES (
	:employee_id, :phone, :full_name, :region_code, :account_status,
	:operational_status, :rating, :completed_count, :failed_count, now(), now()
) RETURNING id`

func (p *Postgres) CreateWorker(ctx context.Context, w *domain.Worker) error {
	params := map[string]any{
		"employee_id":         w.EmployeeID,
		"phone":               w.Phone,
		"full_name":           w.FullName,
		"region_code":         string(w.RegionCode),
		"account_status":      string(w.AccountStatus),
		"operational_status":  string(w.OperationalStatus),
		"rating":              w.Rating,
		"completed_count":     w.CompletedCount,
		"failed_count":        w.FailedCount,
	}
	stmt, err := p.db.PrepareNamedContext(ctx, insertWorkerSQL)
	if err != nil {
		return derrors.Wrap(err, "prepare insert employee")
	}
	defer stmt.Close()
	var id int64
	if err := stmt.GetContext(ctx, &id, params); err != nil {
		return derrors.Wrap(err, "insert employee")
	}
	w.ID = id
	return nil
}

const selectWorkerSQL = `SELECT
	id, employee_id, phone, full_name, region_code, account_status,
	operational_status, rating, completed_count, failed_count,
	cooldown_expires_at, created_at, updated_at
FROM employees WHERE id = $1`

func (p *Postgres) GetWorker(ctx context.Context, id int64) (*domain.Worker, error) {
	var row workerRow
	if err := p.db.GetContext(ctx, &row, selectWorkerSQL, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, derrors.NotFound("worker %d not found", id)
		}
		return nil, derrors.Wrap(err, "select employee")
	}
	return workerFromRow(&row), nil
}

const updateWorkerSQL = `UPDATE employees SET
	account_status = :account_status, operational_status = :operational_status,
	rating = :rating, completed_count = :completed_count, failed_count = :failed_count,
	cooldown_expires_at = :cooldown_expires_at, updated_at = now()
WHERE id = :id`

func (p *Postgres) UpdateWorker(ctx context.Context, w *domain.Worker) error {
	params := map[string]any{
		"id":                  w.ID,
		"account_status":      string(w.AccountStatus),
		"operational_status":  string(w.OperationalStatus),
		"rating":              w.Rating,
		"completed_count":     w.CompletedCount,
		"failed_count":        w.FailedCount,
		"cooldown_expires_at": nullTime(w.CooldownExpiresAt),
	}
	result, err := p.db.NamedExecContext(ctx, updateWorkerSQL, params)
	if err != nil {
		return derrors.Wrap(err, "update employee")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return derrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return derrors.NotFound("worker %d not found", w.ID)
	}
	return nil
}

func (p *Postgres) ListActiveByRegion(ctx context.Context, region domain.RegionCode) ([]*domain.Worker, error) {
	query := selectWorkerSQL[:len(selectWorkerSQL)-len("WHERE id = $1")] +
		"WHERE account_status = 'ACTIVE' AND region_code = $1"
	var rows []workerRow
	if err := p.db.SelectContext(ctx, &rows, query, string(region)); err != nil {
		return nil, derrors.Wrap(err, "select active employees by region")
	}
	return workerRowsToList(rows), nil
}

func (p *Postgres) ListActive(ctx context.Context) ([]*domain.Worker, error) {
	query := selectWorkerSQL[:len(selectWorkerSQL)-len("WHERE id = $1")] +
		"WHERE account_status = 'ACTIVE'"
	var rows []workerRow
	if err := p.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, derrors.Wrap(err, "select active employees")
	}
	return workerRowsToList(rows), nil
}

func (p *Postgres) ListCoolingDown(ctx context.Context) ([]*domain.Worker, error) {
	query := selectWorkerSQL[:len(selectWorkerSQL)-len("WHERE id = $1")] +
		"WHERE operational_status = 'COOLING_DOWN'"
	var rows []workerRow
	if err := p.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, derrors.Wrap(err, "select cooling-down employees")
	}
	return workerRowsToList(rows), nil
}

func workerRowsToList(rows []workerRow) []*domain.Worker {
	out := make([]*domain.Worker, 0, len(rows))
	for i := range rows {
		out = append(out, workerFromRow(&rows[i]))
	}
	return out
}

const appendHistorySQL = `
INSERT INTO booking_status_history (booking_id, previous_status, new_status, actor_kind, actor_id, reason, created_at)
VALUES (:booking_id, :previous_status, :new_status, :actor_kind, :actor_id, :reason, :created_at)`

func (p *Postgres) Append(ctx context.Context, entry domain.StatusHistoryEntry) error {
	var prev sql.NullString
	if entry.PreviousStatus != nil {
		prev = sql.NullString{String: string(*entry.PreviousStatus), Valid: true}
	}
	params := map[string]any{
		"booking_id":      entry.JobID,
		"previous_status": prev,
		"new_status":      string(entry.NewStatus),
		"actor_kind":      string(entry.Actor.Kind),
		"actor_id":        entry.Actor.ID,
		"reason":          entry.Reason,
		"created_at":      entry.Timestamp,
	}
	if _, err := p.db.NamedExecContext(ctx, appendHistorySQL, params); err != nil {
		return derrors.Wrap(err, "insert booking status history")
	}
	return nil
}

type historyRow struct {
	ID             int64          `db:"id"`
	JobID          int64          `db:"booking_id"`
	PreviousStatus sql.NullString `db:"previous_status"`
	NewStatus      string         `db:"new_status"`
	ActorKind      string         `db:"actor_kind"`
	ActorID        sql.NullInt64  `db:"actor_id"`
	Reason         string         `db:"reason"`
	CreatedAt      sql.NullTime   `db:"created_at"`
}

func (p *Postgres) ListByJob(ctx context.Context, jobID int64) ([]domain.StatusHistoryEntry, error) {
	const query = `SELECT id, booking_id, previous_status, new_status, actor_kind, actor_id, reason, created_at
		FROM booking_status_history WHERE booking_id = $1 ORDER BY created_at ASC`
	var rows []historyRow
	if err := p.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, derrors.Wrap(err, "select booking status history")
	}
	out := make([]domain.StatusHistoryEntry, 0, len(rows))
	for _, r := range rows {
		entry := domain.StatusHistoryEntry{
			ID:        r.ID,
			JobID:     r.JobID,
			NewStatus: domain.JobStatus(r.NewStatus),
			Actor:     domain.Actor{Kind: domain.ActorKind(r.ActorKind)},
			Reason:    r.Reason,
		}
		if r.PreviousStatus.Valid {
			s := domain.JobStatus(r.PreviousStatus.String)
			entry.PreviousStatus = &s
		}
		if r.ActorID.Valid {
			entry.Actor.ID = r.ActorID.Int64
		}
		if r.CreatedAt.Valid {
			entry.Timestamp = r.CreatedAt.Time
		}
		out = append(out, entry)
	}
	return out, nil
}

const sequenceUpsertSQL = `
INSERT INTO employee_id_sequences (region_code, year_month, next_value)
VALUES ($1, $2, 2)
ON CONFLICT (region_code, year_month)
DO UPDATE SET next_value = employee_id_sequences.next_value + 1
RETURNING next_value - 1`

// NextSequence relies on the UPSERT's row lock to serialize concurrent
// callers for the same (region, yearMonth) key, mirroring the row-lock
// semantics spec §4.2 expects from the reference sequence table.
func (p *Postgres) NextSequence(ctx context.Context, region domain.RegionCode, yearMonth string) (int, error) {
	var value int
	if err := p.db.GetContext(ctx, &value, sequenceUpsertSQL, string(region), yearMonth); err != nil {
		return 0, derrors.Wrap(err, "increment employee id sequence")
	}
	return value, nil
}

func (p *Postgres) PeekSequence(ctx context.Context, region domain.RegionCode, yearMonth string) (int, error) {
	const query = `SELECT next_value FROM employee_id_sequences WHERE region_code = $1 AND year_month = $2`
	var value int
	if err := p.db.GetContext(ctx, &value, query, string(region), yearMonth); err != nil {
		if err == sql.ErrNoRows {
			return 1, nil
		}
		return 0, derrors.Wrap(err, "peek employee id sequence")
	}
	return value, nil
}
