// Package store defines the persistence contracts for the dispatch core's
// aggregates (spec §6: bookings, booking_status_history, employees,
// employee_id_sequences, audit_logs) and provides both a Postgres-backed
// implementation (internal/store/postgres.go) and an in-memory
// implementation (internal/store/memory.go) used by tests and by callers
// that don't need durability.
//
// Every mutating method on JobStore that models the optimistic-lock update
// path takes the expected version and returns a KindConcurrentModification
// error (via internal/errors) when the stored version has moved on.
package store

import (
	"context"

	"github.com/cleanco/dispatchcore/internal/audit"
	"github.com/cleanco/dispatchcore/internal/domain"
)

// JobStore owns the bookings table and its optimistic version column.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id int64) (*domain.Job, error)
	// Update persists job's fields, including job.Version as the caller set
	// it (Update does not increment it), failing with a
	// ConcurrentModification error if the stored version no longer
	// matches expectedVersion.
	Update(ctx context.Context, job *domain.Job, expectedVersion int64) error
	ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error)
	ListActiveByWorker(ctx context.Context, workerID int64) ([]*domain.Job, error)
	LastCompletedByWorker(ctx context.Context, workerID int64) (*domain.Job, error)
}

// StatusHistoryStore owns the append-only booking_status_history table.
type StatusHistoryStore interface {
	Append(ctx context.Context, entry domain.StatusHistoryEntry) error
	ListByJob(ctx context.Context, jobID int64) ([]domain.StatusHistoryEntry, error)
}

// WorkerStore owns the employees table.
type WorkerStore interface {
	CreateWorker(ctx context.Context, w *domain.Worker) error
	GetWorker(ctx context.Context, id int64) (*domain.Worker, error)
	UpdateWorker(ctx context.Context, w *domain.Worker) error
	ListActiveByRegion(ctx context.Context, region domain.RegionCode) ([]*domain.Worker, error)
	ListActive(ctx context.Context) ([]*domain.Worker, error)
	ListCoolingDown(ctx context.Context) ([]*domain.Worker, error)
}

// SequenceStore owns employee_id_sequences, incremented under a row lock.
type SequenceStore interface {
	// NextSequence atomically increments and returns the counter for
	// (region, yearMonth), creating it at 1 if absent.
	NextSequence(ctx context.Context, region domain.RegionCode, yearMonth string) (int, error)
	PeekSequence(ctx context.Context, region domain.RegionCode, yearMonth string) (int, error)
}

// Tx is the store-layer view a job transition's side effects run against
// inside one atomic unit of work: the worker read/update, the
// optimistic-locked job update, and the status-history append all commit
// or roll back together. Grounded on job_state_machine.py, which applies
// the booking update, the worker-availability change, and the history
// insert on one session and issues a single commit.
type Tx interface {
	JobStore
	WorkerStore
	StatusHistoryStore
}

// TxAuditor is implemented by a Tx that can also supply an audit.Writer
// scoped to the same unit of work, letting the audit-log row commit or
// roll back with everything else instead of landing through an
// independent connection. Postgres's Tx implements this by handing back
// a writer bound to the same *sqlx.Tx; Memory's Tx doesn't need to, since
// its rollback already restores every live map a failed attempt touched.
type TxAuditor interface {
	Audit() audit.Writer
}

// Transactor is implemented by a store that can run a job transition's
// side effects atomically. Postgres begins a real SQL transaction and
// commits once fn returns nil, rolling back on any error. Memory
// snapshots its maps before calling fn and restores them if fn fails.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
}
