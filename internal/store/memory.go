package store

import (
	"context"
	"sync"

	derrors "github.com/cleanco/dispatchcore/internal/errors"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// Memory is an in-process implementation of JobStore, StatusHistoryStore,
// WorkerStore, and SequenceStore, suitable for tests and for running the
// dispatch core without a database. Concurrency control mirrors the
// Postgres implementation: Update enforces the optimistic version check.
type Memory struct {
	mu sync.Mutex

	jobs      map[int64]*domain.Job
	nextJobID int64

	history map[int64][]domain.StatusHistoryEntry

	workers      map[int64]*domain.Worker
	nextWorkerID int64

	sequences map[string]int
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[int64]*domain.Job),
		history:   make(map[int64][]domain.StatusHistoryEntry),
		workers:   make(map[int64]*domain.Worker),
		sequences: make(map[string]int),
	}
}

func clone(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func (m *Memory) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextJobID++
	job.ID = m.nextJobID
	m.jobs[job.ID] = clone(job)
	return nil
}

func (m *Memory) Get(_ context.Context, id int64) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, derrors.NotFound("job %d not found", id)
	}
	return clone(j), nil
}

func (m *Memory) Update(_ context.Context, job *domain.Job, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[job.ID]
	if !ok {
		return derrors.NotFound("job %d not found", job.ID)
	}
	if existing.Version != expectedVersion {
		return derrors.ConcurrentModification(
			"job %d was modified: expected version %d, got %d", job.ID, expectedVersion, existing.Version)
	}
	m.jobs[job.ID] = clone(job)
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[domain.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*domain.Job
	for _, j := range m.jobs {
		if want[j.Status] {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (m *Memory) ListActiveByWorker(_ context.Context, workerID int64) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.jobs {
		if j.WorkerID != nil && *j.WorkerID == workerID {
			switch j.Status {
			case domain.StatusAssigned, domain.StatusInProgress, domain.StatusPaused:
				out = append(out, clone(j))
			}
		}
	}
	return out, nil
}

func (m *Memory) LastCompletedByWorker(_ context.Context, workerID int64) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Job
	for _, j := range m.jobs {
		if j.WorkerID == nil || *j.WorkerID != workerID || j.Status != domain.StatusCompleted || j.ActualEndTime == nil {
			continue
		}
		if best == nil || j.ActualEndTime.After(*best.ActualEndTime) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	return clone(best), nil
}

func (m *Memory) Append(_ context.Context, entry domain.StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[entry.JobID] = append(m.history[entry.JobID], entry)
	return nil
}

func (m *Memory) ListByJob(_ context.Context, jobID int64) ([]domain.StatusHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StatusHistoryEntry, len(m.history[jobID]))
	copy(out, m.history[jobID])
	return out, nil
}

func cloneWorker(w *domain.Worker) *domain.Worker {
	c := *w
	return &c
}

func (m *Memory) CreateWorker(_ context.Context, w *domain.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWorkerID++
	w.ID = m.nextWorkerID
	m.workers[w.ID] = cloneWorker(w)
	return nil
}

func (m *Memory) GetWorker(_ context.Context, id int64) (*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, derrors.NotFound("worker %d not found", id)
	}
	return cloneWorker(w), nil
}

func (m *Memory) UpdateWorker(_ context.Context, w *domain.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; !ok {
		return derrors.NotFound("worker %d not found", w.ID)
	}
	m.workers[w.ID] = cloneWorker(w)
	return nil
}

func (m *Memory) ListActiveByRegion(_ context.Context, region domain.RegionCode) ([]*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Worker
	for _, w := range m.workers {
		if w.AccountStatus == domain.AccountActive && w.RegionCode == region {
			out = append(out, cloneWorker(w))
		}
	}
	return out, nil
}

func (m *Memory) ListActive(_ context.Context) ([]*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Worker
	for _, w := range m.workers {
		if w.AccountStatus == domain.AccountActive {
			out = append(out, cloneWorker(w))
		}
	}
	return out, nil
}

func (m *Memory) ListCoolingDown(_ context.Context) ([]*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Worker
	for _, w := range m.workers {
		if w.OperationalStatus == domain.OpCoolingDown {
			out = append(out, cloneWorker(w))
		}
	}
	return out, nil
}

func (m *Memory) NextSequence(_ context.Context, region domain.RegionCode, yearMonth string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(region) + ":" + yearMonth
	m.sequences[key]++
	return m.sequences[key], nil
}

func (m *Memory) PeekSequence(_ context.Context, region domain.RegionCode, yearMonth string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(region) + ":" + yearMonth
	return m.sequences[key] + 1, nil
}

// memSnapshot is a deep copy of Memory's mutable state, taken before a
// WithinTx call and restored if the call's fn returns an error.
type memSnapshot struct {
	jobs    map[int64]*domain.Job
	history map[int64][]domain.StatusHistoryEntry
	workers map[int64]*domain.Worker
}

func (m *Memory) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make(map[int64]*domain.Job, len(m.jobs))
	for id, j := range m.jobs {
		jobs[id] = clone(j)
	}
	history := make(map[int64][]domain.StatusHistoryEntry, len(m.history))
	for id, h := range m.history {
		history[id] = append([]domain.StatusHistoryEntry(nil), h...)
	}
	workers := make(map[int64]*domain.Worker, len(m.workers))
	for id, w := range m.workers {
		workers[id] = cloneWorker(w)
	}
	return memSnapshot{jobs: jobs, history: history, workers: workers}
}

func (m *Memory) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = s.jobs
	m.history = s.history
	m.workers = s.workers
}

// WithinTx snapshots the job/history/worker maps, runs fn against this
// same store, and restores the snapshot if fn returns an error. Memory
// has no real transaction to begin, so this is the in-process stand-in:
// every write fn makes through m is live immediately, and a failure
// undoes all of them together rather than leaving a partial mutation, the
// same guarantee Postgres's WithinTx gives via a real SQL transaction.
func (m *Memory) WithinTx(ctx context.Context, fn func(Tx) error) error {
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}
