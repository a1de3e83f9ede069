// Package jobstate implements the job lifecycle state machine from spec
// §4.1: the allowed-transition table, pre-transition guards, atomic side
// effects plus status-history/audit rows, and idempotency-key dedupe
// scoped to (job, target status). Grounded on job_state_machine.py's
// JobStateMachine.
package jobstate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"

	"github.com/cleanco/dispatchcore/internal/audit"
	"github.com/cleanco/dispatchcore/internal/cache"
	"github.com/cleanco/dispatchcore/internal/domain"
	derrors "github.com/cleanco/dispatchcore/internal/errors"
	"github.com/cleanco/dispatchcore/internal/eventbus"
	"github.com/cleanco/dispatchcore/internal/metrics"
	"github.com/cleanco/dispatchcore/internal/store"
)

// SLAStartThreshold mirrors SLA_START_THRESHOLD_MINUTES: a job's SLA
// deadline is its scheduled time plus this buffer.
const SLAStartThreshold = 10 * time.Minute

// MaxPauseDuration mirrors MAX_PAUSE_DURATION_MINUTES.
const MaxPauseDuration = 30 * time.Minute

// CooldownDuration mirrors COOLDOWN_DURATION_MINUTES.
const CooldownDuration = 15 * time.Minute

// CashbackPercentage mirrors the 5% completion cashback.
var CashbackPercentage = decimal.NewFromFloat(0.05)

const idempotencyTTL = 24 * time.Hour

// allowedTransitions is the closed transition table from spec §4.1.
// CONFIRMED is a legacy alias of PENDING_ASSIGNMENT and shares its edges.
var allowedTransitions = map[domain.JobStatus][]domain.JobStatus{
	domain.StatusPending: {
		domain.StatusPendingAssignment, domain.StatusCancelled,
	},
	domain.StatusPendingAssignment: {
		domain.StatusAssigned, domain.StatusCancelled,
	},
	domain.StatusConfirmed: {
		domain.StatusAssigned, domain.StatusCancelled,
	},
	domain.StatusAssigned: {
		domain.StatusInProgress, domain.StatusCancelled,
	},
	domain.StatusInProgress: {
		domain.StatusPaused, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	},
	domain.StatusPaused: {
		domain.StatusInProgress, domain.StatusCancelled,
	},
	domain.StatusCompleted: {},
	domain.StatusCancelled: {
		domain.StatusRefunded,
	},
	domain.StatusFailed: {
		domain.StatusPendingAssignment,
	},
	domain.StatusRefunded: {},
	domain.StatusNoShow:   {},
}

// CanTransition reports whether from->to is a legal edge in the table.
func CanTransition(from, to domain.JobStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WalletCrediter is the best-effort collaborator for completion cashback.
// Errors are logged and swallowed — the job must complete regardless.
type WalletCrediter interface {
	Credit(ctx context.Context, customerID int64, amount decimal.Decimal, description string) error
}

// Machine executes transitions against the durable stores, publishing
// events and writing audit/history rows atomically with the status write.
type Machine struct {
	Jobs    store.JobStore
	History store.StatusHistoryStore
	Workers store.WorkerStore
	Audit   audit.Writer
	Bus     *eventbus.Bus
	Cache   cache.Cache
	Wallet  WalletCrediter
	Log     logr.Logger
	now     func() time.Time

	// Metrics is optional; when set, every transition attempt also
	// records a Prometheus observation.
	Metrics *metrics.Recorder
}

func New(jobs store.JobStore, history store.StatusHistoryStore, workers store.WorkerStore, auditWriter audit.Writer, bus *eventbus.Bus, c cache.Cache, wallet WalletCrediter, log logr.Logger) *Machine {
	return &Machine{
		Jobs: jobs, History: history, Workers: workers, Audit: auditWriter,
		Bus: bus, Cache: c, Wallet: wallet, Log: log, now: time.Now,
	}
}

func (m *Machine) idempotencyKey(jobID int64, target domain.JobStatus, key string) string {
	return fmt.Sprintf("idempotency:%d:%s:%s", jobID, target, key)
}

// Transition executes one lifecycle transition end to end: guard checks,
// optimistic version check, side effects, persistence, history, audit,
// and event publication. When idempotencyKey is non-empty and a prior
// call already landed this (job, target status) pair, Transition returns
// the current job unchanged without repeating any side effect.
func (m *Machine) Transition(ctx context.Context, jobID int64, newStatus domain.JobStatus, actor domain.Actor, expectedVersion *int64, reason, idempotencyKey string) (*domain.Job, error) {
	if idempotencyKey != "" {
		key := m.idempotencyKey(jobID, newStatus, idempotencyKey)
		if _, seen, err := m.Cache.Get(ctx, key); err == nil && seen {
			return m.Jobs.Get(ctx, jobID)
		}
	}

	job, err := m.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return m.transitionLoaded(ctx, job, newStatus, actor, expectedVersion, reason, idempotencyKey)
}

// transitionLoaded runs guards, side effects, and persistence against an
// already-fetched job, letting a caller (Assign) mutate job fields (like
// WorkerID) in the same version bump instead of issuing a separate write.
func (m *Machine) transitionLoaded(ctx context.Context, job *domain.Job, newStatus domain.JobStatus, actor domain.Actor, expectedVersion *int64, reason, idempotencyKey string) (*domain.Job, error) {
	jobID := job.ID
	currentStatus := job.Status
	if !CanTransition(currentStatus, newStatus) {
		m.Metrics.RecordTransitionError(string(derrors.KindInvalidTransition))
		return nil, derrors.InvalidTransition(string(currentStatus), string(newStatus))
	}
	if expectedVersion != nil && job.Version != *expectedVersion {
		m.Metrics.RecordTransitionError(string(derrors.KindConcurrentModification))
		return nil, derrors.ConcurrentModification(
			"job %d was modified: expected version %d, got %d", jobID, *expectedVersion, job.Version)
	}

	if err := m.validateTransition(job, newStatus, actor); err != nil {
		m.Metrics.RecordTransitionError(string(derrors.KindOf(err)))
		return nil, err
	}

	transactor, ok := m.Jobs.(store.Transactor)
	if !ok {
		return nil, derrors.Unavailable(nil, "job store %T does not support transactions", m.Jobs)
	}

	previousVersion := job.Version
	now := m.now().UTC()
	historyEntry := domain.StatusHistoryEntry{
		JobID:          job.ID,
		PreviousStatus: &currentStatus,
		NewStatus:      newStatus,
		Actor:          actor,
		Reason:         defaultReason(currentStatus, newStatus, reason),
		Timestamp:      now,
	}

	// The worker write, the optimistic-locked job update, the history
	// append, and the audit row all run inside one transaction: if any of
	// them fails, WithinTx rolls back the whole attempt instead of
	// leaving an earlier write (e.g. the worker flipped busy/cooling_down)
	// persisted alongside a job update that never landed.
	err := transactor.WithinTx(ctx, func(tx store.Tx) error {
		if err := m.executeSideEffects(ctx, tx, job, currentStatus, newStatus, actor, reason, now); err != nil {
			return err
		}

		job.Status = newStatus
		job.Version++
		job.UpdatedAt = now

		if err := tx.Update(ctx, job, previousVersion); err != nil {
			return err
		}
		if err := tx.Append(ctx, historyEntry); err != nil {
			return err
		}

		auditWriter := m.Audit
		if auditor, ok := tx.(store.TxAuditor); ok {
			auditWriter = auditor.Audit()
		}
		return auditWriter.Write(ctx, audit.Entry(job, actor, currentStatus, reason, idempotencyKey, now))
	})
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		_ = m.Cache.Set(ctx, m.idempotencyKey(jobID, newStatus, idempotencyKey), "1", idempotencyTTL)
	}

	m.publishTransitionEvent(job, currentStatus, newStatus)
	m.Metrics.RecordTransition(string(currentStatus), string(newStatus))

	return job, nil
}

func defaultReason(from, to domain.JobStatus, reason string) string {
	if reason != "" {
		return reason
	}
	defaults := map[[2]domain.JobStatus]string{
		{domain.StatusPending, domain.StatusPendingAssignment}:  "Payment completed",
		{domain.StatusPendingAssignment, domain.StatusAssigned}: "Cleaner assigned",
		{domain.StatusAssigned, domain.StatusInProgress}:        "Job started by cleaner",
		{domain.StatusInProgress, domain.StatusPaused}:          "Job paused by cleaner",
		{domain.StatusPaused, domain.StatusInProgress}:          "Job resumed by cleaner",
		{domain.StatusInProgress, domain.StatusCompleted}:       "Job completed by cleaner",
	}
	if r, ok := defaults[[2]domain.JobStatus{from, to}]; ok {
		return r
	}
	return fmt.Sprintf("Status changed to %s", to)
}

// validateTransition runs the pre-transition guards: the assigned-worker
// check on ASSIGNED->IN_PROGRESS, and the max pause duration on
// PAUSED->IN_PROGRESS.
func (m *Machine) validateTransition(job *domain.Job, newStatus domain.JobStatus, actor domain.Actor) error {
	if newStatus == domain.StatusInProgress && job.Status == domain.StatusAssigned {
		if actor.Kind == domain.ActorWorker && (job.WorkerID == nil || *job.WorkerID != actor.ID) {
			return derrors.Forbidden("actor %d is not assigned to job %d", actor.ID, job.ID)
		}
	}
	if job.Status == domain.StatusPaused && newStatus == domain.StatusInProgress {
		if job.PausedAt != nil && m.now().Sub(*job.PausedAt) > MaxPauseDuration {
			return derrors.BadRequest("job %d was paused for more than %s", job.ID, MaxPauseDuration)
		}
	}
	return nil
}

func (m *Machine) executeSideEffects(ctx context.Context, workers store.WorkerStore, job *domain.Job, oldStatus, newStatus domain.JobStatus, actor domain.Actor, reason string, now time.Time) error {
	switch newStatus {
	case domain.StatusAssigned:
		job.AssignedAt = &now
		deadline := job.ScheduledDate.Add(SLAStartThreshold)
		job.SLADeadline = &deadline
		if job.WorkerID != nil {
			if err := m.setWorkerStatus(ctx, workers, *job.WorkerID, domain.OpBusy, 0); err != nil {
				return err
			}
		}

	case domain.StatusInProgress:
		switch oldStatus {
		case domain.StatusAssigned:
			job.ActualStartTime = &now
		case domain.StatusPaused:
			job.ResumedAt = &now
		}

	case domain.StatusPaused:
		job.PausedAt = &now

	case domain.StatusCompleted:
		job.ActualEndTime = &now
		if job.WorkerID != nil {
			if err := m.setWorkerStatus(ctx, workers, *job.WorkerID, domain.OpCoolingDown, CooldownDuration); err != nil {
				return err
			}
			if err := m.incrementWorkerStats(ctx, workers, *job.WorkerID, true); err != nil {
				return err
			}
		}
		m.processCompletionRewards(ctx, job)

	case domain.StatusFailed:
		job.FailedAt = &now
		job.FailureReason = reason
		if job.WorkerID != nil {
			if err := m.setWorkerStatus(ctx, workers, *job.WorkerID, domain.OpAvailable, 0); err != nil {
				return err
			}
			if err := m.incrementWorkerStats(ctx, workers, *job.WorkerID, false); err != nil {
				return err
			}
		}

	case domain.StatusCancelled:
		job.CancelledAt = &now
		job.CancelledByID = &actor.ID
		job.CancellationReason = reason
		if job.WorkerID != nil {
			switch oldStatus {
			case domain.StatusAssigned, domain.StatusInProgress, domain.StatusPaused:
				if err := m.setWorkerStatus(ctx, workers, *job.WorkerID, domain.OpAvailable, 0); err != nil {
					return err
				}
			}
		}

	case domain.StatusRefunded:
		job.PaymentStatus = domain.PaymentRefunded

	case domain.StatusPendingAssignment:
		if oldStatus == domain.StatusPending {
			job.PaymentStatus = domain.PaymentPaid
		}
		if oldStatus == domain.StatusFailed {
			job.WorkerID = nil
		}
	}
	return nil
}

func (m *Machine) setWorkerStatus(ctx context.Context, workers store.WorkerStore, workerID int64, status domain.WorkerOperationalStatus, cooldown time.Duration) error {
	w, err := workers.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	previous := w.OperationalStatus
	w.OperationalStatus = status
	w.UpdatedAt = m.now().UTC()
	if status == domain.OpCoolingDown && cooldown > 0 {
		expiry := m.now().UTC().Add(cooldown)
		w.CooldownExpiresAt = &expiry
	} else if status == domain.OpAvailable {
		w.CooldownExpiresAt = nil
	}
	if err := workers.UpdateWorker(ctx, w); err != nil {
		return err
	}

	_ = m.Cache.Set(ctx, fmt.Sprintf(cache.KeyCleanerStatus, workerID), string(status), cache.TTLCleanerStatus)

	if previous != status {
		m.Bus.Publish(domain.EventCleanerStatusChanged, map[string]any{
			"cleaner_id":       workerID,
			"status":           string(status),
			"previous_status":  string(previous),
		})
	}
	return nil
}

func (m *Machine) incrementWorkerStats(ctx context.Context, workers store.WorkerStore, workerID int64, completed bool) error {
	w, err := workers.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if completed {
		w.CompletedCount++
	} else {
		w.FailedCount++
	}
	return workers.UpdateWorker(ctx, w)
}

// processCompletionRewards credits cashback via the best-effort wallet
// collaborator. Failures are logged and swallowed — per
// _process_completion_rewards, a reward error must never fail the job.
func (m *Machine) processCompletionRewards(ctx context.Context, job *domain.Job) {
	if m.Wallet == nil || !job.Price.Total.IsPositive() {
		return
	}
	cashback := job.Price.Total.Mul(CashbackPercentage).Round(2)
	if !cashback.IsPositive() {
		return
	}
	description := fmt.Sprintf("5%% cashback from booking #%s", job.BookingNumber)
	if err := m.Wallet.Credit(ctx, job.CustomerID, cashback, description); err != nil {
		m.Log.Error(err, "completion cashback failed, job still completes", "job_id", job.ID)
	}
}

var eventTypeForStatus = map[domain.JobStatus]domain.EventType{
	domain.StatusAssigned:  domain.EventJobAssigned,
	domain.StatusPaused:    domain.EventJobPaused,
	domain.StatusCompleted: domain.EventJobCompleted,
	domain.StatusCancelled: domain.EventJobCancelled,
	domain.StatusFailed:    domain.EventJobFailed,
}

func (m *Machine) publishTransitionEvent(job *domain.Job, oldStatus, newStatus domain.JobStatus) {
	eventType, ok := eventTypeForStatus[newStatus]
	if !ok && newStatus == domain.StatusInProgress {
		if oldStatus == domain.StatusAssigned {
			eventType = domain.EventJobStarted
		} else {
			eventType = domain.EventJobResumed
		}
		ok = true
	}
	if !ok {
		return
	}

	payload := map[string]any{
		"job_id":          job.ID,
		"booking_number":  job.BookingNumber,
		"status":          string(newStatus),
		"previous_status": string(oldStatus),
		"customer_id":     job.CustomerID,
	}
	if job.WorkerID != nil {
		payload["cleaner_id"] = *job.WorkerID
	}
	switch newStatus {
	case domain.StatusInProgress:
		if job.ActualStartTime != nil {
			payload["started_at"] = job.ActualStartTime.Format(time.RFC3339)
		}
	case domain.StatusCompleted:
		if job.ActualEndTime != nil {
			payload["completed_at"] = job.ActualEndTime.Format(time.RFC3339)
		}
		payload["total_price"] = job.Price.Total.String()
	case domain.StatusPaused:
		if job.PausedAt != nil {
			payload["paused_at"] = job.PausedAt.Format(time.RFC3339)
		}
	case domain.StatusFailed:
		payload["failure_reason"] = job.FailureReason
	case domain.StatusCancelled:
		payload["cancellation_reason"] = job.CancellationReason
	}

	m.Bus.Publish(eventType, payload)
}

// Convenience wrappers mirroring the original service's start_job/
// pause_job/resume_job/complete_job/fail_job/assign_cleaner.

func (m *Machine) Start(ctx context.Context, jobID int64, actor domain.Actor, expectedVersion *int64, idempotencyKey string) (*domain.Job, error) {
	return m.Transition(ctx, jobID, domain.StatusInProgress, actor, expectedVersion, "Job started by cleaner", idempotencyKey)
}

func (m *Machine) Pause(ctx context.Context, jobID int64, actor domain.Actor, reason string) (*domain.Job, error) {
	return m.Transition(ctx, jobID, domain.StatusPaused, actor, nil, reason, "")
}

func (m *Machine) Resume(ctx context.Context, jobID int64, actor domain.Actor) (*domain.Job, error) {
	return m.Transition(ctx, jobID, domain.StatusInProgress, actor, nil, "Job resumed by cleaner", "")
}

func (m *Machine) Complete(ctx context.Context, jobID int64, actor domain.Actor, expectedVersion *int64, idempotencyKey string) (*domain.Job, error) {
	return m.Transition(ctx, jobID, domain.StatusCompleted, actor, expectedVersion, "Job completed by cleaner", idempotencyKey)
}

func (m *Machine) Fail(ctx context.Context, jobID int64, actor domain.Actor, reason string) (*domain.Job, error) {
	return m.Transition(ctx, jobID, domain.StatusFailed, actor, nil, reason, "")
}

func (m *Machine) Cancel(ctx context.Context, jobID int64, actor domain.Actor, reason string) (*domain.Job, error) {
	return m.Transition(ctx, jobID, domain.StatusCancelled, actor, nil, reason, "")
}

// MarkPaid drives PENDING → PENDING_ASSIGNMENT once the payment gateway
// confirms a charge, mirroring start_payment/mark_paid. The gateway call
// itself is the out-of-scope external collaborator (§1); this is the
// webhook handler's single callback into the core once payment clears.
func (m *Machine) MarkPaid(ctx context.Context, jobID int64) (*domain.Job, error) {
	return m.Transition(ctx, jobID, domain.StatusPendingAssignment, domain.System, nil, "Payment confirmed", "")
}

// Assign attaches workerID to the job and transitions it to ASSIGNED,
// mirroring assign_cleaner's availability check.
func (m *Machine) Assign(ctx context.Context, jobID, workerID int64, actor domain.Actor) (*domain.Job, error) {
	worker, err := m.Workers.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if !worker.Available() {
		return nil, derrors.BadRequest("worker %d is not available (status: %s)", workerID, worker.OperationalStatus)
	}

	job, err := m.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.WorkerID = &workerID

	return m.transitionLoaded(ctx, job, domain.StatusAssigned, actor, nil, "Cleaner assigned by admin", "")
}

// Unassign clears a job's worker reference without changing its status,
// used when an allocation attempt is rejected by the committing worker.
func (m *Machine) Unassign(ctx context.Context, jobID int64) error {
	job, err := m.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.WorkerID = nil
	return m.Jobs.Update(ctx, job, job.Version)
}
