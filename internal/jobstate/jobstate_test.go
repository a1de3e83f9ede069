package jobstate

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"

	"github.com/cleanco/dispatchcore/internal/audit"
	"github.com/cleanco/dispatchcore/internal/cache"
	"github.com/cleanco/dispatchcore/internal/domain"
	derrors "github.com/cleanco/dispatchcore/internal/errors"
	"github.com/cleanco/dispatchcore/internal/eventbus"
	"github.com/cleanco/dispatchcore/internal/store"
)

type fakeWallet struct {
	credited []decimal.Decimal
	fail     bool
}

func (f *fakeWallet) Credit(_ context.Context, _ int64, amount decimal.Decimal, _ string) error {
	if f.fail {
		return derrors.Unavailable(nil, "wallet down")
	}
	f.credited = append(f.credited, amount)
	return nil
}

func newMachine(t *testing.T, wallet WalletCrediter) (*Machine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	m := New(mem, mem, mem, audit.NewMemoryWriter(), eventbus.New(logr.Discard()), cache.NewMemory(), wallet, logr.Discard())
	return m, mem
}

func seedAssignedJob(t *testing.T, mem *store.Memory) (*domain.Job, *domain.Worker) {
	t.Helper()
	ctx := context.Background()
	w := &domain.Worker{RegionCode: domain.RegionDXB, AccountStatus: domain.AccountActive, OperationalStatus: domain.OpBusy}
	if err := mem.CreateWorker(ctx, w); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	job := &domain.Job{
		Status:        domain.StatusAssigned,
		WorkerID:      &w.ID,
		ScheduledDate: time.Now().Add(2 * time.Hour),
		Price:         domain.PriceComponents{Total: decimal.NewFromInt(100)},
	}
	if err := mem.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job, w
}

func TestStartRequiresAssignedWorker(t *testing.T) {
	m, mem := newMachine(t, nil)
	job, _ := seedAssignedJob(t, mem)

	otherWorker := domain.Actor{Kind: domain.ActorWorker, ID: 999}
	if _, err := m.Start(context.Background(), job.ID, otherWorker, nil, ""); derrors.KindOf(err) != derrors.KindForbidden {
		t.Fatalf("expected Forbidden for non-assigned worker, got %v", err)
	}

	assignedWorkerActor := domain.Actor{Kind: domain.ActorWorker, ID: *job.WorkerID}
	started, err := m.Start(context.Background(), job.ID, assignedWorkerActor, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusInProgress || started.ActualStartTime == nil {
		t.Fatalf("expected job in progress with actual_start_time set, got %+v", started)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, mem := newMachine(t, nil)
	job, _ := seedAssignedJob(t, mem)

	_, err := m.Transition(context.Background(), job.ID, domain.StatusCompleted, domain.System, nil, "", "")
	if derrors.KindOf(err) != derrors.KindInvalidTransition {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestConcurrentModificationDetected(t *testing.T) {
	m, mem := newMachine(t, nil)
	job, w := seedAssignedJob(t, mem)
	actor := domain.Actor{Kind: domain.ActorWorker, ID: w.ID}

	stale := int64(999)
	_, err := m.Transition(context.Background(), job.ID, domain.StatusInProgress, actor, &stale, "", "")
	if derrors.KindOf(err) != derrors.KindConcurrentModification {
		t.Fatalf("expected ConcurrentModification, got %v", err)
	}
}

func TestCompleteReleasesWorkerAndCreditsCashback(t *testing.T) {
	wallet := &fakeWallet{}
	m, mem := newMachine(t, wallet)
	job, worker := seedAssignedJob(t, mem)
	actor := domain.Actor{Kind: domain.ActorWorker, ID: worker.ID}

	started, err := m.Start(context.Background(), job.ID, actor, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	completed, err := m.Complete(context.Background(), started.ID, actor, nil, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.StatusCompleted || completed.ActualEndTime == nil {
		t.Fatalf("expected completed job with actual_end_time, got %+v", completed)
	}

	updatedWorker, err := mem.GetWorker(context.Background(), worker.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if updatedWorker.OperationalStatus != domain.OpCoolingDown {
		t.Fatalf("expected worker cooling_down, got %s", updatedWorker.OperationalStatus)
	}
	if updatedWorker.CompletedCount != 1 {
		t.Fatalf("expected completed count 1, got %d", updatedWorker.CompletedCount)
	}
	if len(wallet.credited) != 1 || !wallet.credited[0].Equal(decimal.NewFromFloat(5.00)) {
		t.Fatalf("expected 5.00 cashback credited once, got %+v", wallet.credited)
	}
}

func TestCompleteSurvivesWalletFailure(t *testing.T) {
	wallet := &fakeWallet{fail: true}
	m, mem := newMachine(t, wallet)
	job, worker := seedAssignedJob(t, mem)
	actor := domain.Actor{Kind: domain.ActorWorker, ID: worker.ID}

	started, err := m.Start(context.Background(), job.ID, actor, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	completed, err := m.Complete(context.Background(), started.ID, actor, nil, "")
	if err != nil {
		t.Fatalf("expected job completion to survive wallet failure, got error: %v", err)
	}
	if completed.Status != domain.StatusCompleted {
		t.Fatalf("expected completed status, got %s", completed.Status)
	}
}

func TestIdempotentCompleteAppliesOnce(t *testing.T) {
	m, mem := newMachine(t, nil)
	job, worker := seedAssignedJob(t, mem)
	actor := domain.Actor{Kind: domain.ActorWorker, ID: worker.ID}

	started, err := m.Start(context.Background(), job.ID, actor, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	first, err := m.Complete(context.Background(), started.ID, actor, nil, "complete-once")
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	second, err := m.Complete(context.Background(), started.ID, actor, nil, "complete-once")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !first.ActualEndTime.Equal(*second.ActualEndTime) {
		t.Fatalf("expected identical actual_end_time across idempotent calls, got %v vs %v", first.ActualEndTime, second.ActualEndTime)
	}

	updatedWorker, err := mem.GetWorker(context.Background(), worker.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if updatedWorker.CompletedCount != 1 {
		t.Fatalf("expected stats incremented exactly once, got %d", updatedWorker.CompletedCount)
	}
}

func TestPauseThenResumeWithinLimit(t *testing.T) {
	m, mem := newMachine(t, nil)
	job, worker := seedAssignedJob(t, mem)
	actor := domain.Actor{Kind: domain.ActorWorker, ID: worker.ID}

	started, err := m.Start(context.Background(), job.ID, actor, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	paused, err := m.Pause(context.Background(), started.ID, actor, "")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != domain.StatusPaused || paused.PausedAt == nil {
		t.Fatalf("expected paused job, got %+v", paused)
	}

	resumed, err := m.Resume(context.Background(), paused.ID, actor)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.StatusInProgress || resumed.ResumedAt == nil {
		t.Fatalf("expected resumed job, got %+v", resumed)
	}
}

func TestResumeRejectedAfterMaxPauseDuration(t *testing.T) {
	m, mem := newMachine(t, nil)
	job, worker := seedAssignedJob(t, mem)
	actor := domain.Actor{Kind: domain.ActorWorker, ID: worker.ID}

	started, err := m.Start(context.Background(), job.ID, actor, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	paused, err := m.Pause(context.Background(), started.ID, actor, "")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}

	longAgo := time.Now().Add(-45 * time.Minute)
	paused.PausedAt = &longAgo
	if err := mem.Update(context.Background(), paused, paused.Version); err != nil {
		t.Fatalf("backdate pause: %v", err)
	}

	if _, err := m.Resume(context.Background(), paused.ID, actor); derrors.KindOf(err) != derrors.KindBadRequest {
		t.Fatalf("expected BadRequest for over-long pause, got %v", err)
	}
}

func TestCancelReleasesAssignedWorker(t *testing.T) {
	m, mem := newMachine(t, nil)
	job, worker := seedAssignedJob(t, mem)

	cancelled, err := m.Cancel(context.Background(), job.ID, domain.Actor{Kind: domain.ActorAdmin, ID: 1}, "customer requested")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled job, got %+v", cancelled)
	}

	updatedWorker, err := mem.GetWorker(context.Background(), worker.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if updatedWorker.OperationalStatus != domain.OpAvailable {
		t.Fatalf("expected worker released to available, got %s", updatedWorker.OperationalStatus)
	}
}

func TestCancelledCanBeRefunded(t *testing.T) {
	m, mem := newMachine(t, nil)
	job, _ := seedAssignedJob(t, mem)

	cancelled, err := m.Cancel(context.Background(), job.ID, domain.System, "ops cancel")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	refunded, err := m.Transition(context.Background(), cancelled.ID, domain.StatusRefunded, domain.System, nil, "refund issued", "")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.PaymentStatus != domain.PaymentRefunded {
		t.Fatalf("expected payment status refunded, got %s", refunded.PaymentStatus)
	}
}

func TestAssignBumpsVersionOnce(t *testing.T) {
	m, mem := newMachine(t, nil)
	ctx := context.Background()
	w := &domain.Worker{RegionCode: domain.RegionDXB, AccountStatus: domain.AccountActive, OperationalStatus: domain.OpAvailable}
	if err := mem.CreateWorker(ctx, w); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	job := &domain.Job{Status: domain.StatusPendingAssignment, ScheduledDate: time.Now().Add(3 * time.Hour)}
	if err := mem.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	assigned, err := m.Assign(ctx, job.ID, w.ID, domain.Actor{Kind: domain.ActorAdmin, ID: 1})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Version != job.Version+1 {
		t.Fatalf("expected exactly one version bump, got %d -> %d", job.Version, assigned.Version)
	}
	if assigned.WorkerID == nil || *assigned.WorkerID != w.ID {
		t.Fatalf("expected worker assigned, got %+v", assigned.WorkerID)
	}
	if assigned.Status != domain.StatusAssigned {
		t.Fatalf("expected status ASSIGNED, got %s", assigned.Status)
	}
}

func TestMarkPaidMovesPendingToPendingAssignmentAndMarksPaid(t *testing.T) {
	m, mem := newMachine(t, nil)
	ctx := context.Background()
	job := &domain.Job{Status: domain.StatusPending, PaymentStatus: domain.PaymentPending, ScheduledDate: time.Now().Add(3 * time.Hour)}
	if err := mem.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	paid, err := m.MarkPaid(ctx, job.ID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != domain.StatusPendingAssignment {
		t.Fatalf("expected PENDING_ASSIGNMENT, got %s", paid.Status)
	}
	if paid.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("expected payment status PAID, got %s", paid.PaymentStatus)
	}
}

// TestConcurrentModificationRollsBackWorkerSideEffects proves the worker
// write a transition makes can't outlive a version conflict on the job
// update it's bundled with: a second attempt built from a stale job
// snapshot must leave the worker and history exactly as the winning
// attempt left them, not layer its own rejected side effect on top.
func TestConcurrentModificationRollsBackWorkerSideEffects(t *testing.T) {
	m, mem := newMachine(t, nil)
	ctx := context.Background()

	w := &domain.Worker{RegionCode: domain.RegionDXB, AccountStatus: domain.AccountActive, OperationalStatus: domain.OpBusy}
	if err := mem.CreateWorker(ctx, w); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	actualStart := time.Now().Add(-30 * time.Minute)
	job := &domain.Job{
		Status:          domain.StatusInProgress,
		WorkerID:        &w.ID,
		ScheduledDate:   time.Now().Add(-time.Hour),
		ActualStartTime: &actualStart,
	}
	if err := mem.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	staleJob := *job

	if _, err := m.Complete(ctx, job.ID, domain.System, nil, ""); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	completedWorker, err := mem.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if completedWorker.OperationalStatus != domain.OpCoolingDown || completedWorker.CompletedCount != 1 {
		t.Fatalf("expected worker cooling down with 1 completion, got %+v", completedWorker)
	}

	_, err = m.transitionLoaded(ctx, &staleJob, domain.StatusFailed, domain.System, nil, "stale attempt", "")
	if derrors.KindOf(err) != derrors.KindConcurrentModification {
		t.Fatalf("expected ConcurrentModification from the stale attempt, got %v", err)
	}

	afterWorker, err := mem.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get worker after rejected attempt: %v", err)
	}
	if afterWorker.OperationalStatus != domain.OpCoolingDown {
		t.Fatalf("expected worker to remain cooling down after rollback, got %s", afterWorker.OperationalStatus)
	}
	if afterWorker.FailedCount != 0 {
		t.Fatalf("expected failed_count to stay 0 after rollback, got %d", afterWorker.FailedCount)
	}

	history, err := mem.ListByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected only the winning completion's history row, got %d entries", len(history))
	}
}
