package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleanco/dispatchcore/internal/domain"
	"github.com/cleanco/dispatchcore/internal/store"
)

// defaultJobDuration mirrors booked_hours' "Decimal(2.5)" fallback for a
// job whose service carries no base_duration_hours.
const defaultJobDuration = 2.5

// excludedFromUtilization mirrors BookingStatus.notin_([CANCELLED,
// REFUNDED, NO_SHOW]) in _calculate_region_utilization: these statuses
// don't consume a region's capacity for the day.
var excludedFromUtilization = map[domain.JobStatus]bool{
	domain.StatusCancelled: true,
	domain.StatusRefunded:  true,
	domain.StatusNoShow:    true,
}

// StoreSource adapts the job/worker stores into a pricing.UtilizationSource,
// grounded on PricingEngine._calculate_region_utilization: active worker
// count comes from WorkerStore, booked hours from summing EstimatedHours
// across same-day, same-region jobs that haven't been cancelled/refunded/
// no-showed.
type StoreSource struct {
	Workers store.WorkerStore
	Jobs    store.JobStore
}

func NewStoreSource(workers store.WorkerStore, jobs store.JobStore) *StoreSource {
	return &StoreSource{Workers: workers, Jobs: jobs}
}

func (s *StoreSource) ActiveWorkerCount(ctx context.Context, region domain.RegionCode) (int, error) {
	workers, err := s.Workers.ListActiveByRegion(ctx, region)
	if err != nil {
		return 0, err
	}
	return len(workers), nil
}

func (s *StoreSource) BookedHours(ctx context.Context, region domain.RegionCode, day time.Time) (decimal.Decimal, error) {
	statuses := []domain.JobStatus{
		domain.StatusPending, domain.StatusPendingAssignment, domain.StatusConfirmed,
		domain.StatusAssigned, domain.StatusInProgress, domain.StatusPaused,
		domain.StatusCompleted, domain.StatusFailed,
	}
	jobs, err := s.Jobs.ListByStatus(ctx, statuses...)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, j := range jobs {
		if excludedFromUtilization[j.Status] {
			continue
		}
		if j.RegionCode != region {
			continue
		}
		if !sameDay(j.ScheduledDate, day) {
			continue
		}
		hours := j.EstimatedHours
		if hours == 0 {
			hours = defaultJobDuration
		}
		total = total.Add(decimal.NewFromFloat(hours))
	}
	return total, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
