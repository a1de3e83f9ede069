package allocation

import (
	"context"
	"time"

	"github.com/cleanco/dispatchcore/internal/store"
)

// JobQueuePositioner adapts store.JobStore into a QueuePositioner: a
// worker's queue position is derived from when it last completed a job
// (nil means never completed, i.e. front of the queue), grounded on
// allocation_engine.py's queue-position-by-last-completion ordering.
type JobQueuePositioner struct {
	Jobs store.JobStore
}

func NewJobQueuePositioner(jobs store.JobStore) *JobQueuePositioner {
	return &JobQueuePositioner{Jobs: jobs}
}

func (p *JobQueuePositioner) LastCompletionTime(ctx context.Context, workerID int64) (*time.Time, error) {
	job, err := p.Jobs.LastCompletedByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return job.ActualEndTime, nil
}
