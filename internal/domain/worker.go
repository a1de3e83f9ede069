package domain

import "time"

// Worker is an employee eligible for job allocation.
type Worker struct {
	ID         int64
	EmployeeID string // CLN-{REGION}-{yymm}-{seq5}
	Phone      string
	FullName   string
	RegionCode RegionCode

	AccountStatus     WorkerAccountStatus
	OperationalStatus WorkerOperationalStatus

	Rating         float64 // 1 decimal, default 5.0
	CompletedCount int64
	FailedCount    int64

	CooldownExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available reports whether a worker may currently be allocated a job.
func (w *Worker) Available() bool {
	return w.AccountStatus == AccountActive && w.OperationalStatus == OpAvailable
}
