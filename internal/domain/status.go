package domain

// JobStatus is one of the closed set of lifecycle states from spec §4.1.
type JobStatus string

const (
	StatusPending            JobStatus = "PENDING"
	StatusPendingAssignment  JobStatus = "PENDING_ASSIGNMENT"
	StatusConfirmed          JobStatus = "CONFIRMED" // legacy alias of PENDING_ASSIGNMENT
	StatusAssigned           JobStatus = "ASSIGNED"
	StatusInProgress         JobStatus = "IN_PROGRESS"
	StatusPaused             JobStatus = "PAUSED"
	StatusCompleted          JobStatus = "COMPLETED"
	StatusCancelled          JobStatus = "CANCELLED"
	StatusFailed             JobStatus = "FAILED"
	StatusRefunded           JobStatus = "REFUNDED"
	StatusNoShow             JobStatus = "NO_SHOW"
)

// terminal reports whether a status has no outgoing transitions at all,
// i.e. excluding CANCELLED's lone CANCELLED->REFUNDED exception.
func (s JobStatus) terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusNoShow:
		return true
	default:
		return false
	}
}

// PaymentStatus tracks the payment side of a job, independent of lifecycle.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
	PaymentFailed  PaymentStatus = "FAILED"
)

// WorkerAccountStatus gates eligibility for allocation.
type WorkerAccountStatus string

const (
	AccountActive     WorkerAccountStatus = "active"
	AccountSuspended  WorkerAccountStatus = "suspended"
	AccountTerminated WorkerAccountStatus = "terminated"
)

// WorkerOperationalStatus tracks what a worker is doing right now.
type WorkerOperationalStatus string

const (
	OpAvailable   WorkerOperationalStatus = "available"
	OpBusy        WorkerOperationalStatus = "busy"
	OpCoolingDown WorkerOperationalStatus = "cooling_down"
	OpOffline     WorkerOperationalStatus = "offline"
)

// RegionCode is one of the seven closed regions from spec §6.
type RegionCode string

const (
	RegionDXB RegionCode = "DXB"
	RegionAUH RegionCode = "AUH"
	RegionSHJ RegionCode = "SHJ"
	RegionAJM RegionCode = "AJM"
	RegionRAK RegionCode = "RAK"
	RegionFUJ RegionCode = "FUJ"
	RegionUAQ RegionCode = "UAQ"
)
