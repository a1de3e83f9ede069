package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingSnapshot freezes the demand/rush factors that produced a job's
// price at booking time, per spec §3.
type PricingSnapshot struct {
	DemandMultiplier decimal.Decimal
	RushPremium      decimal.Decimal
	Utilization      decimal.Decimal
	PricingTier      string
	RushTier         string
}

// PriceComponents holds the monetary breakdown of a job, all fixed at two
// decimal places, half-up rounded (spec §4.4).
type PriceComponents struct {
	Subtotal          decimal.Decimal
	SizeAdjustment    decimal.Decimal
	AddOns            decimal.Decimal
	Discount          decimal.Decimal
	AdjustedSubtotal  decimal.Decimal
	Tax               decimal.Decimal
	Total             decimal.Decimal
}

// Job is the central aggregate: one scheduled cleaning instance.
type Job struct {
	ID             int64
	BookingNumber  string
	CustomerID     int64
	WorkerID       *int64
	ServiceID      int64
	AddressID      int64
	City           string
	RegionCode     RegionCode

	ScheduledDate    time.Time
	EstimatedHours   float64
	Status           JobStatus
	Version          int64
	PaymentStatus    PaymentStatus

	Price   PriceComponents
	Pricing PricingSnapshot

	PaymentMethod string
	DiscountCode  string

	AssignedAt      *time.Time
	SLADeadline     *time.Time
	ActualStartTime *time.Time
	PausedAt        *time.Time
	ResumedAt       *time.Time
	ActualEndTime   *time.Time
	FailedAt        *time.Time
	CancelledAt     *time.Time
	CancelledByID   *int64

	CustomerNotes      string
	CleanerNotes       string
	FailureReason      string
	CancellationReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasWorker reports whether the job currently holds an assigned worker.
func (j *Job) HasWorker() bool {
	return j.WorkerID != nil
}

// StatusHistoryEntry is an append-only row recording one transition.
type StatusHistoryEntry struct {
	ID             int64
	JobID          int64
	PreviousStatus *JobStatus
	NewStatus      JobStatus
	Actor          Actor
	Reason         string
	Timestamp      time.Time
}

// AuditEntry captures a before/after snapshot of a mutation for the durable
// audit trail (spec §4.1's "audit entry capturing before/after snapshots").
type AuditEntry struct {
	ID             int64
	EntityType     string
	EntityID       int64
	Action         string
	Actor          Actor
	PreviousState  map[string]any
	NewState       map[string]any
	Reason         string
	IdempotencyKey string
	Timestamp      time.Time
}
