// Package booking implements createJob, the one entry point on spec §6's
// callable surface that originates a Job rather than transitioning one.
// Input validation happens here, at the system boundary, per §7's "validate
// only at system boundaries" norm — everything downstream (pricing,
// jobstate, allocation) trusts the Job it's handed.
package booking

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/cleanco/dispatchcore/internal/audit"
	"github.com/cleanco/dispatchcore/internal/domain"
	derrors "github.com/cleanco/dispatchcore/internal/errors"
	"github.com/cleanco/dispatchcore/internal/eventbus"
	"github.com/cleanco/dispatchcore/internal/idgen"
	"github.com/cleanco/dispatchcore/internal/pricing"
	"github.com/cleanco/dispatchcore/internal/region"
	"github.com/cleanco/dispatchcore/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateJobInput is the unvalidated request shape for createJob
// (service/address/scheduled-time/payment method), per spec §6. Fields a
// caller can get wrong are tagged for go-playground/validator; anything
// that requires a lookup against stored data (region adjacency, worker
// availability) is checked in Create itself, not by struct tags.
type CreateJobInput struct {
	CustomerID int64 `validate:"required,gt=0"`
	ServiceID  int64 `validate:"required,gt=0"`
	AddressID  int64 `validate:"required,gt=0"`
	City       string `validate:"required"`

	ScheduledDate time.Time `validate:"required"`

	BaseSubtotal   decimal.Decimal `validate:"required"`
	SizeAdjustment decimal.Decimal
	AddOns         decimal.Decimal
	Discount       decimal.Decimal
	DiscountCode   string

	PaymentMethod string `validate:"required,oneof=card cash wallet"`

	CustomerNotes string `validate:"max=2000"`
}

// Service wires createJob to its collaborators: the job store (to
// persist), the pricing engine (to price at booking time), the status
// history and audit writers (to record the creation), and the event bus
// (to publish job.created for downstream subscribers like realtime
// stats).
type Service struct {
	Jobs    store.JobStore
	History store.StatusHistoryStore
	Audit   audit.Writer
	Pricing *pricing.Engine
	Bus     *eventbus.Bus
	now     func() time.Time
}

func NewService(jobs store.JobStore, history store.StatusHistoryStore, auditWriter audit.Writer, pricingEngine *pricing.Engine, bus *eventbus.Bus) *Service {
	return &Service{Jobs: jobs, History: history, Audit: auditWriter, Pricing: pricingEngine, Bus: bus, now: time.Now}
}

// Create validates in, prices it, and persists a new Job in PENDING with
// payment status PENDING — the entry point of the booking lifecycle that
// every other jobstate transition builds on.
func (s *Service) Create(ctx context.Context, in CreateJobInput) (*domain.Job, error) {
	if err := validate.Struct(in); err != nil {
		return nil, derrors.BadRequest("invalid createJob input: %v", err)
	}

	now := s.now()
	if !in.ScheduledDate.After(now) {
		return nil, derrors.BadRequest("scheduled_date must be in the future")
	}

	regionCode, ok := region.FromCity(in.City)
	if !ok {
		return nil, derrors.BadRequest("city %q is not in a served region", in.City)
	}

	bookingNumber, err := idgen.BookingNumber(now)
	if err != nil {
		return nil, err
	}

	price, snapshot, err := s.Pricing.Compute(ctx, in.BaseSubtotal, in.SizeAdjustment, in.AddOns, in.Discount, regionCode, in.ScheduledDate)
	if err != nil {
		return nil, derrors.Wrap(err, "computing price")
	}

	job := &domain.Job{
		BookingNumber:  bookingNumber,
		CustomerID:     in.CustomerID,
		ServiceID:      in.ServiceID,
		AddressID:      in.AddressID,
		City:           in.City,
		RegionCode:     regionCode,
		ScheduledDate:  in.ScheduledDate,
		Status:         domain.StatusPending,
		PaymentStatus:  domain.PaymentPending,
		Price:          price,
		Pricing:        snapshot,
		PaymentMethod:  in.PaymentMethod,
		DiscountCode:   in.DiscountCode,
		CustomerNotes:  in.CustomerNotes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.Jobs.Create(ctx, job); err != nil {
		return nil, derrors.Wrap(err, "creating job")
	}

	entry := domain.StatusHistoryEntry{
		JobID:     job.ID,
		NewStatus: domain.StatusPending,
		Actor:     domain.Actor{Kind: domain.ActorCustomer, ID: in.CustomerID},
		Timestamp: now,
	}
	if err := s.History.Append(ctx, entry); err != nil {
		return nil, derrors.Wrap(err, "appending status history")
	}

	if s.Audit != nil {
		_ = s.Audit.Write(ctx, domain.AuditEntry{
			EntityType: "booking",
			EntityID:   job.ID,
			Action:     "created",
			Actor:      entry.Actor,
			NewState:   map[string]any{"status": string(job.Status), "total": job.Price.Total.String()},
			Timestamp:  now,
		})
	}

	if s.Bus != nil {
		s.Bus.Publish(domain.EventJobCreated, map[string]any{
			"job_id":         job.ID,
			"booking_number": job.BookingNumber,
			"customer_id":    job.CustomerID,
			"region":         string(job.RegionCode),
			"total":          job.Price.Total.String(),
		})
	}

	return job, nil
}
