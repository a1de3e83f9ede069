package booking

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
	"github.com/cleanco/dispatchcore/internal/pricing"
	"github.com/cleanco/dispatchcore/internal/store"
)

type fakeSource struct{}

func (fakeSource) ActiveWorkerCount(context.Context, domain.RegionCode) (int, error) { return 4, nil }
func (fakeSource) BookedHours(context.Context, domain.RegionCode, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func newService(t *testing.T) (*Service, *store.Memory, *eventbus.Bus) {
	t.Helper()
	mem := store.NewMemory()
	bus := eventbus.New(logr.Discard())
	engine := pricing.NewEngine(fakeSource{}, cache.NewMemory())
	svc := NewService(mem, mem, audit.NewMemoryWriter(), engine, bus)
	return svc, mem, bus
}

func validInput() CreateJobInput {
	return CreateJobInput{
		CustomerID:    1,
		ServiceID:     2,
		AddressID:     3,
		City:          "Dubai",
		ScheduledDate: time.Now().Add(48 * time.Hour),
		BaseSubtotal:  decimal.NewFromInt(200),
		PaymentMethod: "card",
	}
}

func TestCreatePersistsPendingJobWithComputedPrice(t *testing.T) {
	svc, mem, _ := newService(t)

	job, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", job.Status)
	}
	if job.PaymentStatus != domain.PaymentPending {
		t.Fatalf("expected payment PENDING, got %s", job.PaymentStatus)
	}
	if job.RegionCode != domain.RegionDXB {
		t.Fatalf("expected DXB region, got %s", job.RegionCode)
	}
	if job.Price.Total.IsZero() {
		t.Fatal("expected a non-zero computed total")
	}
	if job.BookingNumber == "" {
		t.Fatal("expected a generated booking number")
	}

	stored, err := mem.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.BookingNumber != job.BookingNumber {
		t.Fatal("expected the stored job to match the returned job")
	}
}

func TestCreatePublishesJobCreatedEvent(t *testing.T) {
	svc, _, bus := newService(t)

	received := make(chan map[string]any, 1)
	bus.Subscribe(domain.EventJobCreated, func(e domain.Event) error {
		received <- e.Payload
		return nil
	})

	if _, err := svc.Create(context.Background(), validInput()); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case payload := <-received:
		if payload["customer_id"] != int64(1) {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	default:
		t.Fatal("expected job.created to be published synchronously")
	}
}

func TestCreateRejectsPastScheduledDate(t *testing.T) {
	svc, _, _ := newService(t)
	in := validInput()
	in.ScheduledDate = time.Now().Add(-time.Hour)

	_, err := svc.Create(context.Background(), in)
	if derrors.KindOf(err) != derrors.KindBadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestCreateRejectsUnservedCity(t *testing.T) {
	svc, _, _ := newService(t)
	in := validInput()
	in.City = "Atlantis"

	_, err := svc.Create(context.Background(), in)
	if derrors.KindOf(err) != derrors.KindBadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestCreateRejectsInvalidPaymentMethod(t *testing.T) {
	svc, _, _ := newService(t)
	in := validInput()
	in.PaymentMethod = "bitcoin"

	_, err := svc.Create(context.Background(), in)
	if derrors.KindOf(err) != derrors.KindBadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestCreateRejectsZeroCustomerID(t *testing.T) {
	svc, _, _ := newService(t)
	in := validInput()
	in.CustomerID = 0

	_, err := svc.Create(context.Background(), in)
	if derrors.KindOf(err) != derrors.KindBadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}
