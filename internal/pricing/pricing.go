// Package pricing implements the dynamic pricing helper from spec §4.4:
// utilization-tiered demand multipliers, booking-lead-time rush premiums,
// and fixed-precision decimal arithmetic rounded half-up to two places.
// Grounded on pricing_engine.py's PricingEngine.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleanco/dispatchcore/internal/cache"
	"github.com/cleanco/dispatchcore/internal/domain"
)

// WorkingHoursPerWorker mirrors WORKING_HOURS_PER_CLEANER: the assumed
// daily capacity of one active worker, used to derive region utilization.
const WorkingHoursPerWorker = 8

var taxRate = decimal.NewFromFloat(0.05)

type utilizationTier struct {
	maxThreshold decimal.Decimal
	multiplier   decimal.Decimal
	name         string
}

var utilizationTiers = []utilizationTier{
	{decimal.NewFromFloat(0.50), decimal.NewFromFloat(1.00), "standard"},
	{decimal.NewFromFloat(0.70), decimal.NewFromFloat(1.02), "moderate"},
	{decimal.NewFromFloat(0.85), decimal.NewFromFloat(1.05), "high"},
	{decimal.NewFromFloat(1.00), decimal.NewFromFloat(1.10), "peak"},
}

var rushPremiums = map[int]decimal.Decimal{
	0: decimal.NewFromFloat(1.25),
	1: decimal.NewFromFloat(1.15),
	2: decimal.NewFromFloat(1.05),
	3: decimal.NewFromFloat(1.05),
}

var defaultRushPremium = decimal.NewFromFloat(1.00)

// UtilizationSource supplies the raw inputs for region utilization: how
// many workers are eligible to take jobs in the region, and how many
// booked hours already exist on the scheduled date. Implemented against
// store.WorkerStore/JobStore by StoreSource (source.go).
type UtilizationSource interface {
	ActiveWorkerCount(ctx context.Context, region domain.RegionCode) (int, error)
	BookedHours(ctx context.Context, region domain.RegionCode, day time.Time) (decimal.Decimal, error)
}

// Engine computes dynamic pricing, caching utilization lookups.
type Engine struct {
	source UtilizationSource
	cache  cache.Cache
	now    func() time.Time
}

func NewEngine(source UtilizationSource, c cache.Cache) *Engine {
	return &Engine{source: source, cache: c, now: time.Now}
}

// DynamicPricing is the intermediate multiplier breakdown, mirroring
// calculate_dynamic_price's return dict.
type DynamicPricing struct {
	DemandMultiplier      decimal.Decimal
	RushPremium           decimal.Decimal
	FinalMultiplier       decimal.Decimal
	AdjustedSubtotal      decimal.Decimal
	UtilizationPercentage float64
	DaysUntilBooking      int
	PricingTier           string
	RushTier              string
}

// CalculateDynamicPrice applies the demand and rush multipliers to
// baseSubtotal for a job scheduled in region on scheduledDate.
func (e *Engine) CalculateDynamicPrice(ctx context.Context, baseSubtotal decimal.Decimal, region domain.RegionCode, scheduledDate time.Time) (DynamicPricing, error) {
	demand, utilization, tier, err := e.demandMultiplier(ctx, region, scheduledDate)
	if err != nil {
		return DynamicPricing{}, err
	}
	rush, daysAhead, rushTier := rushPremium(e.now(), scheduledDate)

	final := demand.Mul(rush)
	adjusted := baseSubtotal.Mul(final).Round(2)

	utilFloat, _ := utilization.Mul(decimal.NewFromInt(100)).Float64()

	return DynamicPricing{
		DemandMultiplier:      demand,
		RushPremium:           rush,
		FinalMultiplier:       final,
		AdjustedSubtotal:      adjusted,
		UtilizationPercentage: utilFloat,
		DaysUntilBooking:      daysAhead,
		PricingTier:           tier,
		RushTier:              rushTier,
	}, nil
}

func (e *Engine) demandMultiplier(ctx context.Context, region domain.RegionCode, scheduledDate time.Time) (decimal.Decimal, decimal.Decimal, string, error) {
	key := fmt.Sprintf(cache.KeyUtilization, region, scheduledDate.Format("2006-01-02"))

	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		if u, perr := decimal.NewFromString(cached); perr == nil {
			mult, tier := tierFor(u)
			return mult, u, tier, nil
		}
	}

	utilization, err := e.regionUtilization(ctx, region, scheduledDate)
	if err != nil {
		return decimal.Zero, decimal.Zero, "", err
	}

	_ = e.cache.Set(ctx, key, utilization.String(), cache.TTLUtilization)

	mult, tier := tierFor(utilization)
	return mult, utilization, tier, nil
}

func tierFor(utilization decimal.Decimal) (decimal.Decimal, string) {
	for _, t := range utilizationTiers {
		if utilization.LessThanOrEqual(t.maxThreshold) {
			return t.multiplier, t.name
		}
	}
	return decimal.NewFromFloat(1.10), "peak"
}

func (e *Engine) regionUtilization(ctx context.Context, region domain.RegionCode, scheduledDate time.Time) (decimal.Decimal, error) {
	activeWorkers, err := e.source.ActiveWorkerCount(ctx, region)
	if err != nil {
		return decimal.Zero, err
	}
	if activeWorkers == 0 {
		return decimal.NewFromInt(1), nil
	}

	availableHours := decimal.NewFromInt(int64(activeWorkers * WorkingHoursPerWorker))
	bookedHours, err := e.source.BookedHours(ctx, region, scheduledDate)
	if err != nil {
		return decimal.Zero, err
	}

	utilization := bookedHours.Div(availableHours)
	if utilization.GreaterThan(decimal.NewFromInt(1)) {
		utilization = decimal.NewFromInt(1)
	}
	return utilization, nil
}

// UpdateUtilizationCache forces a fresh utilization computation into the
// cache for (region, day), for callers to invoke after a booking is
// created or cancelled so subsequent pricing reflects the change.
func (e *Engine) UpdateUtilizationCache(ctx context.Context, region domain.RegionCode, day time.Time) (decimal.Decimal, error) {
	utilization, err := e.regionUtilization(ctx, region, day)
	if err != nil {
		return decimal.Zero, err
	}
	key := fmt.Sprintf(cache.KeyUtilization, region, day.Format("2006-01-02"))
	if err := e.cache.Set(ctx, key, utilization.String(), cache.TTLUtilization); err != nil {
		return decimal.Zero, err
	}
	return utilization, nil
}

func rushPremium(now, scheduledDate time.Time) (decimal.Decimal, int, string) {
	daysAhead := int(scheduledDate.Truncate(24 * time.Hour).Sub(now.Truncate(24*time.Hour)).Hours() / 24)
	if daysAhead < 0 {
		daysAhead = 0
	}

	premium, ok := rushPremiums[daysAhead]
	if !ok {
		premium = defaultRushPremium
	}

	var tier string
	switch {
	case daysAhead == 0:
		tier = "same_day"
	case daysAhead == 1:
		tier = "next_day"
	case daysAhead <= 3:
		tier = "short_notice"
	default:
		tier = "standard"
	}
	return premium, daysAhead, tier
}

// Compute builds the full PriceComponents/PricingSnapshot pair for a job
// given its raw subtotal inputs, the §4.4 formula:
// adjusted_subtotal = subtotal * demand * rush; tax = (adjusted_subtotal -
// discount) * 0.05; total = adjusted_subtotal - discount + tax.
func (e *Engine) Compute(ctx context.Context, base, sizeAdjustment, addOns, discount decimal.Decimal, region domain.RegionCode, scheduledDate time.Time) (domain.PriceComponents, domain.PricingSnapshot, error) {
	subtotal := base.Add(sizeAdjustment).Add(addOns)

	dyn, err := e.CalculateDynamicPrice(ctx, subtotal, region, scheduledDate)
	if err != nil {
		return domain.PriceComponents{}, domain.PricingSnapshot{}, err
	}

	adjustedSubtotal := dyn.AdjustedSubtotal
	taxable := adjustedSubtotal.Sub(discount)
	tax := taxable.Mul(taxRate).Round(2)
	total := taxable.Add(tax).Round(2)

	price := domain.PriceComponents{
		Subtotal:         subtotal.Round(2),
		SizeAdjustment:   sizeAdjustment.Round(2),
		AddOns:           addOns.Round(2),
		Discount:         discount.Round(2),
		AdjustedSubtotal: adjustedSubtotal,
		Tax:              tax,
		Total:            total,
	}
	snapshot := domain.PricingSnapshot{
		DemandMultiplier: dyn.DemandMultiplier,
		RushPremium:      dyn.RushPremium,
		Utilization:      decimal.NewFromFloat(dyn.UtilizationPercentage / 100),
		PricingTier:      dyn.PricingTier,
		RushTier:         dyn.RushTier,
	}
	return price, snapshot, nil
}
