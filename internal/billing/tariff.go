// Package billing prices monthly usage against a block tariff.
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Block prices usage up to UpTo kWh. The last block of a tariff has no upper
// bound and leaves UpTo nil.
type Block struct {
	UpTo *decimal.Decimal
	Rate decimal.Decimal
}

// Tariff is a progressive block tariff with a flat monthly service charge
// that depends on whether usage stays within the lifeline threshold.
type Tariff struct {
	Blocks            []Block
	LifelineThreshold decimal.Decimal
	ServiceLifeline   decimal.Decimal
	ServiceStandard   decimal.Decimal
}

func bound(kwh int64) *decimal.Decimal {
	d := decimal.NewFromInt(kwh)
	return &d
}

// DefaultTariff is the domestic tariff the meter readings were billed under.
func DefaultTariff() Tariff {
	return Tariff{
		Blocks: []Block{
			{UpTo: bound(50), Rate: decimal.RequireFromString("0.2730")},
			{UpTo: bound(100), Rate: decimal.RequireFromString("0.7670")},
			{UpTo: bound(200), Rate: decimal.RequireFromString("1.6250")},
			{UpTo: bound(300), Rate: decimal.RequireFromString("2.0000")},
			{UpTo: bound(400), Rate: decimal.RequireFromString("2.2000")},
			{UpTo: bound(500), Rate: decimal.RequireFromString("2.4050")},
			{Rate: decimal.RequireFromString("2.4810")},
		},
		LifelineThreshold: decimal.NewFromInt(50),
		ServiceLifeline:   decimal.RequireFromString("10.00"),
		ServiceStandard:   decimal.RequireFromString("42.00"),
	}
}

func (t Tariff) Validate() error {
	if len(t.Blocks) == 0 {
		return fmt.Errorf("tariff has no blocks")
	}
	prev := decimal.Zero
	for i, b := range t.Blocks {
		if b.Rate.IsNegative() {
			return fmt.Errorf("block %d has a negative rate", i+1)
		}
		last := i == len(t.Blocks)-1
		switch {
		case b.UpTo == nil && !last:
			return fmt.Errorf("block %d is unbounded but is not the last block", i+1)
		case b.UpTo != nil && !b.UpTo.GreaterThan(prev):
			return fmt.Errorf("block %d upper bound %s does not exceed %s", i+1, b.UpTo, prev)
		}
		if b.UpTo != nil {
			prev = *b.UpTo
		}
	}
	if t.ServiceLifeline.IsNegative() || t.ServiceStandard.IsNegative() {
		return fmt.Errorf("service charges must not be negative")
	}
	return nil
}

// Estimate prices usage kWh: each block's rate applies to the part of usage
// that falls inside it, then the service charge is added. The result is
// rounded to two places. Usage beyond a bounded final block is charged at
// that block's rate.
func Estimate(usage decimal.Decimal, t Tariff) decimal.Decimal {
	if usage.IsNegative() {
		usage = decimal.Zero
	}

	energy := decimal.Zero
	lower := decimal.Zero
	for i, b := range t.Blocks {
		if !usage.GreaterThan(lower) {
			break
		}
		upper := usage
		if b.UpTo != nil && i < len(t.Blocks)-1 && b.UpTo.LessThan(usage) {
			upper = *b.UpTo
		}
		energy = energy.Add(upper.Sub(lower).Mul(b.Rate))
		lower = upper
	}

	service := t.ServiceStandard
	if usage.LessThanOrEqual(t.LifelineThreshold) {
		service = t.ServiceLifeline
	}
	return energy.Add(service).Round(2)
}

// EstimateFloat is Estimate for a model output.
func EstimateFloat(usage float64, t Tariff) decimal.Decimal {
	return Estimate(decimal.NewFromFloat(usage), t)
}
