// Package volume maps an order measurement to a tiered discount.
package volume

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
)

// Measurement is what a tier band is keyed by.
type Measurement string

const (
	MeasureAmount   Measurement = "amount"
	MeasureQuantity Measurement = "quantity"
	MeasureSqft     Measurement = "sqft"
)

// measurements lists measurement types in resolution order.
var measurements = []Measurement{MeasureAmount, MeasureQuantity, MeasureSqft}

// Valid reports whether m is a known measurement.
func (m Measurement) Valid() bool {
	return slices.Contains(measurements, m)
}

// Tier is one band [Min, Max) of a measurement. A nil Max is unbounded.
// Exactly one of DiscountPercent and DiscountFixed is set.
type Tier struct {
	ID              string
	Name            string
	Measurement     Measurement
	Min             decimal.Decimal
	Max             *decimal.Decimal
	DiscountPercent *decimal.Decimal
	DiscountFixed   *decimal.Decimal
	Priority        int
	Stackable       bool
}

// Contains reports whether v falls in the band.
func (t Tier) Contains(v decimal.Decimal) bool {
	if v.LessThan(t.Min) {
		return false
	}
	return t.Max == nil || v.LessThan(*t.Max)
}

// Discount returns the band's discount type and value.
func (t Tier) Discount() (discount.Type, decimal.Decimal) {
	if t.DiscountPercent != nil {
		return discount.TypePercent, *t.DiscountPercent
	}
	if t.DiscountFixed != nil {
		return discount.TypeFixed, *t.DiscountFixed
	}
	return discount.TypeFixed, decimal.Zero
}

// ErrInvalidTiers wraps every tier configuration error.
var ErrInvalidTiers = errors.New("invalid volume tiers")

// BandError describes a gap or overlap between two adjacent bands.
type BandError struct {
	Measurement Measurement
	Priority    int
	Left        string
	Right       string
	Overlap     bool
}

func (e *BandError) Error() string {
	kind := "gap"
	if e.Overlap {
		kind = "overlap"
	}
	return fmt.Sprintf("%s between tiers %s and %s (%s, priority %d)", kind, e.Left, e.Right, e.Measurement, e.Priority)
}

func (e *BandError) Unwrap() error {
	return ErrInvalidTiers
}

// Validate checks that, per measurement and priority, bands are well formed
// and partition their range without gaps or overlaps.
func Validate(tiers []Tier) error {
	type key struct {
		m Measurement
		p int
	}
	groups := make(map[key][]Tier)
	for _, t := range tiers {
		if !t.Measurement.Valid() {
			return errors.Wrapf(ErrInvalidTiers, "tier %s: unknown measurement %q", t.ID, t.Measurement)
		}
		if t.Min.IsNegative() {
			return errors.Wrapf(ErrInvalidTiers, "tier %s: negative min", t.ID)
		}
		if t.Max != nil && !t.Max.GreaterThan(t.Min) {
			return errors.Wrapf(ErrInvalidTiers, "tier %s: max must exceed min", t.ID)
		}
		if (t.DiscountPercent == nil) == (t.DiscountFixed == nil) {
			return errors.Wrapf(ErrInvalidTiers, "tier %s: exactly one of percent or fixed discount is required", t.ID)
		}
		if _, v := t.Discount(); v.IsNegative() {
			return errors.Wrapf(ErrInvalidTiers, "tier %s: negative discount", t.ID)
		}
		if t.DiscountPercent != nil && t.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
			return errors.Wrapf(ErrInvalidTiers, "tier %s: percent above 100", t.ID)
		}
		k := key{t.Measurement, t.Priority}
		groups[k] = append(groups[k], t)
	}

	for k, group := range groups {
		slices.SortFunc(group, func(a, b Tier) int { return a.Min.Cmp(b.Min) })
		for i := 1; i < len(group); i++ {
			prev, cur := group[i-1], group[i]
			if prev.Max == nil || prev.Max.GreaterThan(cur.Min) {
				return &BandError{Measurement: k.m, Priority: k.p, Left: prev.ID, Right: cur.ID, Overlap: true}
			}
			if prev.Max.LessThan(cur.Min) {
				return &BandError{Measurement: k.m, Priority: k.p, Left: prev.ID, Right: cur.ID}
			}
		}
	}
	return nil
}

// ResolveTier finds the band containing value. When bands of different
// priorities both contain it, the higher priority wins; remaining ties go to
// the lowest Min then ID.
func ResolveTier(tiers []Tier, value decimal.Decimal) (Tier, bool) {
	var (
		best  Tier
		found bool
	)
	for _, t := range tiers {
		if !t.Contains(value) {
			continue
		}
		if !found || better(t, best) {
			best, found = t, true
		}
	}
	return best, found
}

func better(a, b Tier) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if c := a.Min.Cmp(b.Min); c != 0 {
		return c < 0
	}
	return cmp.Less(a.ID, b.ID)
}

// Value extracts the measurement m from the order.
func Value(m Measurement, o discount.Order) decimal.Decimal {
	switch m {
	case MeasureAmount:
		return o.Amount
	case MeasureQuantity:
		return decimal.NewFromInt(int64(o.TotalQuantity()))
	case MeasureSqft:
		return o.SquareFootage
	default:
		return decimal.Zero
	}
}

// Best resolves each measurement and returns the candidate of the highest
// priority match, preferring the larger amount and then measurement order.
func Best(tiers []Tier, o discount.Order) *discount.Candidate {
	var (
		best     *discount.Candidate
		bestPrio int
	)
	for _, m := range measurements {
		var group []Tier
		for _, t := range tiers {
			if t.Measurement == m {
				group = append(group, t)
			}
		}
		tier, ok := ResolveTier(group, Value(m, o))
		if !ok {
			continue
		}
		typ, value := tier.Discount()
		amount := discount.Amount(typ, value, o.Amount, nil)
		if !amount.IsPositive() {
			continue
		}
		if best != nil {
			if tier.Priority < bestPrio || (tier.Priority == bestPrio && !amount.GreaterThan(best.Amount)) {
				continue
			}
		}
		best = &discount.Candidate{
			Source:    discount.SourceVolume,
			SourceID:  tier.ID,
			Label:     tier.Name,
			Type:      typ,
			Value:     value,
			Amount:    amount,
			Stackable: tier.Stackable,
		}
		bestPrio = tier.Priority
	}
	return best
}
