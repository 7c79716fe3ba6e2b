package discount

import (
	"github.com/shopspring/decimal"
)

// Candidates groups the output of every resolver for one order.
type Candidates struct {
	Promo     *Candidate
	Automatic []Candidate
	Loyalty   *Candidate
	Volume    *Candidate
	Seasonal  *Candidate
}

// Empty reports whether no resolver produced a candidate.
func (c Candidates) Empty() bool {
	return c.Promo == nil && len(c.Automatic) == 0 && c.Loyalty == nil && c.Volume == nil && c.Seasonal == nil
}

// WithoutPromo returns a copy of c with the promo candidate removed.
func (c Candidates) WithoutPromo() Candidates {
	c.Promo = nil
	return c
}

// ordered lists candidates in composition order: promo, automatic rules in
// engine order, loyalty, volume, seasonal.
func (c Candidates) ordered() []Candidate {
	out := make([]Candidate, 0, len(c.Automatic)+4)
	if c.Promo != nil {
		out = append(out, *c.Promo)
	}
	out = append(out, c.Automatic...)
	for _, p := range []*Candidate{c.Loyalty, c.Volume, c.Seasonal} {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Policy is the organization's stacking policy.
type Policy struct {
	// AllowStacking permits stackable candidates to combine with the primary.
	AllowStacking bool
	// MaxCombinedPercent bounds the combined discount percentage of stacked
	// sources. Zero disables the bound.
	MaxCombinedPercent decimal.Decimal
	// CapAmount, when set, bounds the total. Used to re-compose an approved
	// counter-offer.
	CapAmount *decimal.Decimal
}

// Skipped is a candidate the composer left out.
type Skipped struct {
	Candidate Candidate
	Reason    Kind
}

// Composed is the final policy-filtered discount for one order.
type Composed struct {
	OrderAmount decimal.Decimal
	Sources     []Candidate
	Skipped     []Skipped
	TotalAmount decimal.Decimal
	Percent     decimal.Decimal
}

// HasSource reports whether a source of type s made it into the result.
func (c Composed) HasSource(s Source) bool {
	for _, src := range c.Sources {
		if src.Source == s {
			return true
		}
	}
	return false
}

// SourceAmount returns the amount contributed by sources of type s.
func (c Composed) SourceAmount(s Source) decimal.Decimal {
	total := decimal.Zero
	for _, src := range c.Sources {
		if src.Source == s {
			total = total.Add(src.Amount)
		}
	}
	return total
}

// Compose merges candidates under policy p.
//
// The first candidate in composition order is the primary source. A promo
// code is always primary when present. Later candidates are added only when
// stacking is allowed, the candidate is stackable, the primary is a promo
// code or is itself stackable, and the running total stays within
// MaxCombinedPercent. Each amount was computed against the original
// subtotal; the total is the flat sum capped at orderAmount (and CapAmount).
func Compose(orderAmount decimal.Decimal, c Candidates, p Policy) Composed {
	out := Composed{
		OrderAmount: orderAmount,
		TotalAmount: decimal.Zero,
		Percent:     decimal.Zero,
	}

	var (
		primary *Candidate
		sum     = decimal.Zero
	)
	for _, cand := range c.ordered() {
		if !cand.Amount.IsPositive() {
			continue
		}
		if primary == nil {
			primary = &cand
			out.Sources = append(out.Sources, cand)
			sum = sum.Add(cand.Amount)
			continue
		}

		primaryStacks := primary.Source == SourcePromoCode || primary.Stackable
		if !p.AllowStacking || !cand.Stackable || !primaryStacks {
			out.Skipped = append(out.Skipped, Skipped{Candidate: cand, Reason: KindStackingPolicyViolation})
			continue
		}
		next := sum.Add(cand.Amount)
		if p.MaxCombinedPercent.IsPositive() && Percent(next, orderAmount).GreaterThan(p.MaxCombinedPercent) {
			out.Skipped = append(out.Skipped, Skipped{Candidate: cand, Reason: KindStackingPolicyViolation})
			continue
		}
		out.Sources = append(out.Sources, cand)
		sum = next
	}

	total := decimal.Min(sum, decimal.Max(orderAmount, decimal.Zero))
	if p.CapAmount != nil && total.GreaterThan(*p.CapAmount) {
		total = decimal.Max(*p.CapAmount, decimal.Zero)
	}
	out.Sources = trim(out.Sources, sum.Sub(total))
	out.TotalAmount = total.Round(2)
	out.Percent = Percent(out.TotalAmount, orderAmount)
	return out
}

// trim removes excess from sources, last added first, dropping sources
// reduced to zero.
func trim(sources []Candidate, excess decimal.Decimal) []Candidate {
	for i := len(sources) - 1; i >= 0 && excess.IsPositive(); i-- {
		cut := decimal.Min(sources[i].Amount, excess)
		sources[i].Amount = sources[i].Amount.Sub(cut)
		excess = excess.Sub(cut)
	}
	kept := sources[:0]
	for _, s := range sources {
		if s.Amount.IsPositive() {
			kept = append(kept, s)
		}
	}
	return kept
}
