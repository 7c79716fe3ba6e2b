// Package seasonal resolves time-boxed campaign discounts.
package seasonal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
)

// Campaign is a time-boxed discount. A recurring campaign repeats the
// [StartsAt, EndsAt) window every year from StartsAt on. A campaign paired
// with a promo code only applies when that code was validated.
type Campaign struct {
	ID                string
	Name              string
	StartsAt          time.Time
	EndsAt            time.Time
	Recurring         bool
	DiscountType      discount.Type
	Value             decimal.Decimal
	MaxDiscountAmount *decimal.Decimal
	PromoCodeID       string
	Priority          int
	Stackable         bool
	Active            bool
}

// ActiveAt reports whether t falls in the campaign window.
func (c Campaign) ActiveAt(t time.Time) bool {
	if !c.Active || !c.EndsAt.After(c.StartsAt) || t.Before(c.StartsAt) {
		return false
	}
	if !c.Recurring {
		return t.Before(c.EndsAt)
	}

	length := c.EndsAt.Sub(c.StartsAt)
	// Check this year's occurrence and last year's, which may run into the
	// current year.
	for _, year := range []int{t.Year(), t.Year() - 1} {
		start := c.occurrence(year)
		if !t.Before(start) && t.Before(start.Add(length)) {
			return true
		}
	}
	return false
}

func (c Campaign) occurrence(year int) time.Time {
	s := c.StartsAt
	return time.Date(year, s.Month(), s.Day(), s.Hour(), s.Minute(), s.Second(), s.Nanosecond(), s.Location())
}

// Resolve returns the best campaign discount for an order at asOf. Campaigns
// paired with a promo code apply only when promoCodeID matches. The highest
// priority wins, then the larger amount, then the lower ID.
func Resolve(campaigns []Campaign, asOf time.Time, promoCodeID string, orderAmount decimal.Decimal) *discount.Candidate {
	var (
		best     *discount.Candidate
		bestPrio int
	)
	for _, c := range campaigns {
		if !c.ActiveAt(asOf) {
			continue
		}
		if c.PromoCodeID != "" && c.PromoCodeID != promoCodeID {
			continue
		}
		amount := discount.Amount(c.DiscountType, c.Value, orderAmount, c.MaxDiscountAmount)
		if !amount.IsPositive() {
			continue
		}
		if best != nil {
			switch {
			case c.Priority < bestPrio:
				continue
			case c.Priority == bestPrio && amount.LessThan(best.Amount):
				continue
			case c.Priority == bestPrio && amount.Equal(best.Amount) && c.ID > best.SourceID:
				continue
			}
		}
		best = &discount.Candidate{
			Source:    discount.SourceSeasonal,
			SourceID:  c.ID,
			Label:     c.Name,
			Type:      c.DiscountType,
			Value:     c.Value,
			Amount:    amount,
			Stackable: c.Stackable,
		}
		bestPrio = c.Priority
	}
	return best
}
