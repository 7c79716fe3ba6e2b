package rules

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
)

// Rule is an automatic discount rule configured by an organization.
type Rule struct {
	ID                string
	Name              string
	Condition         Condition
	DiscountType      discount.Type
	Value             decimal.Decimal
	MaxDiscountAmount *decimal.Decimal
	Priority          int
	Stackable         bool
	StartsAt          time.Time
	ExpiresAt         *time.Time
	Active            bool
}

// ActiveAt reports whether the rule is enabled and within its validity window.
func (r Rule) ActiveAt(t time.Time) bool {
	if !r.Active || t.Before(r.StartsAt) {
		return false
	}
	return r.ExpiresAt == nil || t.Before(*r.ExpiresAt)
}

// Match is a rule whose condition held for the order.
type Match struct {
	Rule   Rule
	Amount decimal.Decimal
}

// Candidate converts the match into a composer candidate. Referral rules are
// tagged with the referral source.
func (m Match) Candidate() discount.Candidate {
	src := discount.SourceAutomaticRule
	if m.Rule.Condition != nil && m.Rule.Condition.Type() == TypeReferral {
		src = discount.SourceReferral
	}
	return discount.Candidate{
		Source:    src,
		SourceID:  m.Rule.ID,
		Label:     m.Rule.Name,
		Type:      m.Rule.DiscountType,
		Value:     m.Rule.Value,
		Amount:    m.Amount,
		Stackable: m.Rule.Stackable,
	}
}

// Evaluate returns the rules matching o. Rules are visited by priority
// descending, ties broken by ID. Stackable matches accumulate; the first
// non-stackable match ends evaluation and is returned alone.
func Evaluate(rules []Rule, o discount.Order) []Match {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var matches []Match
	for _, r := range sorted {
		if r.Condition == nil || !r.Condition.Matches(o) {
			continue
		}
		m := Match{
			Rule:   r,
			Amount: discount.Amount(r.DiscountType, r.Value, o.Amount, r.MaxDiscountAmount),
		}
		if !r.Stackable {
			return []Match{m}
		}
		matches = append(matches, m)
	}
	return matches
}

// Candidates converts matches into composer candidates.
func Candidates(matches []Match) []discount.Candidate {
	out := make([]discount.Candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Candidate())
	}
	return out
}
