// Package discount holds the value types shared by every discount resolver
// and the composer that merges their candidates into one order discount.
package discount

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates how a discount value is interpreted.
type Type string

const (
	// TypePercent applies Value percent of the order subtotal.
	TypePercent Type = "percent"
	// TypeFixed subtracts Value, capped at the order subtotal.
	TypeFixed Type = "fixed"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	return t == TypePercent || t == TypeFixed
}

// Source tags where an applied discount originated.
type Source string

const (
	SourceManual        Source = "manual"
	SourcePromoCode     Source = "promo_code"
	SourceAutomaticRule Source = "automatic_rule"
	SourceLoyalty       Source = "loyalty"
	SourceVolume        Source = "volume"
	SourceSeasonal      Source = "seasonal"
	SourceReferral      Source = "referral"
)

// Kind classifies why a discount was denied or skipped. Kinds are returned
// as data, callers branch on them.
type Kind string

const (
	KindCodeNotFound            Kind = "CODE_NOT_FOUND"
	KindCodeExpired             Kind = "CODE_EXPIRED"
	KindUsageLimitExceeded      Kind = "USAGE_LIMIT_EXCEEDED"
	KindCustomerLimitExceeded   Kind = "CUSTOMER_LIMIT_EXCEEDED"
	KindMinimumOrderNotMet      Kind = "MINIMUM_ORDER_NOT_MET"
	KindRestrictionNotMet       Kind = "RESTRICTION_NOT_MET"
	KindStackingPolicyViolation Kind = "STACKING_POLICY_VIOLATION"
	KindConcurrentUsageConflict Kind = "CONCURRENT_USAGE_CONFLICT"
)

var hundred = decimal.NewFromInt(100)

// Amount computes the discount produced by a value of type t against
// subtotal. Percent discounts are capped by maxAmount when it is set. The
// result is rounded to cents, never negative and never above subtotal.
func Amount(t Type, value, subtotal decimal.Decimal, maxAmount *decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() || !value.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch t {
	case TypePercent:
		amount = subtotal.Mul(value).Div(hundred)
		if maxAmount != nil && amount.GreaterThan(*maxAmount) {
			amount = *maxAmount
		}
	case TypeFixed:
		amount = value
	default:
		return decimal.Zero
	}

	amount = decimal.Min(amount, subtotal)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount.Round(2)
}

// Percent returns amount as a percentage of subtotal, rounded to two places.
func Percent(amount, subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(hundred).Div(subtotal).Round(2)
}

// Candidate is one resolver's proposed discount, computed independently
// against the original order subtotal.
type Candidate struct {
	Source    Source
	SourceID  string
	Label     string
	Type      Type
	Value     decimal.Decimal
	Amount    decimal.Decimal
	Stackable bool
}

// Applied is an immutable record of a discount applied to an order.
type Applied struct {
	ID                string
	OrgID             string
	OrderID           string
	Source            Source
	SourceID          string
	Label             string
	Type              Type
	Value             decimal.Decimal
	Amount            decimal.Decimal
	ApprovalRequestID string
	CreatedAt         time.Time
}
