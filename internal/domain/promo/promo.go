// Package promo validates a submitted promo code against a catalog snapshot
// and the usage ledger.
package promo

import (
	"context"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/ledger"
)

// UsageReader reads live redemption counters.
type UsageReader interface {
	Usage(ctx context.Context, codeID, customerID string) (ledger.Usage, error)
}

// Input is one code submission.
type Input struct {
	Code          string
	CustomerID    string
	CustomerEmail string
	CustomerTier  string
	OrderAmount   decimal.Decimal
	Services      []string
}

// Result is the outcome of a validation. A failed validation has Valid
// false and a Kind; it is not an error.
type Result struct {
	Valid  bool
	Kind   discount.Kind
	Code   catalog.Code
	Amount decimal.Decimal
}

// Candidate returns the composer candidate of a valid result.
func (r Result) Candidate() *discount.Candidate {
	if !r.Valid {
		return nil
	}
	return &discount.Candidate{
		Source:    discount.SourcePromoCode,
		SourceID:  r.Code.ID,
		Label:     r.Code.Code,
		Type:      r.Code.DiscountType,
		Value:     r.Code.Value,
		Amount:    r.Amount,
		Stackable: true,
	}
}

// Limits returns the ledger limits of the validated code.
func (r Result) Limits() ledger.Limits {
	return ledger.Limits{MaxTotal: r.Code.MaxUsesTotal, MaxPerCustomer: r.Code.MaxUsesPerCustomer}
}

func denied(k discount.Kind, c catalog.Code) Result {
	return Result{Kind: k, Code: c, Amount: decimal.Zero}
}

// Validator checks codes. Usage is read from the ledger, never from the
// catalog counters.
type Validator struct {
	usage UsageReader
}

// NewValidator returns a Validator reading usage from u.
func NewValidator(u UsageReader) *Validator {
	return &Validator{usage: u}
}

// Validate runs the checks in order and stops at the first failure: code
// exists and is active, total usage, per-customer usage, minimum order,
// then customer, service and tier restrictions.
func (v *Validator) Validate(ctx context.Context, cat *catalog.Catalog, in Input) (Result, error) {
	code, state := cat.LookupCode(in.Code)
	switch state {
	case catalog.CodeMissing:
		return denied(discount.KindCodeNotFound, code), nil
	case catalog.CodeInactive:
		return denied(discount.KindCodeExpired, code), nil
	}

	if code.MaxUsesTotal != nil || (code.MaxUsesPerCustomer != nil && in.CustomerID != "") {
		u, err := v.usage.Usage(ctx, code.ID, in.CustomerID)
		if err != nil {
			return Result{}, errors.Wrap(err, "read usage")
		}
		if code.MaxUsesTotal != nil && u.Committed >= *code.MaxUsesTotal {
			return denied(discount.KindUsageLimitExceeded, code), nil
		}
		if code.MaxUsesPerCustomer != nil && in.CustomerID != "" && u.CustomerCommitted >= *code.MaxUsesPerCustomer {
			return denied(discount.KindCustomerLimitExceeded, code), nil
		}
	}

	if in.OrderAmount.LessThan(code.MinOrderAmount) {
		return denied(discount.KindMinimumOrderNotMet, code), nil
	}
	if !restrictionsMet(code, in) {
		return denied(discount.KindRestrictionNotMet, code), nil
	}

	return Result{
		Valid:  true,
		Code:   code,
		Amount: discount.Amount(code.DiscountType, code.Value, in.OrderAmount, code.MaxDiscountAmount),
	}, nil
}

func restrictionsMet(c catalog.Code, in Input) bool {
	if len(c.Customers) > 0 && !slices.ContainsFunc(c.Customers, func(s string) bool {
		return s == in.CustomerID || (in.CustomerEmail != "" && strings.EqualFold(s, in.CustomerEmail))
	}) {
		return false
	}
	if len(c.Services) > 0 && !slices.ContainsFunc(c.Services, func(s string) bool {
		return slices.Contains(in.Services, s)
	}) {
		return false
	}
	if len(c.Tiers) > 0 && !slices.ContainsFunc(c.Tiers, func(s string) bool {
		return strings.EqualFold(s, in.CustomerTier)
	}) {
		return false
	}
	return true
}
