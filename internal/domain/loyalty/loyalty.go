// Package loyalty resolves customer point balances to program tiers and
// defines the append-only points ledger.
package loyalty

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
)

var (
	// ErrAccountNotFound is returned when a customer has no loyalty account.
	ErrAccountNotFound = errors.New("loyalty account not found")
	// ErrInsufficientPoints is returned when a debit would make the balance negative.
	ErrInsufficientPoints = errors.New("insufficient loyalty points")
	// ErrZeroDelta is returned for a transaction that moves no points.
	ErrZeroDelta = errors.New("loyalty transaction delta must not be zero")
)

// Tier is a loyalty band reached at MinPoints.
type Tier struct {
	Name            string
	MinPoints       int64
	DiscountPercent decimal.Decimal
	Perks           []string
}

// Program is an organization's loyalty program.
type Program struct {
	ID        string
	Name      string
	Tiers     []Tier
	Stackable bool
	Active    bool
}

// ResolveTier returns the tier with the greatest MinPoints not above points.
// When no tier qualifies the lowest tier is returned; a program without
// tiers yields the zero Tier.
func ResolveTier(p Program, points int64) Tier {
	if len(p.Tiers) == 0 {
		return Tier{DiscountPercent: decimal.Zero}
	}

	tiers := slices.Clone(p.Tiers)
	slices.SortStableFunc(tiers, func(a, b Tier) int {
		return cmp.Compare(a.MinPoints, b.MinPoints)
	})

	resolved := tiers[0]
	for _, t := range tiers {
		if t.MinPoints <= points {
			resolved = t
		}
	}
	return resolved
}

// Candidate returns the loyalty discount for a customer with points on an
// order of orderAmount, or nil when the resolved tier grants nothing.
func Candidate(p Program, points int64, orderAmount decimal.Decimal) *discount.Candidate {
	tier := ResolveTier(p, points)
	amount := discount.Amount(discount.TypePercent, tier.DiscountPercent, orderAmount, nil)
	if !amount.IsPositive() {
		return nil
	}
	return &discount.Candidate{
		Source:    discount.SourceLoyalty,
		SourceID:  p.ID,
		Label:     p.Name + " " + tier.Name,
		Type:      discount.TypePercent,
		Value:     tier.DiscountPercent,
		Amount:    amount,
		Stackable: p.Stackable,
	}
}

// Account is a customer's running balance.
type Account struct {
	OrgID          string
	CustomerID     string
	CurrentPoints  int64
	LifetimePoints int64
	UpdatedAt      time.Time
}

// Transaction is an immutable signed point movement.
type Transaction struct {
	ID         string
	OrgID      string
	CustomerID string
	// Seq orders the account's transactions. It is assigned while the
	// balance is locked, so it follows the order balances were applied in.
	Seq          int64
	Delta        int64
	BalanceAfter int64
	Reason       string
	OrderID      string
	CreatedAt    time.Time
}

// Ledger is the append-only points ledger. Append applies the delta with an
// atomic conditional update and refuses to take the balance below zero.
type Ledger interface {
	Account(ctx context.Context, orgID, customerID string) (*Account, error)
	Append(ctx context.Context, tx Transaction) (*Transaction, error)
	Transactions(ctx context.Context, orgID, customerID string) ([]Transaction, error)
}

// Reconciliation compares an account balance with its transaction history.
type Reconciliation struct {
	Balance    int64
	Sum        int64
	Consistent bool
}

// Reconcile checks that the deltas of txs add up to the account balance and
// that every BalanceAfter snapshot matches the running sum taken in Seq order.
func Reconcile(acc Account, txs []Transaction) Reconciliation {
	sorted := slices.Clone(txs)
	slices.SortStableFunc(sorted, func(a, b Transaction) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	var sum int64
	consistent := true
	for _, tx := range sorted {
		sum += tx.Delta
		if tx.BalanceAfter != sum || sum < 0 {
			consistent = false
		}
	}
	return Reconciliation{
		Balance:    acc.CurrentPoints,
		Sum:        sum,
		Consistent: consistent && sum == acc.CurrentPoints,
	}
}
