package engine

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
)

// LoyaltySummary is a customer's balance, resolved tier and ledger audit.
type LoyaltySummary struct {
	Account        loyalty.Account
	Tier           *loyalty.Tier
	Reconciliation loyalty.Reconciliation
}

// LoyaltySummary returns the customer's loyalty state. Tier is nil when the
// organization has no active program.
func (e *Engine) LoyaltySummary(ctx context.Context, orgID, customerID string) (*LoyaltySummary, error) {
	acc, err := e.points.Account(ctx, orgID, customerID)
	if err != nil {
		return nil, err
	}
	txs, err := e.points.Transactions(ctx, orgID, customerID)
	if err != nil {
		return nil, errors.Wrap(err, "list loyalty transactions")
	}
	cat, err := e.loader.Load(ctx, orgID, e.now())
	if err != nil {
		return nil, err
	}

	s := &LoyaltySummary{Account: *acc, Reconciliation: loyalty.Reconcile(*acc, txs)}
	if program := cat.Loyalty(); program != nil {
		tier := loyalty.ResolveTier(*program, acc.CurrentPoints)
		s.Tier = &tier
	}
	return s, nil
}

// RecordPoints appends a signed point movement. Debits below a zero balance
// fail with loyalty.ErrInsufficientPoints.
func (e *Engine) RecordPoints(ctx context.Context, tx loyalty.Transaction) (*loyalty.Transaction, error) {
	if tx.Delta == 0 {
		return nil, loyalty.ErrZeroDelta
	}
	out, err := e.points.Append(ctx, tx)
	if err != nil {
		if errors.Is(err, loyalty.ErrInsufficientPoints) || errors.Is(err, loyalty.ErrZeroDelta) {
			return nil, err
		}
		return nil, errors.Wrap(err, "append loyalty transaction")
	}
	return out, nil
}
