package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
)

var _ loyalty.Ledger = (*PointsLedger)(nil)

// PointsLedger stores loyalty balances in loyalty_accounts and the signed
// movements behind them in loyalty_transactions.
type PointsLedger struct {
	tm *TxManager
}

// NewPointsLedger returns a PointsLedger.
func NewPointsLedger(tm *TxManager) *PointsLedger {
	return &PointsLedger{tm: tm}
}

type accountRow struct {
	OrgID          string    `db:"org_id"`
	CustomerID     string    `db:"customer_id"`
	CurrentPoints  int64     `db:"current_points"`
	LifetimePoints int64     `db:"lifetime_points"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type transactionRow struct {
	ID           string    `db:"id"`
	OrgID        string    `db:"org_id"`
	CustomerID   string    `db:"customer_id"`
	Seq          int64     `db:"seq"`
	Delta        int64     `db:"delta"`
	BalanceAfter int64     `db:"balance_after"`
	Reason       string    `db:"reason"`
	OrderID      string    `db:"order_id"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r transactionRow) domain() loyalty.Transaction {
	return loyalty.Transaction{
		ID:           r.ID,
		OrgID:        r.OrgID,
		CustomerID:   r.CustomerID,
		Seq:          r.Seq,
		Delta:        r.Delta,
		BalanceAfter: r.BalanceAfter,
		Reason:       r.Reason,
		OrderID:      r.OrderID,
		CreatedAt:    r.CreatedAt,
	}
}

const transactionColumns = "id, org_id, customer_id, seq, delta, balance_after, reason, order_id, created_at"

// Account returns the customer's balance or loyalty.ErrAccountNotFound.
func (l *PointsLedger) Account(ctx context.Context, orgID, customerID string) (*loyalty.Account, error) {
	var row accountRow
	err := pgxscan.Get(ctx, l.tm.Querier(ctx), &row, `
		SELECT org_id, customer_id, current_points, lifetime_points, updated_at
		FROM loyalty_accounts WHERE org_id = $1 AND customer_id = $2`,
		orgID, customerID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, loyalty.ErrAccountNotFound
		}
		return nil, fmt.Errorf("reading loyalty account: %w", err)
	}
	return &loyalty.Account{
		OrgID:          row.OrgID,
		CustomerID:     row.CustomerID,
		CurrentPoints:  row.CurrentPoints,
		LifetimePoints: row.LifetimePoints,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

// Append applies tx.Delta with a conditional update that refuses to take the
// balance below zero, then records the movement.
func (l *PointsLedger) Append(ctx context.Context, tx loyalty.Transaction) (*loyalty.Transaction, error) {
	if tx.Delta == 0 {
		return nil, loyalty.ErrZeroDelta
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	var out loyalty.Transaction
	err := l.tm.RunInTx(ctx, func(ctx context.Context) error {
		q := l.tm.Querier(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO loyalty_accounts (org_id, customer_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			tx.OrgID, tx.CustomerID); err != nil {
			return fmt.Errorf("creating loyalty account: %w", err)
		}

		var applied []struct {
			Balance int64 `db:"current_points"`
			Seq     int64 `db:"txn_seq"`
		}
		if err := pgxscan.Select(ctx, q, &applied, `
			UPDATE loyalty_accounts
			SET current_points = current_points + $3,
			    lifetime_points = lifetime_points + GREATEST($3, 0),
			    txn_seq = txn_seq + 1,
			    updated_at = NOW()
			WHERE org_id = $1 AND customer_id = $2 AND current_points + $3 >= 0
			RETURNING current_points, txn_seq`,
			tx.OrgID, tx.CustomerID, tx.Delta); err != nil {
			return fmt.Errorf("updating loyalty balance: %w", err)
		}
		if len(applied) == 0 {
			return loyalty.ErrInsufficientPoints
		}

		var row transactionRow
		if err := pgxscan.Get(ctx, q, &row, `
			INSERT INTO loyalty_transactions (id, org_id, customer_id, seq, delta, balance_after, reason, order_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+transactionColumns,
			tx.ID, tx.OrgID, tx.CustomerID, applied[0].Seq, tx.Delta, applied[0].Balance, tx.Reason, tx.OrderID); err != nil {
			return fmt.Errorf("inserting loyalty transaction: %w", err)
		}
		out = row.domain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Transactions returns the customer's movements in append order.
func (l *PointsLedger) Transactions(ctx context.Context, orgID, customerID string) ([]loyalty.Transaction, error) {
	var rows []transactionRow
	if err := pgxscan.Select(ctx, l.tm.Querier(ctx), &rows, `
		SELECT `+transactionColumns+`
		FROM loyalty_transactions WHERE org_id = $1 AND customer_id = $2
		ORDER BY seq`,
		orgID, customerID); err != nil {
		return nil, fmt.Errorf("listing loyalty transactions: %w", err)
	}
	out := make([]loyalty.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}
