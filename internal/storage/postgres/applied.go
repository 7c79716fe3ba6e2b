package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/engine"
)

var _ engine.AppliedRepository = (*AppliedRepository)(nil)

// AppliedRepository records discounts applied to orders. applied_orders
// holds one row per order so a second application fails even when the
// first applied nothing.
type AppliedRepository struct {
	tm *TxManager
}

// NewAppliedRepository returns an AppliedRepository.
func NewAppliedRepository(tm *TxManager) *AppliedRepository {
	return &AppliedRepository{tm: tm}
}

type appliedRow struct {
	ID                string          `db:"id"`
	OrgID             string          `db:"org_id"`
	OrderID           string          `db:"order_id"`
	Source            string          `db:"source"`
	SourceID          string          `db:"source_id"`
	Label             string          `db:"label"`
	DiscountType      string          `db:"discount_type"`
	DiscountValue     decimal.Decimal `db:"discount_value"`
	Amount            decimal.Decimal `db:"amount"`
	ApprovalRequestID string          `db:"approval_request_id"`
	CreatedAt         time.Time       `db:"created_at"`
}

// Insert marks the order applied and stores rows in order.
func (a *AppliedRepository) Insert(ctx context.Context, orgID, orderID string, rows []discount.Applied) error {
	return a.tm.RunInTx(ctx, func(ctx context.Context) error {
		q := a.tm.Querier(ctx)
		if _, err := q.Exec(ctx,
			"INSERT INTO applied_orders (org_id, order_id, applied_at) VALUES ($1, $2, NOW())",
			orgID, orderID); err != nil {
			if isUniqueViolation(err, "") {
				return engine.ErrAlreadyApplied
			}
			return fmt.Errorf("marking order applied: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ins := builder.Insert("applied_discounts").Columns(
			"id", "org_id", "order_id", "position", "source", "source_id", "label",
			"discount_type", "discount_value", "amount", "approval_request_id", "created_at",
		)
		for i, r := range rows {
			id := r.ID
			if id == "" {
				id = uuid.NewString()
			}
			ins = ins.Values(
				id, orgID, orderID, i, string(r.Source), r.SourceID, r.Label,
				string(r.Type), r.Value, r.Amount, r.ApprovalRequestID, r.CreatedAt,
			)
		}
		sql, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert applied: %w", err)
		}
		if _, err := q.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting applied discounts: %w", err)
		}
		return nil
	})
}

// ListByOrder returns the order's applied discounts in composition order.
func (a *AppliedRepository) ListByOrder(ctx context.Context, orgID, orderID string) ([]discount.Applied, error) {
	var rows []appliedRow
	if err := pgxscan.Select(ctx, a.tm.Querier(ctx), &rows, `
		SELECT id, org_id, order_id, source, source_id, label, discount_type,
		       discount_value, amount, approval_request_id, created_at
		FROM applied_discounts WHERE org_id = $1 AND order_id = $2
		ORDER BY position`,
		orgID, orderID); err != nil {
		return nil, fmt.Errorf("listing applied discounts: %w", err)
	}
	out := make([]discount.Applied, 0, len(rows))
	for _, r := range rows {
		out = append(out, discount.Applied{
			ID:                r.ID,
			OrgID:             r.OrgID,
			OrderID:           r.OrderID,
			Source:            discount.Source(r.Source),
			SourceID:          r.SourceID,
			Label:             r.Label,
			Type:              discount.Type(r.DiscountType),
			Value:             r.DiscountValue,
			Amount:            r.Amount,
			ApprovalRequestID: r.ApprovalRequestID,
			CreatedAt:         r.CreatedAt,
		})
	}
	return out, nil
}
