package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/approval"
)

var _ approval.Repository = (*ApprovalRepository)(nil)

const activeApprovalIndex = "approval_requests_active_order_idx"

// ApprovalRepository stores approval requests. The partial unique index on
// active requests per order backs approval.ErrActiveRequestExists.
type ApprovalRepository struct {
	tm *TxManager
}

// NewApprovalRepository returns an ApprovalRepository.
func NewApprovalRepository(tm *TxManager) *ApprovalRepository {
	return &ApprovalRepository{tm: tm}
}

var approvalColumns = []string{
	"id", "org_id", "order_id", "customer_id", "requester_id", "requester_role",
	"requested_percent", "requested_amount", "reason", "status", "assigned_to",
	"escalated_to", "escalated_at", "reviewer_id", "review_notes", "decided_at",
	"counter_offer_percent", "counter_offer_amount", "approved_amount", "reservation_id",
	"snapshot", "escalate_at", "expires_at", "created_at", "updated_at",
}

type approvalRow struct {
	ID                  string            `db:"id"`
	OrgID               string            `db:"org_id"`
	OrderID             string            `db:"order_id"`
	CustomerID          string            `db:"customer_id"`
	RequesterID         string            `db:"requester_id"`
	RequesterRole       string            `db:"requester_role"`
	RequestedPercent    decimal.Decimal   `db:"requested_percent"`
	RequestedAmount     decimal.Decimal   `db:"requested_amount"`
	Reason              string            `db:"reason"`
	Status              string            `db:"status"`
	AssignedTo          string            `db:"assigned_to"`
	EscalatedTo         string            `db:"escalated_to"`
	EscalatedAt         *time.Time        `db:"escalated_at"`
	ReviewerID          string            `db:"reviewer_id"`
	ReviewNotes         string            `db:"review_notes"`
	DecidedAt           *time.Time        `db:"decided_at"`
	CounterOfferPercent *decimal.Decimal  `db:"counter_offer_percent"`
	CounterOfferAmount  *decimal.Decimal  `db:"counter_offer_amount"`
	ApprovedAmount      *decimal.Decimal  `db:"approved_amount"`
	ReservationID       string            `db:"reservation_id"`
	Snapshot            approval.Snapshot `db:"snapshot"`
	EscalateAt          *time.Time        `db:"escalate_at"`
	ExpiresAt           time.Time         `db:"expires_at"`
	CreatedAt           time.Time         `db:"created_at"`
	UpdatedAt           time.Time         `db:"updated_at"`
}

func (r approvalRow) domain() approval.Request {
	req := approval.Request{
		ID:               r.ID,
		OrgID:            r.OrgID,
		OrderID:          r.OrderID,
		CustomerID:       r.CustomerID,
		RequesterID:      r.RequesterID,
		RequesterRole:    r.RequesterRole,
		RequestedPercent: r.RequestedPercent,
		RequestedAmount:  r.RequestedAmount,
		Reason:           r.Reason,
		Status:           approval.Status(r.Status),
		AssignedTo:       r.AssignedTo,
		EscalatedTo:      r.EscalatedTo,
		EscalatedAt:      r.EscalatedAt,
		ReviewerID:       r.ReviewerID,
		ReviewNotes:      r.ReviewNotes,
		DecidedAt:        r.DecidedAt,
		ApprovedAmount:   r.ApprovedAmount,
		ReservationID:    r.ReservationID,
		Snapshot:         r.Snapshot,
		EscalateAt:       r.EscalateAt,
		ExpiresAt:        r.ExpiresAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.CounterOfferPercent != nil || r.CounterOfferAmount != nil {
		req.CounterOffer = &approval.CounterOffer{Percent: r.CounterOfferPercent, Amount: r.CounterOfferAmount}
	}
	return req
}

func counterOffer(r *approval.Request) (percent, amount *decimal.Decimal) {
	if r.CounterOffer == nil {
		return nil, nil
	}
	return r.CounterOffer.Percent, r.CounterOffer.Amount
}

func (a *ApprovalRepository) Create(ctx context.Context, r *approval.Request) error {
	percent, amount := counterOffer(r)
	sql, args, err := builder.
		Insert("approval_requests").
		Columns(approvalColumns...).
		Values(
			r.ID, r.OrgID, r.OrderID, r.CustomerID, r.RequesterID, r.RequesterRole,
			r.RequestedPercent, r.RequestedAmount, r.Reason, string(r.Status), r.AssignedTo,
			r.EscalatedTo, r.EscalatedAt, r.ReviewerID, r.ReviewNotes, r.DecidedAt,
			percent, amount, r.ApprovedAmount, r.ReservationID,
			r.Snapshot, r.EscalateAt, r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert approval: %w", err)
	}
	if _, err := a.tm.Querier(ctx).Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err, activeApprovalIndex) {
			return approval.ErrActiveRequestExists
		}
		return fmt.Errorf("inserting approval request: %w", err)
	}
	return nil
}

func (a *ApprovalRepository) Get(ctx context.Context, orgID, id string) (*approval.Request, error) {
	return a.one(ctx, squirrel.Eq{"org_id": orgID, "id": id})
}

func (a *ApprovalRepository) FindActive(ctx context.Context, orgID, orderID string) (*approval.Request, error) {
	return a.one(ctx, squirrel.Eq{
		"org_id":   orgID,
		"order_id": orderID,
		"status":   []string{string(approval.StatusPending), string(approval.StatusEscalated)},
	})
}

func (a *ApprovalRepository) one(ctx context.Context, where squirrel.Eq) (*approval.Request, error) {
	sql, args, err := builder.Select(approvalColumns...).From("approval_requests").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build approval query: %w", err)
	}
	var row approvalRow
	if err := pgxscan.Get(ctx, a.tm.Querier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("reading approval request: %w", err)
	}
	r := row.domain()
	return &r, nil
}

func (a *ApprovalRepository) List(ctx context.Context, f approval.Filter) ([]approval.Request, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	q := builder.Select(approvalColumns...).
		From("approval_requests").
		Where(squirrel.Eq{"org_id": f.OrgID, "status": statuses}).
		OrderBy("created_at", "id")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return a.list(ctx, q)
}

// Update writes r if the stored status is still from.
func (a *ApprovalRepository) Update(ctx context.Context, r *approval.Request, from approval.Status) error {
	percent, amount := counterOffer(r)
	sql, args, err := builder.Update("approval_requests").
		SetMap(map[string]any{
			"status":                string(r.Status),
			"assigned_to":           r.AssignedTo,
			"escalated_to":          r.EscalatedTo,
			"escalated_at":          r.EscalatedAt,
			"reviewer_id":           r.ReviewerID,
			"review_notes":          r.ReviewNotes,
			"decided_at":            r.DecidedAt,
			"counter_offer_percent": percent,
			"counter_offer_amount":  amount,
			"approved_amount":       r.ApprovedAmount,
			"updated_at":            r.UpdatedAt,
		}).
		Where(squirrel.Eq{"id": r.ID, "status": string(from)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update approval: %w", err)
	}

	q := a.tm.Querier(ctx)
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating approval request: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)", r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking approval request: %w", err)
	}
	if !exists {
		return approval.ErrNotFound
	}
	return approval.ErrStatusChanged
}

func (a *ApprovalRepository) DueForEscalation(ctx context.Context, now time.Time, limit int) ([]approval.Request, error) {
	return a.list(ctx, builder.Select(approvalColumns...).
		From("approval_requests").
		Where(squirrel.Eq{"status": string(approval.StatusPending), "escalated_at": nil}).
		Where(squirrel.LtOrEq{"escalate_at": now}).
		Where(squirrel.Gt{"expires_at": now}).
		OrderBy("created_at", "id").
		Limit(uint64(limit)))
}

func (a *ApprovalRepository) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]approval.Request, error) {
	return a.list(ctx, builder.Select(approvalColumns...).
		From("approval_requests").
		Where(squirrel.Eq{"status": []string{string(approval.StatusPending), string(approval.StatusEscalated)}}).
		Where(squirrel.LtOrEq{"expires_at": now}).
		OrderBy("created_at", "id").
		Limit(uint64(limit)))
}

func (a *ApprovalRepository) list(ctx context.Context, q squirrel.SelectBuilder) ([]approval.Request, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build approval list: %w", err)
	}
	var rows []approvalRow
	if err := pgxscan.Select(ctx, a.tm.Querier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("listing approval requests: %w", err)
	}
	out := make([]approval.Request, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}
