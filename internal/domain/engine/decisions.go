package engine

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/proposal-discounts/internal/domain/approval"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/ledger"
)

// Approve approves a request, optionally with a counter-offer, and applies
// the approved discount to the order.
func (e *Engine) Approve(ctx context.Context, orgID, id string, rv approval.Reviewer, offer *approval.CounterOffer, notes string) (*approval.Request, error) {
	return e.decided(ctx, func() (*approval.Request, error) {
		return e.approvals.Approve(ctx, orgID, id, rv, offer, notes)
	})
}

// Reject rejects a request and releases its reservation.
func (e *Engine) Reject(ctx context.Context, orgID, id string, rv approval.Reviewer, notes string) (*approval.Request, error) {
	return e.decided(ctx, func() (*approval.Request, error) {
		return e.approvals.Reject(ctx, orgID, id, rv, notes)
	})
}

// Cancel cancels a request on behalf of its requester and releases its
// reservation.
func (e *Engine) Cancel(ctx context.Context, orgID, id, requesterID string) (*approval.Request, error) {
	return e.decided(ctx, func() (*approval.Request, error) {
		return e.approvals.Cancel(ctx, orgID, id, requesterID)
	})
}

func (e *Engine) decided(ctx context.Context, decide func() (*approval.Request, error)) (*approval.Request, error) {
	r, err := decide()
	if err != nil {
		return nil, err
	}
	e.metrics.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(r.Status))))
	return r, nil
}

// Approval returns one request.
func (e *Engine) Approval(ctx context.Context, orgID, id string) (*approval.Request, error) {
	return e.approvals.Get(ctx, orgID, id)
}

// Approvals lists requests by status; pending includes escalated.
func (e *Engine) Approvals(ctx context.Context, orgID string, status approval.Status, limit int) ([]approval.Request, error) {
	return e.approvals.List(ctx, orgID, status, limit)
}

// settle runs inside the decision transaction. An approved request applies
// the re-composed discount and commits the promo reservation if the promo
// survived; every other outcome releases it.
func (e *Engine) settle(ctx context.Context, r *approval.Request) error {
	if r.Status != approval.StatusApproved {
		return e.releaseReservation(ctx, r.ReservationID)
	}

	composed := r.Composition()
	rows := appliedRows(composed, r.OrgID, r.OrderID, r.ID, r.UpdatedAt)
	if err := e.applied.Insert(ctx, r.OrgID, r.OrderID, rows); err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			return ErrAlreadyApplied
		}
		return errors.Wrap(err, "insert applied discounts")
	}

	if r.ReservationID == "" {
		return nil
	}
	if !composed.HasSource(discount.SourcePromoCode) {
		return e.releaseReservation(ctx, r.ReservationID)
	}
	if err := e.usage.Commit(ctx, r.ReservationID, promoAmount(composed)); err != nil {
		return errors.Wrap(err, "commit reservation")
	}
	return nil
}

func (e *Engine) releaseReservation(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	err := e.usage.Release(ctx, id)
	if errors.Is(err, ledger.ErrReservationResolved) || errors.Is(err, ledger.ErrReservationNotFound) {
		return nil
	}
	return err
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	approval.SweepResult
	ReleasedReservations int
}

// Sweep applies time-based approval transitions, then releases promo
// reservations that outlived their expiry.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Sweep")
	defer span.End()

	var res SweepResult
	ar, err := e.approvals.Sweep(ctx)
	res.SweepResult = ar
	e.metrics.transitions.Add(ctx, int64(ar.Escalated), metric.WithAttributes(attribute.String("status", string(approval.StatusEscalated))))
	e.metrics.transitions.Add(ctx, int64(ar.Expired), metric.WithAttributes(attribute.String("status", string(approval.StatusExpired))))
	if err != nil {
		return res, errors.Wrap(err, "sweep approvals")
	}

	released, err := e.ReleaseExpiredReservations(ctx)
	res.ReleasedReservations = released
	if err != nil {
		return res, err
	}
	return res, nil
}

// ReleaseExpiredReservations releases held reservations past their expiry.
func (e *Engine) ReleaseExpiredReservations(ctx context.Context) (int, error) {
	released, err := e.usage.ReleaseExpired(ctx, e.now())
	if err != nil {
		return 0, errors.Wrap(err, "release expired reservations")
	}
	for _, r := range released {
		zctx.From(ctx).Info("Reservation expired",
			zap.String("reservation_id", r.ID),
			zap.String("code_id", r.CodeID),
		)
	}
	e.metrics.reservations.Add(ctx, int64(len(released)), metric.WithAttributes(attribute.String("result", "expired")))
	return len(released), nil
}
