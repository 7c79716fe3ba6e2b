package engine

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/proposal-discounts/internal/domain/approval"
	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/ledger"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
	"github.com/xenking/proposal-discounts/internal/domain/promo"
	"github.com/xenking/proposal-discounts/internal/domain/rules"
	"github.com/xenking/proposal-discounts/internal/domain/seasonal"
	"github.com/xenking/proposal-discounts/internal/domain/volume"
)

// Request is a discount evaluation request. Without OrderID it is a quote
// and has no side effects.
type Request struct {
	OrgID          string
	OrderID        string
	CustomerID     string
	CustomerEmail  string
	CustomerTier   string
	OrderAmount    decimal.Decimal
	Services       []discount.ServiceLine
	IsNewCustomer  bool
	PreviousOrders int
	ReferralCode   string
	SquareFootage  decimal.Decimal
	PromoCode      string
	RequesterID    string
	RequesterRole  string
	Reason         string
}

func (r Request) order(at time.Time) discount.Order {
	return discount.Order{
		OrgID:          r.OrgID,
		CustomerID:     r.CustomerID,
		CustomerEmail:  r.CustomerEmail,
		CustomerTier:   r.CustomerTier,
		Amount:         r.OrderAmount,
		Services:       r.Services,
		IsNewCustomer:  r.IsNewCustomer,
		PreviousOrders: r.PreviousOrders,
		ReferralCode:   r.ReferralCode,
		SquareFootage:  r.SquareFootage,
		At:             at,
	}
}

// PromoOutcome reports what happened to a submitted promo code.
type PromoOutcome struct {
	Code  string
	Valid bool
	Kind  discount.Kind
}

// Result is the outcome of an evaluation.
type Result struct {
	Composed          discount.Composed
	Promo             *PromoOutcome
	RequiresApproval  bool
	ApprovalRequestID string
	Applied           []discount.Applied
	Quote             bool
}

// Evaluate computes the discount for an order. With an OrderID the promo
// usage is reserved and the discount is either applied or held pending
// approval; a promo the ledger denies is dropped and the rest recomposed.
func (e *Engine) Evaluate(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.Evaluate")
	defer func() {
		outcome := "error"
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Quote:
			outcome = "quote"
		case res.RequiresApproval:
			outcome = "approval_required"
		default:
			outcome = "applied"
		}
		e.metrics.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		span.End()
	}()

	now := e.now()
	cat, err := e.loader.Load(ctx, req.OrgID, now)
	if err != nil {
		return nil, err
	}
	order := req.order(now)

	ev, err := e.evaluate(ctx, cat, req, order)
	if err != nil {
		return nil, err
	}
	policy := cat.Policy()
	limit := policy.Limit(req.RequesterRole)

	res = &Result{
		Composed:         ev.composed,
		Promo:            ev.promo,
		RequiresApproval: limit.Exceeded(ev.composed),
		Quote:            req.OrderID == "",
	}
	span.SetAttributes(
		attribute.String("org_id", req.OrgID),
		attribute.Int("sources", len(ev.composed.Sources)),
		attribute.Bool("quote", res.Quote),
	)
	if res.Quote {
		return res, nil
	}
	if req.RequesterID == "" {
		return nil, ErrRequesterRequired
	}

	existing, err := e.applied.ListByOrder(ctx, req.OrgID, req.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "check applied discounts")
	}
	if len(existing) > 0 {
		return nil, ErrAlreadyApplied
	}
	active, err := e.approvals.HasActive(ctx, req.OrgID, req.OrderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, approval.ErrActiveRequestExists
	}

	reservation, err := e.reservePromo(ctx, cat, req, order, ev)
	if err != nil {
		return nil, err
	}
	if ev.denied {
		res.Composed = ev.composed
		res.Promo = ev.promo
		res.RequiresApproval = limit.Exceeded(ev.composed)
	}

	if res.RequiresApproval {
		return e.requestApproval(ctx, req, policy, ev, reservation, res)
	}
	return e.apply(ctx, req, reservation, res, now)
}

type evaluation struct {
	candidates discount.Candidates
	composed   discount.Composed
	promo      *PromoOutcome
	promoCode  *catalog.Code
	denied     bool
}

// evaluate runs every resolver against one snapshot and composes the result.
func (e *Engine) evaluate(ctx context.Context, cat *catalog.Catalog, req Request, o discount.Order) (*evaluation, error) {
	ev := &evaluation{}
	promoCodeID := ""
	if req.PromoCode != "" {
		pr, err := e.validator.Validate(ctx, cat, promo.Input{
			Code:          req.PromoCode,
			CustomerID:    req.CustomerID,
			CustomerEmail: req.CustomerEmail,
			CustomerTier:  req.CustomerTier,
			OrderAmount:   req.OrderAmount,
			Services:      o.ServiceIDs(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "validate promo code")
		}
		ev.promo = &PromoOutcome{Code: req.PromoCode, Valid: pr.Valid, Kind: pr.Kind}
		if pr.Valid {
			ev.candidates.Promo = pr.Candidate()
			ev.promoCode = &pr.Code
			promoCodeID = pr.Code.ID
		}
	}

	ev.candidates.Automatic = rules.Candidates(rules.Evaluate(cat.Rules(), o))

	if program := cat.Loyalty(); program != nil && req.CustomerID != "" {
		var points int64
		acc, err := e.points.Account(ctx, req.OrgID, req.CustomerID)
		switch {
		case err == nil:
			points = acc.CurrentPoints
		case errors.Is(err, loyalty.ErrAccountNotFound):
		default:
			return nil, errors.Wrap(err, "load loyalty account")
		}
		ev.candidates.Loyalty = loyalty.Candidate(*program, points, req.OrderAmount)
	}

	ev.candidates.Volume = volume.Best(cat.VolumeTiers(), o)
	ev.candidates.Seasonal = seasonal.Resolve(cat.Campaigns(), cat.AsOf(), promoCodeID, req.OrderAmount)
	ev.composed = discount.Compose(req.OrderAmount, ev.candidates, cat.Policy().Composition())
	return ev, nil
}

// reservePromo reserves one use of the composed promo code. When the ledger
// denies it, ev is recomposed without the promo and marked denied.
func (e *Engine) reservePromo(ctx context.Context, cat *catalog.Catalog, req Request, o discount.Order, ev *evaluation) (*ledger.Reservation, error) {
	if ev.promoCode == nil || !ev.composed.HasSource(discount.SourcePromoCode) {
		return nil, nil
	}

	r, err := ledger.Reserve(ctx, e.usage, ledger.ReserveParams{
		OrgID:      req.OrgID,
		CodeID:     ev.promoCode.ID,
		CustomerID: req.CustomerID,
		Limits:     ledger.Limits{MaxTotal: ev.promoCode.MaxUsesTotal, MaxPerCustomer: ev.promoCode.MaxUsesPerCustomer},
		ExpiresAt:  e.now().Add(e.cfg.ReservationTTL),
	}, e.cfg.ConflictRetryDelay)

	kind, denied := deniedKind(err)
	e.metrics.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", reservationResult(err, kind))))
	if err != nil && !denied {
		return nil, errors.Wrap(err, "reserve promo usage")
	}
	if !denied {
		return r, nil
	}

	zctx.From(ctx).Info("Promo reservation denied",
		zap.String("code", req.PromoCode),
		zap.String("kind", string(kind)),
	)
	ev.denied = true
	ev.promo = &PromoOutcome{Code: req.PromoCode, Kind: kind}
	ev.candidates = ev.candidates.WithoutPromo()
	ev.candidates.Seasonal = seasonal.Resolve(cat.Campaigns(), cat.AsOf(), "", req.OrderAmount)
	ev.composed = discount.Compose(o.Amount, ev.candidates, cat.Policy().Composition())
	ev.promoCode = nil
	return nil, nil
}

func deniedKind(err error) (discount.Kind, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ledger.ErrConcurrentUsageConflict):
		return discount.KindConcurrentUsageConflict, true
	case errors.Is(err, ledger.ErrUsageLimitExceeded):
		return discount.KindUsageLimitExceeded, true
	case errors.Is(err, ledger.ErrCustomerLimitExceeded):
		return discount.KindCustomerLimitExceeded, true
	}
	return "", false
}

func reservationResult(err error, kind discount.Kind) string {
	switch {
	case err == nil:
		return "reserved"
	case kind != "":
		return string(kind)
	}
	return "error"
}

func (e *Engine) requestApproval(ctx context.Context, req Request, policy catalog.Policy, ev *evaluation, r *ledger.Reservation, res *Result) (*Result, error) {
	p := approval.OpenParams{
		OrgID:            req.OrgID,
		OrderID:          req.OrderID,
		CustomerID:       req.CustomerID,
		RequesterID:      req.RequesterID,
		RequesterRole:    req.RequesterRole,
		RequestedPercent: ev.composed.Percent,
		RequestedAmount:  ev.composed.TotalAmount,
		Reason:           req.Reason,
		Snapshot: approval.Snapshot{
			OrderAmount: req.OrderAmount,
			Candidates:  ev.candidates,
			Policy:      policy.Composition(),
		},
		EscalationAfter: policy.EscalationAfter,
		AutoRejectAfter: policy.AutoRejectAfter,
	}
	if r != nil {
		p.ReservationID = r.ID
	}

	ar, err := e.approvals.Open(ctx, p)
	if err == nil && r != nil {
		if extErr := e.usage.Extend(ctx, r.ID, ar.ExpiresAt); extErr != nil {
			err = errors.Wrap(extErr, "extend reservation")
		}
	}
	if err != nil {
		e.releaseQuietly(ctx, r)
		return nil, err
	}

	res.ApprovalRequestID = ar.ID
	return res, nil
}

func (e *Engine) apply(ctx context.Context, req Request, r *ledger.Reservation, res *Result, at time.Time) (*Result, error) {
	rows := appliedRows(res.Composed, req.OrgID, req.OrderID, "", at)
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.applied.Insert(ctx, req.OrgID, req.OrderID, rows); err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		return e.usage.Commit(ctx, r.ID, promoAmount(res.Composed))
	})
	if err != nil {
		e.releaseQuietly(ctx, r)
		if errors.Is(err, ErrAlreadyApplied) {
			return nil, ErrAlreadyApplied
		}
		return nil, errors.Wrap(err, "apply discounts")
	}
	res.Applied = rows
	return res, nil
}

func (e *Engine) releaseQuietly(ctx context.Context, r *ledger.Reservation) {
	if r == nil {
		return
	}
	if err := e.usage.Release(ctx, r.ID); err != nil && !errors.Is(err, ledger.ErrReservationResolved) {
		zctx.From(ctx).Error("Release reservation", zap.String("reservation_id", r.ID), zap.Error(err))
	}
}
