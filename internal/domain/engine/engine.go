// Package engine orchestrates discount evaluation: it loads the catalog
// snapshot, runs every resolver, composes the result and, for orders being
// placed, reserves promo usage and either applies the discount or opens an
// approval request.
package engine

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/proposal-discounts/internal/domain/approval"
	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/ledger"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
	"github.com/xenking/proposal-discounts/internal/domain/promo"
)

const instrumentation = "github.com/xenking/proposal-discounts/internal/domain/engine"

var (
	// ErrAlreadyApplied is returned when discounts were already applied to
	// the order.
	ErrAlreadyApplied = errors.New("discounts already applied to order")
	// ErrRequesterRequired is returned when an order is placed without a
	// requester.
	ErrRequesterRequired = errors.New("requester is required to apply a discount")
)

// AppliedRepository stores applied discounts. Insert marks the order as
// applied even when rows is empty and fails with ErrAlreadyApplied when the
// order was applied before.
type AppliedRepository interface {
	Insert(ctx context.Context, orgID, orderID string, rows []discount.Applied) error
	ListByOrder(ctx context.Context, orgID, orderID string) ([]discount.Applied, error)
}

// Transactor runs fn in a transaction carried by ctx.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config tunes the engine.
type Config struct {
	// ReservationTTL bounds how long an uncommitted reservation is held.
	ReservationTTL time.Duration
	// ConflictRetryDelay is waited before retrying a conflicting reservation.
	ConflictRetryDelay time.Duration
	// Approver is assigned to new approval requests.
	Approver string
	// EscalateTo receives escalated approval requests.
	EscalateTo string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Deps are the engine's collaborators.
type Deps struct {
	Catalog   catalog.Repository
	Usage     ledger.Ledger
	Points    loyalty.Ledger
	Approvals approval.Repository
	Applied   AppliedRepository
	Tx        Transactor

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

type metrics struct {
	evaluations  metric.Int64Counter
	approvals    metric.Int64Counter
	transitions  metric.Int64Counter
	reservations metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentation)
	var (
		m   metrics
		err error
	)
	if m.evaluations, err = meter.Int64Counter("discount.evaluations",
		metric.WithDescription("Discount evaluations by outcome")); err != nil {
		return nil, errors.Wrap(err, "evaluations counter")
	}
	if m.approvals, err = meter.Int64Counter("discount.approvals",
		metric.WithDescription("Approval decisions by status")); err != nil {
		return nil, errors.Wrap(err, "approvals counter")
	}
	if m.transitions, err = meter.Int64Counter("discount.sweep.transitions",
		metric.WithDescription("Approval transitions made by the sweep")); err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}
	if m.reservations, err = meter.Int64Counter("discount.reservations",
		metric.WithDescription("Promo usage reservations by result")); err != nil {
		return nil, errors.Wrap(err, "reservations counter")
	}
	return &m, nil
}

// Engine is the discount orchestrator.
type Engine struct {
	loader    *catalog.Loader
	validator *promo.Validator
	usage     ledger.Ledger
	points    loyalty.Ledger
	approvals *approval.Service
	applied   AppliedRepository
	tx        Transactor
	cfg       Config

	metrics *metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New wires an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.MeterProvider == nil {
		deps.MeterProvider = noop.NewMeterProvider()
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = tracenoop.NewTracerProvider()
	}
	m, err := newMetrics(deps.MeterProvider)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		loader:    catalog.NewLoader(deps.Catalog),
		validator: promo.NewValidator(deps.Usage),
		usage:     deps.Usage,
		points:    deps.Points,
		applied:   deps.Applied,
		tx:        deps.Tx,
		cfg:       cfg,
		metrics:   m,
		tracer:    deps.TracerProvider.Tracer(instrumentation),
		now:       cfg.Clock,
	}
	e.approvals = approval.NewService(deps.Approvals, deps.Tx, e.settle, approval.Config{
		Approver:   cfg.Approver,
		EscalateTo: cfg.EscalateTo,
		Clock:      cfg.Clock,
	})
	return e, nil
}

// Applied returns the discounts applied to an order.
func (e *Engine) Applied(ctx context.Context, orgID, orderID string) ([]discount.Applied, error) {
	rows, err := e.applied.ListByOrder(ctx, orgID, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list applied discounts")
	}
	return rows, nil
}

func appliedRows(c discount.Composed, orgID, orderID, approvalID string, at time.Time) []discount.Applied {
	rows := make([]discount.Applied, 0, len(c.Sources))
	for _, s := range c.Sources {
		rows = append(rows, discount.Applied{
			ID:                uuid.NewString(),
			OrgID:             orgID,
			OrderID:           orderID,
			Source:            s.Source,
			SourceID:          s.SourceID,
			Label:             s.Label,
			Type:              s.Type,
			Value:             s.Value,
			Amount:            s.Amount,
			ApprovalRequestID: approvalID,
			CreatedAt:         at,
		})
	}
	return rows
}

func promoAmount(c discount.Composed) decimal.Decimal {
	return c.SourceAmount(discount.SourcePromoCode)
}
