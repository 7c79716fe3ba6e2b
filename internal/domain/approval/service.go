package approval

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Filter selects requests for List.
type Filter struct {
	OrgID    string
	Statuses []Status
	Limit    int
}

// Repository stores requests.
//
// FindActive returns ErrNotFound when the order has no active request.
// Create fails with ErrActiveRequestExists when the order already has an
// active request. Update is a compare-and-set on the stored status: it
// writes r only if the row still has status from, otherwise it returns
// ErrStatusChanged.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, orgID, id string) (*Request, error)
	FindActive(ctx context.Context, orgID, orderID string) (*Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
	Update(ctx context.Context, r *Request, from Status) error
	DueForEscalation(ctx context.Context, now time.Time, limit int) ([]Request, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]Request, error)
}

// Transactor runs fn in a transaction carried by ctx.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SettleFunc applies the side effects of a decision inside the decision's
// transaction: committing or releasing the held reservation and recording
// applied discounts.
type SettleFunc func(ctx context.Context, r *Request) error

// Config holds workflow defaults.
type Config struct {
	// Approver is assigned to new requests.
	Approver string
	// EscalateTo receives escalated requests.
	EscalateTo string
	// DefaultAutoReject is used when the organization sets no auto-reject
	// window.
	DefaultAutoReject time.Duration
	// SweepBatch bounds how many requests one sweep step loads.
	SweepBatch int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// OpenParams describes a new request.
type OpenParams struct {
	OrgID            string
	OrderID          string
	CustomerID       string
	RequesterID      string
	RequesterRole    string
	RequestedPercent decimal.Decimal
	RequestedAmount  decimal.Decimal
	Reason           string
	ReservationID    string
	Snapshot         Snapshot
	EscalationAfter  time.Duration
	AutoRejectAfter  time.Duration
}

// SweepResult counts the transitions one sweep made.
type SweepResult struct {
	Escalated int
	Expired   int
}

// Service drives requests through the workflow.
type Service struct {
	repo   Repository
	tx     Transactor
	settle SettleFunc
	cfg    Config
	now    func() time.Time
}

// NewService returns a Service. settle is invoked for every terminal
// transition.
func NewService(repo Repository, tx Transactor, settle SettleFunc, cfg Config) *Service {
	if cfg.DefaultAutoReject <= 0 {
		cfg.DefaultAutoReject = 72 * time.Hour
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{repo: repo, tx: tx, settle: settle, cfg: cfg, now: cfg.Clock}
}

// Open creates a pending request. Escalation and expiry deadlines are fixed
// at creation.
func (s *Service) Open(ctx context.Context, p OpenParams) (*Request, error) {
	now := s.now()
	autoReject := p.AutoRejectAfter
	if autoReject <= 0 {
		autoReject = s.cfg.DefaultAutoReject
	}
	r := &Request{
		ID:               uuid.NewString(),
		OrgID:            p.OrgID,
		OrderID:          p.OrderID,
		CustomerID:       p.CustomerID,
		RequesterID:      p.RequesterID,
		RequesterRole:    p.RequesterRole,
		RequestedPercent: p.RequestedPercent,
		RequestedAmount:  p.RequestedAmount,
		Reason:           p.Reason,
		Status:           StatusPending,
		AssignedTo:       s.cfg.Approver,
		ReservationID:    p.ReservationID,
		Snapshot:         p.Snapshot,
		ExpiresAt:        now.Add(autoReject),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.EscalationAfter > 0 && p.EscalationAfter < autoReject {
		at := now.Add(p.EscalationAfter)
		r.EscalateAt = &at
	}

	if err := s.repo.Create(ctx, r); err != nil {
		if errors.Is(err, ErrActiveRequestExists) {
			return nil, ErrActiveRequestExists
		}
		return nil, errors.Wrap(err, "create approval request")
	}
	zctx.From(ctx).Info("Approval requested",
		zap.String("approval_id", r.ID),
		zap.String("order_id", r.OrderID),
		zap.String("requested_percent", r.RequestedPercent.String()),
	)
	return r, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, orgID, id string) (*Request, error) {
	return s.repo.Get(ctx, orgID, id)
}

// HasActive reports whether the order has a pending or escalated request.
func (s *Service) HasActive(ctx context.Context, orgID, orderID string) (bool, error) {
	_, err := s.repo.FindActive(ctx, orgID, orderID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, errors.Wrap(err, "find active request")
}

// List returns requests in the given status. Pending, the default, also
// includes escalated requests.
func (s *Service) List(ctx context.Context, orgID string, status Status, limit int) ([]Request, error) {
	f := Filter{OrgID: orgID, Limit: limit}
	switch status {
	case "", StatusPending:
		f.Statuses = []Status{StatusPending, StatusEscalated}
	default:
		f.Statuses = []Status{status}
	}
	return s.repo.List(ctx, f)
}

// Approve approves a request, optionally with a counter-offer.
func (s *Service) Approve(ctx context.Context, orgID, id string, rv Reviewer, offer *CounterOffer, notes string) (*Request, error) {
	return s.decide(ctx, orgID, id, func(r *Request, at time.Time) error {
		return r.Approve(rv, offer, notes, at)
	})
}

// Reject rejects a request.
func (s *Service) Reject(ctx context.Context, orgID, id string, rv Reviewer, notes string) (*Request, error) {
	return s.decide(ctx, orgID, id, func(r *Request, at time.Time) error {
		return r.Reject(rv, notes, at)
	})
}

// Cancel cancels a request on behalf of its requester.
func (s *Service) Cancel(ctx context.Context, orgID, id, requesterID string) (*Request, error) {
	return s.decide(ctx, orgID, id, func(r *Request, at time.Time) error {
		return r.Cancel(requesterID, at)
	})
}

// decide loads a request, applies change and stores the result with a
// compare-and-set on the loaded status. A status that changed underneath is
// reported as a TransitionError from the new status.
func (s *Service) decide(ctx context.Context, orgID, id string, change func(r *Request, at time.Time) error) (*Request, error) {
	var out *Request
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.Get(ctx, orgID, id)
		if err != nil {
			return err
		}
		from := r.Status
		if err := change(r, s.now()); err != nil {
			return err
		}
		if err := s.apply(ctx, r, from); err != nil {
			if errors.Is(err, ErrStatusChanged) {
				current, getErr := s.repo.Get(ctx, orgID, id)
				if getErr != nil {
					return getErr
				}
				return &TransitionError{From: current.Status, To: r.Status}
			}
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Approval decided",
		zap.String("approval_id", out.ID),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) apply(ctx context.Context, r *Request, from Status) error {
	if err := s.repo.Update(ctx, r, from); err != nil {
		return err
	}
	if r.Status.Terminal() && s.settle != nil {
		if err := s.settle(ctx, r); err != nil {
			return errors.Wrap(err, "settle")
		}
	}
	return nil
}

// Sweep applies time-based transitions as of now: it expires requests past
// their auto-reject deadline, then escalates pending requests past their
// escalation deadline. Running it again with the same clock is a no-op.
// Requests that change concurrently are skipped.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res SweepResult
		now = s.now()
		lg  = zctx.From(ctx)
	)

	expiring, err := s.repo.DueForExpiry(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return res, errors.Wrap(err, "load expiring requests")
	}
	for i := range expiring {
		r := &expiring[i]
		from := r.Status
		if err := r.Expire(now); err != nil {
			continue
		}
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			return s.apply(ctx, r, from)
		})
		switch {
		case errors.Is(err, ErrStatusChanged):
			continue
		case err != nil:
			return res, errors.Wrapf(err, "expire %s", r.ID)
		}
		res.Expired++
		lg.Info("Approval expired", zap.String("approval_id", r.ID), zap.String("order_id", r.OrderID))
	}

	escalating, err := s.repo.DueForEscalation(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return res, errors.Wrap(err, "load requests to escalate")
	}
	for i := range escalating {
		r := &escalating[i]
		if err := r.Escalate(s.cfg.EscalateTo, now); err != nil {
			continue
		}
		err := s.repo.Update(ctx, r, StatusPending)
		switch {
		case errors.Is(err, ErrStatusChanged):
			continue
		case err != nil:
			return res, errors.Wrapf(err, "escalate %s", r.ID)
		}
		res.Escalated++
		lg.Info("Approval escalated", zap.String("approval_id", r.ID), zap.String("assigned_to", r.AssignedTo))
	}
	return res, nil
}
