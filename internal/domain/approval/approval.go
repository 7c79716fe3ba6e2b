// Package approval implements the review workflow for discounts that exceed
// the requester's role limit.
package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
)

var (
	// ErrInvalidStateTransition is matched by every *TransitionError.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrNotFound is returned for an unknown request.
	ErrNotFound = errors.New("approval request not found")
	// ErrActiveRequestExists is returned when the order already has an
	// active request.
	ErrActiveRequestExists = errors.New("order already has an active approval request")
	// ErrNotRequester is returned when someone other than the requester
	// tries to cancel.
	ErrNotRequester = errors.New("only the requester may cancel")
	// ErrNotAssignee is returned when the reviewer's role is not the one
	// the request is assigned to.
	ErrNotAssignee = errors.New("request is assigned to another reviewer role")
	// ErrInvalidCounterOffer is returned for a counter-offer that is empty,
	// negative or larger than the request.
	ErrInvalidCounterOffer = errors.New("invalid counter-offer")
	// ErrStatusChanged is returned by Repository.Update when the stored
	// status no longer matches the expected one.
	ErrStatusChanged = errors.New("approval status changed concurrently")
)

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition approval from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// Status is a request's workflow state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEscalated Status = "escalated"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusEscalated, StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the request still awaits a decision. Escalated
// requests are still pending, only reassigned.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusEscalated
}

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s.Valid() && !s.Active()
}

// CounterOffer is a reviewer's reduced discount. Exactly one field is set.
type CounterOffer struct {
	Percent *decimal.Decimal
	Amount  *decimal.Decimal
}

// Cap returns the total discount the counter-offer allows on orderAmount.
func (o CounterOffer) Cap(orderAmount decimal.Decimal) decimal.Decimal {
	if o.Amount != nil {
		return o.Amount.Round(2)
	}
	if o.Percent != nil {
		return orderAmount.Mul(*o.Percent).Div(decimal.NewFromInt(100)).Round(2)
	}
	return decimal.Zero
}

// Snapshot is the evaluation a request was opened for. Approving re-runs
// the composer over it.
type Snapshot struct {
	OrderAmount decimal.Decimal
	Candidates  discount.Candidates
	Policy      discount.Policy
}

// Request is a discount awaiting review.
type Request struct {
	ID               string
	OrgID            string
	OrderID          string
	CustomerID       string
	RequesterID      string
	RequesterRole    string
	RequestedPercent decimal.Decimal
	RequestedAmount  decimal.Decimal
	Reason           string
	Status           Status
	AssignedTo       string
	EscalatedTo      string
	EscalatedAt      *time.Time
	ReviewerID       string
	ReviewNotes      string
	DecidedAt        *time.Time
	CounterOffer     *CounterOffer
	ApprovedAmount   *decimal.Decimal
	ReservationID    string
	Snapshot         Snapshot
	EscalateAt       *time.Time
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (r *Request) transition(to Status, at time.Time) error {
	if !r.Status.Active() {
		return &TransitionError{From: r.Status, To: to}
	}
	r.Status = to
	r.UpdatedAt = at
	if to.Terminal() {
		r.DecidedAt = &at
	}
	return nil
}

// Reviewer identifies who decides a request.
type Reviewer struct {
	ID   string
	Role string
}

// checkReviewer allows only the assigned role to decide an active request.
// After escalation that is the escalation target.
func (r *Request) checkReviewer(rv Reviewer) error {
	if !r.Status.Active() || r.AssignedTo == "" {
		return nil
	}
	if !strings.EqualFold(rv.Role, r.AssignedTo) {
		return errors.Wrapf(ErrNotAssignee, "assigned to %s", r.AssignedTo)
	}
	return nil
}

// Approve moves an active request to approved. A counter-offer must not
// exceed the requested discount.
func (r *Request) Approve(rv Reviewer, offer *CounterOffer, notes string, at time.Time) error {
	if err := r.checkReviewer(rv); err != nil {
		return err
	}
	if offer != nil {
		if err := r.checkOffer(*offer); err != nil {
			return err
		}
	}
	if err := r.transition(StatusApproved, at); err != nil {
		return err
	}
	r.ReviewerID = rv.ID
	r.ReviewNotes = notes
	r.CounterOffer = offer
	approved := r.Composition().TotalAmount
	r.ApprovedAmount = &approved
	return nil
}

// Composition re-runs the composer over the snapshot, capped by the
// counter-offer when there is one.
func (r *Request) Composition() discount.Composed {
	p := r.Snapshot.Policy
	if r.CounterOffer != nil {
		limit := r.CounterOffer.Cap(r.Snapshot.OrderAmount)
		p.CapAmount = &limit
	}
	return discount.Compose(r.Snapshot.OrderAmount, r.Snapshot.Candidates, p)
}

func (r *Request) checkOffer(o CounterOffer) error {
	switch {
	case (o.Percent == nil) == (o.Amount == nil):
		return errors.Wrap(ErrInvalidCounterOffer, "exactly one of percent or amount is required")
	case o.Percent != nil && (o.Percent.IsNegative() || o.Percent.GreaterThan(r.RequestedPercent)):
		return errors.Wrapf(ErrInvalidCounterOffer, "percent must be between 0 and %s", r.RequestedPercent)
	case o.Amount != nil && (o.Amount.IsNegative() || o.Amount.GreaterThan(r.RequestedAmount)):
		return errors.Wrapf(ErrInvalidCounterOffer, "amount must be between 0 and %s", r.RequestedAmount)
	}
	return nil
}

// Reject moves an active request to rejected.
func (r *Request) Reject(rv Reviewer, notes string, at time.Time) error {
	if err := r.checkReviewer(rv); err != nil {
		return err
	}
	if err := r.transition(StatusRejected, at); err != nil {
		return err
	}
	r.ReviewerID = rv.ID
	r.ReviewNotes = notes
	return nil
}

// Cancel moves an active request to cancelled on behalf of its requester.
func (r *Request) Cancel(requesterID string, at time.Time) error {
	if r.Status.Active() && requesterID != r.RequesterID {
		return ErrNotRequester
	}
	return r.transition(StatusCancelled, at)
}

// Escalate reassigns a pending request to approver. It happens at most once.
func (r *Request) Escalate(approver string, at time.Time) error {
	if r.Status != StatusPending || r.EscalatedAt != nil {
		return &TransitionError{From: r.Status, To: StatusEscalated}
	}
	r.Status = StatusEscalated
	r.EscalatedTo = approver
	r.AssignedTo = approver
	r.EscalatedAt = &at
	r.UpdatedAt = at
	return nil
}

// Expire moves an active request to expired.
func (r *Request) Expire(at time.Time) error {
	return r.transition(StatusExpired, at)
}

// DueForEscalation reports whether the sweep should escalate r at now.
func (r *Request) DueForEscalation(now time.Time) bool {
	return r.Status == StatusPending && r.EscalatedAt == nil &&
		r.EscalateAt != nil && !now.Before(*r.EscalateAt) && now.Before(r.ExpiresAt)
}

// DueForExpiry reports whether the sweep should expire r at now.
func (r *Request) DueForExpiry(now time.Time) bool {
	return r.Status.Active() && !now.Before(r.ExpiresAt)
}
