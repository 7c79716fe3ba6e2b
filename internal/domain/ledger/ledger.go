// Package ledger accounts for promo-code redemptions. It is the only place
// usage counters change.
package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrUsageLimitExceeded means committed redemptions have used up maxUsesTotal.
	ErrUsageLimitExceeded = errors.New("usage limit exceeded")
	// ErrCustomerLimitExceeded means the customer used up maxUsesPerCustomer.
	ErrCustomerLimitExceeded = errors.New("customer usage limit exceeded")
	// ErrConcurrentUsageConflict means the remaining capacity is held by
	// uncommitted reservations and may free up. It is always reported as a
	// *ConflictError that also matches the exhausted limit.
	ErrConcurrentUsageConflict = errors.New("concurrent usage conflict")
	// ErrReservationNotFound is returned for an unknown reservation id.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationResolved is returned when a reservation is no longer held.
	ErrReservationResolved = errors.New("reservation already resolved")
)

// ConflictError denies a reservation because in-flight reservations hold
// the remaining capacity. It matches both ErrConcurrentUsageConflict and
// Limit.
type ConflictError struct {
	Limit error
}

func (e *ConflictError) Error() string {
	return "concurrent usage conflict: " + e.Limit.Error()
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrConcurrentUsageConflict, e.Limit}
}

// Status is a reservation's lifecycle state.
type Status string

const (
	StatusHeld      Status = "held"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// Reservation is a provisional claim on one use of a code.
type Reservation struct {
	ID         string
	OrgID      string
	CodeID     string
	CustomerID string
	Status     Status
	ReservedAt time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// Limits are the caps a reservation is checked against. Nil means unlimited.
type Limits struct {
	MaxTotal       *int
	MaxPerCustomer *int
}

// ReserveParams describes one reservation attempt.
type ReserveParams struct {
	OrgID      string
	CodeID     string
	CustomerID string
	Limits     Limits
	ExpiresAt  time.Time
}

// Usage is a point-in-time view of a code's counters.
type Usage struct {
	Committed         int
	Held              int
	CustomerCommitted int
	CustomerHeld      int
}

// Ledger reserves, commits and releases code usage. Reserve is a single
// atomic check-and-increment: concurrent calls never admit more than the
// configured number of uses.
type Ledger interface {
	Usage(ctx context.Context, codeID, customerID string) (Usage, error)
	Reserve(ctx context.Context, p ReserveParams) (*Reservation, error)
	Commit(ctx context.Context, reservationID string, amount decimal.Decimal) error
	Release(ctx context.Context, reservationID string) error
	Extend(ctx context.Context, reservationID string, until time.Time) error
	ReleaseExpired(ctx context.Context, now time.Time) ([]Reservation, error)
}

// Reserve calls l.Reserve and retries once after delay when the attempt
// failed with ErrConcurrentUsageConflict. A conflict on the retry is
// reported as the exhausted limit it carries.
func Reserve(ctx context.Context, l Ledger, p ReserveParams, delay time.Duration) (*Reservation, error) {
	r, err := l.Reserve(ctx, p)
	if !errors.Is(err, ErrConcurrentUsageConflict) {
		return r, err
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	r, err = l.Reserve(ctx, p)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return nil, errors.Wrap(conflict.Limit, "capacity still held after retry")
	}
	return r, err
}
