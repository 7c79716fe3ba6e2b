package ledger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func limit(n int) *int {
	return &n
}

func TestMemory_SingleSlotRace(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	p := ReserveParams{OrgID: "org", CodeID: "code", Limits: Limits{MaxTotal: limit(1)}, ExpiresAt: time.Now().Add(time.Minute)}

	var (
		reserved atomic.Int32
		denied   atomic.Int32
	)
	g, ctx := errgroup.WithContext(ctx)
	for range 2 {
		g.Go(func() error {
			_, err := l.Reserve(ctx, p)
			switch {
			case err == nil:
				reserved.Add(1)
			case errors.Is(err, ErrUsageLimitExceeded):
				denied.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), reserved.Load())
	assert.Equal(t, int32(1), denied.Load())
}

func TestMemory_ConcurrentReservationsNeverExceedLimit(t *testing.T) {
	const (
		maxUses  = 7
		attempts = 64
	)
	ctx := context.Background()
	l := NewMemory()
	p := ReserveParams{OrgID: "org", CodeID: "code", Limits: Limits{MaxTotal: limit(maxUses)}, ExpiresAt: time.Now().Add(time.Minute)}

	var committed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := range attempts {
		g.Go(func() error {
			// Every goroutine retries until the code is exhausted; some
			// release instead of committing to free capacity for others.
			for {
				r, err := l.Reserve(gctx, p)
				if errors.Is(err, ErrConcurrentUsageConflict) {
					time.Sleep(time.Millisecond)
					continue
				}
				if errors.Is(err, ErrUsageLimitExceeded) {
					return nil
				}
				if err != nil {
					return err
				}
				if i%3 == 0 {
					if err := l.Release(gctx, r.ID); err != nil {
						return err
					}
					continue
				}
				if err := l.Commit(gctx, r.ID, decimal.NewFromInt(1)); err != nil {
					return err
				}
				committed.Add(1)
				return nil
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(maxUses), committed.Load())
	u, err := l.Usage(ctx, "code", "")
	require.NoError(t, err)
	assert.Equal(t, maxUses, u.Committed)
	assert.Equal(t, 0, u.Held)
	assert.True(t, decimal.NewFromInt(maxUses).Equal(l.DiscountGiven("code")))
}

func TestMemory_Limits(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	exp := time.Now().Add(time.Minute)
	p := ReserveParams{
		CodeID: "code", CustomerID: "cust",
		Limits:    Limits{MaxTotal: limit(3), MaxPerCustomer: limit(1)},
		ExpiresAt: exp,
	}

	r, err := l.Reserve(ctx, p)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, p)
	require.ErrorIs(t, err, ErrConcurrentUsageConflict)
	require.ErrorIs(t, err, ErrCustomerLimitExceeded)

	require.NoError(t, l.Commit(ctx, r.ID, decimal.NewFromInt(10)))

	_, err = l.Reserve(ctx, p)
	require.ErrorIs(t, err, ErrCustomerLimitExceeded)
	assert.False(t, errors.Is(err, ErrConcurrentUsageConflict))

	other := p
	other.CustomerID = "someone-else"
	_, err = l.Reserve(ctx, other)
	require.NoError(t, err)

	u, err := l.Usage(ctx, "code", "cust")
	require.NoError(t, err)
	assert.Equal(t, Usage{Committed: 1, Held: 1, CustomerCommitted: 1}, u)
}

func TestMemory_ResolveOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	r, err := l.Reserve(ctx, ReserveParams{CodeID: "code", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, r.ID))
	require.ErrorIs(t, l.Release(ctx, r.ID), ErrReservationResolved)
	require.ErrorIs(t, l.Commit(ctx, r.ID, decimal.Zero), ErrReservationResolved)
	require.ErrorIs(t, l.Release(ctx, "missing"), ErrReservationNotFound)
}

func TestMemory_ReleaseExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	l := NewMemory()
	l.now = func() time.Time { return now }

	stale, err := l.Reserve(ctx, ReserveParams{CodeID: "code", ExpiresAt: now.Add(-time.Second)})
	require.NoError(t, err)
	extended, err := l.Reserve(ctx, ReserveParams{CodeID: "code", ExpiresAt: now.Add(-time.Second)})
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, extended.ID, now.Add(time.Hour)))

	released, err := l.ReleaseExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, stale.ID, released[0].ID)

	again, err := l.ReleaseExpired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	r, ok := l.Reservation(extended.ID)
	require.True(t, ok)
	assert.Equal(t, StatusHeld, r.Status)
}

type flakyLedger struct {
	*Memory
	conflicts int
	calls     int
}

func (f *flakyLedger) Reserve(ctx context.Context, p ReserveParams) (*Reservation, error) {
	f.calls++
	if f.calls <= f.conflicts {
		return nil, &ConflictError{Limit: ErrUsageLimitExceeded}
	}
	return f.Memory.Reserve(ctx, p)
}

func TestReserve_RetriesConflictOnce(t *testing.T) {
	ctx := context.Background()
	p := ReserveParams{CodeID: "code", ExpiresAt: time.Now().Add(time.Minute)}

	f := &flakyLedger{Memory: NewMemory(), conflicts: 1}
	r, err := Reserve(ctx, f, p, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, 2, f.calls)

	f = &flakyLedger{Memory: NewMemory(), conflicts: 2}
	_, err = Reserve(ctx, f, p, 0)
	require.ErrorIs(t, err, ErrUsageLimitExceeded)
	assert.NotErrorIs(t, err, ErrConcurrentUsageConflict)
	assert.Equal(t, 2, f.calls)
}
