package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/ledger"
)

var _ ledger.Ledger = (*UsageLedger)(nil)

// UsageLedger keeps code usage in discount_codes (times_used, held) and
// discount_code_customer_usage, with one row per reservation in
// usage_reservations. Every counter change is a conditional UPDATE, so a
// reservation is admitted only while committed + held stays below the limit.
type UsageLedger struct {
	tm *TxManager
}

// NewUsageLedger returns a UsageLedger.
func NewUsageLedger(tm *TxManager) *UsageLedger {
	return &UsageLedger{tm: tm}
}

type reservationRow struct {
	ID         string     `db:"id"`
	OrgID      string     `db:"org_id"`
	CodeID     string     `db:"code_id"`
	CustomerID string     `db:"customer_id"`
	Status     string     `db:"status"`
	ReservedAt time.Time  `db:"reserved_at"`
	ExpiresAt  time.Time  `db:"expires_at"`
	ResolvedAt *time.Time `db:"resolved_at"`
}

func (r reservationRow) domain() ledger.Reservation {
	return ledger.Reservation{
		ID:         r.ID,
		OrgID:      r.OrgID,
		CodeID:     r.CodeID,
		CustomerID: r.CustomerID,
		Status:     ledger.Status(r.Status),
		ReservedAt: r.ReservedAt,
		ExpiresAt:  r.ExpiresAt,
		ResolvedAt: r.ResolvedAt,
	}
}

const reservationColumns = "id, org_id, code_id, customer_id, status, reserved_at, expires_at, resolved_at"

// Usage returns the counters of a code and, when customerID is set, of that
// customer.
func (l *UsageLedger) Usage(ctx context.Context, codeID, customerID string) (ledger.Usage, error) {
	var u ledger.Usage
	q := l.tm.Querier(ctx)
	err := q.QueryRow(ctx,
		"SELECT times_used, held FROM discount_codes WHERE id = $1", codeID,
	).Scan(&u.Committed, &u.Held)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return u, fmt.Errorf("reading code usage: %w", err)
	}
	if customerID == "" {
		return u, nil
	}
	err = q.QueryRow(ctx,
		"SELECT committed, held FROM discount_code_customer_usage WHERE code_id = $1 AND customer_id = $2",
		codeID, customerID,
	).Scan(&u.CustomerCommitted, &u.CustomerHeld)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return u, fmt.Errorf("reading customer usage: %w", err)
	}
	return u, nil
}

// Reserve claims one use of the code. When the conditional increment
// matches no row the counters are re-read to tell an exhausted limit from
// capacity held by other reservations.
func (l *UsageLedger) Reserve(ctx context.Context, p ledger.ReserveParams) (*ledger.Reservation, error) {
	var out *ledger.Reservation
	err := l.tm.RunInTx(ctx, func(ctx context.Context) error {
		q := l.tm.Querier(ctx)

		tag, err := q.Exec(ctx, `
			UPDATE discount_codes SET held = held + 1
			WHERE id = $1 AND ($2::int IS NULL OR times_used + held < $2)`,
			p.CodeID, p.Limits.MaxTotal)
		if err != nil {
			return fmt.Errorf("reserving code usage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var committed int
			if err := q.QueryRow(ctx, "SELECT times_used FROM discount_codes WHERE id = $1", p.CodeID).Scan(&committed); err != nil {
				return fmt.Errorf("reading code usage: %w", err)
			}
			return denial(committed, p.Limits.MaxTotal, ledger.ErrUsageLimitExceeded)
		}

		if p.CustomerID != "" {
			if _, err := q.Exec(ctx, `
				INSERT INTO discount_code_customer_usage (code_id, customer_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				p.CodeID, p.CustomerID); err != nil {
				return fmt.Errorf("creating customer usage: %w", err)
			}
			tag, err := q.Exec(ctx, `
				UPDATE discount_code_customer_usage SET held = held + 1
				WHERE code_id = $1 AND customer_id = $2 AND ($3::int IS NULL OR committed + held < $3)`,
				p.CodeID, p.CustomerID, p.Limits.MaxPerCustomer)
			if err != nil {
				return fmt.Errorf("reserving customer usage: %w", err)
			}
			if tag.RowsAffected() == 0 {
				var committed int
				if err := q.QueryRow(ctx,
					"SELECT committed FROM discount_code_customer_usage WHERE code_id = $1 AND customer_id = $2",
					p.CodeID, p.CustomerID,
				).Scan(&committed); err != nil {
					return fmt.Errorf("reading customer usage: %w", err)
				}
				return denial(committed, p.Limits.MaxPerCustomer, ledger.ErrCustomerLimitExceeded)
			}
		}

		var row reservationRow
		if err := pgxscan.Get(ctx, q, &row, `
			INSERT INTO usage_reservations (id, org_id, code_id, customer_id, status, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+reservationColumns,
			uuid.NewString(), p.OrgID, p.CodeID, p.CustomerID, string(ledger.StatusHeld), p.ExpiresAt,
		); err != nil {
			return fmt.Errorf("inserting reservation: %w", err)
		}
		r := row.domain()
		out = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// denial classifies a failed conditional increment. Committed usage at the
// limit is final; anything else is capacity held by open reservations.
func denial(committed int, limit *int, exhausted error) error {
	if limit != nil && committed >= *limit {
		return exhausted
	}
	return &ledger.ConflictError{Limit: exhausted}
}

// Commit turns a held reservation into a redemption worth amount.
func (l *UsageLedger) Commit(ctx context.Context, id string, amount decimal.Decimal) error {
	return l.resolve(ctx, id, ledger.StatusCommitted, amount)
}

// Release gives a held reservation's capacity back.
func (l *UsageLedger) Release(ctx context.Context, id string) error {
	return l.resolve(ctx, id, ledger.StatusReleased, decimal.Zero)
}

func (l *UsageLedger) resolve(ctx context.Context, id string, to ledger.Status, amount decimal.Decimal) error {
	return l.tm.RunInTx(ctx, func(ctx context.Context) error {
		q := l.tm.Querier(ctx)

		var row reservationRow
		err := pgxscan.Get(ctx, q, &row, `
			UPDATE usage_reservations SET status = $2, resolved_at = NOW()
			WHERE id = $1 AND status = 'held'
			RETURNING `+reservationColumns,
			id, string(to))
		if pgxscan.NotFound(err) {
			return l.missing(ctx, q, id)
		}
		if err != nil {
			return fmt.Errorf("resolving reservation: %w", err)
		}
		return unhold(ctx, q, row, to, amount)
	})
}

// missing reports why a held reservation could not be found.
func (l *UsageLedger) missing(ctx context.Context, q Querier, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM usage_reservations WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("checking reservation: %w", err)
	}
	if exists {
		return ledger.ErrReservationResolved
	}
	return ledger.ErrReservationNotFound
}

// unhold moves one use out of held, into times_used when committed.
func unhold(ctx context.Context, q Querier, r reservationRow, to ledger.Status, amount decimal.Decimal) error {
	committed := 0
	if to == ledger.StatusCommitted {
		committed = 1
	}
	if _, err := q.Exec(ctx, `
		UPDATE discount_codes
		SET held = held - 1, times_used = times_used + $2, total_discount_given = total_discount_given + $3
		WHERE id = $1`,
		r.CodeID, committed, amount); err != nil {
		return fmt.Errorf("updating code usage: %w", err)
	}
	if r.CustomerID == "" {
		return nil
	}
	if _, err := q.Exec(ctx, `
		UPDATE discount_code_customer_usage
		SET held = held - 1, committed = committed + $3
		WHERE code_id = $1 AND customer_id = $2`,
		r.CodeID, r.CustomerID, committed); err != nil {
		return fmt.Errorf("updating customer usage: %w", err)
	}
	return nil
}

// Extend moves a held reservation's expiry.
func (l *UsageLedger) Extend(ctx context.Context, id string, until time.Time) error {
	q := l.tm.Querier(ctx)
	tag, err := q.Exec(ctx,
		"UPDATE usage_reservations SET expires_at = $2 WHERE id = $1 AND status = 'held'", id, until)
	if err != nil {
		return fmt.Errorf("extending reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.missing(ctx, q, id)
	}
	return nil
}

// ReleaseExpired releases held reservations whose expiry is not after now.
func (l *UsageLedger) ReleaseExpired(ctx context.Context, now time.Time) ([]ledger.Reservation, error) {
	var released []ledger.Reservation
	err := l.tm.RunInTx(ctx, func(ctx context.Context) error {
		q := l.tm.Querier(ctx)

		var rows []reservationRow
		if err := pgxscan.Select(ctx, q, &rows, `
			UPDATE usage_reservations SET status = 'released', resolved_at = $1
			WHERE status = 'held' AND expires_at <= $1
			RETURNING `+reservationColumns,
			now); err != nil {
			return fmt.Errorf("releasing expired reservations: %w", err)
		}
		for _, row := range rows {
			if err := unhold(ctx, q, row, ledger.StatusReleased, decimal.Zero); err != nil {
				return err
			}
			released = append(released, row.domain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}
