package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ Ledger = (*Memory)(nil)

type counter struct {
	committed int
	held      int
}

// Memory is a process-local Ledger. All counter changes happen under one
// mutex so check-and-increment is atomic.
type Memory struct {
	mu           sync.Mutex
	codes        map[string]*counter
	customers    map[[2]string]*counter
	given        map[string]decimal.Decimal
	reservations map[string]*Reservation
	now          func() time.Time
}

// NewMemory returns an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{
		codes:        make(map[string]*counter),
		customers:    make(map[[2]string]*counter),
		given:        make(map[string]decimal.Decimal),
		reservations: make(map[string]*Reservation),
		now:          time.Now,
	}
}

func (m *Memory) code(id string) *counter {
	c, ok := m.codes[id]
	if !ok {
		c = &counter{}
		m.codes[id] = c
	}
	return c
}

func (m *Memory) customer(codeID, customerID string) *counter {
	k := [2]string{codeID, customerID}
	c, ok := m.customers[k]
	if !ok {
		c = &counter{}
		m.customers[k] = c
	}
	return c
}

// Usage returns the counters of a code and customer.
func (m *Memory) Usage(_ context.Context, codeID, customerID string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.code(codeID)
	u := Usage{Committed: c.committed, Held: c.held}
	if customerID != "" {
		cc := m.customer(codeID, customerID)
		u.CustomerCommitted, u.CustomerHeld = cc.committed, cc.held
	}
	return u, nil
}

// Reserve claims one use when capacity remains.
func (m *Memory) Reserve(_ context.Context, p ReserveParams) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.code(p.CodeID)
	if err := check(c, p.Limits.MaxTotal, ErrUsageLimitExceeded); err != nil {
		return nil, err
	}
	var cc *counter
	if p.CustomerID != "" {
		cc = m.customer(p.CodeID, p.CustomerID)
		if err := check(cc, p.Limits.MaxPerCustomer, ErrCustomerLimitExceeded); err != nil {
			return nil, err
		}
		cc.held++
	}
	c.held++

	r := &Reservation{
		ID:         uuid.NewString(),
		OrgID:      p.OrgID,
		CodeID:     p.CodeID,
		CustomerID: p.CustomerID,
		Status:     StatusHeld,
		ReservedAt: m.now(),
		ExpiresAt:  p.ExpiresAt,
	}
	m.reservations[r.ID] = r
	cp := *r
	return &cp, nil
}

func check(c *counter, limit *int, exhausted error) error {
	if limit == nil {
		return nil
	}
	if c.committed >= *limit {
		return exhausted
	}
	if c.committed+c.held >= *limit {
		return &ConflictError{Limit: exhausted}
	}
	return nil
}

// Commit turns a held reservation into a redemption worth amount.
func (m *Memory) Commit(_ context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.held(id)
	if err != nil {
		return err
	}
	m.resolve(r, StatusCommitted)
	m.given[r.CodeID] = m.given[r.CodeID].Add(amount)
	return nil
}

// Release gives a held reservation's capacity back.
func (m *Memory) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.held(id)
	if err != nil {
		return err
	}
	m.resolve(r, StatusReleased)
	return nil
}

// Extend moves a held reservation's expiry.
func (m *Memory) Extend(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.held(id)
	if err != nil {
		return err
	}
	r.ExpiresAt = until
	return nil
}

// ReleaseExpired releases held reservations whose expiry is not after now.
func (m *Memory) ReleaseExpired(_ context.Context, now time.Time) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []Reservation
	for _, r := range m.reservations {
		if r.Status != StatusHeld || r.ExpiresAt.After(now) {
			continue
		}
		m.resolve(r, StatusReleased)
		released = append(released, *r)
	}
	return released, nil
}

// DiscountGiven returns the total committed discount for a code.
func (m *Memory) DiscountGiven(codeID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.given[codeID]
}

// Reservation returns a copy of a reservation.
func (m *Memory) Reservation(id string) (Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

func (m *Memory) held(id string) (*Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if r.Status != StatusHeld {
		return nil, ErrReservationResolved
	}
	return r, nil
}

func (m *Memory) resolve(r *Reservation, to Status) {
	c := m.code(r.CodeID)
	c.held--
	if to == StatusCommitted {
		c.committed++
	}
	if r.CustomerID != "" {
		cc := m.customer(r.CodeID, r.CustomerID)
		cc.held--
		if to == StatusCommitted {
			cc.committed++
		}
	}
	now := m.now()
	r.Status = to
	r.ResolvedAt = &now
}
