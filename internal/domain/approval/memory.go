package approval

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is a process-local Repository.
type MemoryRepository struct {
	mu       sync.Mutex
	requests map[string]Request
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[string]Request)}
}

func (m *MemoryRepository) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.requests {
		if other.OrgID == r.OrgID && other.OrderID == r.OrderID && other.Status.Active() {
			return ErrActiveRequestExists
		}
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, orgID, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || r.OrgID != orgID {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryRepository) FindActive(_ context.Context, orgID, orderID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.OrgID == orgID && r.OrderID == orderID && r.Status.Active() {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]Request, error) {
	return m.filter(f.Limit, func(r Request) bool {
		return r.OrgID == f.OrgID && slices.Contains(f.Statuses, r.Status)
	}), nil
}

func (m *MemoryRepository) Update(_ context.Context, r *Request, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrStatusChanged
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryRepository) DueForEscalation(_ context.Context, now time.Time, limit int) ([]Request, error) {
	return m.filter(limit, func(r Request) bool { return r.DueForEscalation(now) }), nil
}

func (m *MemoryRepository) DueForExpiry(_ context.Context, now time.Time, limit int) ([]Request, error) {
	return m.filter(limit, func(r Request) bool { return r.DueForExpiry(now) }), nil
}

func (m *MemoryRepository) filter(limit int, keep func(Request) bool) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Request
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b Request) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
