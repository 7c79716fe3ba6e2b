package loyalty

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is a process-local Ledger guarded by a mutex.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[[2]string]*Account
	txs      map[[2]string][]Transaction
	now      func() time.Time
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[[2]string]*Account),
		txs:      make(map[[2]string][]Transaction),
		now:      time.Now,
	}
}

// Account returns a copy of the customer's account.
func (l *MemoryLedger) Account(_ context.Context, orgID, customerID string) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[[2]string{orgID, customerID}]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

// Append applies tx.Delta, creating the account on first credit.
func (l *MemoryLedger) Append(_ context.Context, tx Transaction) (*Transaction, error) {
	if tx.Delta == 0 {
		return nil, ErrZeroDelta
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := [2]string{tx.OrgID, tx.CustomerID}
	acc, ok := l.accounts[key]
	if !ok {
		acc = &Account{OrgID: tx.OrgID, CustomerID: tx.CustomerID}
	}
	if acc.CurrentPoints+tx.Delta < 0 {
		return nil, ErrInsufficientPoints
	}

	now := l.now()
	acc.CurrentPoints += tx.Delta
	if tx.Delta > 0 {
		acc.LifetimePoints += tx.Delta
	}
	acc.UpdatedAt = now
	l.accounts[key] = acc

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.Seq = int64(len(l.txs[key])) + 1
	tx.BalanceAfter = acc.CurrentPoints
	tx.CreatedAt = now
	l.txs[key] = append(l.txs[key], tx)
	return &tx, nil
}

// Transactions returns the customer's transactions in append order.
func (l *MemoryLedger) Transactions(_ context.Context, orgID, customerID string) ([]Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs := l.txs[[2]string{orgID, customerID}]
	out := make([]Transaction, len(txs))
	copy(out, txs)
	return out, nil
}
