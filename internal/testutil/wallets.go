package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"evbackend.in/core/internal/features/wallet"
)

// MemWallets is an in-memory wallet store.
type MemWallets struct {
	mu      sync.Mutex
	wallets map[int64]wallet.Wallet
	txns    []wallet.Transaction
	nextID  int64
}

func NewMemWallets() *MemWallets {
	return &MemWallets{wallets: make(map[int64]wallet.Wallet)}
}

func (m *MemWallets) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallets := make(map[int64]wallet.Wallet, len(m.wallets))
	for k, v := range m.wallets {
		wallets[k] = v
	}
	txns := append([]wallet.Transaction(nil), m.txns...)
	nextID := m.nextID
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.wallets, m.txns, m.nextID = wallets, txns, nextID
	}
}

func (m *MemWallets) LockOrCreate(_ context.Context, userID int64) (*wallet.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		w = wallet.Wallet{UserID: userID}
		m.wallets[userID] = w
	}
	return &w, nil
}

func (m *MemWallets) Apply(_ context.Context, w *wallet.Wallet, txn *wallet.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	txn.CreatedAt = time.Now()
	stored := *txn
	stored.ID = m.nextID
	m.txns = append(m.txns, stored)
	m.wallets[w.UserID] = *w
	return m.nextID, nil
}

func (m *MemWallets) Get(_ context.Context, userID int64) (*wallet.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallets[userID]
	w.UserID = userID
	return &w, nil
}

func (m *MemWallets) History(_ context.Context, userID int64, limit int) ([]*wallet.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*wallet.Transaction
	for i := len(m.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txns[i].UserID == userID {
			t := m.txns[i]
			out = append(out, &t)
		}
	}
	return out, nil
}

func (m *MemWallets) SumUntil(_ context.Context, userID int64, at time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, t := range m.txns {
		if t.UserID == userID && !t.CreatedAt.After(at) {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (m *MemWallets) HasEntry(_ context.Context, userID int64, typ wallet.TxType, ref wallet.Reference) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.UserID == userID && t.Type == typ && t.Reference == ref {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemWallets) Drifts(_ context.Context) ([]wallet.Drift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wallet.Drift
	for userID, w := range m.wallets {
		sum := m.sumLocked(userID)
		if !sum.Equal(w.Balance) {
			out = append(out, wallet.Drift{UserID: userID, Cached: w.Balance, LedgerSum: sum})
		}
	}
	return out, nil
}

func (m *MemWallets) Repair(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallets[userID]
	w.Balance = m.sumLocked(userID)
	m.wallets[userID] = w
	return nil
}

func (m *MemWallets) sumLocked(userID int64) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range m.txns {
		if t.UserID == userID {
			sum = sum.Add(t.Amount)
		}
	}
	return sum
}

// Transactions returns every stored row for userID, oldest first.
func (m *MemWallets) Transactions(userID int64) []wallet.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wallet.Transaction
	for _, t := range m.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// Corrupt overwrites a cached balance, for audit tests.
func (m *MemWallets) Corrupt(userID int64, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallets[userID]
	w.Balance = balance
	m.wallets[userID] = w
}
