package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/ether"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[common.Address]*big.Int
	transfers map[string]*Transfer
	order     []string
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[common.Address]*big.Int),
		transfers: make(map[string]*Transfer),
	}
}

func (m *MemoryStore) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(addr), nil
}

func (m *MemoryStore) balanceLocked(addr common.Address) *big.Int {
	if b, ok := m.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// move debits from (unless mint) and credits to. Caller holds the lock.
func (m *MemoryStore) move(from, to common.Address, amount *big.Int, mint, burn bool) error {
	if !mint && m.balanceLocked(from).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if !burn && (mint || from != to) {
		after := new(big.Int).Add(m.balanceLocked(to), amount)
		if after.Cmp(ether.MaxWei) > 0 {
			return ErrBalanceOverflow
		}
	}
	if !mint {
		bal := m.balanceLocked(from)
		m.balances[from] = bal.Sub(bal, amount)
	}
	if !burn {
		m.balances[to] = m.balanceLocked(to).Add(m.balanceLocked(to), amount)
	}
	return nil
}

func (m *MemoryStore) Apply(_ context.Context, t *Transfer) error {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.move(t.From, t.To, t.Amount, t.Kind == KindFund, false); err != nil {
		return err
	}
	m.record(t)
	return nil
}

func (m *MemoryStore) ApplyReversal(_ context.Context, originalID string, rev *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	orig, ok := m.transfers[originalID]
	if !ok {
		return ErrTransferNotFound
	}
	if orig.ReversedBy != "" {
		return ErrAlreadyReversed
	}

	// A reversed fund burns the minted value.
	if err := m.move(orig.To, orig.From, orig.Amount, false, orig.Kind == KindFund); err != nil {
		return err
	}
	rev.From = orig.To
	rev.To = orig.From
	rev.Amount = new(big.Int).Set(orig.Amount)
	orig.ReversedBy = rev.ID
	m.record(rev)
	return nil
}

func (m *MemoryStore) record(t *Transfer) {
	m.transfers[t.ID] = t.Clone()
	m.order = append(m.order, t.ID)
}

func (m *MemoryStore) GetTransfer(_ context.Context, id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) History(_ context.Context, addr common.Address, limit int) ([]*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transfer
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.transfers[m.order[i]]
		if (t.Kind != KindFund && t.From == addr) || t.To == addr {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
