package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[common.Address]*Escrow
	events  map[common.Address][]*Event
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[common.Address]*Escrow),
		events:  make(map[common.Address][]*Event),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrEscrowExists
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id common.Address) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) CountByBuyer(ctx context.Context, buyer common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n uint64
	for _, e := range m.escrows {
		if e.Buyer == buyer {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr common.Address, limit int, after *pagination.Cursor) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Buyer != addr && e.Seller != addr {
			continue
		}
		if !after.Before(e.CreatedAt, addrKey(e.ID)) {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return addrKey(result[i].ID) > addrKey(result[j].ID)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	cp.Amount = new(big.Int).Set(ev.Amount)
	m.events[ev.EscrowID] = append(m.events[ev.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, id common.Address) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.events[id]
	out := make([]*Event, len(src))
	for i, ev := range src {
		cp := *ev
		cp.Amount = new(big.Int).Set(ev.Amount)
		out[i] = &cp
	}
	return out, nil
}
