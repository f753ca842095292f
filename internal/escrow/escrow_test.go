package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/ether"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recordingEmitter) EmitEscrowEvent(ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingEmitter) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// failingStore fails Update after the first n successful calls.
type failingStore struct {
	*MemoryStore
	updates atomic.Int32
	allow   int32
}

func (f *failingStore) Update(ctx context.Context, e *Escrow) error {
	if f.updates.Add(1) > f.allow {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Update(ctx, e)
}

// brokenReverseLedger moves funds but cannot undo them.
type brokenReverseLedger struct {
	*ledger.Ledger
}

func (b *brokenReverseLedger) Reverse(ctx context.Context, transferID, reason string) error {
	return errors.New("ledger unavailable")
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	ledger  *ledger.Ledger
	emitter *recordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		ledger:  ledger.New(ledger.NewMemoryStore()),
		emitter: &recordingEmitter{},
	}
	f.svc = NewService(f.store, f.ledger).WithEmitter(f.emitter)
	return f
}

func (f *fixture) fund(t *testing.T, addr common.Address, wei *big.Int) {
	t.Helper()
	_, err := f.ledger.Fund(context.Background(), addr, wei, "test")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), addr)
	require.NoError(t, err)
	return b
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.WithClock(func() time.Time { return at })

	esc, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)

	assert.Equal(t, crypto.CreateAddress(buyerAddr, 0), esc.ID)
	assert.Equal(t, buyerAddr, esc.Buyer)
	assert.Equal(t, sellerAddr, esc.Seller)
	assert.Equal(t, uint64(0), esc.Nonce)
	assert.Equal(t, StateAwaitingPayment, esc.State)
	assert.Equal(t, 0, esc.Amount.Sign())
	assert.Equal(t, at, esc.CreatedAt)
	assert.Nil(t, esc.ResolvedAt)

	second, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(buyerAddr, 1), second.ID)

	// Another buyer starts its own nonce sequence.
	other, err := f.svc.Create(ctx, strangerAddr, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), other.Nonce)

	assert.Equal(t, []EventType{EventCreated, EventCreated, EventCreated}, f.emitter.types())
}

// Buyer deposits, seller releases: the seller ends up with the deposit.
func TestService_DepositRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, buyerAddr, ether.Ether(10))

	esc, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)

	esc, err = f.svc.Deposit(ctx, esc.ID, buyerAddr, ether.Ether(1))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDelivery, esc.State)
	assert.Equal(t, ether.Ether(1), esc.Amount)
	assert.Equal(t, ether.Ether(9), f.balance(t, buyerAddr))
	assert.Equal(t, ether.Ether(1), f.balance(t, esc.ID))

	amount, err := f.svc.Amount(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, ether.Ether(1), amount)

	esc, err = f.svc.Release(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, esc.State)
	assert.Equal(t, 0, esc.Amount.Sign())
	assert.NotNil(t, esc.ResolvedAt)

	assert.Equal(t, ether.Ether(1), f.balance(t, sellerAddr))
	assert.Equal(t, 0, f.balance(t, esc.ID).Sign())
	assert.Equal(t, ether.Ether(9), f.balance(t, buyerAddr))

	state, err := f.svc.State(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, state)

	events, err := f.svc.Events(ctx, esc.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventFunded, events[1].Type)
	assert.Equal(t, ether.Ether(1), events[1].Amount)
	assert.NotEmpty(t, events[1].TransferID)
	assert.Equal(t, EventReleased, events[2].Type)
	assert.Equal(t, sellerAddr, events[2].Caller)
	assert.Equal(t, StateAwaitingDelivery, events[2].From)
	assert.Equal(t, StateComplete, events[2].To)

	assert.Equal(t, []EventType{EventCreated, EventFunded, EventReleased}, f.emitter.types())
}

// Buyer deposits, then refunds: the buyer is made whole and the escrow is
// terminal.
func TestService_DepositRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, buyerAddr, ether.Ether(3))

	esc, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, esc.ID, buyerAddr, ether.Ether(3))
	require.NoError(t, err)
	assert.Equal(t, 0, f.balance(t, buyerAddr).Sign())

	esc, err = f.svc.Refund(ctx, esc.ID, buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, esc.State)
	assert.Equal(t, 0, esc.Amount.Sign())
	assert.Equal(t, ether.Ether(3), f.balance(t, buyerAddr))
	assert.Equal(t, 0, f.balance(t, sellerAddr).Sign())

	_, err = f.svc.Release(ctx, esc.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.Refund(ctx, esc.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.Deposit(ctx, esc.ID, buyerAddr, big.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestService_RejectionsChangeNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, buyerAddr, ether.Ether(2))
	f.fund(t, sellerAddr, ether.Ether(2))

	esc, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)

	_, err = f.svc.Deposit(ctx, esc.ID, sellerAddr, ether.Ether(1))
	assert.ErrorIs(t, err, ErrOnlyBuyerDeposit)
	_, err = f.svc.Deposit(ctx, esc.ID, buyerAddr, big.NewInt(0))
	assert.ErrorIs(t, err, ErrZeroDeposit)
	_, err = f.svc.Release(ctx, esc.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.Refund(ctx, esc.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err := f.svc.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, got.State)
	assert.Equal(t, ether.Ether(2), f.balance(t, buyerAddr))
	assert.Equal(t, ether.Ether(2), f.balance(t, sellerAddr))

	events, err := f.svc.Events(ctx, esc.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestService_InsufficientFundsLeavesEscrowUnfunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, buyerAddr, big.NewInt(5))

	esc, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)

	_, err = f.svc.Deposit(ctx, esc.ID, buyerAddr, big.NewInt(6))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.False(t, IsRejection(err))

	state, err := f.svc.State(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, state)
	assert.Equal(t, big.NewInt(5), f.balance(t, buyerAddr))
}

func TestService_UnknownEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	missing := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	_, err := f.svc.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = f.svc.Deposit(ctx, missing, buyerAddr, big.NewInt(1))
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = f.svc.Amount(ctx, missing)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = f.svc.Events(ctx, missing)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestService_BuyerIsSeller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, buyerAddr, big.NewInt(4))

	esc, err := f.svc.Create(ctx, buyerAddr, buyerAddr)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, esc.ID, buyerAddr, big.NewInt(4))
	require.NoError(t, err)
	_, err = f.svc.Release(ctx, esc.ID, buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(4), f.balance(t, buyerAddr))
}

func TestService_PersistFailureReversesTransfer(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore(), allow: 0}
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(store, l)

	_, err := l.Fund(ctx, buyerAddr, big.NewInt(10), "test")
	require.NoError(t, err)

	esc, err := svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, esc.ID, buyerAddr, big.NewInt(7))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "manual resolution")
	assert.Equal(t, int32(persistAttempts), store.updates.Load())

	bal, err := l.Balance(ctx, buyerAddr)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), bal)
	held, err := l.Balance(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, held.Sign())

	got, err := svc.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, got.State)

	events, err := svc.Events(ctx, esc.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestService_PersistFailureWithBrokenReversal(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore(), allow: 0}
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(store, &brokenReverseLedger{Ledger: l})

	_, err := l.Fund(ctx, buyerAddr, big.NewInt(10), "test")
	require.NoError(t, err)
	esc, err := svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, esc.ID, buyerAddr, big.NewInt(7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual resolution")
}

func TestService_PersistRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(flaky, l)

	_, err := l.Fund(ctx, buyerAddr, big.NewInt(10), "test")
	require.NoError(t, err)
	esc, err := svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)

	esc, err = svc.Deposit(ctx, esc.ID, buyerAddr, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingDelivery, esc.State)

	held, err := l.Balance(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), held)
}

// flakyStore fails the first n updates.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Update(ctx context.Context, e *Escrow) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("serialization failure")
	}
	f.mu.Unlock()
	return f.MemoryStore.Update(ctx, e)
}

// Release and refund race on a funded escrow: exactly one wins and the held
// amount is paid out once.
func TestService_ConcurrentReleaseRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, buyerAddr, big.NewInt(100))

	esc, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, esc.ID, buyerAddr, big.NewInt(100))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		invalid   atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.Release(ctx, esc.ID, sellerAddr)
			} else {
				_, err = f.svc.Refund(ctx, esc.ID, buyerAddr)
			}
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidState):
				invalid.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(19), invalid.Load())

	total := new(big.Int).Add(f.balance(t, buyerAddr), f.balance(t, sellerAddr))
	assert.Equal(t, big.NewInt(100), total)
	assert.Equal(t, 0, f.balance(t, esc.ID).Sign())
}

func TestService_ConcurrentCreateAssignsDistinctNonces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 25
	ids := make(chan common.Address, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			esc, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
			if err == nil {
				ids <- esc.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[common.Address]bool)
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, n)
	for i := uint64(0); i < n; i++ {
		assert.True(t, seen[crypto.CreateAddress(buyerAddr, i)], "nonce %d missing", i)
	}
}

func TestService_ListByParty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, strangerAddr, sellerAddr)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, buyerAddr, strangerAddr)
	require.NoError(t, err)

	asSeller, err := f.svc.ListByParty(ctx, sellerAddr, 0, "")
	require.NoError(t, err)
	assert.Len(t, asSeller.Escrows, 2)
	assert.False(t, asSeller.HasMore)

	asBuyer, err := f.svc.ListByParty(ctx, buyerAddr, 1, "")
	require.NoError(t, err)
	assert.Len(t, asBuyer.Escrows, 1)
	assert.True(t, asBuyer.HasMore)
	assert.NotEmpty(t, asBuyer.NextCursor)

	_, err = f.svc.ListByParty(ctx, buyerAddr, 1, "garbage!")
	assert.ErrorIs(t, err, pagination.ErrInvalidCursor)
}

// Walking the cursor visits every escrow exactly once, including escrows
// created in the same instant.
func TestService_ListByPartyPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.svc.WithClock(func() time.Time { return at })

	const n = 7
	for i := 0; i < n; i++ {
		_, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
		require.NoError(t, err)
	}

	seen := make(map[common.Address]bool)
	cursor := ""
	pages := 0
	for {
		page, err := f.svc.ListByParty(ctx, sellerAddr, 3, cursor)
		require.NoError(t, err)
		pages++
		for _, e := range page.Escrows {
			assert.False(t, seen[e.ID], "escrow %s listed twice", e.ID.Hex())
			seen[e.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, n)
}

func TestService_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	esc, err := f.svc.Create(ctx, buyerAddr, sellerAddr)
	require.NoError(t, err)
	esc.State = StateComplete
	esc.Amount.SetInt64(99)

	got, err := f.svc.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, got.State)
	assert.Equal(t, 0, got.Amount.Sign())
}
