// Package escrow implements a two-party escrow: a buyer deposits funds, then
// either the seller receives them (release) or the buyer recovers them
// (refund).
//
// Flow:
//  1. Buyer creates the escrow naming a seller       -> AwaitingPayment
//  2. Buyer deposits value: buyer -> escrow address  -> AwaitingDelivery
//  3. Seller releases: escrow address -> seller      -> Complete
//     or buyer refunds: escrow address -> buyer      -> Refunded
//
// Complete and Refunded are terminal. Funds are held by the host ledger at
// the escrow's own address, derived from the buyer and a per-buyer nonce the
// same way contract addresses are.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/escrowd/internal/ether"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

const (
	persistAttempts  = 3
	persistBaseDelay = 50 * time.Millisecond
)

// Escrow is a single escrow instance.
type Escrow struct {
	ID         common.Address `json:"id"`
	Buyer      common.Address `json:"buyer"`
	Seller     common.Address `json:"seller"`
	Nonce      uint64         `json:"nonce"`
	Amount     *big.Int       `json:"amount"`
	State      State          `json:"state"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Amount = e.held()
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Store persists escrows and their event history.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id common.Address) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	CountByBuyer(ctx context.Context, buyer common.Address) (uint64, error)
	// ListByParty returns up to limit escrows where addr is buyer or seller,
	// ordered by (CreatedAt, id) descending and strictly after the cursor.
	ListByParty(ctx context.Context, addr common.Address, limit int, after *pagination.Cursor) ([]*Escrow, error)
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, id common.Address) ([]*Event, error)
}

// Ledger is the host ledger holding native balances. Transfer must be
// atomic: it either moves the whole value or nothing.
type Ledger interface {
	Transfer(ctx context.Context, from, to common.Address, value *big.Int, reference string) (string, error)
	Reverse(ctx context.Context, transferID, reason string) error
}

// Service runs escrow operations against a store and a ledger. Operations on
// the same escrow are serialized.
type Service struct {
	store   Store
	ledger  Ledger
	emitter EventEmitter
	locks   syncutil.KeyedMutex
	now     func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, ledger Ledger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		now:    time.Now,
	}
}

// WithEmitter publishes every recorded event to em.
func (s *Service) WithEmitter(em EventEmitter) *Service {
	s.emitter = em
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a new escrow in AwaitingPayment with the caller as buyer.
// buyer == seller is allowed.
func (s *Service) Create(ctx context.Context, buyer, seller common.Address) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.Caller(buyer.Hex()), traces.Party("seller", seller.Hex()))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, "buyer:"+buyer.Hex())
	if err != nil {
		return nil, err
	}
	defer unlock()

	nonce, err := s.store.CountByBuyer(ctx, buyer)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read buyer nonce: %w", err)
	}

	now := s.now()
	esc := &Escrow{
		ID:        crypto.CreateAddress(buyer, nonce),
		Buyer:     buyer,
		Seller:    seller,
		Nonce:     nonce,
		Amount:    new(big.Int),
		State:     StateAwaitingPayment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(traces.EscrowID(esc.ID.Hex()))

	if err := s.store.Create(ctx, esc); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowCreatedTotal.Inc()
	logging.L(ctx).Info("escrow created",
		"escrow_id", esc.ID.Hex(), "buyer", buyer.Hex(), "seller", seller.Hex(), "nonce", nonce)

	s.record(ctx, newCreatedEvent(esc))
	return esc.Clone(), nil
}

// Deposit moves value from the buyer into the escrow.
func (s *Service) Deposit(ctx context.Context, id, caller common.Address, value *big.Int) (*Escrow, error) {
	return s.execute(ctx, id, Call{Op: OpDeposit, Caller: caller, Value: value})
}

// Release pays the held amount to the seller.
func (s *Service) Release(ctx context.Context, id, caller common.Address) (*Escrow, error) {
	return s.execute(ctx, id, Call{Op: OpRelease, Caller: caller})
}

// Refund returns the held amount to the buyer.
func (s *Service) Refund(ctx context.Context, id, caller common.Address) (*Escrow, error) {
	return s.execute(ctx, id, Call{Op: OpRefund, Caller: caller})
}

// Submit runs call against escrow id. Deposit, Release and Refund are
// shorthands for it; handlers use it directly when the attached value
// failed to parse.
func (s *Service) Submit(ctx context.Context, id common.Address, call Call) (*Escrow, error) {
	return s.execute(ctx, id, call)
}

func (s *Service) execute(ctx context.Context, id common.Address, call Call) (*Escrow, error) {
	op := call.Op.String()
	ctx, span := traces.StartSpan(ctx, "escrow."+op,
		traces.EscrowID(id.Hex()), traces.Caller(call.Caller.Hex()), traces.Value(call.Value))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id.Hex())
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx = logging.WithEscrow(ctx, id.Hex())
	log := logging.L(ctx).With("op", op, "caller", call.Caller.Hex())

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	t, err := esc.Plan(call)
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues(op, "rejected").Inc()
		span.SetStatus(codes.Error, err.Error())
		log.Info("escrow operation rejected", "state", esc.State.String(), "reason", err.Error())
		return nil, err
	}

	transferID, err := s.moveFunds(ctx, esc, call, t)
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues(op, "failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		log.Warn("escrow transfer failed", "error", err)
		return nil, fmt.Errorf("failed to %s escrow funds: %w", op, err)
	}
	span.SetAttributes(traces.TransferID(transferID))

	// Funds have moved; finish the call even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	now := s.now()
	next := esc.Clone()
	next.Apply(t)
	next.UpdatedAt = now
	if next.State.IsTerminal() {
		next.ResolvedAt = &now
	}

	err = retry.Do(ctx, persistAttempts, persistBaseDelay, func() error {
		if err := s.store.Update(ctx, next); err != nil {
			if errors.Is(err, ErrEscrowNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues(op, "failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		if rerr := s.ledger.Reverse(ctx, transferID, "escrow "+op+" not persisted"); rerr != nil {
			log.Error("CRITICAL: escrow funds moved but state not persisted and reversal failed",
				"transfer_id", transferID, "error", err, "reverse_error", rerr)
			return nil, fmt.Errorf("failed to update escrow after %s (requires manual resolution): %w", op, err)
		}
		log.Error("escrow update failed, transfer reversed", "transfer_id", transferID, "error", err)
		return nil, fmt.Errorf("failed to update escrow after %s: %w", op, err)
	}

	metrics.EscrowOperationsTotal.WithLabelValues(op, "ok").Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(next.State.String()).Inc()
	if t.Intake != nil {
		metrics.AddHeldWei(t.Intake)
	}
	if t.Payout != nil {
		metrics.AddHeldWei(new(big.Int).Neg(t.Payout))
		metrics.EscrowDuration.Observe(now.Sub(esc.CreatedAt).Seconds())
	}

	log.Info("escrow transition",
		"from", t.From.String(), "to", t.To.String(),
		"amount", ether.Format(next.Amount), "transfer_id", transferID)

	s.record(ctx, newTransitionEvent(next, call.Caller, t, transferID, now))
	return next, nil
}

// moveFunds performs the ledger side of a planned transition and returns
// the transfer id.
func (s *Service) moveFunds(ctx context.Context, esc *Escrow, call Call, t *Transition) (string, error) {
	ref := esc.ID.Hex() + ":" + call.Op.String()
	switch {
	case t.Intake != nil:
		return s.ledger.Transfer(ctx, call.Caller, esc.ID, t.Intake, ref)
	case t.Payout != nil:
		return s.ledger.Transfer(ctx, esc.ID, t.PayTo, t.Payout, ref)
	}
	return "", fmt.Errorf("%w: %s moves no funds", ErrUnknownOp, call.Op)
}

// record appends ev to the history and publishes it. The escrow state is
// already committed, so failures are logged only.
func (s *Service) record(ctx context.Context, ev *Event) {
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		logging.L(ctx).Warn("failed to append escrow event",
			"escrow_id", ev.EscrowID.Hex(), "type", ev.Type, "error", err)
	}
	if s.emitter != nil {
		s.emitter.EmitEscrowEvent(ev)
	}
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id common.Address) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// Amount returns the balance currently held by the escrow.
func (s *Service) Amount(ctx context.Context, id common.Address) (*big.Int, error) {
	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return esc.held(), nil
}

// State returns the escrow's current state.
func (s *Service) State(ctx context.Context, id common.Address) (State, error) {
	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return esc.State, nil
}

// Page is one page of a party's escrows, newest first.
type Page struct {
	Escrows    []*Escrow
	NextCursor string
	HasMore    bool
}

// ListByParty returns escrows where addr is buyer or seller, newest first.
// cursor is the NextCursor of the previous page, or empty for the first.
func (s *Service) ListByParty(ctx context.Context, addr common.Address, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListByParty(ctx, addr, limit+1, after)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, addrKey(e.ID)
	})
	return &Page{Escrows: items, NextCursor: next, HasMore: more}, nil
}

// Events returns the escrow's event history, oldest first.
func (s *Service) Events(ctx context.Context, id common.Address) ([]*Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}
