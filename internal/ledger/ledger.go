// Package ledger is the host ledger escrowd moves native value through.
//
// Every account is an address with a wei balance. Escrow instances hold
// their deposits at their own address, so custody is just another balance.
// Each movement is recorded as a Transfer and can be reversed exactly once.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBalanceOverflow     = errors.New("balance would exceed 2^256-1 wei")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrAlreadyReversed     = errors.New("transfer already reversed")
)

// Kind classifies a ledger movement.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindFund     Kind = "fund"
	KindReversal Kind = "reversal"
)

// Transfer is one booked movement of value. Funds have a zero From.
type Transfer struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	Amount     *big.Int       `json:"amount"`
	Reference  string         `json:"reference,omitempty"`
	Reverses   string         `json:"reverses,omitempty"`
	ReversedBy string         `json:"reversedBy,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Clone returns a deep copy.
func (t *Transfer) Clone() *Transfer {
	cp := *t
	if t.Amount != nil {
		cp.Amount = new(big.Int).Set(t.Amount)
	}
	return &cp
}

// Store persists balances and transfers. Each method is atomic: on error
// nothing is applied.
type Store interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	// Apply books t. Kind fund credits To only; anything else debits From
	// and fails with ErrInsufficientBalance when From cannot cover Amount.
	Apply(ctx context.Context, t *Transfer) error
	// ApplyReversal books rev as the inverse of the transfer originalID and
	// fills rev's From, To and Amount from it.
	ApplyReversal(ctx context.Context, originalID string, rev *Transfer) error
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	History(ctx context.Context, addr common.Address, limit int) ([]*Transfer, error)
}

// Ledger books value movements.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Balance returns addr's balance in wei; unknown accounts are zero.
func (l *Ledger) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return l.store.Balance(ctx, addr)
}

// Transfer moves value from one account to another and returns the
// transfer ID.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, value *big.Int, reference string) (string, error) {
	if value == nil || value.Sign() <= 0 {
		metrics.LedgerTransfersTotal.WithLabelValues(string(KindTransfer), "rejected").Inc()
		return "", ErrInvalidAmount
	}
	t := &Transfer{
		ID:        idgen.WithPrefix("tx_"),
		Kind:      KindTransfer,
		From:      from,
		To:        to,
		Amount:    new(big.Int).Set(value),
		Reference: reference,
		CreatedAt: l.now(),
	}
	if err := l.store.Apply(ctx, t); err != nil {
		metrics.LedgerTransfersTotal.WithLabelValues(string(KindTransfer), result(err)).Inc()
		return "", err
	}
	metrics.LedgerTransfersTotal.WithLabelValues(string(KindTransfer), "ok").Inc()
	logging.L(ctx).Debug("ledger transfer",
		"transfer_id", t.ID, "from", from.Hex(), "to", to.Hex(), "amount", value.String(), "reference", reference)
	return t.ID, nil
}

// Fund mints value into addr. Used by the development faucet and tests.
func (l *Ledger) Fund(ctx context.Context, addr common.Address, value *big.Int, reference string) (string, error) {
	if value == nil || value.Sign() <= 0 {
		metrics.LedgerTransfersTotal.WithLabelValues(string(KindFund), "rejected").Inc()
		return "", ErrInvalidAmount
	}
	t := &Transfer{
		ID:        idgen.WithPrefix("tx_"),
		Kind:      KindFund,
		To:        addr,
		Amount:    new(big.Int).Set(value),
		Reference: reference,
		CreatedAt: l.now(),
	}
	if err := l.store.Apply(ctx, t); err != nil {
		metrics.LedgerTransfersTotal.WithLabelValues(string(KindFund), "failed").Inc()
		return "", err
	}
	metrics.LedgerTransfersTotal.WithLabelValues(string(KindFund), "ok").Inc()
	logging.L(ctx).Info("ledger account funded", "address", addr.Hex(), "amount", value.String())
	return t.ID, nil
}

// Reverse books the inverse of a transfer. A transfer can be reversed once.
func (l *Ledger) Reverse(ctx context.Context, transferID, reason string) error {
	rev := &Transfer{
		ID:        idgen.WithPrefix("tx_"),
		Kind:      KindReversal,
		Reverses:  transferID,
		Reference: reason,
		CreatedAt: l.now(),
	}
	if err := l.store.ApplyReversal(ctx, transferID, rev); err != nil {
		metrics.LedgerTransfersTotal.WithLabelValues(string(KindReversal), result(err)).Inc()
		return err
	}
	metrics.LedgerTransfersTotal.WithLabelValues(string(KindReversal), "ok").Inc()
	logging.L(ctx).Warn("ledger transfer reversed",
		"transfer_id", transferID, "reversal_id", rev.ID, "reason", reason)
	return nil
}

// GetTransfer returns a booked transfer.
func (l *Ledger) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	return l.store.GetTransfer(ctx, id)
}

// History returns transfers touching addr, newest first.
func (l *Ledger) History(ctx context.Context, addr common.Address, limit int) ([]*Transfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.History(ctx, addr, limit)
}

func result(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrBalanceOverflow),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAlreadyReversed),
		errors.Is(err, ErrTransferNotFound):
		return "rejected"
	default:
		return "failed"
	}
}
