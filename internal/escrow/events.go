package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/escrowd/internal/idgen"
)

// EventType names an escrow lifecycle event.
type EventType string

const (
	EventCreated  EventType = "escrow.created"
	EventFunded   EventType = "escrow.funded"
	EventReleased EventType = "escrow.released"
	EventRefunded EventType = "escrow.refunded"
)

var opEvents = map[Op]EventType{
	OpDeposit: EventFunded,
	OpRelease: EventReleased,
	OpRefund:  EventRefunded,
}

// Event is an append-only record of a successful escrow operation.
type Event struct {
	ID         string         `json:"id"`
	EscrowID   common.Address `json:"escrowId"`
	Type       EventType      `json:"type"`
	Caller     common.Address `json:"caller"`
	Buyer      common.Address `json:"buyer"`
	Seller     common.Address `json:"seller"`
	Amount     *big.Int       `json:"amount"` // value moved by the operation
	From       State          `json:"from"`
	To         State          `json:"to"`
	TransferID string         `json:"transferId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// EventEmitter publishes escrow events to live subscribers.
type EventEmitter interface {
	EmitEscrowEvent(ev *Event)
}

func newCreatedEvent(e *Escrow) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		EscrowID:  e.ID,
		Type:      EventCreated,
		Caller:    e.Buyer,
		Buyer:     e.Buyer,
		Seller:    e.Seller,
		Amount:    new(big.Int),
		From:      StateAwaitingPayment,
		To:        StateAwaitingPayment,
		CreatedAt: e.CreatedAt,
	}
}

func newTransitionEvent(e *Escrow, caller common.Address, t *Transition, transferID string, at time.Time) *Event {
	moved := t.Intake
	if moved == nil {
		moved = t.Payout
	}
	return &Event{
		ID:         idgen.WithPrefix("evt_"),
		EscrowID:   e.ID,
		Type:       opEvents[t.Op],
		Caller:     caller,
		Buyer:      e.Buyer,
		Seller:     e.Seller,
		Amount:     new(big.Int).Set(moved),
		From:       t.From,
		To:         t.To,
		TransferID: transferID,
		CreatedAt:  at,
	}
}
