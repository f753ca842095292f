package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type party uint8

const (
	partyNone party = iota
	partyBuyer
	partySeller
)

// rule is one row of the transition table.
type rule struct {
	from         State
	to           State
	caller       party
	unauthorized error
	takesValue   bool  // the attached value must be positive and becomes the held amount
	payout       party // receives the held amount, partyNone if nothing is paid out
}

// transitions is the complete escrow state machine. Terminal states have no
// outgoing rows, so every operation on them fails the state guard.
var transitions = map[Op]rule{
	OpDeposit: {
		from:         StateAwaitingPayment,
		to:           StateAwaitingDelivery,
		caller:       partyBuyer,
		unauthorized: ErrOnlyBuyerDeposit,
		takesValue:   true,
	},
	OpRelease: {
		from:         StateAwaitingDelivery,
		to:           StateComplete,
		caller:       partySeller,
		unauthorized: ErrOnlySellerRelease,
		payout:       partySeller,
	},
	OpRefund: {
		from:         StateAwaitingDelivery,
		to:           StateRefunded,
		caller:       partyBuyer,
		unauthorized: ErrOnlyBuyerRefund,
		payout:       partyBuyer,
	},
}

// Call is an attempted operation against one escrow.
type Call struct {
	Op     Op
	Caller common.Address
	Value  *big.Int // attached payment; only meaningful for deposit
	// ValueErr is set when the attached value could not be read. It fails
	// the value guard, so an unauthorized caller still sees the caller error.
	ValueErr error
}

// Transition is a state change that passed every guard but has not been
// applied yet. The host moves funds according to Intake/Payout and then
// calls Apply.
type Transition struct {
	Op     Op
	From   State
	To     State
	Amount *big.Int // held amount after the transition

	Intake *big.Int // moves caller -> escrow

	PayTo  common.Address
	Payout *big.Int // moves escrow -> PayTo
}

// Plan evaluates the guards for call in order: caller identity, attached
// value, current state. The first failing guard's error is returned.
// Plan never mutates the escrow.
func (e *Escrow) Plan(call Call) (*Transition, error) {
	r, ok := transitions[call.Op]
	if !ok {
		return nil, ErrUnknownOp
	}

	if call.Caller != e.partyAddr(r.caller) {
		return nil, r.unauthorized
	}
	if r.takesValue && call.ValueErr != nil {
		return nil, call.ValueErr
	}
	if r.takesValue && (call.Value == nil || call.Value.Sign() <= 0) {
		return nil, ErrZeroDeposit
	}
	if e.State != r.from {
		return nil, ErrInvalidState
	}

	t := &Transition{
		Op:     call.Op,
		From:   e.State,
		To:     r.to,
		Amount: new(big.Int),
	}
	if r.takesValue {
		t.Intake = new(big.Int).Set(call.Value)
		t.Amount.Set(call.Value)
	}
	if r.payout != partyNone {
		t.PayTo = e.partyAddr(r.payout)
		t.Payout = e.held()
	}
	return t, nil
}

// Apply commits a planned transition to the in-memory record.
func (e *Escrow) Apply(t *Transition) {
	e.State = t.To
	e.Amount = new(big.Int).Set(t.Amount)
}

func (e *Escrow) partyAddr(p party) common.Address {
	switch p {
	case partyBuyer:
		return e.Buyer
	case partySeller:
		return e.Seller
	}
	return common.Address{}
}

func (e *Escrow) held() *big.Int {
	if e.Amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(e.Amount)
}
