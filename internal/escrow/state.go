package escrow

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle position of an escrow. The ordinal values are part
// of the external contract and must not be reordered.
type State uint8

const (
	StateAwaitingPayment  State = iota // 0: created, nothing held
	StateAwaitingDelivery              // 1: buyer deposited, funds held
	StateComplete                      // 2: released to seller
	StateRefunded                      // 3: returned to buyer
)

var stateNames = [...]string{
	StateAwaitingPayment:  "AwaitingPayment",
	StateAwaitingDelivery: "AwaitingDelivery",
	StateComplete:         "Complete",
	StateRefunded:         "Refunded",
}

// Valid reports whether the value is one of the four known states.
func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

// IsTerminal reports whether no further operation can change the escrow.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateRefunded
}

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", uint8(s))
	}
	return stateNames[s]
}

// MarshalJSON encodes the state as its ordinal.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint8(s))
}

// UnmarshalJSON accepts either the ordinal or the state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var n uint8
	if err := json.Unmarshal(data, &n); err == nil {
		if !State(n).Valid() {
			return fmt.Errorf("escrow: unknown state %d", n)
		}
		*s = State(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("escrow: state must be a number or name: %w", err)
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState resolves a state name as produced by String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown state %q", name)
}

// Op identifies one of the state-changing escrow operations.
type Op uint8

const (
	OpDeposit Op = iota + 1
	OpRelease
	OpRefund
)

func (o Op) String() string {
	switch o {
	case OpDeposit:
		return "deposit"
	case OpRelease:
		return "release"
	case OpRefund:
		return "refund"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}
