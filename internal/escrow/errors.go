package escrow

import "errors"

// Authorization errors: the caller is not the party the operation requires.
var (
	ErrOnlyBuyerDeposit  = errors.New("only buyer may deposit")
	ErrOnlySellerRelease = errors.New("only seller may release")
	ErrOnlyBuyerRefund   = errors.New("only buyer may refund")
)

// ErrZeroDeposit rejects a deposit whose value parses to zero.
var ErrZeroDeposit = errors.New("deposit must be greater than zero")

// ErrMalformedValue rejects a deposit value that could not be read at all.
// It is reported after the caller check, like ErrZeroDeposit.
var ErrMalformedValue = errors.New("malformed deposit value")

// ErrInvalidState is returned for every state precondition violation,
// whether the escrow has not advanced far enough yet or is already terminal.
var ErrInvalidState = errors.New("invalid state")

// ErrInsufficientFunds is returned by Ledger adapters when the payer cannot
// cover a transfer.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrBalanceOverflow is returned by Ledger adapters when a credit would push
// the recipient past the largest representable balance.
var ErrBalanceOverflow = errors.New("recipient balance would overflow")

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrEscrowExists   = errors.New("escrow already exists")
	ErrUnknownOp      = errors.New("unknown escrow operation")
)

// IsAuthorization reports whether err is a caller-identity rejection.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrOnlyBuyerDeposit) ||
		errors.Is(err, ErrOnlySellerRelease) ||
		errors.Is(err, ErrOnlyBuyerRefund)
}

// IsRejection reports whether err is a guard failure of the state machine,
// as opposed to an infrastructure failure.
func IsRejection(err error) bool {
	return IsAuthorization(err) ||
		errors.Is(err, ErrZeroDeposit) ||
		errors.Is(err, ErrMalformedValue) ||
		errors.Is(err, ErrInvalidState)
}
