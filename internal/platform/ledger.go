package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
)

// TransferArg is the icrc1_transfer argument.
type TransferArg struct {
	Memo           []byte         `msgpack:"memo"`
	Amount         amount.Amount  `msgpack:"amount"`
	Fee            *amount.Amount `msgpack:"fee"`
	FromSubaccount *Subaccount    `msgpack:"from_subaccount"`
	To             Account        `msgpack:"to"`
	CreatedAtTime  *uint64        `msgpack:"created_at_time"`
}

// Ledger is the token ledger the contract custodies user balances on.
type Ledger interface {
	// Transfer returns the block index of the transfer. Ledger-level
	// rejections are *TransferError; failures to reach the ledger are
	// *CallError.
	Transfer(ctx context.Context, arg TransferArg) (uint64, error)

	// BalanceOf returns the balance of an account.
	BalanceOf(ctx context.Context, account Account) (amount.Amount, error)
}

// TransferErrorKind enumerates icrc1 transfer rejections.
type TransferErrorKind string

const (
	TransferBadFee                 TransferErrorKind = "BadFee"
	TransferBadBurn                TransferErrorKind = "BadBurn"
	TransferInsufficientFunds      TransferErrorKind = "InsufficientFunds"
	TransferTooOld                 TransferErrorKind = "TooOld"
	TransferCreatedInFuture        TransferErrorKind = "CreatedInFuture"
	TransferDuplicate              TransferErrorKind = "Duplicate"
	TransferTemporarilyUnavailable TransferErrorKind = "TemporarilyUnavailable"
	TransferGenericError           TransferErrorKind = "GenericError"
)

// TransferError is a ledger rejection of an icrc1_transfer.
type TransferError struct {
	Kind        TransferErrorKind `json:"kind" msgpack:"kind"`
	ExpectedFee amount.Amount     `json:"expected_fee,omitempty" msgpack:"expected_fee"`
	Balance     amount.Amount     `json:"balance,omitempty" msgpack:"balance"`
	DuplicateOf uint64            `json:"duplicate_of,omitempty" msgpack:"duplicate_of"`
	Message     string            `json:"message,omitempty" msgpack:"message"`
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case TransferBadFee:
		return fmt.Sprintf("ledger: bad fee, expected %s", e.ExpectedFee)
	case TransferInsufficientFunds:
		return fmt.Sprintf("ledger: insufficient funds, balance %s", e.Balance)
	case TransferDuplicate:
		return fmt.Sprintf("ledger: duplicate of block %d", e.DuplicateOf)
	case TransferGenericError:
		return "ledger: " + e.Message
	}
	return "ledger: " + string(e.Kind)
}

// AsBadFee reports whether err is a BadFee rejection and returns the fee the
// ledger expects.
func AsBadFee(err error) (amount.Amount, bool) {
	var te *TransferError
	if errors.As(err, &te) && te.Kind == TransferBadFee {
		return te.ExpectedFee, true
	}
	return amount.Zero, false
}

// CallError is a failed inter-canister call: the callee rejected, trapped or
// could not be reached.
type CallError struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call rejected (code %d): %s", e.Code, e.Message)
}
