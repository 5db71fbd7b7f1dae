package engine

import (
	"errors"
	"fmt"

	"github.com/cycles-transfer-station/cts-sub000/internal/admission"
	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
)

var (
	// ErrMaintenance is returned by mutating calls while stop-calls is set.
	ErrMaintenance = errors.New("engine: canister is under maintenance")

	// ErrCyclesMarketIsBusy is returned when the book or trade ring is at
	// capacity. Retryable.
	ErrCyclesMarketIsBusy = admission.ErrCyclesMarketIsBusy

	// ErrTokenBalanceLocked is returned when the caller already has a
	// token-consuming call in flight. Retryable.
	ErrTokenBalanceLocked = errors.New("engine: caller is in the middle of a different call that locks the token balance")

	ErrUnauthorized        = errors.New("engine: user authorization failed")
	ErrPositionNotFound    = errors.New("engine: position not found")
	ErrCallerIsNotPositor  = errors.New("engine: caller is not the positor")
	ErrNotController       = errors.New("engine: caller is not a controller")
	ErrNotCMCaller         = errors.New("engine: callback caller is not the cm_caller")
	ErrUnknownCallback     = errors.New("engine: unknown callback method")
	ErrUnknownLog          = errors.New("engine: unknown log kind")
	ErrSnapshotVersion     = errors.New("engine: unsupported snapshot version")
	ErrInvalidTransferArgs = errors.New("engine: invalid transfer arguments")
)

// MsgCyclesTooLowError reports a buy that did not attach enough cycles.
type MsgCyclesTooLowError struct {
	Required amount.Amount `json:"cycles_required"`
	Attached amount.Amount `json:"cycles_attached"`
}

func (e *MsgCyclesTooLowError) Error() string {
	return fmt.Sprintf("engine: msg cycles too low: %s attached, %s required", e.Attached, e.Required)
}

// InsufficientTokenBalanceError reports a usable balance below what a call
// needs.
type InsufficientTokenBalanceError struct {
	UsableBalance amount.Amount `json:"usable_balance"`
	Required      amount.Amount `json:"required"`
}

func (e *InsufficientTokenBalanceError) Error() string {
	return fmt.Sprintf("engine: usable token balance %s is below %s", e.UsableBalance, e.Required)
}

// MinimumWaitTimeError reports a void attempted too soon after opening.
type MinimumWaitTimeError struct {
	MinimumWaitTimeSeconds         uint64 `json:"minimum_wait_time_seconds"`
	PositionCreationTimestampNanos uint64 `json:"position_creation_timestamp_nanos"`
}

func (e *MinimumWaitTimeError) Error() string {
	return fmt.Sprintf("engine: positions can be voided %d seconds after creation", e.MinimumWaitTimeSeconds)
}
