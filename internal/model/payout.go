package model

import (
	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// CyclesCallback is the cm_caller's report on a cycles payout call.
type CyclesCallback struct {
	Refund amount.Amount       `json:"refund" msgpack:"refund"`
	Err    *platform.CallError `json:"error,omitempty" msgpack:"err"`
}

// CyclesPayoutData tracks a cycles payout delivered through the cm_caller.
// Refunded cycles are forwarded to the payee with deposit_cycles.
type CyclesPayoutData struct {
	CMCallSuccessTimestampNanos *uint64         `json:"cmcaller_cycles_payout_call_success_timestamp_nanos,omitempty" msgpack:"call_ts"`
	CMCallbackComplete          *CyclesCallback `json:"cmcaller_cycles_payout_callback_complete,omitempty" msgpack:"callback"`
	DepositCyclesSuccess        bool            `json:"management_canister_deposit_cycles_call_success" msgpack:"deposit_ok"`
}

func (d *CyclesPayoutData) IsComplete() bool {
	if d.CMCallbackComplete == nil {
		return false
	}
	return d.CMCallbackComplete.Refund.IsZero() || d.DepositCyclesSuccess
}

// LedgerTransfer records a settled token transfer. A nil BlockHeight means
// nothing moved on the ledger.
type LedgerTransfer struct {
	BlockHeight    *uint64 `json:"block_height,omitempty" msgpack:"block"`
	TimestampNanos uint64  `json:"timestamp_nanos" msgpack:"ts"`
}

// MessageCallback is the cm_caller's report on a notification call.
type MessageCallback struct {
	Err *platform.CallError `json:"error,omitempty" msgpack:"err"`
}

// TokenPayoutData tracks the token side of a payout: the transfer to the
// payee, the fee collection to the treasury, then a notification to the
// payee through the cm_caller.
type TokenPayoutData struct {
	TokenTransfer                 *LedgerTransfer  `json:"token_transfer,omitempty" msgpack:"transfer"`
	TokenFeeCollection            *LedgerTransfer  `json:"token_fee_collection,omitempty" msgpack:"fee_collection"`
	CMMessageCallSuccessTimestamp *uint64          `json:"cm_message_call_success_timestamp_nanos,omitempty" msgpack:"call_ts"`
	CMMessageCallbackComplete     *MessageCallback `json:"cm_message_callback_complete,omitempty" msgpack:"callback"`
}

func (d *TokenPayoutData) IsComplete() bool {
	return d.TokenTransfer != nil && d.TokenFeeCollection != nil && d.CMMessageCallbackComplete != nil
}

// Unlocked returns token payout data for tokens that never leave the
// positor's subaccount: both transfers are recorded without a block.
func Unlocked(nowNanos uint64) TokenPayoutData {
	return TokenPayoutData{
		TokenTransfer:      &LedgerTransfer{TimestampNanos: nowNanos},
		TokenFeeCollection: &LedgerTransfer{TimestampNanos: nowNanos},
	}
}
