package model

import (
	"fmt"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
)

// TerminationCause says why a position left the book.
type TerminationCause uint8

const (
	CauseFill TerminationCause = iota
	CauseUserCallVoidPosition
	CauseBump
)

func (c TerminationCause) String() string {
	switch c {
	case CauseUserCallVoidPosition:
		return "user_call_void_position"
	case CauseBump:
		return "bump"
	}
	return "fill"
}

func (c TerminationCause) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *TerminationCause) UnmarshalText(b []byte) error {
	switch string(b) {
	case "fill":
		*c = CauseFill
	case "user_call_void_position":
		*c = CauseUserCallVoidPosition
	case "bump":
		*c = CauseBump
	default:
		return fmt.Errorf("model: unknown termination cause %q", b)
	}
	return nil
}

// VoidPosition is a position taken off the book whose residual funding is
// still owed back to the positor. A buy refunds its remaining cycles; a sell
// unlocks its remaining tokens in place and notifies the positor.
type VoidPosition struct {
	Position                  Position         `json:"position" msgpack:"position"`
	Cause                     TerminationCause `json:"termination_cause" msgpack:"cause"`
	TerminationTimestampNanos uint64           `json:"termination_timestamp_nanos" msgpack:"terminated_ts"`
	PayoutLock                bool             `json:"payout_lock" msgpack:"lock"`
	CyclesPayoutData          CyclesPayoutData `json:"cycles_payout_data" msgpack:"cycles_payout"`
	TokenPayoutData           TokenPayoutData  `json:"token_payout_data" msgpack:"token_payout"`
}

// Void moves the position off the book.
func (p *Position) Void(cause TerminationCause, nowNanos uint64) *VoidPosition {
	v := &VoidPosition{
		Position:                  *p,
		Cause:                     cause,
		TerminationTimestampNanos: nowNanos,
	}
	switch {
	case p.Kind == Buy && p.Current.IsZero():
		v.CyclesPayoutData.CMCallbackComplete = &CyclesCallback{Refund: amount.Zero}
	case p.Kind == Sell:
		v.TokenPayoutData = Unlocked(nowNanos)
		if p.Current.IsZero() {
			v.TokenPayoutData.CMMessageCallbackComplete = &MessageCallback{}
		}
	}
	return v
}

func (v *VoidPosition) ID() PositionID { return v.Position.ID }

func (v *VoidPosition) IsComplete() bool {
	if v.Position.Kind == Buy {
		return v.CyclesPayoutData.IsComplete()
	}
	return v.TokenPayoutData.IsComplete()
}

// CallSuccessTimestamp is when the outstanding cm_caller call was accepted,
// or nil if none is outstanding.
func (v *VoidPosition) CallSuccessTimestamp() *uint64 {
	if v.Position.Kind == Buy {
		if v.CyclesPayoutData.CMCallbackComplete == nil {
			return v.CyclesPayoutData.CMCallSuccessTimestampNanos
		}
		return nil
	}
	if v.TokenPayoutData.CMMessageCallbackComplete == nil {
		return v.TokenPayoutData.CMMessageCallSuccessTimestamp
	}
	return nil
}

// Log is the archived form of the terminated position.
func (v *VoidPosition) Log() PositionLog {
	l := v.Position.Log()
	l.Termination = &PositionTermination{
		TimestampNanos: v.TerminationTimestampNanos,
		Cause:          v.Cause,
	}
	return l
}
