package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
)

// CMCallQuest asks the cm_caller to deliver Cycles with a call of Method on
// Target, then call CallbackMethod on the requesting canister with CallID.
type CMCallQuest struct {
	CallID         uint64        `msgpack:"call_id"`
	Target         Principal     `msgpack:"target"`
	Method         string        `msgpack:"method"`
	Arg            []byte        `msgpack:"arg"`
	Cycles         amount.Amount `msgpack:"cycles"`
	CallbackMethod string        `msgpack:"callback_method"`
}

// CMCallbackQuest is what the cm_caller posts back on completion.
type CMCallbackQuest struct {
	CallID    uint64     `json:"call_id" msgpack:"call_id"`
	CallError *CallError `json:"call_error,omitempty" msgpack:"call_error"`
}

// CMCaller relays cycles-bearing calls on behalf of the contract.
type CMCaller interface {
	// CMCall returns nil once the cm_caller accepted the call; the outcome
	// arrives later through the callback. Any failure is *CMCallError.
	CMCall(ctx context.Context, quest CMCallQuest) error

	// ReplayCallbacks asks the cm_caller to retry callbacks that could not be
	// delivered, e.g. while the contract was stopped.
	ReplayCallbacks(ctx context.Context) error
}

// CMCallError reports a CMCall that did not return a clean acceptance.
// Replied means the cm_caller itself answered with an error; otherwise the
// reply was missing or undecodable and only Refunded is known.
type CMCallError struct {
	Replied  bool          `json:"replied" msgpack:"replied"`
	Refunded amount.Amount `json:"refunded" msgpack:"refunded"`
	Reason   string        `json:"reason" msgpack:"reason"`
}

func (e *CMCallError) Error() string {
	return fmt.Sprintf("cm_caller: %s (refunded %s)", e.Reason, e.Refunded)
}

// CMCallSent decides whether a failed CMCall must be assumed delivered. A
// missing reply counts as sent unless all cycles came back.
func CMCallSent(err error, cyclesSent amount.Amount) bool {
	if err == nil {
		return true
	}
	var ce *CMCallError
	if !errors.As(err, &ce) {
		return true
	}
	if ce.Replied {
		return false
	}
	return ce.Refunded.Lt(cyclesSent)
}
