package sim

import (
	"context"
	"sync"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// CallbackFunc delivers a cm_caller callback to the requesting canister.
type CallbackFunc func(ctx context.Context, caller platform.Principal, method string, quest platform.CMCallbackQuest, refunded amount.Amount) error

type pendingCallback struct {
	method   string
	quest    platform.CMCallbackQuest
	refunded amount.Amount
}

// CMCaller accepts calls, credits their cycles to the target and queues the
// callbacks until Deliver is called.
type CMCaller struct {
	id platform.Principal

	mu        sync.Mutex
	callback  CallbackFunc
	calls     []platform.CMCallQuest
	received  map[platform.Principal]amount.Amount
	rejecting map[platform.Principal]bool
	pending   []pendingCallback
	failNext  []error
}

// NewCMCaller creates a cm_caller with principal id.
func NewCMCaller(id platform.Principal) *CMCaller {
	return &CMCaller{
		id:        id,
		received:  make(map[platform.Principal]amount.Amount),
		rejecting: make(map[platform.Principal]bool),
	}
}

func (c *CMCaller) ID() platform.Principal { return c.id }

// Attach sets where callbacks are delivered.
func (c *CMCaller) Attach(fn CallbackFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
}

// Reject makes calls to target fail at the target; their cycles come back
// with the callback.
func (c *CMCaller) Reject(target platform.Principal, reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejecting[target] = reject
}

// FailNext queues err for the next CMCall.
func (c *CMCaller) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = append(c.failNext, err)
}

func (c *CMCaller) CMCall(_ context.Context, quest platform.CMCallQuest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.failNext) > 0 {
		err := c.failNext[0]
		c.failNext = c.failNext[1:]
		return err
	}
	c.calls = append(c.calls, quest)

	cb := pendingCallback{method: quest.CallbackMethod, quest: platform.CMCallbackQuest{CallID: quest.CallID}}
	if c.rejecting[quest.Target] {
		cb.quest.CallError = &platform.CallError{Code: 4, Message: "target rejected"}
		cb.refunded = quest.Cycles
	} else {
		c.received[quest.Target] = c.received[quest.Target].Add(quest.Cycles)
	}
	c.pending = append(c.pending, cb)
	return nil
}

func (c *CMCaller) ReplayCallbacks(ctx context.Context) error {
	_, err := c.Deliver(ctx)
	return err
}

// Deliver posts every queued callback and returns how many were accepted.
// Callbacks whose delivery fails stay queued.
func (c *CMCaller) Deliver(ctx context.Context) (int, error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	fn := c.callback
	c.mu.Unlock()

	if fn == nil {
		c.requeue(pending)
		return 0, nil
	}

	var firstErr error
	var failed []pendingCallback
	for _, cb := range pending {
		if err := fn(ctx, c.id, cb.method, cb.quest, cb.refunded); err != nil {
			failed = append(failed, cb)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.requeue(failed)
	return len(pending) - len(failed), firstErr
}

func (c *CMCaller) requeue(cbs []pendingCallback) {
	if len(cbs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(cbs, c.pending...)
}

// Calls returns the accepted calls in order.
func (c *CMCaller) Calls() []platform.CMCallQuest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]platform.CMCallQuest, len(c.calls))
	copy(out, c.calls)
	return out
}

// Received is the total cycles delivered to target.
func (c *CMCaller) Received(target platform.Principal) amount.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received[target]
}

// Pending is the number of undelivered callbacks.
func (c *CMCaller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
