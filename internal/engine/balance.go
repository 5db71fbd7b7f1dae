package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// TransferTokenBalanceQuest moves tokens out of the caller's custody
// subaccount.
type TransferTokenBalanceQuest struct {
	Tokens        amount.Amount    `json:"tokens"`
	TokenFee      amount.Amount    `json:"token_fee"`
	To            platform.Account `json:"to"`
	CreatedAtTime *uint64          `json:"created_at_time,omitempty"`
}

// lockedTokens is what p's custody subaccount still owes: open sells,
// unsettled token payouts of trades where p sold and fees not yet swept to
// the treasury. Called with mu held.
func (e *Engine) lockedTokens(p platform.Principal) amount.Amount {
	locked := e.pendingFees[p]
	for _, pos := range e.sells.ByPositor(p) {
		locked = locked.Add(pos.Current)
	}
	for _, t := range e.tradeLogs {
		if t.Seller() == p {
			locked = locked.Add(t.LockedTokens())
		}
	}
	return locked
}

// TransferTokenBalance transfers from the caller's custody subaccount. The
// caller's usable balance must cover the tokens and the fee.
func (e *Engine) TransferTokenBalance(ctx context.Context, caller platform.Principal, q TransferTokenBalanceQuest) (uint64, error) {
	if q.Tokens.IsZero() {
		return 0, fmt.Errorf("%w: zero tokens", ErrInvalidTransferArgs)
	}
	e.mu.Lock()
	if e.stopCalls {
		e.mu.Unlock()
		return 0, ErrMaintenance
	}
	if _, held := e.tokenBalanceLocks[caller]; held {
		e.mu.Unlock()
		return 0, ErrTokenBalanceLocked
	}
	e.tokenBalanceLocks[caller] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.tokenBalanceLocks, caller)
		e.mu.Unlock()
	}()

	from := e.custody(caller)
	balance, err := e.ledger.BalanceOf(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("engine: read token balance: %w", err)
	}

	e.mu.Lock()
	required := q.Tokens.Add(q.TokenFee)
	usable := balance.Sub(e.lockedTokens(caller))
	e.mu.Unlock()
	if usable.Lt(required) {
		return 0, &InsufficientTokenBalanceError{UsableBalance: usable, Required: required}
	}

	fee := q.TokenFee
	block, err := e.ledger.Transfer(ctx, platform.TransferArg{
		Amount:         q.Tokens,
		Fee:            &fee,
		FromSubaccount: from.Subaccount,
		To:             q.To,
		CreatedAtTime:  q.CreatedAtTime,
	})
	if err != nil {
		if expected, ok := platform.AsBadFee(err); ok {
			e.mu.Lock()
			e.setLedgerFee(expected)
			e.mu.Unlock()
		}
		return 0, fmt.Errorf("engine: token transfer: %w", err)
	}
	slog.Info("token balance transferred", "caller", caller.String(), "tokens", q.Tokens.String(), "block", block)
	return block, nil
}

// ViewTokenLock is the caller's locked token balance.
func (e *Engine) ViewTokenLock(p platform.Principal) amount.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockedTokens(p)
}

// setLedgerFee updates the cached ledger fee. Called with mu held.
func (e *Engine) setLedgerFee(fee amount.Amount) {
	if fee == e.ledgerFee {
		return
	}
	slog.Warn("ledger fee changed", "old", e.ledgerFee.String(), "new", fee.String())
	e.ledgerFee = fee
}
