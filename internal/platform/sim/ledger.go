// Package sim provides in-process stand-ins for the platform collaborators:
// a token ledger, the cm_caller relay and the management canister. The dev
// server runs against them and the engine tests drive them directly.
package sim

import (
	"context"
	"sync"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Block is one applied transfer.
type Block struct {
	Index  uint64
	From   platform.Account
	To     platform.Account
	Amount amount.Amount
	Fee    amount.Amount
	Memo   []byte
}

// Ledger is an icrc1-style ledger held in memory.
type Ledger struct {
	mu       sync.Mutex
	fee      amount.Amount
	decimals int32
	balances map[platform.AccountKey]amount.Amount
	blocks   []Block
	failNext []error
}

// NewLedger creates a ledger charging fee per transfer.
func NewLedger(fee amount.Amount, decimals int32) *Ledger {
	return &Ledger{
		fee:      fee,
		decimals: decimals,
		balances: make(map[platform.AccountKey]amount.Amount),
	}
}

// SetFee changes the transfer fee; callers quoting the old fee get BadFee.
func (l *Ledger) SetFee(fee amount.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fee = fee
}

func (l *Ledger) Fee() amount.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fee
}

func (l *Ledger) Decimals() int32 { return l.decimals }

// Mint credits an account out of thin air.
func (l *Ledger) Mint(to platform.Account, amt amount.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := to.Key()
	l.balances[k] = l.balances[k].Add(amt)
}

// FailNext queues err to be returned by the next Transfer.
func (l *Ledger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = append(l.failNext, err)
}

// Balance reads an account without a context.
func (l *Ledger) Balance(acct platform.Account) amount.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[acct.Key()]
}

// Blocks returns a copy of the applied transfers.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// As returns the ledger as seen by caller, the owner of from_subaccount.
func (l *Ledger) As(caller platform.Principal) platform.Ledger {
	return &ledgerClient{ledger: l, caller: caller}
}

type ledgerClient struct {
	ledger *Ledger
	caller platform.Principal
}

func (c *ledgerClient) Transfer(_ context.Context, arg platform.TransferArg) (uint64, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.failNext) > 0 {
		err := l.failNext[0]
		l.failNext = l.failNext[1:]
		return 0, err
	}
	if arg.Fee != nil && *arg.Fee != l.fee {
		return 0, &platform.TransferError{Kind: platform.TransferBadFee, ExpectedFee: l.fee}
	}

	from := platform.Account{Owner: c.caller, Subaccount: arg.FromSubaccount}
	fk := from.Key()
	debit := arg.Amount.Add(l.fee)
	if l.balances[fk].Lt(debit) {
		return 0, &platform.TransferError{Kind: platform.TransferInsufficientFunds, Balance: l.balances[fk]}
	}
	l.balances[fk] = l.balances[fk].Sub(debit)
	tk := arg.To.Key()
	l.balances[tk] = l.balances[tk].Add(arg.Amount)

	idx := uint64(len(l.blocks))
	l.blocks = append(l.blocks, Block{
		Index:  idx,
		From:   from,
		To:     arg.To,
		Amount: arg.Amount,
		Fee:    l.fee,
		Memo:   arg.Memo,
	})
	return idx, nil
}

func (c *ledgerClient) BalanceOf(_ context.Context, acct platform.Account) (amount.Amount, error) {
	return c.ledger.Balance(acct), nil
}
