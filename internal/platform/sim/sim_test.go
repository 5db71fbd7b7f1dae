package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

var (
	ttc   = platform.MustPrincipal([]byte("ttc"))
	alice = platform.MustPrincipal([]byte("alice"))
	bob   = platform.MustPrincipal([]byte("bob"))
)

func subaccountOf(p platform.Principal) *platform.Subaccount {
	s := platform.PrincipalSubaccount(p)
	return &s
}

func TestLedger_TransferChargesFee(t *testing.T) {
	l := NewLedger(amount.New(10), 8)
	from := platform.Account{Owner: ttc, Subaccount: subaccountOf(alice)}
	l.Mint(from, amount.New(1000))

	fee := amount.New(10)
	idx, err := l.As(ttc).Transfer(context.Background(), platform.TransferArg{
		Amount:         amount.New(100),
		Fee:            &fee,
		FromSubaccount: subaccountOf(alice),
		To:             platform.Account{Owner: bob},
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if idx != 0 {
		t.Errorf("expected block 0, got %d", idx)
	}
	if got := l.Balance(from); got != amount.New(890) {
		t.Errorf("expected 890 left, got %s", got)
	}
	if got := l.Balance(platform.Account{Owner: bob}); got != amount.New(100) {
		t.Errorf("expected bob 100, got %s", got)
	}
}

func TestLedger_BadFee(t *testing.T) {
	l := NewLedger(amount.New(20), 8)
	l.Mint(platform.Account{Owner: ttc}, amount.New(1000))

	stale := amount.New(10)
	_, err := l.As(ttc).Transfer(context.Background(), platform.TransferArg{
		Amount: amount.New(1),
		Fee:    &stale,
		To:     platform.Account{Owner: bob},
	})
	expected, ok := platform.AsBadFee(err)
	if !ok {
		t.Fatalf("expected BadFee, got %v", err)
	}
	if expected != amount.New(20) {
		t.Errorf("expected fee 20, got %s", expected)
	}
}

func TestLedger_InsufficientFunds(t *testing.T) {
	l := NewLedger(amount.New(10), 8)
	_, err := l.As(ttc).Transfer(context.Background(), platform.TransferArg{
		Amount: amount.New(1),
		To:     platform.Account{Owner: bob},
	})
	var te *platform.TransferError
	if !errors.As(err, &te) || te.Kind != platform.TransferInsufficientFunds {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
}

func TestCMCaller_DeliversCallbacks(t *testing.T) {
	c := NewCMCaller(platform.MustPrincipal([]byte("cm_caller")))
	var got []platform.CMCallbackQuest
	c.Attach(func(_ context.Context, caller platform.Principal, method string, q platform.CMCallbackQuest, refunded amount.Amount) error {
		if caller != c.ID() {
			t.Errorf("unexpected caller %s", caller)
		}
		if method != "cb" {
			t.Errorf("unexpected method %q", method)
		}
		if q.CallError == nil && !refunded.IsZero() {
			t.Errorf("refund without error")
		}
		got = append(got, q)
		return nil
	})

	c.Reject(bob, true)
	ctx := context.Background()
	if err := c.CMCall(ctx, platform.CMCallQuest{CallID: 1, Target: alice, Cycles: amount.New(50), CallbackMethod: "cb"}); err != nil {
		t.Fatal(err)
	}
	if err := c.CMCall(ctx, platform.CMCallQuest{CallID: 2, Target: bob, Cycles: amount.New(70), CallbackMethod: "cb"}); err != nil {
		t.Fatal(err)
	}
	if c.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", c.Pending())
	}

	n, err := c.Deliver(ctx)
	if err != nil || n != 2 {
		t.Fatalf("deliver: n=%d err=%v", n, err)
	}
	if got[0].CallError != nil {
		t.Errorf("call 1 should succeed")
	}
	if got[1].CallError == nil {
		t.Errorf("call 2 should carry the target rejection")
	}
	if c.Received(alice) != amount.New(50) {
		t.Errorf("alice should have 50 cycles, got %s", c.Received(alice))
	}
	if !c.Received(bob).IsZero() {
		t.Errorf("bob should have nothing")
	}
}

func TestCMCaller_FailedDeliveryStaysQueued(t *testing.T) {
	c := NewCMCaller(platform.MustPrincipal([]byte("cm_caller")))
	fail := true
	c.Attach(func(context.Context, platform.Principal, string, platform.CMCallbackQuest, amount.Amount) error {
		if fail {
			return errors.New("stopped")
		}
		return nil
	})
	ctx := context.Background()
	_ = c.CMCall(ctx, platform.CMCallQuest{CallID: 7, Target: alice})

	if _, err := c.Deliver(ctx); err == nil {
		t.Fatal("expected delivery error")
	}
	if c.Pending() != 1 {
		t.Fatalf("callback should stay queued")
	}
	fail = false
	if err := c.ReplayCallbacks(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Pending() != 0 {
		t.Errorf("replay should drain the queue")
	}
}

func TestManagement_UpgradeNeedsStop(t *testing.T) {
	m := NewManagement()
	ctx := context.Background()
	id, err := m.CreateCanister(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.InstallCode(ctx, platform.InstallCodeArgs{Mode: platform.InstallModeInstall, CanisterID: id}); err != nil {
		t.Fatal(err)
	}
	if err := m.InstallCode(ctx, platform.InstallCodeArgs{Mode: platform.InstallModeUpgrade, CanisterID: id}); err == nil {
		t.Fatal("upgrade of a running canister should fail")
	}
	if err := m.StopCanister(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := m.InstallCode(ctx, platform.InstallCodeArgs{Mode: platform.InstallModeUpgrade, CanisterID: id}); err != nil {
		t.Fatal(err)
	}
	if m.Status(id) != StatusStopped {
		t.Errorf("expected stopped, got %s", m.Status(id))
	}
	if err := m.DepositCycles(ctx, id, amount.New(5)); err != nil {
		t.Fatal(err)
	}
	if m.Deposited(id) != amount.New(5) {
		t.Errorf("expected 5 deposited")
	}
}
