package platform

import (
	"context"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
)

// InstallMode selects install_code behaviour.
type InstallMode string

const (
	InstallModeInstall InstallMode = "install"
	InstallModeUpgrade InstallMode = "upgrade"
)

// InstallCodeArgs is the install_code argument.
type InstallCodeArgs struct {
	Mode       InstallMode
	CanisterID Principal
	Module     []byte
	Arg        []byte
}

// Management is the platform's management canister.
type Management interface {
	CreateCanister(ctx context.Context) (Principal, error)
	InstallCode(ctx context.Context, args InstallCodeArgs) error
	StopCanister(ctx context.Context, id Principal) error
	StartCanister(ctx context.Context, id Principal) error
	DepositCycles(ctx context.Context, id Principal, cycles amount.Amount) error
}
