package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// CanisterStatus of a simulated canister.
type CanisterStatus string

const (
	StatusEmpty   CanisterStatus = "empty"
	StatusRunning CanisterStatus = "running"
	StatusStopped CanisterStatus = "stopped"
)

type canister struct {
	status CanisterStatus
	module []byte
}

// Management simulates the management canister.
type Management struct {
	mu        sync.Mutex
	canisters map[platform.Principal]*canister
	deposits  map[platform.Principal]amount.Amount
	failNext  []error
}

func NewManagement() *Management {
	return &Management{
		canisters: make(map[platform.Principal]*canister),
		deposits:  make(map[platform.Principal]amount.Amount),
	}
}

// FailNext queues err for the next management call.
func (m *Management) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, err)
}

func (m *Management) popFailure() error {
	if len(m.failNext) == 0 {
		return nil
	}
	err := m.failNext[0]
	m.failNext = m.failNext[1:]
	return err
}

func (m *Management) CreateCanister(_ context.Context) (platform.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return platform.Principal{}, err
	}
	u := uuid.New()
	id := platform.MustPrincipal(u[:])
	m.canisters[id] = &canister{status: StatusEmpty}
	return id, nil
}

func (m *Management) InstallCode(_ context.Context, args platform.InstallCodeArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return err
	}
	c, ok := m.canisters[args.CanisterID]
	if !ok {
		return &platform.CallError{Code: 3, Message: fmt.Sprintf("canister %s not found", args.CanisterID)}
	}
	if args.Mode == platform.InstallModeUpgrade && c.status == StatusRunning {
		return &platform.CallError{Code: 5, Message: "canister must be stopped for upgrade"}
	}
	c.module = args.Module
	if args.Mode == platform.InstallModeInstall {
		c.status = StatusRunning
	}
	return nil
}

func (m *Management) StopCanister(_ context.Context, id platform.Principal) error {
	return m.setStatus(id, StatusStopped)
}

func (m *Management) StartCanister(_ context.Context, id platform.Principal) error {
	return m.setStatus(id, StatusRunning)
}

func (m *Management) setStatus(id platform.Principal, s CanisterStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return err
	}
	c, ok := m.canisters[id]
	if !ok {
		return &platform.CallError{Code: 3, Message: fmt.Sprintf("canister %s not found", id)}
	}
	c.status = s
	return nil
}

func (m *Management) DepositCycles(_ context.Context, id platform.Principal, cycles amount.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return err
	}
	m.deposits[id] = m.deposits[id].Add(cycles)
	return nil
}

// Deposited is the total deposit_cycles received by id.
func (m *Management) Deposited(id platform.Principal) amount.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposits[id]
}

// Status of a created canister.
func (m *Management) Status(id platform.Principal) CanisterStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.canisters[id]; ok {
		return c.status
	}
	return ""
}
