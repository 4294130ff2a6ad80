package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crossvault/authcore/internal/app/domain/consensus"
	"github.com/crossvault/authcore/internal/config"
)

// FakeAdapter is a deterministic adapter for tests. Behavior is scripted per
// action id; unscripted queries succeed. The core never branches on fakes —
// callers inject this implementation where a real chain is unavailable.
type FakeAdapter struct {
	name string
	role consensus.Role

	mu       sync.Mutex
	statuses map[string]consensus.ResultStatus
	queryErr error
	delay    time.Duration

	submitErr error
	submits   []Operation
	txCounter int
}

var _ Adapter = (*FakeAdapter)(nil)

// NewFake creates a fake adapter for the named chain.
func NewFake(name string, role consensus.Role) *FakeAdapter {
	return &FakeAdapter{name: name, role: role, statuses: make(map[string]consensus.ResultStatus)}
}

// NewFakeFromConfig creates a fake adapter carrying the configured chain's
// name and role, for deployments without a live RPC endpoint.
func NewFakeFromConfig(cfg config.ChainConfig) *FakeAdapter {
	return NewFake(cfg.Name, consensus.Role(cfg.Role))
}

func (f *FakeAdapter) Name() string         { return f.name }
func (f *FakeAdapter) Role() consensus.Role { return f.role }

// ScriptStatus fixes the status returned for an action id.
func (f *FakeAdapter) ScriptStatus(actionID string, status consensus.ResultStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[actionID] = status
}

// ScriptQueryError makes every Query fail with err.
func (f *FakeAdapter) ScriptQueryError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

// ScriptDelay makes Query block for d (or until the context ends).
func (f *FakeAdapter) ScriptDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// ScriptSubmitError makes every Submit fail with err.
func (f *FakeAdapter) ScriptSubmitError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// Submits returns the operations submitted so far.
func (f *FakeAdapter) Submits() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Operation(nil), f.submits...)
}

func (f *FakeAdapter) Query(ctx context.Context, actionID string) (consensus.ChainResult, error) {
	f.mu.Lock()
	delay := f.delay
	queryErr := f.queryErr
	status, scripted := f.statuses[actionID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return consensus.ChainResult{}, ctx.Err()
		}
	}
	if queryErr != nil {
		return consensus.ChainResult{}, queryErr
	}
	if !scripted {
		status = consensus.StatusSuccess
	}

	result := consensus.ChainResult{
		Chain:         f.name,
		Role:          f.role,
		Status:        status,
		Confirmations: 64,
	}
	switch status {
	case consensus.StatusSuccess:
		result.Message = "action verified"
	case consensus.StatusWarning:
		result.Message = "verification pending"
	default:
		result.Message = "verification failed"
	}
	return result, nil
}

func (f *FakeAdapter) Submit(_ context.Context, _ string, op Operation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits = append(f.submits, op)
	f.txCounter++
	return fmt.Sprintf("%s-tx-%d", f.name, f.txCounter), nil
}
