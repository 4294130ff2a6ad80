package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crossvault/authcore/internal/app/chain"
	"github.com/crossvault/authcore/internal/app/domain/consensus"
	"github.com/crossvault/authcore/internal/config"
)

func newTestService(adapters ...chain.Adapter) *Service {
	cfg := config.Default()
	svc := NewService(adapters, cfg, nil)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func threeFakes() (*chain.FakeAdapter, *chain.FakeAdapter, *chain.FakeAdapter) {
	return chain.NewFake("ethereum", consensus.RolePrimary),
		chain.NewFake("solana", consensus.RoleMonitor),
		chain.NewFake("ton", consensus.RoleBackup)
}

func TestVerifyAllChainsAgree(t *testing.T) {
	eth, sol, ton := threeFakes()
	svc := newTestService(eth, sol, ton)

	outcome, err := svc.Verify(context.Background(), "action-1", consensus.LevelMaximum)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !outcome.Verified {
		t.Fatal("expected verified outcome with three successes")
	}
	if outcome.ConsistencyPercentage != 100 {
		t.Fatalf("expected 100%% consistency, got %v", outcome.ConsistencyPercentage)
	}
	if len(outcome.Results) != 3 {
		t.Fatalf("expected 3 per-chain results, got %d", len(outcome.Results))
	}
}

func TestVerifyLevelPolicies(t *testing.T) {
	eth, sol, ton := threeFakes()
	ton.ScriptStatus("action-1", consensus.StatusError)
	svc := newTestService(eth, sol, ton)
	ctx := context.Background()

	// Two successes and one error: standard tolerates the error, enhanced
	// and maximum do not.
	outcome, err := svc.Verify(ctx, "action-1", consensus.LevelStandard)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !outcome.Verified {
		t.Fatal("standard level should tolerate one error with two successes")
	}
	if outcome.ConsistencyPercentage != 66.67 {
		t.Fatalf("expected 66.67%% consistency, got %v", outcome.ConsistencyPercentage)
	}

	outcome, err = svc.Verify(ctx, "action-1", consensus.LevelEnhanced)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if outcome.Verified {
		t.Fatal("enhanced level must reject any error result")
	}

	outcome, err = svc.Verify(ctx, "action-1", consensus.LevelMaximum)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if outcome.Verified {
		t.Fatal("maximum level requires all chains to succeed")
	}
}

func TestVerifyWarningIsNotError(t *testing.T) {
	eth, sol, ton := threeFakes()
	ton.ScriptStatus("action-1", consensus.StatusWarning)
	svc := newTestService(eth, sol, ton)

	// A warning lowers consistency but does not trip forbid-errors policies.
	outcome, err := svc.Verify(context.Background(), "action-1", consensus.LevelEnhanced)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !outcome.Verified {
		t.Fatal("enhanced level should pass with two successes and a warning")
	}
	if outcome.ConsistencyPercentage != 66.67 {
		t.Fatalf("expected 66.67%% consistency, got %v", outcome.ConsistencyPercentage)
	}
}

func TestVerifyChainFailureBecomesErrorResult(t *testing.T) {
	eth, sol, ton := threeFakes()
	sol.ScriptQueryError(errors.New("connection refused"))
	svc := newTestService(eth, sol, ton)

	outcome, err := svc.Verify(context.Background(), "action-1", consensus.LevelStandard)
	if err != nil {
		t.Fatalf("Verify must not fail on chain errors: %v", err)
	}
	if outcome.ErrorCount() != 1 {
		t.Fatalf("expected 1 error result, got %d", outcome.ErrorCount())
	}
	if !outcome.Verified {
		t.Fatal("standard level should still verify with two successes")
	}
}

func TestVerifyTimeoutDegradesChain(t *testing.T) {
	eth, sol, ton := threeFakes()
	ton.ScriptDelay(time.Minute)
	svc := newTestService(eth, sol, ton)
	svc.timeouts["ton"] = 10 * time.Millisecond

	outcome, err := svc.Verify(context.Background(), "action-1", consensus.LevelStandard)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	var tonResult consensus.ChainResult
	for _, r := range outcome.Results {
		if r.Chain == "ton" {
			tonResult = r
		}
	}
	if tonResult.Status != consensus.StatusError {
		t.Fatalf("expected timed-out chain to report error, got %s", tonResult.Status)
	}
	if tonResult.Message != "timeout" {
		t.Fatalf("unexpected timeout message: %q", tonResult.Message)
	}
	if !outcome.Verified {
		t.Fatal("standard level should survive one timeout")
	}
}

// panicAdapter blows up inside Query, the way a buggy RPC client would.
type panicAdapter struct {
	name string
	role consensus.Role
}

func (a *panicAdapter) Name() string         { return a.name }
func (a *panicAdapter) Role() consensus.Role { return a.role }

func (a *panicAdapter) Query(context.Context, string) (consensus.ChainResult, error) {
	panic("nil pointer dereference in rpc client")
}

func (a *panicAdapter) Submit(context.Context, string, chain.Operation) (string, error) {
	panic("nil pointer dereference in rpc client")
}

func TestVerifyAdapterPanicBecomesErrorResult(t *testing.T) {
	eth, sol, _ := threeFakes()
	svc := newTestService(eth, sol, &panicAdapter{name: "ton", role: consensus.RoleBackup})

	outcome, err := svc.Verify(context.Background(), "action-1", consensus.LevelStandard)
	if err != nil {
		t.Fatalf("Verify must not fail on an adapter panic: %v", err)
	}
	if outcome.ErrorCount() != 1 {
		t.Fatalf("expected 1 error result, got %d", outcome.ErrorCount())
	}

	var tonResult consensus.ChainResult
	for _, r := range outcome.Results {
		if r.Chain == "ton" {
			tonResult = r
		}
	}
	if tonResult.Status != consensus.StatusError {
		t.Fatalf("expected panicking chain to report error, got %s", tonResult.Status)
	}
	if !outcome.Verified {
		t.Fatal("standard level should survive one panicking chain")
	}
}

func TestVerifyWithRetryDoesNotRetryAdapterPanics(t *testing.T) {
	eth, sol, _ := threeFakes()
	svc := newTestService(eth, sol, &panicAdapter{name: "ton", role: consensus.RoleBackup})

	sleeps := 0
	svc.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	outcome, err := svc.VerifyWithRetry(context.Background(), "action-1", consensus.LevelMaximum)
	if err != nil {
		t.Fatalf("VerifyWithRetry failed: %v", err)
	}
	if outcome.Verified {
		t.Fatal("expected unverified outcome")
	}
	if sleeps != 0 {
		t.Fatalf("adapter panics must not be retried, got %d sleeps", sleeps)
	}
}

func TestVerifyWithRetryRecoversFromTimeouts(t *testing.T) {
	eth, sol, ton := threeFakes()
	ton.ScriptDelay(time.Minute)
	svc := newTestService(eth, sol, ton)
	svc.timeouts["ton"] = 10 * time.Millisecond

	attempts := 0
	svc.sleep = func(context.Context, time.Duration) error {
		attempts++
		// The chain recovers before the second attempt.
		ton.ScriptDelay(0)
		return nil
	}

	outcome, err := svc.VerifyWithRetry(context.Background(), "action-1", consensus.LevelMaximum)
	if err != nil {
		t.Fatalf("VerifyWithRetry failed: %v", err)
	}
	if !outcome.Verified {
		t.Fatal("expected verified outcome after the chain recovered")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one retry sleep, got %d", attempts)
	}
}

func TestVerifyWithRetryGivesUpAfterAttempts(t *testing.T) {
	eth, sol, ton := threeFakes()
	ton.ScriptDelay(time.Minute)
	svc := newTestService(eth, sol, ton)
	svc.timeouts["ton"] = 10 * time.Millisecond

	sleeps := 0
	svc.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	outcome, err := svc.VerifyWithRetry(context.Background(), "action-1", consensus.LevelMaximum)
	if err != nil {
		t.Fatalf("VerifyWithRetry failed: %v", err)
	}
	if outcome.Verified {
		t.Fatal("expected unverified outcome while the chain keeps timing out")
	}
	if sleeps != 2 {
		t.Fatalf("expected 2 retry sleeps for 3 attempts, got %d", sleeps)
	}
}

func TestVerifyWithRetryDoesNotRetryDefinitiveFailures(t *testing.T) {
	eth, sol, ton := threeFakes()
	ton.ScriptStatus("action-1", consensus.StatusError)
	svc := newTestService(eth, sol, ton)

	sleeps := 0
	svc.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	outcome, err := svc.VerifyWithRetry(context.Background(), "action-1", consensus.LevelMaximum)
	if err != nil {
		t.Fatalf("VerifyWithRetry failed: %v", err)
	}
	if outcome.Verified {
		t.Fatal("expected unverified outcome")
	}
	if sleeps != 0 {
		t.Fatalf("definitive chain errors must not be retried, got %d sleeps", sleeps)
	}
}
