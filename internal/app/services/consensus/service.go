// Package consensus aggregates per-chain verification results into a single
// verdict. Chains are queried concurrently; one slow or failing chain
// degrades the outcome instead of blocking it.
package consensus

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/crossvault/authcore/internal/app/chain"
	"github.com/crossvault/authcore/internal/app/domain/consensus"
	"github.com/crossvault/authcore/internal/app/metrics"
	"github.com/crossvault/authcore/internal/config"
	"github.com/crossvault/authcore/pkg/logger"
)

// Service fans verification queries out to every configured chain and folds
// the answers through the security level's decision policy.
type Service struct {
	adapters []chain.Adapter
	timeouts map[string]time.Duration
	levels   map[string]config.LevelPolicy
	retry    config.RetryConfig
	log      *logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// NewService creates the aggregator from configured chains and policies.
func NewService(adapters []chain.Adapter, cfg *config.Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("consensus")
	}
	timeouts := make(map[string]time.Duration, len(cfg.Chains))
	for _, c := range cfg.Chains {
		timeouts[c.Name] = c.Timeout()
	}
	return &Service{
		adapters: adapters,
		timeouts: timeouts,
		levels:   cfg.Consensus.Levels,
		retry:    cfg.Consensus.Retry,
		log:      log,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Verify queries every chain once and returns the aggregated outcome. Chain
// failures never return an error from Verify; they appear as error results
// and lower the consistency percentage.
func (s *Service) Verify(ctx context.Context, actionID string, level consensus.SecurityLevel) (consensus.Outcome, error) {
	outcome, _, err := s.verify(ctx, actionID, level)
	return outcome, err
}

// verify additionally reports whether any chain was degraded by a query
// timeout, which is the only failure shape VerifyWithRetry retries on.
func (s *Service) verify(ctx context.Context, actionID string, level consensus.SecurityLevel) (consensus.Outcome, bool, error) {
	results := make([]consensus.ChainResult, len(s.adapters))
	timedOut := make([]bool, len(s.adapters))

	var wg sync.WaitGroup
	for i, adapter := range s.adapters {
		wg.Add(1)
		go func(i int, adapter chain.Adapter) {
			defer wg.Done()
			results[i], timedOut[i] = s.queryChain(ctx, adapter, actionID)
		}(i, adapter)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Chain < results[j].Chain })

	outcome := consensus.Outcome{
		Results:       results,
		SecurityLevel: level,
		Timestamp:     s.now().UTC(),
	}
	if len(results) > 0 {
		pct := float64(outcome.SuccessCount()) / float64(len(results)) * 100
		outcome.ConsistencyPercentage = math.Round(pct*100) / 100
	}

	policy, ok := s.levels[string(level)]
	if !ok {
		policy = s.levels[string(consensus.LevelStandard)]
	}
	outcome.Verified = outcome.SuccessCount() >= policy.MinSuccess &&
		(!policy.ForbidErrors || outcome.ErrorCount() == 0)

	metrics.ObserveConsensusCheck(string(level), outcome.Verified)
	s.log.WithFields(map[string]interface{}{
		"action_id":   actionID,
		"level":       level,
		"verified":    outcome.Verified,
		"consistency": outcome.ConsistencyPercentage,
		"successes":   outcome.SuccessCount(),
		"errors":      outcome.ErrorCount(),
	}).Info("consensus verification completed")

	degraded := false
	for _, t := range timedOut {
		if t {
			degraded = true
			break
		}
	}
	return outcome, degraded, nil
}

// VerifyWithRetry re-runs Verify when the verdict was degraded by chain query
// timeouts. Other failure shapes are definitive and returned immediately.
func (s *Service) VerifyWithRetry(ctx context.Context, actionID string, level consensus.SecurityLevel) (consensus.Outcome, error) {
	attempts := s.retry.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	var outcome consensus.Outcome
	for attempt := 1; ; attempt++ {
		var timedOut bool
		var err error
		outcome, timedOut, err = s.verify(ctx, actionID, level)
		if err != nil {
			return consensus.Outcome{}, err
		}
		if outcome.Verified || !timedOut || attempt >= attempts {
			return outcome, nil
		}

		delay := s.retry.BaseDelay() << (attempt - 1)
		s.log.WithFields(map[string]interface{}{
			"action_id": actionID,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).Warn("consensus degraded by timeouts, retrying")
		if err := s.sleep(ctx, delay); err != nil {
			return outcome, nil
		}
	}
}

func (s *Service) queryChain(ctx context.Context, adapter chain.Adapter, actionID string) (result consensus.ChainResult, timedOut bool) {
	timeout, ok := s.timeouts[adapter.Name()]
	if !ok {
		timeout = 10 * time.Second
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.now()
	// A panicking adapter must degrade its own chain, not take down the
	// whole aggregation.
	defer func() {
		if r := recover(); r != nil {
			result = consensus.ChainResult{
				Chain:   adapter.Name(),
				Role:    adapter.Role(),
				Status:  consensus.StatusError,
				Message: fmt.Sprintf("chain adapter panic: %v", r),
			}
			timedOut = false
			s.log.WithField("chain", adapter.Name()).Errorf("chain adapter panicked: %v", r)
		}
		metrics.ObserveChainQuery(adapter.Name(), string(result.Status), time.Since(start))
	}()

	queried, err := adapter.Query(queryCtx, actionID)
	if err != nil {
		message := "chain query failed: " + err.Error()
		if stderrors.Is(err, context.DeadlineExceeded) {
			message = "timeout"
			timedOut = true
		}
		s.log.WithError(err).WithField("chain", adapter.Name()).Warn("chain query failed")
		return consensus.ChainResult{
			Chain:   adapter.Name(),
			Role:    adapter.Role(),
			Status:  consensus.StatusError,
			Message: message,
		}, timedOut
	}
	return queried, false
}
