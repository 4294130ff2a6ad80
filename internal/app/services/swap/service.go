// Package swap coordinates hash/time-locked cross-chain swaps. Transitions
// are validated against the signing coordinator, the consensus aggregator
// and the geo gate before anything is committed on-chain.
package swap

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crossvault/authcore/internal/app/chain"
	"github.com/crossvault/authcore/internal/app/domain/consensus"
	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/domain/swap"
	"github.com/crossvault/authcore/internal/app/events"
	"github.com/crossvault/authcore/internal/app/locking"
	"github.com/crossvault/authcore/internal/app/metrics"
	"github.com/crossvault/authcore/internal/app/storage"
	"github.com/crossvault/authcore/internal/config"
	"github.com/crossvault/authcore/internal/errors"
	"github.com/crossvault/authcore/pkg/logger"
)

// Approvals is the slice of the signing coordinator the swap lifecycle needs.
type Approvals interface {
	IsActionApproved(ctx context.Context, actionID string, actionType signing.ActionType) (bool, error)
}

// Verifier is the consensus check applied before high-value transitions.
type Verifier interface {
	VerifyWithRetry(ctx context.Context, actionID string, level consensus.SecurityLevel) (consensus.Outcome, error)
}

// GeoGate is the optional location proof consulted for gated action types.
type GeoGate interface {
	HasValidVerification(ctx context.Context, actionID string) (bool, error)
}

// InitiateParams are the inputs for creating a swap.
type InitiateParams struct {
	SourceChain      string  `json:"source_chain"`
	DestinationChain string  `json:"destination_chain"`
	Amount           float64 `json:"amount"`
	HashLock         string  `json:"hash_lock"`
	TimeLockSeconds  int     `json:"time_lock_seconds"`
	Initiator        string  `json:"initiator"`
}

// Service owns the HTLC swap state machine.
type Service struct {
	store     storage.SwapStore
	approvals Approvals
	verifier  Verifier
	geo       GeoGate
	adapters  map[string]chain.Adapter
	cfg       *config.Config
	locks     *locking.KeyedMutex
	hub       *events.Hub
	log       *logger.Logger
	now       func() time.Time
}

// NewService creates the swap coordinator.
func NewService(store storage.SwapStore, approvals Approvals, verifier Verifier, geo GeoGate, adapters []chain.Adapter, cfg *config.Config, hub *events.Hub, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("swap")
	}
	byName := make(map[string]chain.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Service{
		store:     store,
		approvals: approvals,
		verifier:  verifier,
		geo:       geo,
		adapters:  byName,
		cfg:       cfg,
		locks:     locking.NewKeyedMutex(),
		hub:       hub,
		log:       log,
		now:       time.Now,
	}
}

// Initiate validates and persists a new swap in the created state. The time
// lock must clear the safety floor derived from chain confirmation latency so
// a claim cannot race the refund window.
func (s *Service) Initiate(ctx context.Context, params InitiateParams) (swap.HTLCSwap, error) {
	if params.Amount <= 0 {
		return swap.HTLCSwap{}, errors.ValidationFailed("amount must be positive")
	}
	if params.HashLock == "" {
		return swap.HTLCSwap{}, errors.ValidationFailed("hash lock is required")
	}
	if _, ok := s.adapters[params.SourceChain]; !ok {
		return swap.HTLCSwap{}, errors.ValidationFailed("unknown source chain %q", params.SourceChain)
	}
	if _, ok := s.adapters[params.DestinationChain]; !ok {
		return swap.HTLCSwap{}, errors.ValidationFailed("unknown destination chain %q", params.DestinationChain)
	}
	if params.SourceChain == params.DestinationChain {
		return swap.HTLCSwap{}, errors.ValidationFailed("source and destination chains must differ")
	}

	duration := time.Duration(params.TimeLockSeconds) * time.Second
	if floor := s.cfg.MinTimeLock(); duration < floor {
		return swap.HTLCSwap{}, errors.UnsafeTimeLock(
			"time lock %s is below the safety floor %s", duration, floor)
	}

	now := s.now().UTC()
	sw := swap.HTLCSwap{
		ID:               uuid.NewString(),
		HashLock:         strings.ToLower(params.HashLock),
		TimeLock:         now.Add(duration),
		SourceChain:      params.SourceChain,
		DestinationChain: params.DestinationChain,
		Amount:           params.Amount,
		Initiator:        params.Initiator,
		Status:           swap.StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := s.store.CreateSwap(ctx, sw)
	if err != nil {
		return swap.HTLCSwap{}, errors.Internal(err)
	}

	metrics.ObserveSwapTransition("initiate", "ok")
	s.hub.Publish("swap.created", created)
	s.log.WithFields(map[string]interface{}{
		"swap_id":   created.ID,
		"source":    created.SourceChain,
		"dest":      created.DestinationChain,
		"amount":    created.Amount,
		"time_lock": created.TimeLock,
	}).Info("swap initiated")
	return created, nil
}

// Lock commits funds on the source chain. It requires an approved signing
// round for the swap's initiate action.
func (s *Service) Lock(ctx context.Context, swapID string) (swap.HTLCSwap, error) {
	unlock := s.locks.Lock(swapID)
	defer unlock()

	sw, err := s.getSwap(ctx, swapID)
	if err != nil {
		return swap.HTLCSwap{}, err
	}
	if sw.Terminal() || sw.Status == swap.StatusLocked {
		metrics.ObserveSwapTransition("lock", "conflict")
		return swap.HTLCSwap{}, errors.AlreadyFinalized("swap %s is already %s", sw.ID, sw.Status)
	}
	if sw.Expired(s.now().UTC()) {
		metrics.ObserveSwapTransition("lock", "expired")
		return swap.HTLCSwap{}, errors.TimeLockExpired()
	}

	approved, err := s.approvals.IsActionApproved(ctx, sw.ID, signing.ActionInitiate)
	if err != nil {
		return swap.HTLCSwap{}, err
	}
	if !approved {
		metrics.ObserveSwapTransition("lock", "unapproved")
		return swap.HTLCSwap{}, errors.SignaturesIncomplete("swap %s has no approved signing round", sw.ID)
	}

	handle, err := s.adapters[sw.SourceChain].Submit(ctx, sw.ID, chain.OpLock)
	if err != nil {
		metrics.ObserveSwapTransition("lock", "chain_error")
		return swap.HTLCSwap{}, errors.Internal(err)
	}

	sw.Status = swap.StatusLocked
	sw.LockTxHandle = handle
	sw.UpdatedAt = s.now().UTC()

	updated, err := s.store.UpdateSwap(ctx, sw)
	if err != nil {
		return swap.HTLCSwap{}, errors.Internal(err)
	}

	metrics.ObserveSwapTransition("lock", "ok")
	s.hub.Publish("swap.locked", updated)
	s.log.WithFields(map[string]interface{}{
		"swap_id": updated.ID,
		"tx":      handle,
	}).Info("swap funds locked")
	return updated, nil
}

// Claim releases the locked funds to the counterparty when the presented
// preimage opens the hash lock before the time lock elapses. High-value
// swaps additionally require cross-chain consensus, and gated action types a
// valid location proof.
func (s *Service) Claim(ctx context.Context, swapID, preimage string) (swap.HTLCSwap, error) {
	unlock := s.locks.Lock(swapID)
	defer unlock()

	sw, err := s.getSwap(ctx, swapID)
	if err != nil {
		return swap.HTLCSwap{}, err
	}
	if sw.Status == swap.StatusCreated {
		metrics.ObserveSwapTransition("claim", "unlocked")
		return swap.HTLCSwap{}, errors.SwapNotLocked(sw.ID)
	}
	if sw.Status == swap.StatusClaimed {
		metrics.ObserveSwapTransition("claim", "conflict")
		return swap.HTLCSwap{}, errors.AlreadyFinalized("swap %s is already claimed", sw.ID)
	}
	if !sw.MatchesHashLock(preimage) {
		metrics.ObserveSwapTransition("claim", "bad_preimage")
		return swap.HTLCSwap{}, errors.InvalidPreimage()
	}
	// A refunded swap is necessarily past its time lock, so it fails here
	// with the same error a late claim on a still-locked swap would see.
	if sw.Expired(s.now().UTC()) {
		metrics.ObserveSwapTransition("claim", "expired")
		return swap.HTLCSwap{}, errors.TimeLockExpired()
	}
	if err := s.checkGates(ctx, sw, signing.ActionClaim); err != nil {
		return swap.HTLCSwap{}, err
	}

	handle, err := s.adapters[sw.DestinationChain].Submit(ctx, sw.ID, chain.OpClaim)
	if err != nil {
		metrics.ObserveSwapTransition("claim", "chain_error")
		return swap.HTLCSwap{}, errors.Internal(err)
	}

	sw.Status = swap.StatusClaimed
	sw.ClaimTxHandle = handle
	sw.UpdatedAt = s.now().UTC()

	updated, err := s.store.UpdateSwap(ctx, sw)
	if err != nil {
		return swap.HTLCSwap{}, errors.Internal(err)
	}

	metrics.ObserveSwapTransition("claim", "ok")
	s.hub.Publish("swap.claimed", updated)
	s.log.WithFields(map[string]interface{}{
		"swap_id": updated.ID,
		"tx":      handle,
	}).Info("swap claimed")
	return updated, nil
}

// Refund returns locked funds to the initiator once the time lock elapsed.
func (s *Service) Refund(ctx context.Context, swapID string) (swap.HTLCSwap, error) {
	unlock := s.locks.Lock(swapID)
	defer unlock()

	sw, err := s.getSwap(ctx, swapID)
	if err != nil {
		return swap.HTLCSwap{}, err
	}
	if sw.Terminal() {
		metrics.ObserveSwapTransition("refund", "conflict")
		return swap.HTLCSwap{}, errors.AlreadyFinalized("swap %s is already %s", sw.ID, sw.Status)
	}
	if sw.Status != swap.StatusLocked {
		metrics.ObserveSwapTransition("refund", "unlocked")
		return swap.HTLCSwap{}, errors.SwapNotLocked(sw.ID)
	}
	if !sw.Expired(s.now().UTC()) {
		metrics.ObserveSwapTransition("refund", "premature")
		return swap.HTLCSwap{}, errors.NotYetExpired()
	}
	if err := s.checkGates(ctx, sw, signing.ActionRefund); err != nil {
		return swap.HTLCSwap{}, err
	}

	handle, err := s.adapters[sw.SourceChain].Submit(ctx, sw.ID, chain.OpRefund)
	if err != nil {
		metrics.ObserveSwapTransition("refund", "chain_error")
		return swap.HTLCSwap{}, errors.Internal(err)
	}

	sw.Status = swap.StatusRefunded
	sw.RefundTxHandle = handle
	sw.UpdatedAt = s.now().UTC()

	updated, err := s.store.UpdateSwap(ctx, sw)
	if err != nil {
		return swap.HTLCSwap{}, errors.Internal(err)
	}

	metrics.ObserveSwapTransition("refund", "ok")
	s.hub.Publish("swap.refunded", updated)
	s.log.WithFields(map[string]interface{}{
		"swap_id": updated.ID,
		"tx":      handle,
	}).Info("swap refunded")
	return updated, nil
}

// Get returns the swap with its derived effective status applied. The stored
// status never changes on read; expiry is a view.
func (s *Service) Get(ctx context.Context, swapID string) (swap.HTLCSwap, swap.Status, error) {
	sw, err := s.getSwap(ctx, swapID)
	if err != nil {
		return swap.HTLCSwap{}, "", err
	}
	return sw, sw.EffectiveStatus(s.now().UTC()), nil
}

// List returns the initiator's swaps, or all swaps when initiator is empty.
func (s *Service) List(ctx context.Context, initiator string) ([]swap.HTLCSwap, error) {
	swaps, err := s.store.ListSwaps(ctx, initiator)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return swaps, nil
}

// checkGates applies the consensus and location requirements configured for
// the transition's action type.
func (s *Service) checkGates(ctx context.Context, sw swap.HTLCSwap, actionType signing.ActionType) error {
	if sw.Amount >= s.cfg.Policy.HighValueAmount {
		level := consensus.ParseSecurityLevel(s.cfg.Policy.ActionLevels[string(actionType)])
		outcome, err := s.verifier.VerifyWithRetry(ctx, sw.ID, level)
		if err != nil {
			return err
		}
		if !outcome.Verified {
			metrics.ObserveSwapTransition(string(actionType), "consensus_failed")
			return errors.ConsensusNotReached(
				"consensus at level %s failed: %d of %d chains agree",
				level, outcome.SuccessCount(), len(outcome.Results))
		}
	}

	if s.geoRequired(actionType) {
		valid, err := s.geo.HasValidVerification(ctx, sw.ID)
		if err != nil {
			return err
		}
		if !valid {
			metrics.ObserveSwapTransition(string(actionType), "geo_denied")
			return errors.GeoDenied(sw.ID)
		}
	}
	return nil
}

func (s *Service) geoRequired(actionType signing.ActionType) bool {
	for _, at := range s.cfg.Policy.GeoRequired {
		if at == string(actionType) {
			return true
		}
	}
	return false
}

func (s *Service) getSwap(ctx context.Context, swapID string) (swap.HTLCSwap, error) {
	sw, err := s.store.GetSwap(ctx, swapID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return swap.HTLCSwap{}, errors.UnknownSwap(swapID)
		}
		return swap.HTLCSwap{}, errors.Internal(err)
	}
	return sw, nil
}
