// Package multisig coordinates multi-signature signing rounds for vault
// actions. A request collects approvals from a fixed signer set until the
// threshold is met or any signer rejects; both outcomes are terminal.
package multisig

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/events"
	"github.com/crossvault/authcore/internal/app/locking"
	"github.com/crossvault/authcore/internal/app/metrics"
	"github.com/crossvault/authcore/internal/app/storage"
	"github.com/crossvault/authcore/internal/errors"
	"github.com/crossvault/authcore/pkg/logger"
)

// CreateParams are the inputs for opening a signing round.
type CreateParams struct {
	ActionID           string             `json:"action_id"`
	ActionType         signing.ActionType `json:"action_type"`
	RequiredSignatures int                `json:"required_signatures"`
	Signers            []string           `json:"signers"`
	SourceChain        string             `json:"source_chain"`
	DestinationChain   string             `json:"destination_chain"`
	Initiator          string             `json:"initiator"`
}

// Service owns the signing request lifecycle.
type Service struct {
	store storage.SigningStore
	locks *locking.KeyedMutex
	hub   *events.Hub
	log   *logger.Logger
	now   func() time.Time
}

// NewService creates the multisig coordinator.
func NewService(store storage.SigningStore, hub *events.Hub, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("multisig")
	}
	return &Service{
		store: store,
		locks: locking.NewKeyedMutex(),
		hub:   hub,
		log:   log,
		now:   time.Now,
	}
}

// CreateRequest validates and persists a new signing round. When the
// initiator is part of the signer set their approval is recorded immediately,
// which can finalize a 1-of-n round on creation.
func (s *Service) CreateRequest(ctx context.Context, params CreateParams) (signing.Request, error) {
	if params.ActionID == "" {
		return signing.Request{}, errors.ValidationFailed("action id is required")
	}
	if _, ok := signing.ParseActionType(string(params.ActionType)); !ok {
		return signing.Request{}, errors.ValidationFailed("unknown action type %q", params.ActionType)
	}
	if len(params.Signers) == 0 {
		return signing.Request{}, errors.InvalidThreshold("signer set must not be empty")
	}
	if params.RequiredSignatures < 1 || params.RequiredSignatures > len(params.Signers) {
		return signing.Request{}, errors.InvalidThreshold(
			"required signatures %d must be between 1 and %d", params.RequiredSignatures, len(params.Signers))
	}

	seen := make(map[string]bool, len(params.Signers))
	signers := make([]signing.Signer, 0, len(params.Signers))
	for _, addr := range params.Signers {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return signing.Request{}, errors.ValidationFailed("signer address must not be empty")
		}
		key := strings.ToLower(addr)
		if seen[key] {
			return signing.Request{}, errors.DuplicateSigner(addr)
		}
		seen[key] = true
		signers = append(signers, signing.Signer{Address: addr})
	}

	now := s.now().UTC()
	req := signing.Request{
		ID:                 uuid.NewString(),
		ActionID:           params.ActionID,
		ActionType:         params.ActionType,
		RequiredSignatures: params.RequiredSignatures,
		Signers:            signers,
		Status:             signing.StatusPending,
		SourceChain:        params.SourceChain,
		DestinationChain:   params.DestinationChain,
		Initiator:          params.Initiator,
		CreatedAt:          now,
	}

	if idx := req.SignerIndex(params.Initiator); idx >= 0 {
		approvedAt := now
		req.Signers[idx].Approved = true
		req.Signers[idx].ApprovedAt = &approvedAt
	}
	if req.ApprovedCount() >= req.RequiredSignatures {
		req.Status = signing.StatusApproved
		completed := now
		req.CompletedAt = &completed
	}

	created, err := s.store.CreateSigningRequest(ctx, req)
	if err != nil {
		return signing.Request{}, errors.Internal(err)
	}

	metrics.ObserveSignatureEvent("created", string(created.ActionType))
	s.hub.Publish("signing_request.created", created)
	if created.Status == signing.StatusApproved {
		metrics.ObserveSignatureEvent("finalized", string(created.ActionType))
		s.hub.Publish("signing_request.finalized", created)
	}
	s.log.WithFields(map[string]interface{}{
		"request_id":  created.ID,
		"action_id":   created.ActionID,
		"action_type": created.ActionType,
		"threshold":   created.RequiredSignatures,
		"signers":     len(created.Signers),
	}).Info("signing request created")
	return created, nil
}

// AddSignature records an approval from one authorized signer. Re-approving
// is a no-op; approvals on finalized requests are rejected unless the signer
// already approved before finalization.
func (s *Service) AddSignature(ctx context.Context, requestID, address string) (signing.Request, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return signing.Request{}, err
	}

	idx := req.SignerIndex(address)
	if idx < 0 {
		return signing.Request{}, errors.UnauthorizedSigner(address)
	}
	if req.Signers[idx].Approved {
		return req, nil
	}
	if req.Finalized() {
		return signing.Request{}, errors.AlreadyFinalized("signing request %s is already %s", req.ID, req.Status)
	}

	now := s.now().UTC()
	req.Signers[idx].Approved = true
	req.Signers[idx].ApprovedAt = &now

	finalized := false
	if req.ApprovedCount() >= req.RequiredSignatures {
		req.Status = signing.StatusApproved
		completed := now
		req.CompletedAt = &completed
		finalized = true
	}

	updated, err := s.store.UpdateSigningRequest(ctx, req)
	if err != nil {
		return signing.Request{}, errors.Internal(err)
	}

	metrics.ObserveSignatureEvent("approved", string(updated.ActionType))
	s.hub.Publish("signing_request.approved", updated)
	if finalized {
		metrics.ObserveSignatureEvent("finalized", string(updated.ActionType))
		s.hub.Publish("signing_request.finalized", updated)
	}
	s.log.WithFields(map[string]interface{}{
		"request_id": updated.ID,
		"signer":     address,
		"approved":   updated.ApprovedCount(),
		"required":   updated.RequiredSignatures,
		"status":     updated.Status,
	}).Info("signature recorded")
	return updated, nil
}

// RejectRequest marks the round rejected. Any single authorized signer can
// veto; rejection is terminal.
func (s *Service) RejectRequest(ctx context.Context, requestID, address string) (signing.Request, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return signing.Request{}, err
	}
	if req.SignerIndex(address) < 0 {
		return signing.Request{}, errors.UnauthorizedSigner(address)
	}
	if req.Finalized() {
		return signing.Request{}, errors.AlreadyFinalized("signing request %s is already %s", req.ID, req.Status)
	}

	now := s.now().UTC()
	req.Status = signing.StatusRejected
	req.CompletedAt = &now

	updated, err := s.store.UpdateSigningRequest(ctx, req)
	if err != nil {
		return signing.Request{}, errors.Internal(err)
	}

	metrics.ObserveSignatureEvent("rejected", string(updated.ActionType))
	s.hub.Publish("signing_request.rejected", updated)
	s.log.WithFields(map[string]interface{}{
		"request_id": updated.ID,
		"signer":     address,
	}).Info("signing request rejected")
	return updated, nil
}

// GetRequest returns one signing request by id.
func (s *Service) GetRequest(ctx context.Context, requestID string) (signing.Request, error) {
	return s.getRequest(ctx, requestID)
}

// ApprovalStatus reports the progress of the latest round for an action.
func (s *Service) ApprovalStatus(ctx context.Context, actionID string, actionType signing.ActionType) (signing.ApprovalStatus, error) {
	req, err := s.store.GetSigningRequestByAction(ctx, actionID, actionType)
	if err != nil {
		if isNotFound(err) {
			return signing.ApprovalStatus{}, errors.UnknownRequest(actionID)
		}
		return signing.ApprovalStatus{}, errors.Internal(err)
	}
	return signing.ApprovalStatus{
		Status:        req.Status,
		ApprovedCount: req.ApprovedCount(),
		RequiredCount: req.RequiredSignatures,
	}, nil
}

// IsActionApproved reports whether the latest round for the action finished
// approved. Used by the swap coordinator before locking funds.
func (s *Service) IsActionApproved(ctx context.Context, actionID string, actionType signing.ActionType) (bool, error) {
	req, err := s.store.GetSigningRequestByAction(ctx, actionID, actionType)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Internal(err)
	}
	return req.Status == signing.StatusApproved, nil
}

func (s *Service) getRequest(ctx context.Context, requestID string) (signing.Request, error) {
	req, err := s.store.GetSigningRequest(ctx, requestID)
	if err != nil {
		if isNotFound(err) {
			return signing.Request{}, errors.UnknownRequest(requestID)
		}
		return signing.Request{}, errors.Internal(err)
	}
	return req, nil
}

func isNotFound(err error) bool {
	return stderrors.Is(err, storage.ErrNotFound)
}
