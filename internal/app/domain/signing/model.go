// Package signing defines the multi-signature request model.
package signing

import (
	"strings"
	"time"
)

// ActionType classifies the vault action a signing round authorizes.
type ActionType string

const (
	ActionInitiate          ActionType = "initiate"
	ActionParticipate       ActionType = "participate"
	ActionClaim             ActionType = "claim"
	ActionRefund            ActionType = "refund"
	ActionUnlock            ActionType = "unlock"
	ActionEmergencyRecovery ActionType = "emergency_recovery"
)

// ParseActionType normalizes a wire value into an ActionType.
func ParseActionType(raw string) (ActionType, bool) {
	at := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	switch at {
	case ActionInitiate, ActionParticipate, ActionClaim, ActionRefund, ActionUnlock, ActionEmergencyRecovery:
		return at, true
	}
	return "", false
}

// Status is the lifecycle state of a signing request. Approved and rejected
// are terminal; no further signature mutates the status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Signer is one authorized approver within a request.
type Signer struct {
	Address    string     `json:"address"`
	Approved   bool       `json:"approved"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// Request is a multi-signature signing round for a single vault action.
// Requests are never deleted; a retry supersedes with a new request.
type Request struct {
	ID                 string     `json:"id"`
	ActionID           string     `json:"action_id"`
	ActionType         ActionType `json:"action_type"`
	RequiredSignatures int        `json:"required_signatures"`
	Signers            []Signer   `json:"signers"`
	Status             Status     `json:"status"`
	SourceChain        string     `json:"source_chain"`
	DestinationChain   string     `json:"destination_chain"`
	Initiator          string     `json:"initiator"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// ApprovedCount tallies approvals; the status invariant is
// approvedCount >= requiredSignatures implies StatusApproved.
func (r Request) ApprovedCount() int {
	count := 0
	for _, s := range r.Signers {
		if s.Approved {
			count++
		}
	}
	return count
}

// SignerIndex returns the position of address in the signer set, or -1.
// Addresses compare case-insensitively.
func (r Request) SignerIndex(address string) int {
	needle := strings.ToLower(strings.TrimSpace(address))
	for i, s := range r.Signers {
		if strings.ToLower(s.Address) == needle {
			return i
		}
	}
	return -1
}

// Finalized reports whether the request reached a terminal status.
func (r Request) Finalized() bool {
	return r.Status == StatusApproved || r.Status == StatusRejected
}

// ApprovalStatus is the read-only progress snapshot used by pollers.
type ApprovalStatus struct {
	Status        Status `json:"status"`
	ApprovedCount int    `json:"approved_count"`
	RequiredCount int    `json:"required_count"`
}
