// Package swap defines the hash/time-locked cross-chain swap model.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the stored lifecycle state of a swap. Claimed and refunded are
// terminal. Expired is never stored; it is a derived view, see
// EffectiveStatus.
type Status string

const (
	StatusCreated  Status = "created"
	StatusLocked   Status = "locked"
	StatusClaimed  Status = "claimed"
	StatusRefunded Status = "refunded"

	// StatusExpired is reported by EffectiveStatus only.
	StatusExpired Status = "expired"
)

// HTLCSwap is a hash/time-locked transfer between two chains. The swap is
// owned jointly by both participants but mutated only through the
// coordinator's validated transitions.
type HTLCSwap struct {
	ID               string    `json:"id"`
	HashLock         string    `json:"hash_lock"`
	TimeLock         time.Time `json:"time_lock"`
	SourceChain      string    `json:"source_chain"`
	DestinationChain string    `json:"destination_chain"`
	Amount           float64   `json:"amount"`
	Initiator        string    `json:"initiator"`
	Status           Status    `json:"status"`
	LockTxHandle     string    `json:"lock_tx_handle,omitempty"`
	ClaimTxHandle    string    `json:"claim_tx_handle,omitempty"`
	RefundTxHandle   string    `json:"refund_tx_handle,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Terminal reports whether the swap can transition further.
func (s HTLCSwap) Terminal() bool {
	return s.Status == StatusClaimed || s.Status == StatusRefunded
}

// Expired reports whether the time lock has elapsed.
func (s HTLCSwap) Expired(now time.Time) bool {
	return !now.Before(s.TimeLock)
}

// EffectiveStatus reports expired for created or locked swaps past the time
// lock. The stored status changes to refunded only when a refund executes.
func (s HTLCSwap) EffectiveStatus(now time.Time) Status {
	if (s.Status == StatusCreated || s.Status == StatusLocked) && s.Expired(now) {
		return StatusExpired
	}
	return s.Status
}

// HashPreimage computes the hex-encoded SHA-256 commitment for a preimage.
func HashPreimage(preimage string) string {
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// MatchesHashLock checks a presented preimage against the stored commitment.
func (s HTLCSwap) MatchesHashLock(preimage string) bool {
	return strings.EqualFold(HashPreimage(preimage), s.HashLock)
}
