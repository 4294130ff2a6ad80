// Package chain provides the narrow blockchain capability consumed by the
// authorization core: one query/submit adapter per configured chain. The
// wire-level details of any specific network stay behind this interface.
package chain

import (
	"context"

	"github.com/crossvault/authcore/internal/app/domain/consensus"
)

// Operation names a swap transition submitted on-chain.
type Operation string

const (
	OpLock   Operation = "lock"
	OpClaim  Operation = "claim"
	OpRefund Operation = "refund"
)

// Adapter is the per-chain capability. Implementations are stateless from
// the core's perspective; every Query produces a fresh result.
type Adapter interface {
	// Name returns the chain identifier.
	Name() string
	// Role returns the chain's verification role.
	Role() consensus.Role
	// Query checks an action's legitimacy on this chain. Transport and
	// node failures are returned as errors; the aggregator folds them into
	// chain-level error results.
	Query(ctx context.Context, actionID string) (consensus.ChainResult, error)
	// Submit commits a swap operation on this chain and returns the
	// transaction handle.
	Submit(ctx context.Context, swapID string, op Operation) (string, error)
}
