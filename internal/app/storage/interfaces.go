// Package storage declares the persistence interfaces consumed by the
// coordinators. Stores are injected so tests can substitute the in-memory
// implementation; the core never touches ambient singleton state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/crossvault/authcore/internal/app/domain/geo"
	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/domain/swap"
)

// ErrNotFound is wrapped by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// SigningStore persists signing requests and their approval ledger.
type SigningStore interface {
	CreateSigningRequest(ctx context.Context, req signing.Request) (signing.Request, error)
	UpdateSigningRequest(ctx context.Context, req signing.Request) (signing.Request, error)
	GetSigningRequest(ctx context.Context, id string) (signing.Request, error)
	// GetSigningRequestByAction returns the most recently created request
	// for the action id and type.
	GetSigningRequestByAction(ctx context.Context, actionID string, actionType signing.ActionType) (signing.Request, error)
	ListSigningRequests(ctx context.Context, actionID string) ([]signing.Request, error)
}

// SwapStore persists HTLC swaps.
type SwapStore interface {
	CreateSwap(ctx context.Context, sw swap.HTLCSwap) (swap.HTLCSwap, error)
	UpdateSwap(ctx context.Context, sw swap.HTLCSwap) (swap.HTLCSwap, error)
	GetSwap(ctx context.Context, id string) (swap.HTLCSwap, error)
	ListSwaps(ctx context.Context, initiator string) ([]swap.HTLCSwap, error)
}

// GeoStore persists location verification records.
type GeoStore interface {
	CreateGeoRecord(ctx context.Context, rec geo.Record) (geo.Record, error)
	UpdateGeoRecord(ctx context.Context, rec geo.Record) (geo.Record, error)
	ListGeoRecords(ctx context.Context, actionID string) ([]geo.Record, error)
	// DeleteExpiredGeoRecords purges records whose validity window ended at
	// or before now and reports how many were removed.
	DeleteExpiredGeoRecords(ctx context.Context, now time.Time) (int, error)
}
