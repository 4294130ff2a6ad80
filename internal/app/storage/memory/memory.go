// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crossvault/authcore/internal/app/domain/geo"
	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/domain/swap"
	"github.com/crossvault/authcore/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces.
type Store struct {
	mu              sync.RWMutex
	signingRequests map[string]signing.Request
	requestsByAct   map[string][]string // actionID -> request ids, creation order
	swaps           map[string]swap.HTLCSwap
	geoRecords      map[string]geo.Record
	geoByAction     map[string][]string
}

var _ storage.SigningStore = (*Store)(nil)
var _ storage.SwapStore = (*Store)(nil)
var _ storage.GeoStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		signingRequests: make(map[string]signing.Request),
		requestsByAct:   make(map[string][]string),
		swaps:           make(map[string]swap.HTLCSwap),
		geoRecords:      make(map[string]geo.Record),
		geoByAction:     make(map[string][]string),
	}
}

// SigningStore implementation -------------------------------------------------

func (s *Store) CreateSigningRequest(_ context.Context, req signing.Request) (signing.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, exists := s.signingRequests[req.ID]; exists {
		return signing.Request{}, fmt.Errorf("signing request %s already exists", req.ID)
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Signers = cloneSigners(req.Signers)

	s.signingRequests[req.ID] = req
	s.requestsByAct[req.ActionID] = append(s.requestsByAct[req.ActionID], req.ID)
	return cloneRequest(req), nil
}

func (s *Store) UpdateSigningRequest(_ context.Context, req signing.Request) (signing.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.signingRequests[req.ID]
	if !ok {
		return signing.Request{}, fmt.Errorf("signing request %s: %w", req.ID, storage.ErrNotFound)
	}

	req.CreatedAt = original.CreatedAt
	req.Signers = cloneSigners(req.Signers)

	s.signingRequests[req.ID] = req
	return cloneRequest(req), nil
}

func (s *Store) GetSigningRequest(_ context.Context, id string) (signing.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.signingRequests[id]
	if !ok {
		return signing.Request{}, fmt.Errorf("signing request %s: %w", id, storage.ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (s *Store) GetSigningRequestByAction(_ context.Context, actionID string, actionType signing.ActionType) (signing.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.requestsByAct[actionID]
	for i := len(ids) - 1; i >= 0; i-- {
		req := s.signingRequests[ids[i]]
		if req.ActionType == actionType {
			return cloneRequest(req), nil
		}
	}
	return signing.Request{}, fmt.Errorf("signing request for action %s/%s: %w", actionID, actionType, storage.ErrNotFound)
}

func (s *Store) ListSigningRequests(_ context.Context, actionID string) ([]signing.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.requestsByAct[actionID]
	result := make([]signing.Request, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneRequest(s.signingRequests[id]))
	}
	return result, nil
}

// SwapStore implementation ----------------------------------------------------

func (s *Store) CreateSwap(_ context.Context, sw swap.HTLCSwap) (swap.HTLCSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sw.ID == "" {
		sw.ID = uuid.NewString()
	} else if _, exists := s.swaps[sw.ID]; exists {
		return swap.HTLCSwap{}, fmt.Errorf("swap %s already exists", sw.ID)
	}

	if sw.CreatedAt.IsZero() {
		sw.CreatedAt = time.Now().UTC()
	}
	sw.UpdatedAt = sw.CreatedAt

	s.swaps[sw.ID] = sw
	return sw, nil
}

func (s *Store) UpdateSwap(_ context.Context, sw swap.HTLCSwap) (swap.HTLCSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.swaps[sw.ID]
	if !ok {
		return swap.HTLCSwap{}, fmt.Errorf("swap %s: %w", sw.ID, storage.ErrNotFound)
	}

	sw.CreatedAt = original.CreatedAt
	sw.UpdatedAt = time.Now().UTC()

	s.swaps[sw.ID] = sw
	return sw, nil
}

func (s *Store) GetSwap(_ context.Context, id string) (swap.HTLCSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sw, ok := s.swaps[id]
	if !ok {
		return swap.HTLCSwap{}, fmt.Errorf("swap %s: %w", id, storage.ErrNotFound)
	}
	return sw, nil
}

func (s *Store) ListSwaps(_ context.Context, initiator string) ([]swap.HTLCSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]swap.HTLCSwap, 0)
	for _, sw := range s.swaps {
		if initiator == "" || sw.Initiator == initiator {
			result = append(result, sw)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// GeoStore implementation -----------------------------------------------------

func (s *Store) CreateGeoRecord(_ context.Context, rec geo.Record) (geo.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if _, exists := s.geoRecords[rec.ID]; exists {
		return geo.Record{}, fmt.Errorf("geo record %s already exists", rec.ID)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.geoRecords[rec.ID] = rec
	s.geoByAction[rec.ActionID] = append(s.geoByAction[rec.ActionID], rec.ID)
	return rec, nil
}

func (s *Store) UpdateGeoRecord(_ context.Context, rec geo.Record) (geo.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.geoRecords[rec.ID]
	if !ok {
		return geo.Record{}, fmt.Errorf("geo record %s: %w", rec.ID, storage.ErrNotFound)
	}

	rec.Timestamp = original.Timestamp
	s.geoRecords[rec.ID] = rec
	return rec, nil
}

func (s *Store) ListGeoRecords(_ context.Context, actionID string) ([]geo.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.geoByAction[actionID]
	result := make([]geo.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.geoRecords[id]; ok {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (s *Store) DeleteExpiredGeoRecords(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.geoRecords {
		if rec.Expired(now) {
			delete(s.geoRecords, id)
			removed++
		}
	}
	if removed > 0 {
		for actionID, ids := range s.geoByAction {
			kept := ids[:0]
			for _, id := range ids {
				if _, ok := s.geoRecords[id]; ok {
					kept = append(kept, id)
				}
			}
			if len(kept) == 0 {
				delete(s.geoByAction, actionID)
			} else {
				s.geoByAction[actionID] = kept
			}
		}
	}
	return removed, nil
}

// Helpers --------------------------------------------------------------------

func cloneSigners(src []signing.Signer) []signing.Signer {
	if len(src) == 0 {
		return nil
	}
	dst := make([]signing.Signer, len(src))
	copy(dst, src)
	return dst
}

func cloneRequest(req signing.Request) signing.Request {
	req.Signers = cloneSigners(req.Signers)
	return req
}
