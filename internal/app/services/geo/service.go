// Package geo implements the location verification gate. Coordinates are
// never stored; each record carries a salted hash of the quantized geocell
// the caller reported, valid for a bounded window.
package geo

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/crossvault/authcore/internal/app/domain/geo"
	"github.com/crossvault/authcore/internal/app/events"
	"github.com/crossvault/authcore/internal/app/metrics"
	"github.com/crossvault/authcore/internal/app/storage"
	"github.com/crossvault/authcore/internal/config"
	"github.com/crossvault/authcore/internal/errors"
	"github.com/crossvault/authcore/pkg/logger"
)

// Service owns geo verification records and the hashing scheme.
type Service struct {
	store    storage.GeoStore
	ttl      time.Duration
	cellSize float64
	salt     []byte
	hub      *events.Hub
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates the geo gate.
func NewService(store storage.GeoStore, cfg *config.Config, hub *events.Hub, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("geo")
	}
	cellSize := cfg.Geo.CellSizeDegrees
	if cellSize <= 0 {
		cellSize = 0.01
	}
	return &Service{
		store:    store,
		ttl:      cfg.GeoTTL(),
		cellSize: cellSize,
		salt:     []byte(cfg.Geo.Salt),
		hub:      hub,
		log:      log,
		now:      time.Now,
	}
}

// HashLocation maps coordinates to a salted geocell hash. Coordinates are
// quantized first so nearby readings inside one cell produce the same hash.
func (s *Service) HashLocation(lat, lon float64) string {
	cellLat := math.Floor(lat / s.cellSize)
	cellLon := math.Floor(lon / s.cellSize)
	cell := fmt.Sprintf("%.0f:%.0f:%.4f", cellLat, cellLon, s.cellSize)
	sum := argon2.IDKey([]byte(cell), s.salt, 1, 64*1024, 4, 32)
	return hex.EncodeToString(sum)
}

// RequestVerification captures a location hash for the action and opens its
// validity window. The record starts unverified until VerifyLocation matches
// it against an allowed set.
func (s *Service) RequestVerification(ctx context.Context, actionID string, lat, lon float64) (geo.Record, error) {
	if actionID == "" {
		return geo.Record{}, errors.ValidationFailed("action id is required")
	}
	if lat < -90 || lat > 90 {
		return geo.Record{}, errors.ValidationFailed("latitude %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return geo.Record{}, errors.ValidationFailed("longitude %v out of range", lon)
	}

	now := s.now().UTC()
	rec := geo.Record{
		ID:           uuid.NewString(),
		ActionID:     actionID,
		LocationHash: s.HashLocation(lat, lon),
		Timestamp:    now,
		ExpiresAt:    now.Add(s.ttl),
	}

	created, err := s.store.CreateGeoRecord(ctx, rec)
	if err != nil {
		return geo.Record{}, errors.Internal(err)
	}

	s.hub.Publish("geo_verification.requested", created)
	s.log.WithFields(map[string]interface{}{
		"record_id":  created.ID,
		"action_id":  created.ActionID,
		"expires_at": created.ExpiresAt,
	}).Info("location verification requested")
	return created, nil
}

// VerifyLocation marks the action's open records verified when their hash is
// in the allowed set. A mismatch is a normal false outcome, not an error.
func (s *Service) VerifyLocation(ctx context.Context, actionID string, allowedHashes []string) (bool, error) {
	records, err := s.store.ListGeoRecords(ctx, actionID)
	if err != nil {
		return false, errors.Internal(err)
	}

	allowed := make(map[string]bool, len(allowedHashes))
	for _, h := range allowedHashes {
		allowed[h] = true
	}

	now := s.now().UTC()
	matched := false
	for _, rec := range records {
		if rec.Expired(now) || !allowed[rec.LocationHash] {
			continue
		}
		matched = true
		if rec.Verified {
			continue
		}
		rec.Verified = true
		if _, err := s.store.UpdateGeoRecord(ctx, rec); err != nil {
			return false, errors.Internal(err)
		}
		s.hub.Publish("geo_verification.verified", rec)
	}

	if matched {
		metrics.ObserveGeoCheck("match")
	} else {
		metrics.ObserveGeoCheck("mismatch")
	}
	s.log.WithFields(map[string]interface{}{
		"action_id": actionID,
		"matched":   matched,
		"records":   len(records),
	}).Info("location verification evaluated")
	return matched, nil
}

// HasValidVerification reports whether the action holds at least one verified
// record whose window is still open. Expired records never satisfy the gate.
func (s *Service) HasValidVerification(ctx context.Context, actionID string) (bool, error) {
	records, err := s.store.ListGeoRecords(ctx, actionID)
	if err != nil {
		return false, errors.Internal(err)
	}
	now := s.now().UTC()
	for _, rec := range records {
		if rec.Valid(now) {
			return true, nil
		}
	}
	return false, nil
}

// Status summarizes the gate for one action.
type Status struct {
	ActionID string       `json:"action_id"`
	Valid    bool         `json:"valid"`
	Records  []geo.Record `json:"records"`
}

// GetStatus returns the action's records and the current gate verdict.
func (s *Service) GetStatus(ctx context.Context, actionID string) (Status, error) {
	records, err := s.store.ListGeoRecords(ctx, actionID)
	if err != nil {
		return Status{}, errors.Internal(err)
	}
	valid, err := s.HasValidVerification(ctx, actionID)
	if err != nil {
		return Status{}, err
	}
	if records == nil {
		records = []geo.Record{}
	}
	return Status{ActionID: actionID, Valid: valid, Records: records}, nil
}

// CleanupExpired purges records whose window has closed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	removed, err := s.store.DeleteExpiredGeoRecords(ctx, s.now().UTC())
	if err != nil {
		return 0, errors.Internal(err)
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("expired location records purged")
	}
	return removed, nil
}
