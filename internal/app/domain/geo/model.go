// Package geo defines time-boxed, location-bound verification records.
package geo

import "time"

// Record is a location proof for one action. Records are owned by the gate;
// coordinators only reference them.
type Record struct {
	ID           string    `json:"id"`
	ActionID     string    `json:"action_id"`
	LocationHash string    `json:"location_hash"`
	Verified     bool      `json:"verified"`
	Timestamp    time.Time `json:"timestamp"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the record is verified and still inside its validity
// window. An expired record is never valid even if verified.
func (r Record) Valid(now time.Time) bool {
	return r.Verified && r.ExpiresAt.After(now)
}

// Expired reports whether the record is past its validity window and thus
// eligible for garbage collection.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
