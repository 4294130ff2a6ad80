// Package consensus defines cross-chain verification results and the
// aggregated consensus outcome.
package consensus

import (
	"strings"
	"time"
)

// Role describes the function a chain plays in the verification set.
type Role string

const (
	RolePrimary Role = "primary"
	RoleMonitor Role = "monitor"
	RoleBackup  Role = "backup"
)

// ResultStatus is the normalized verdict from a single chain query.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusWarning ResultStatus = "warning"
	StatusError   ResultStatus = "error"
)

// SecurityLevel names the strictness policy for the consensus decision rule.
type SecurityLevel string

const (
	LevelStandard SecurityLevel = "standard"
	LevelEnhanced SecurityLevel = "enhanced"
	LevelMaximum  SecurityLevel = "maximum"
)

// ParseSecurityLevel normalizes a wire value; unknown values map to standard.
func ParseSecurityLevel(raw string) SecurityLevel {
	switch SecurityLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case LevelEnhanced:
		return LevelEnhanced
	case LevelMaximum:
		return LevelMaximum
	default:
		return LevelStandard
	}
}

// ChainResult is the immutable outcome of one chain adapter query. A fresh
// query produces a new result; results are never updated in place.
type ChainResult struct {
	Chain         string                 `json:"chain"`
	Role          Role                   `json:"role"`
	Status        ResultStatus           `json:"status"`
	Message       string                 `json:"message,omitempty"`
	Confirmations int64                  `json:"confirmations,omitempty"`
	Evidence      map[string]interface{} `json:"evidence,omitempty"`
}

// Outcome is a derived, recomputable snapshot of the consensus decision.
// It is never the source of truth; recomputing from the adapters is
// idempotent.
type Outcome struct {
	Verified              bool          `json:"verified"`
	ConsistencyPercentage float64       `json:"consistency_percentage"`
	Results               []ChainResult `json:"per_chain_results"`
	SecurityLevel         SecurityLevel `json:"security_level"`
	Timestamp             time.Time     `json:"timestamp"`
}

// SuccessCount tallies chains reporting success.
func (o Outcome) SuccessCount() int {
	return o.countStatus(StatusSuccess)
}

// ErrorCount tallies chains reporting error.
func (o Outcome) ErrorCount() int {
	return o.countStatus(StatusError)
}

func (o Outcome) countStatus(status ResultStatus) int {
	count := 0
	for _, r := range o.Results {
		if r.Status == status {
			count++
		}
	}
	return count
}
