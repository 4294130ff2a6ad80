// Package errors defines the machine-readable error taxonomy for the
// authorization core. Every failure path in the services returns a
// *ServiceError so transports can map codes without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class.
type Code string

const (
	// Configuration / validation errors, rejected before any state is written.
	CodeInvalidThreshold Code = "InvalidThreshold"
	CodeDuplicateSigner  Code = "DuplicateSigner"
	CodeUnsafeTimeLock   Code = "UnsafeTimeLock"
	CodeValidationFailed Code = "ValidationFailed"

	// State-conflict errors, surfaced to the caller verbatim.
	CodeUnknownRequest       Code = "UnknownRequest"
	CodeUnknownSwap          Code = "UnknownSwap"
	CodeUnauthorizedSigner   Code = "UnauthorizedSigner"
	CodeAlreadyFinalized     Code = "AlreadyFinalized"
	CodeSignaturesIncomplete Code = "SignaturesIncomplete"
	CodeInvalidPreimage      Code = "InvalidPreimage"
	CodeTimeLockExpired      Code = "TimeLockExpired"
	CodeNotYetExpired        Code = "NotYetExpired"
	CodeSwapNotLocked        Code = "SwapNotLocked"
	CodeConsensusNotReached  Code = "ConsensusNotReached"
	CodeGeoDenied            Code = "GeoDenied"

	// ChainQueryTimeout is recovered into a chain-level error result inside
	// the aggregator; it escalates only as ConsensusNotReached.
	CodeChainQueryTimeout Code = "ChainQueryTimeout"

	// Transport-level codes.
	CodeUnauthorized Code = "Unauthorized"
	CodeRateLimited  Code = "RateLimited"
	CodeInternal     Code = "Internal"
)

// ServiceError carries a taxonomy code alongside a human-readable message.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// Is reports code equality so callers can use errors.Is against a bare code
// error produced by New.
func (e *ServiceError) Is(target error) bool {
	var se *ServiceError
	if stderrors.As(target, &se) {
		return e.Code == se.Code
	}
	return false
}

// WithDetails attaches structured context to the error.
func (e *ServiceError) WithDetails(details map[string]interface{}) *ServiceError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithCause wraps an underlying error.
func (e *ServiceError) WithCause(err error) *ServiceError {
	clone := *e
	clone.cause = err
	return &clone
}

// New builds a ServiceError with an explicit code and status.
func New(code Code, status int, format string, args ...interface{}) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), HTTPStatus: status}
}

// GetServiceError extracts the ServiceError from err, wrapping anything else
// as an internal error so transports always have a code and status.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return &ServiceError{Code: CodeInternal, Message: "internal error", HTTPStatus: http.StatusInternalServerError, cause: err}
}

// Constructors for the taxonomy ----------------------------------------------

func InvalidThreshold(format string, args ...interface{}) *ServiceError {
	return New(CodeInvalidThreshold, http.StatusBadRequest, format, args...)
}

func DuplicateSigner(address string) *ServiceError {
	return New(CodeDuplicateSigner, http.StatusBadRequest, "signer %s listed more than once", address)
}

func UnsafeTimeLock(format string, args ...interface{}) *ServiceError {
	return New(CodeUnsafeTimeLock, http.StatusBadRequest, format, args...)
}

func ValidationFailed(format string, args ...interface{}) *ServiceError {
	return New(CodeValidationFailed, http.StatusBadRequest, format, args...)
}

func UnknownRequest(id string) *ServiceError {
	return New(CodeUnknownRequest, http.StatusNotFound, "signing request %s not found", id)
}

func UnknownSwap(id string) *ServiceError {
	return New(CodeUnknownSwap, http.StatusNotFound, "swap %s not found", id)
}

func UnauthorizedSigner(address string) *ServiceError {
	return New(CodeUnauthorizedSigner, http.StatusForbidden, "address %s is not an authorized signer", address)
}

func AlreadyFinalized(format string, args ...interface{}) *ServiceError {
	return New(CodeAlreadyFinalized, http.StatusConflict, format, args...)
}

func SignaturesIncomplete(format string, args ...interface{}) *ServiceError {
	return New(CodeSignaturesIncomplete, http.StatusConflict, format, args...)
}

func InvalidPreimage() *ServiceError {
	return New(CodeInvalidPreimage, http.StatusConflict, "preimage does not match hash lock")
}

func TimeLockExpired() *ServiceError {
	return New(CodeTimeLockExpired, http.StatusConflict, "time lock has expired")
}

func NotYetExpired() *ServiceError {
	return New(CodeNotYetExpired, http.StatusConflict, "time lock has not expired yet")
}

func SwapNotLocked(id string) *ServiceError {
	return New(CodeSwapNotLocked, http.StatusConflict, "swap %s has no locked funds", id)
}

func ConsensusNotReached(format string, args ...interface{}) *ServiceError {
	return New(CodeConsensusNotReached, http.StatusConflict, format, args...)
}

func GeoDenied(actionID string) *ServiceError {
	return New(CodeGeoDenied, http.StatusForbidden, "no valid location verification for action %s", actionID)
}

func ChainQueryTimeout(chain string) *ServiceError {
	return New(CodeChainQueryTimeout, http.StatusGatewayTimeout, "chain %s query timed out", chain)
}

func Unauthorized(format string, args ...interface{}) *ServiceError {
	return New(CodeUnauthorized, http.StatusUnauthorized, format, args...)
}

func RateLimited() *ServiceError {
	return New(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
}

func Internal(err error) *ServiceError {
	return New(CodeInternal, http.StatusInternalServerError, "internal error").WithCause(err)
}
