// Package common: errors.go defines the error classes shared by every module.
// Callers tell failures apart with errors.Is against the sentinels below;
// the HTTP layer and the task workers map them to status codes and retry
// decisions.
package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes
var (
	// ErrValidation: malformed input (non-positive amount, unknown side, bad state name)
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientBalance: a debit would take the wallet below zero
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidState: the operation is not allowed from the entity's current status
	ErrInvalidState = errors.New("invalid state")
	// ErrExternalService: the payout gateway or another dependency failed or timed out
	ErrExternalService = errors.New("external service failure")
	// ErrConsistencyViolation: an invariant was found broken (duplicate pair number, ledger drift)
	ErrConsistencyViolation = errors.New("consistency violation")
	// ErrNotFound: the referenced row does not exist
	ErrNotFound = errors.New("not found")
)

// Validation wraps ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidState wraps ErrInvalidState with a formatted message.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// InsufficientBalance reports how much was needed and how much was there.
func InsufficientBalance(need, have fmt.Stringer) error {
	return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, need, have)
}

// ExternalService wraps the underlying cause so both classes stay visible to errors.Is.
func ExternalService(service string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalService, service, cause)
}

// ConsistencyViolation wraps ErrConsistencyViolation with a formatted message.
func ConsistencyViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistencyViolation, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound naming the missing entity.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, entity, id)
}

// HTTPStatus maps an error class to the response code the API returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether a background task that failed with err should run again.
// Business rejections never succeed on retry, infrastructure failures might.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConsistencyViolation):
		return false
	default:
		return true
	}
}
