package store

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of storage error that occurred.
type ErrorCode int

const (
	// ErrNotFound indicates the requested key does not exist in the tier.
	// This is a benign condition, not a failure of the tier.
	ErrNotFound ErrorCode = iota + 1

	// ErrTierUnavailable indicates the tier's backing engine is unreachable
	// or failed to initialize. Distinct from ErrNotFound so that callers can
	// degrade instead of treating an outage as missing data.
	ErrTierUnavailable

	// ErrValidation indicates a value was rejected before persistence
	// because it is structurally invalid.
	ErrValidation

	// ErrInvalidKey indicates a key outside the known namespaces or with an
	// empty identifier.
	ErrInvalidKey

	// ErrIOError indicates the backing engine failed mid-operation.
	ErrIOError

	// ErrMoveConflict indicates a move could not be completed atomically and
	// compensation also failed, leaving the key present in both tiers.
	ErrMoveConflict

	// ErrClosed indicates the store has been closed.
	ErrClosed
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrNotFound:
		return "NotFound"
	case ErrTierUnavailable:
		return "TierUnavailable"
	case ErrValidation:
		return "Validation"
	case ErrInvalidKey:
		return "InvalidKey"
	case ErrIOError:
		return "IOError"
	case ErrMoveConflict:
		return "MoveConflict"
	case ErrClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StoreError is the error type returned by all store operations.
// Code allows callers to branch without string matching; Err carries the
// underlying engine error for wrapping.
type StoreError struct {
	Code    ErrorCode
	Message string
	Key     string
	Tier    Tier
	Err     error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (key=%s, tier=%s)", e.Code, e.Message, e.Key, e.Tier)
	}
	return fmt.Sprintf("%s: %s (tier=%s)", e.Code, e.Message, e.Tier)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a StoreError for a benign key miss.
func NewNotFoundError(key string, tier Tier) *StoreError {
	return &StoreError{
		Code:    ErrNotFound,
		Message: "key not found",
		Key:     key,
		Tier:    tier,
	}
}

// NewTierUnavailableError creates a StoreError for an unreachable tier.
func NewTierUnavailableError(tier Tier, err error) *StoreError {
	return &StoreError{
		Code:    ErrTierUnavailable,
		Message: "tier unavailable",
		Tier:    tier,
		Err:     err,
	}
}

// NewValidationError creates a StoreError for a structurally invalid value.
func NewValidationError(key string, tier Tier, err error) *StoreError {
	return &StoreError{
		Code:    ErrValidation,
		Message: "value failed validation",
		Key:     key,
		Tier:    tier,
		Err:     err,
	}
}

// IsNotFound reports whether err is a benign key miss.
func IsNotFound(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == ErrNotFound
}

// IsTierUnavailable reports whether err indicates an unreachable tier.
func IsTierUnavailable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == ErrTierUnavailable
}

// IsValidation reports whether err is a pre-persistence validation rejection.
func IsValidation(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == ErrValidation
}
