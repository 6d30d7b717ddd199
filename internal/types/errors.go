package types

import (
	"errors"
	"fmt"
)

var (
	ErrProductNotAllowed   = errors.New("product not allowed")
	ErrOrderTooLarge       = errors.New("order too large")
	ErrYearlyLimitExceeded = errors.New("yearly limit exceeded")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrOrderNotFound       = errors.New("order not found")
	ErrPersistence         = errors.New("persistence failure")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidFill         = errors.New("invalid fill")
	ErrInvalidOrder        = errors.New("invalid order")
)

// Limit violation codes surfaced to API callers
const (
	CodeProductNotAllowed   = "PRODUCT_NOT_ALLOWED"
	CodeOrderTooLarge       = "ORDER_TOO_LARGE"
	CodeYearlyLimitExceeded = "YEARLY_LIMIT_EXCEEDED"
)

// LimitError is a user-correctable limit violation. Reason is safe to show verbatim.
type LimitError struct {
	Code   string
	Reason string
	Err    error
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Reason)
}

func (e *LimitError) Unwrap() error {
	return e.Err
}

// NewLimitError builds a LimitError for one of the limit sentinels.
func NewLimitError(err error, reason string) *LimitError {
	code := ""
	switch err {
	case ErrProductNotAllowed:
		code = CodeProductNotAllowed
	case ErrOrderTooLarge:
		code = CodeOrderTooLarge
	case ErrYearlyLimitExceeded:
		code = CodeYearlyLimitExceeded
	}
	return &LimitError{Code: code, Reason: reason, Err: err}
}

// TransitionError reports a transition attempted from a status that is not a valid source.
type TransitionError struct {
	OrderID string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for order %s: %s -> %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PersistenceError wraps an infrastructure failure of the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Persistence wraps err as a PersistenceError unless it already carries a domain error.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsLimitError reports whether err is one of the user-correctable limit violations.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// IsDomainError reports whether err belongs to the engine's own taxonomy rather than the store.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrProductNotAllowed, ErrOrderTooLarge, ErrYearlyLimitExceeded, ErrInvalidTransition,
		ErrOrderNotFound, ErrPersistence, ErrInvalidQuantity, ErrInvalidFill, ErrInvalidOrder,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsPersistenceError reports whether err is an infrastructure failure of the store.
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence)
}
