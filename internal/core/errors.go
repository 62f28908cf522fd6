package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Device errors.
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceCodeExists = errors.New("device code already exists")

	// Queue errors.
	ErrQueueRecordNotFound = errors.New("queue record not found")
	ErrConcurrencyConflict = errors.New("queue record was modified by someone else")

	// Timeout extension errors.
	ErrExtendNotAllowed = errors.New("timeout extension not allowed")
	ErrExtendExpired    = errors.New("timeout deadline missing or already passed")
)

// BusinessError represents a business logic error with a code. Err, when
// set, carries the underlying sentinel so errors.Is keeps matching.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped sentinel.
func (e BusinessError) Unwrap() error {
	return e.Err
}
