package pdo

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("pdo validation failed")
	ErrTamperDetected = errors.New("pdo tamper detected")
)

// ValidationError reports a malformed or missing field. Nothing is
// persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid pdo field %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TamperDetectedError reports a record whose stored hash does not match
// the hash recomputed from its fields.
type TamperDetectedError struct {
	PDOID    string
	Expected string
	Actual   string
}

func (e *TamperDetectedError) Error() string {
	return fmt.Sprintf("pdo %s tamper detected: stored hash %s, computed %s", e.PDOID, e.Expected, e.Actual)
}

func (e *TamperDetectedError) Is(target error) bool {
	return target == ErrTamperDetected
}

func invalid(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
