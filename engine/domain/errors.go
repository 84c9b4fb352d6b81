package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation and configuration failures.
var (
	ErrEmptyID             = errors.New("empty id")
	ErrEmptyName           = errors.New("empty name")
	ErrUnknownEntityType   = errors.New("unknown entity type")
	ErrUnknownRelationType = errors.New("unknown relation type")
	ErrConfidenceRange     = errors.New("confidence out of [0,1]")
	ErrValidityInverted    = errors.New("valid_from after valid_to")
	ErrMissingEndpoint     = errors.New("missing relation endpoint")
	ErrMissingProvenance   = errors.New("missing provenance source")
)

// ValidationError wraps a sentinel with the offending field and value. It is
// recorded as a per-record rejection, never fatal to a batch or job.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ConfigError marks a malformed job or mapping configuration. It is fatal at
// job start: nothing is attempted when one is returned.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Detail)
}

// NewConfigError creates a ConfigError.
func NewConfigError(field, detail string) *ConfigError {
	return &ConfigError{Field: field, Detail: detail}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
