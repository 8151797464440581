package runtime

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine. Use errors.Is to test for them.
var (
	// ErrInvalidConfig indicates a construction parameter is out of range.
	ErrInvalidConfig = errors.New("invalid engine configuration")

	// ErrNonFinite indicates a NaN or infinite value in caller input or in a
	// restored state.
	ErrNonFinite = errors.New("non-finite value")

	// ErrInputSize indicates a step input of the wrong length.
	ErrInputSize = errors.New("input has wrong length")

	// ErrStateMismatch indicates a state whose dimensions differ from the
	// engine it is restored into.
	ErrStateMismatch = errors.New("state does not match engine dimensions")

	// ErrInvalidState indicates a state holding a weighting, usage or link
	// value outside its valid range.
	ErrInvalidState = errors.New("state value out of range")
)

// ConfigError reports the construction parameter that was rejected.
type ConfigError struct {
	Field string
	Value int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s must be positive, got %d", ErrInvalidConfig, e.Field, e.Value)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// nonFinite wraps ErrNonFinite with the offending location.
func nonFinite(what string, index int) error {
	return fmt.Errorf("%w: %s[%d]", ErrNonFinite, what, index)
}
