package common

import "fmt"

// ConfigurationError reports a malformed or internally inconsistent scale or
// model configuration. It is raised when a model is built, never per call.
type ConfigurationError struct {
	// Invariant names the rule that was violated, e.g. "sequence length".
	Invariant string
	// Field is the offending configuration key.
	Field    string
	Expected interface{}
	Actual   interface{}
}

func (e *ConfigurationError) Error() string {
	if e.Expected == nil && e.Actual == nil {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Invariant)
	}
	return fmt.Sprintf("configuration error: %s: %s (expected %v, got %v)",
		e.Field, e.Invariant, e.Expected, e.Actual)
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(field, invariant string, expected, actual interface{}) error {
	return &ConfigurationError{Invariant: invariant, Field: field, Expected: expected, Actual: actual}
}

// ShapeMismatchError reports a feature map or parameter whose channel count
// or spatial size disagrees with the shape fixed at build time.
type ShapeMismatchError struct {
	// Stage is where the mismatch was detected, e.g. "fusion.tap".
	Stage string
	// Level is the pyramid level, -1 when not tied to a level.
	Level    int
	Expected interface{}
	Actual   interface{}
}

func (e *ShapeMismatchError) Error() string {
	if e.Level < 0 {
		return fmt.Sprintf("shape mismatch at %s: expected %v, got %v", e.Stage, e.Expected, e.Actual)
	}
	return fmt.Sprintf("shape mismatch at %s (level %d): expected %v, got %v",
		e.Stage, e.Level, e.Expected, e.Actual)
}

// NewShapeMismatchError builds a ShapeMismatchError.
func NewShapeMismatchError(stage string, level int, expected, actual interface{}) error {
	return &ShapeMismatchError{Stage: stage, Level: level, Expected: expected, Actual: actual}
}

// DecodeError reports raw predictions that do not line up with the prior
// lattice or the configured class count.
type DecodeError struct {
	Invariant string
	Expected  int
	Actual    int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s (expected %d, got %d)", e.Invariant, e.Expected, e.Actual)
}

// NewDecodeError builds a DecodeError.
func NewDecodeError(invariant string, expected, actual int) error {
	return &DecodeError{Invariant: invariant, Expected: expected, Actual: actual}
}
