package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError rejects a transaction before any analyzer runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transaction: %s %s", e.Field, e.Reason)
}

// ConfigError rejects a malformed rule set at construction or update time.
// The previously valid configuration remains active.
type ConfigError struct {
	Rule   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Rule == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration for rule %q: %s", e.Rule, e.Reason)
}

// AnalyzerError wraps a failure inside one rule analyzer. The detector
// isolates these: the rule's weight is excluded from the aggregate and
// scoring continues.
type AnalyzerError struct {
	Rule string
	Err  error
}

func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("analyzer %s: %v", e.Rule, e.Err)
}

func (e *AnalyzerError) Unwrap() error {
	return e.Err
}

// ErrAnalyzerDeadline marks an analyzer that did not finish within the
// soft per-transaction deadline.
var ErrAnalyzerDeadline = errors.New("analyzer exceeded soft deadline")
