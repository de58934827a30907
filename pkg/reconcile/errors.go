package reconcile

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Only ErrConfiguration is fatal to a run; the others
// are recovered locally and surfaced through Result.
var (
	ErrConfiguration         = errors.New("reconcile: configuration error")
	ErrUnresolvedIdentity    = errors.New("reconcile: unresolved identity")
	ErrMalformedScoreRow     = errors.New("reconcile: malformed score row")
	ErrMissingTotal          = errors.New("reconcile: no question scores and no total score")
	ErrMissingSubmissionData = errors.New("reconcile: no submission record")
)

// ConfigError names the offending input of a fatal precondition failure.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("reconcile: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func configErr(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}
