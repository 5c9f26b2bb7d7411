package engine

import (
	"errors"
	"fmt"

	"github.com/codex-autorunner/car/internal/backend"
	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/ticket"
)

// StepError tags a step failure with its taxonomy kind so callers and
// events carry the same classification.
type StepError struct {
	Kind string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

func stepErrorf(kind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps an error to its failure kind. Unknown errors classify as
// empty string; the caller decides how to report those.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	var ce *config.ConfigError
	if errors.As(err, &ce) {
		return backend.KindConfigError
	}
	var pe *ticket.ParseError
	if errors.As(err, &pe) {
		return backend.KindTicketParseError
	}
	if errors.Is(err, lockfile.ErrHeld) {
		return backend.KindLockedAlive
	}
	return ""
}
