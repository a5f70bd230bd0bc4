package runner

import (
	"errors"
	"time"

	"github.com/3leaps/golade/pkg/resolve"
)

// Outcome classifies how a loader invocation ended.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeNonZeroExit    Outcome = "non_zero_exit"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeOutputTooLarge Outcome = "output_too_large"
	OutcomeCrashed        Outcome = "crashed"
	OutcomeCanceled       Outcome = "canceled"
)

// Errors attached to non-successful results. Result.Err wraps exactly one.
var (
	ErrNonZeroExit    = errors.New("loader exited with non-zero status")
	ErrTimeout        = errors.New("loader timed out")
	ErrOutputTooLarge = errors.New("loader output exceeded limit")
	ErrCrashed        = errors.New("loader crashed")
	ErrCanceled       = errors.New("loader canceled")
)

// Err returns the sentinel error for o, or nil for OutcomeSuccess.
func (o Outcome) Err() error {
	switch o {
	case OutcomeSuccess:
		return nil
	case OutcomeNonZeroExit:
		return ErrNonZeroExit
	case OutcomeTimeout:
		return ErrTimeout
	case OutcomeOutputTooLarge:
		return ErrOutputTooLarge
	case OutcomeCanceled:
		return ErrCanceled
	default:
		return ErrCrashed
	}
}

// Result is the immutable record of one loader invocation.
type Result struct {
	Identity   resolve.Identity
	Outcome    Outcome
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time

	// Err describes a non-successful outcome; nil on success.
	Err error
}

// OK reports whether the loader succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Outcome == OutcomeSuccess
}

// Duration returns the wall time of the invocation.
func (r *Result) Duration() time.Duration {
	if r == nil || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
