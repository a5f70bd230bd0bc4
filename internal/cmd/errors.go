package cmd

import (
	"errors"
	"fmt"
)

// exitBuildFailed is the exit status of a pass in which a loader failed.
const exitBuildFailed = 1

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode extracts the exit code from err. Errors without one exit with 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
