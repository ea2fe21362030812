// Package errors ties errors to the process exit code a CLI should use.
package errors

import (
	"github.com/pkg/errors"
)

type ExitCodeError struct {
	code ExitCode
	error
}

// NewError attaches exitCode to err. A nil err stays nil.
func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) Unwrap() error {
	return e.error
}

// ExitCodeOf finds the exit code anywhere in err's cause chain.
// Errors without one exit with 1, nil with 0.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	for e := err; e != nil; {
		if ece, ok := e.(*ExitCodeError); ok {
			return int(ece.code)
		}
		cause, ok := e.(interface{ Cause() error })
		if !ok {
			break
		}
		e = cause.Cause()
	}
	return 1
}

// Wrapf annotates err and keeps its exit code reachable.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
