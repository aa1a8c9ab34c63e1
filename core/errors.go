package core

import (
	"errors"
	"fmt"
)

// ErrWriterClosed is returned by Write once the writer has been shut down.
var ErrWriterClosed = errors.New("writer is closed")

// ConfigError reports a malformed template or configuration.
type ConfigError struct {
	Path    string // e.g. "$def[1]"
	Message string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Message)
	}
	return fmt.Sprintf("invalid configuration in %s: %s", e.Path, e.Message)
}

// EvaluationError reports an expression that failed or produced a value of
// the wrong type.
type EvaluationError struct {
	Path string
	Expr string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("expression '%s' failed in %s: %v", e.Expr, e.Path, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// RecoverableWriteError is returned by a destination that is reachable but
// could not accept a batch right now. The batch is kept in the backlog and
// retried once the destination is healthy again.
type RecoverableWriteError struct {
	Destination string
	Err         error
}

func (e *RecoverableWriteError) Error() string {
	return fmt.Sprintf("recoverable write failure on %s: %v", e.Destination, e.Err)
}

func (e *RecoverableWriteError) Unwrap() error { return e.Err }

// Recoverable wraps err into a RecoverableWriteError. A nil err stays nil.
func Recoverable(destination string, err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableWriteError{Destination: destination, Err: err}
}

// HealthcheckError reports a failed destination healthcheck.
type HealthcheckError struct {
	Destination string
	Err         error
}

func (e *HealthcheckError) Error() string {
	return fmt.Sprintf("healthcheck of %s failed: %v", e.Destination, e.Err)
}

func (e *HealthcheckError) Unwrap() error { return e.Err }

// BacklogIOError reports a failed read, write or delete of a backlog file.
type BacklogIOError struct {
	Op   string // "put", "peek", "remove", "open"
	Path string
	Err  error
}

func (e *BacklogIOError) Error() string {
	return fmt.Sprintf("backlog %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BacklogIOError) Unwrap() error { return e.Err }

type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

func IsEvaluationError(err error) bool {
	var target *EvaluationError
	return errors.As(err, &target)
}

// IsRecoverable checks if err (or any error in its chain) is a RecoverableWriteError.
func IsRecoverable(err error) bool {
	var target *RecoverableWriteError
	return errors.As(err, &target)
}

func IsBacklogIOError(err error) bool {
	var target *BacklogIOError
	return errors.As(err, &target)
}

func IsUnsupportedError(err error) bool {
	var target *UnsupportedTypeError
	return errors.As(err, &target)
}
