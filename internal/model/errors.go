package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all components. Wrap them with %w.
var (
	ErrNotFound        = errors.New("not found")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrInvalidArgument = errors.New("invalid argument")
)

// TransientError marks a failure that is expected to clear on retry,
// such as an upstream outage or a store connectivity blip.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidArgument)
}
