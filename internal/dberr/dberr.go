package dberr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies tenant database failures so callers can tell an unreachable
// database apart from a slow one or a bad input.
type Kind string

const (
	KindDerivation Kind = "DERIVATION_ERROR"
	KindConnect    Kind = "CONNECT_ERROR"
	KindTimeout    Kind = "TIMEOUT"
	KindProvision  Kind = "PROVISION_ERROR"
	KindClose      Kind = "CLOSE_ERROR"
)

// Error is a typed tenant database failure.
// Step is set only for provisioning failures and names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: step %s: %v", e.Op, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify wraps a connect or probe failure, reporting deadline and network
// timeouts as KindTimeout and everything else as KindConnect. An error that is
// already an *Error is returned unchanged.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if IsTimeout(err) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindConnect, Op: op, Err: err}
}

// IsTimeout reports whether err was caused by an exceeded deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
