// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors re-exports the stdlib errors API under one local import
// path, plus a RetryableError marker distinguishing "transient, worth
// retrying" failures (e.g. a DBus method call whose send failed, which
// the systemd sampler retries on the next tick) from the "refuse and
// log, try again next cycle" failures the rest of the core treats as
// permanent for that tick.
package errors

import (
	stdliberrors "errors"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// NewRetryable builds an error that Retryable reports as retryable, used
// where a caller needs to distinguish "worth backing off and retrying"
// from an ordinary permanent error.
func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

// Retryable reports whether err (or anything it wraps) is a
// RetryableError.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

// RetryableError marks an error as transient: the caller should back off
// and retry rather than treating the failure as final.
type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}
