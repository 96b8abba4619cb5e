// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package warehouse

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/snowflakedb/gosnowflake"
)

// Kind classifies a warehouse execution failure.
type Kind string

const (
	// KindTransient covers network failures, lost connections and timeouts.
	// Transient failures are retried once after a reconnect.
	KindTransient Kind = "transient"
	// KindSyntax covers SQL compilation errors. Never retried.
	KindSyntax Kind = "syntax"
	// KindConstraint covers integrity violations. Benign for idempotent
	// upserts; logged only when unexpected.
	KindConstraint Kind = "constraint"
	// KindAuth covers credential and privilege failures. Fatal at startup.
	KindAuth Kind = "auth"
)

// ErrUnavailable is returned when the reconnect budget is exhausted.
// It is the engine's only fatal warehouse condition.
var ErrUnavailable = errors.New("warehouse unavailable")

// Error wraps a warehouse execution failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("warehouse %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrapError builds a classified *Error for an execution failure.
func wrapError(op string, err error) *Error {
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// Classify maps a driver error onto the failure taxonomy. Unknown errors are
// treated as transient so they get exactly one reconnect-and-retry.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		switch {
		case strings.HasPrefix(sfErr.SQLState, "28"):
			return KindAuth
		case strings.HasPrefix(sfErr.SQLState, "42"):
			return KindSyntax
		case strings.HasPrefix(sfErr.SQLState, "23"):
			return KindConstraint
		case strings.HasPrefix(sfErr.SQLState, "08"):
			return KindTransient
		}
		switch sfErr.Number {
		case 390100, 390101, 390102, 390103: // incorrect credentials family
			return KindAuth
		case 1003, 1007: // SQL compilation errors
			return KindSyntax
		case 100072: // duplicate key
			return KindConstraint
		}
		return KindTransient
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindTransient
}
