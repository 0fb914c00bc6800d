// Package agent invokes external AI command-line tools as subprocesses and
// turns their stdout into schema-validated structured output.
package agent

import (
	"fmt"
	"time"
)

// ErrorKind classifies an invocation failure per the engine's taxonomy.
type ErrorKind string

const (
	KindFailure     ErrorKind = "agent-failure" // non-zero exit, launch failure
	KindAuth        ErrorKind = "auth-failure"  // recognized auth signature
	KindRateLimited ErrorKind = "rate-limited"  // provider rate limit
	KindCancelled   ErrorKind = "cancelled"     // context cancelled
	KindTimeout     ErrorKind = "timeout"       // wall-clock deadline hit
	KindSchema      ErrorKind = "schema"        // output never validated
	KindTruncated   ErrorKind = "truncated"     // stdout exceeded the ceiling
)

// Error is a structured invocation failure.
type Error struct {
	Kind       ErrorKind
	AgentID    string
	RetryAfter time.Duration // set for rate limits when the agent reported one
	Detail     string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("agent %s: %s", e.AgentID, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

// Unwrap exposes the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure should consume a retry attempt
// rather than abort the task outright.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindCancelled:
		return false
	default:
		return true
	}
}
