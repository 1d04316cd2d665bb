package simquery

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a query failure for the boundary.
type Kind string

// Failure kinds surfaced by the orchestrator.
const (
	KindInvalidInput   Kind = "invalid_input"
	KindDenied         Kind = "denied"
	KindAuthFailure    Kind = "auth_failure"
	KindSessionInvalid Kind = "session_invalid"
	KindRemoteRejected Kind = "remote_rejected"
	KindNoData         Kind = "no_data"
	KindTimeout        Kind = "timeout"
	KindUnavailable    Kind = "unavailable"
)

// Error is a classified failure carrying a machine classification plus a
// short actionable suggestion for the caller. The wrapped error holds the
// raw diagnostic detail.
type Error struct {
	Kind       Kind
	Suggestion string
	Err        error
}

// NewError builds a classified error around an underlying cause.
func NewError(kind Kind, suggestion string, err error) *Error {
	return &Error{Kind: kind, Suggestion: suggestion, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain. Unclassified
// errors are treated as Unavailable, the catch-all infrastructure kind.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindUnavailable
}

// SuggestionOf extracts the caller-facing suggestion from an error chain.
func SuggestionOf(err error) string {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Suggestion
	}
	return "wait a few seconds and retry, or contact support"
}

// IsKind reports whether the error chain carries the given classification.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CountsAgainstIdentifier reports whether a failure of this kind increments
// the per-identifier failure counter. Input rejection, denial itself, and
// infrastructure failures unrelated to the identifier do not count.
func (k Kind) CountsAgainstIdentifier() bool {
	switch k {
	case KindRemoteRejected, KindNoData, KindTimeout:
		return true
	default:
		return false
	}
}

// sessionKillers are transport failure markers meaning the automated browser
// session died mid-flight. Any of them forces session invalidation no matter
// which state produced the error.
var sessionKillers = []string{
	"target closed",
	"connection closed",
	"session closed",
	"browser closed",
	"context canceled by browser",
}

// KillsSession reports whether the error text indicates the underlying
// browser session is gone and the stored session must be dropped.
func KillsSession(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range sessionKillers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
