// Package kernelerr defines the Kernel's error taxonomy. Every outward-facing
// operation fails with one of these kinds so callers can branch on cause
// without string matching.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind is a coarse error category shared across all Kernel components.
type Kind string

const (
	Validation          Kind = "validation"
	AnalysisBlocked     Kind = "analysis_blocked"
	CapabilityDenied    Kind = "capability_denied"
	QuotaExceeded       Kind = "quota_exceeded"
	Timeout             Kind = "timeout"
	ProviderUnavailable Kind = "provider_unavailable"
	ProviderFailed      Kind = "provider_failed"
	ResourceExhausted   Kind = "resource_exhausted"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	Internal            Kind = "internal"
)

// Error is a Kind-tagged error that wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err does not
// carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
