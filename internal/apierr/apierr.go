// Package apierr defines the error taxonomy shared across the ingestion
// pipeline. Components return these as plain Go errors; the HTTP layer maps
// them to status codes. No exceptions are used for control flow anywhere in
// this codebase.
package apierr

import "errors"

// Kind identifies which disposition an error maps to at the HTTP boundary.
type Kind string

const (
	KindInvalidToken          Kind = "invalid_token"
	KindExpired               Kind = "expired"
	KindRevoked               Kind = "revoked"
	KindOriginMismatch        Kind = "origin_mismatch"
	KindReplay                Kind = "replay"
	KindRateLimited           Kind = "rate_limited"
	KindStaleEvent            Kind = "stale_event"
	KindCrossSiteSmuggling    Kind = "cross_site_smuggling"
	KindPlanForbidden         Kind = "plan_forbidden"
	KindBucketBelowThreshold  Kind = "bucket_below_threshold"
	KindBucketBelowSNR        Kind = "bucket_below_snr"
	KindTransientDB           Kind = "transient_db"
	KindInvalidInput          Kind = "invalid_input"
)

// Error is a typed error carrying a Kind and a human-readable message. In
// production the message is never echoed back to the caller for the
// authentication-related kinds (see spec §7) — only the Kind drives the
// status code.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs a typed Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// As reports whether err (or an error it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var typed *Error
	ok := errors.As(err, &typed)
	return typed, ok
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	typed, ok := As(err)
	return ok && typed.Kind == kind
}

var (
	ErrInvalidToken         = New(KindInvalidToken, "invalid token")
	ErrExpired              = New(KindExpired, "expired")
	ErrRevoked              = New(KindRevoked, "revoked or unknown")
	ErrOriginMismatch       = New(KindOriginMismatch, "origin mismatch")
	ErrReplay               = New(KindReplay, "replay detected")
	ErrRateLimited          = New(KindRateLimited, "rate limited")
	ErrPlanForbidden        = New(KindPlanForbidden, "plan forbids this ingestion path")
)
