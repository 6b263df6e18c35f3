// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package aura collects the error taxonomy shared by every component in
// this module, so that callers can branch on errors.Is against a small
// fixed set of kinds instead of parsing per-package sentinel values.
package aura

import (
	"fmt"
)

// Kind classifies why an operation failed, mirroring the taxonomy every
// component in this module reports failures through.
type Kind uint8

const (
	// KindInvalid is bad input: out-of-range parameters, malformed metadata.
	KindInvalid Kind = iota
	// KindNotFound is a missing key, ceremony, authority context, or lease.
	KindNotFound
	// KindPermissionDenied is a capability mismatch in the storage façade.
	KindPermissionDenied
	// KindThresholdNotMet is signing attempted without enough shares.
	KindThresholdNotMet
	// KindLeaseNotMonotonic is a non-increasing coordinator lease epoch.
	KindLeaseNotMonotonic
	// KindCryptoFailure is a decode, nonce, aggregation, verification, or
	// key-generation failure.
	KindCryptoFailure
	// KindStorageFailure is a backend I/O or atomicity violation.
	KindStorageFailure
	// KindInternal is an invariant violation; always a defect.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindThresholdNotMet:
		return "threshold_not_met"
	case KindLeaseNotMonotonic:
		return "lease_not_monotonic"
	case KindCryptoFailure:
		return "crypto_failure"
	case KindStorageFailure:
		return "storage_failure"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the typed error every exported operation in this module returns
// on failure: a taxonomy Kind plus the underlying cause, so callers can test
// `errors.Is(err, aura.ErrNotFound)`-style checks via As/Is without string
// matching.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the sentinel for the same Kind, so `errors.Is(err,
// aura.ErrNotFound)` reads naturally at call sites even though Kind isn't
// itself an error.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && e.Kind == k.kind
}

type kindSentinel struct{ kind Kind }

func (k kindSentinel) Error() string { return k.kind.String() }

// sentinels, so callers can write errors.Is(err, aura.ErrNotFound) etc.
var (
	ErrInvalid           error = kindSentinel{KindInvalid}
	ErrNotFound          error = kindSentinel{KindNotFound}
	ErrPermissionDenied  error = kindSentinel{KindPermissionDenied}
	ErrThresholdNotMet   error = kindSentinel{KindThresholdNotMet}
	ErrLeaseNotMonotonic error = kindSentinel{KindLeaseNotMonotonic}
	ErrCryptoFailure     error = kindSentinel{KindCryptoFailure}
	ErrStorageFailure    error = kindSentinel{KindStorageFailure}
	ErrInternal          error = kindSentinel{KindInternal}
)

// Wrap builds an *Error of the given kind, tagging op (the failing call)
// and cause (the underlying error, if any).
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}
