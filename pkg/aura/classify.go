// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package aura

import (
	"errors"

	"github.com/luxfi/aura/pkg/ceremony"
	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/journal"
	"github.com/luxfi/aura/pkg/storage"
	"github.com/luxfi/aura/pkg/threshold"
)

// Classify maps a component error onto the shared taxonomy. Errors no
// component claims are reported as Internal, since an unclassifiable
// failure escaping to the runtime surface is itself a defect.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, storage.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, threshold.ErrNotFound),
		errors.Is(err, threshold.ErrLeaseMissing),
		errors.Is(err, ceremony.ErrUnknownCeremony):
		return KindNotFound
	case errors.Is(err, threshold.ErrInsufficientShares):
		return KindThresholdNotMet
	case errors.Is(err, threshold.ErrLeaseNotMonotonic):
		return KindLeaseNotMonotonic
	case errors.Is(err, threshold.ErrInvalidConfig),
		errors.Is(err, threshold.ErrNotParticipant),
		errors.Is(err, ceremony.ErrUnknownParticipant),
		errors.Is(err, ceremony.ErrAlreadyExists),
		errors.Is(err, ceremony.ErrThresholdNotReached),
		errors.Is(err, ceremony.ErrInvalidState):
		return KindInvalid
	case errors.Is(err, effects.ErrVerificationFailed):
		return KindCryptoFailure
	case errors.Is(err, storage.ErrCorrupt),
		errors.Is(err, journal.ErrCorruptFact):
		return KindStorageFailure
	case errors.Is(err, journal.ErrSinkDropped):
		return KindInternal
	default:
		return KindInternal
	}
}

// Classified wraps err as a taxonomy error for op, or returns nil when err
// is nil.
func Classified(op string, err error) error {
	if err == nil {
		return nil
	}
	return Wrap(Classify(err), op, err)
}
