// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package aura

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/aura/pkg/journal"
	"github.com/luxfi/aura/pkg/storage"
	"github.com/luxfi/aura/pkg/threshold"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{storage.ErrNotFound, KindNotFound},
		{fmt.Errorf("load share: %w", storage.ErrNotFound), KindNotFound},
		{storage.ErrPermissionDenied, KindPermissionDenied},
		{threshold.ErrInsufficientShares, KindThresholdNotMet},
		{threshold.ErrLeaseNotMonotonic, KindLeaseNotMonotonic},
		{threshold.ErrInvalidConfig, KindInvalid},
		{journal.ErrSinkDropped, KindInternal},
		{errors.New("something else"), KindInternal},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

func TestClassifiedWrapsAndMatchesSentinels(t *testing.T) {
	require.NoError(t, Classified("sign", nil))

	err := Classified("sign", fmt.Errorf("no shares: %w", threshold.ErrInsufficientShares))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrThresholdNotMet))
	// The underlying sentinel stays reachable through the wrapper.
	require.True(t, errors.Is(err, threshold.ErrInsufficientShares))

	var typed *Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, KindThresholdNotMet, typed.Kind)
	require.Equal(t, "sign", typed.Op)
}
