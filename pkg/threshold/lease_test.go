// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package threshold

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/aura/pkg/identifiers"
)

func TestCoordinatorLeaseMonotonic(t *testing.T) {
	svc, _, _ := testService(t)
	authority := testAuthority(0x20)

	lease, err := svc.AcquireCoordinatorLease(authority, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lease.CoordEpoch)

	_, err = svc.AcquireCoordinatorLease(authority, 1)
	require.ErrorIs(t, err, ErrLeaseNotMonotonic)

	lease, err = svc.AcquireCoordinatorLease(authority, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), lease.CoordEpoch)

	// Leases are per authority; another authority starts fresh.
	_, err = svc.AcquireCoordinatorLease(testAuthority(0x21), 1)
	require.NoError(t, err)
}

func TestEmitConvergenceCertRequiresLease(t *testing.T) {
	svc, _, _ := testService(t)
	authority := testAuthority(0x22)
	context := identifiers.ContextIDFromEntropy([32]byte{0xC0})

	_, err := svc.EmitConvergenceCert(context, authority, [32]byte{1}, [32]byte{2}, nil, 10)
	require.ErrorIs(t, err, ErrLeaseMissing)

	_, err = svc.AcquireCoordinatorLease(authority, 1)
	require.NoError(t, err)
	_, err = svc.AcquireCoordinatorLease(authority, 2)
	require.NoError(t, err)

	cert, err := svc.EmitConvergenceCert(context, authority, [32]byte{1}, [32]byte{2}, []identifiers.AuthorityID{authority}, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(2), cert.CoordEpoch)
	require.Equal(t, context, cert.Context)
	require.Equal(t, uint64(10), cert.Window)
}

func TestEmitReversionFactRequiresLease(t *testing.T) {
	svc, _, _ := testService(t)
	authority := testAuthority(0x23)
	context := identifiers.ContextIDFromEntropy([32]byte{0xC1})

	_, err := svc.EmitReversionFact(context, authority, [32]byte{1}, [32]byte{9})
	require.ErrorIs(t, err, ErrLeaseMissing)

	_, err = svc.AcquireCoordinatorLease(authority, 7)
	require.NoError(t, err)

	fact, err := svc.EmitReversionFact(context, authority, [32]byte{1}, [32]byte{9})
	require.NoError(t, err)
	require.Equal(t, uint64(7), fact.CoordEpoch)
	require.Equal(t, [32]byte{9}, fact.WinnerOpID)
}
