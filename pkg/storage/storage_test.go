// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFacade(t *testing.T, grant Capability) Facade {
	t.Helper()
	return NewFacade(NewMemoryDatabase(), grant)
}

func TestFacadeStoreRetrieveRoundTrip(t *testing.T) {
	f := newTestFacade(t, CapFull)
	key := Key{Namespace: "participant_shares", BaseKey: "authority-1", SubKey: "0"}

	require.NoError(t, f.Store(CapWrite, key, []byte("share-bytes")))

	got, err := f.Retrieve(CapRead, key)
	require.NoError(t, err)
	require.Equal(t, []byte("share-bytes"), got)
}

func TestFacadeRetrieveNotFound(t *testing.T) {
	f := newTestFacade(t, CapFull)
	key := Key{Namespace: "participant_shares", BaseKey: "authority-1", SubKey: "0"}

	_, err := f.Retrieve(CapRead, key)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFacadeDeleteRemovesValueAndListing(t *testing.T) {
	f := newTestFacade(t, CapFull)
	key := Key{Namespace: "ceremony_state", BaseKey: "authority-1", SubKey: "ceremony-a"}
	require.NoError(t, f.Store(CapWrite, key, []byte("state")))

	require.NoError(t, f.Delete(CapDelete, key))

	_, err := f.Retrieve(CapRead, key)
	require.True(t, errors.Is(err, ErrNotFound))

	keys, err := f.ListKeys(CapRead, key.Namespace, key.BaseKey)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFacadeListKeysSortedBySubKey(t *testing.T) {
	f := newTestFacade(t, CapFull)
	base := "authority-1"
	for _, sub := range []string{"3", "1", "2"} {
		key := Key{Namespace: "journal_facts", BaseKey: base, SubKey: sub}
		require.NoError(t, f.Store(CapWrite, key, []byte(sub)))
	}

	keys, err := f.ListKeys(CapRead, "journal_facts", base)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, keys)
}

func TestFacadeCapabilityMismatchDeniesOperation(t *testing.T) {
	f := newTestFacade(t, CapRead)
	key := Key{Namespace: "participant_shares", BaseKey: "authority-1", SubKey: "0"}

	err := f.Store(CapWrite, key, []byte("x"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPermissionDenied))

	err = f.Delete(CapDelete, key)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPermissionDenied))
}

func TestFacadeDistinctBaseKeysDoNotCollide(t *testing.T) {
	f := newTestFacade(t, CapFull)
	keyA := Key{Namespace: "participant_shares", BaseKey: "authority-1", SubKey: "0"}
	keyB := Key{Namespace: "participant_shares", BaseKey: "authority-2", SubKey: "0"}

	require.NoError(t, f.Store(CapWrite, keyA, []byte("a")))
	require.NoError(t, f.Store(CapWrite, keyB, []byte("b")))

	gotA, err := f.Retrieve(CapRead, keyA)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), gotA)

	gotB, err := f.Retrieve(CapRead, keyB)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), gotB)
}

func TestMemoryDatabaseBatchWrite(t *testing.T) {
	db := NewMemoryDatabase()
	batch := db.NewBatch()
	require.NoError(t, batch.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, batch.Put([]byte("k2"), []byte("v2")))
	require.Equal(t, 8, batch.Size())

	require.NoError(t, batch.Write())

	v, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	has, err := db.Has([]byte("k2"))
	require.NoError(t, err)
	require.True(t, has)
}
