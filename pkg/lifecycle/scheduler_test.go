// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lifecycle

import (
	"encoding/json"
	"testing"

	"github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/journal"
)

type recordingLedger struct {
	events []Event
}

func (l *recordingLedger) Append(e Event) error {
	l.events = append(l.events, e)
	return nil
}

func testScheduler(t *testing.T) (*Scheduler, *effects.Capabilities) {
	t.Helper()
	caps := effects.NewTesting(effects.NewInMemoryTransport(), log.NewNoOpLogger(), nil)
	return NewScheduler(caps), caps
}

func session(b byte) identifiers.ContextID {
	return identifiers.ContextIDFromEntropy([32]byte{b})
}

func TestCounterReservationSingleValue(t *testing.T) {
	sched, _ := testScheduler(t)
	ledger := &recordingLedger{}

	result, err := sched.Drive(&CounterReservation{Session: session(1), Start: 7, Count: 1}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)
	require.Equal(t, CounterResult{Values: []uint64{7}}, result)

	require.Len(t, ledger.events, 1)
	require.Equal(t, EventIncrementCounter, ledger.events[0].Kind)
	require.Equal(t, AuthzLifecycleInternal, ledger.events[0].Authorization)
	require.Equal(t, uint64(1), ledger.events[0].Nonce)
}

func TestCounterReservationRange(t *testing.T) {
	sched, _ := testScheduler(t)
	ledger := &recordingLedger{}

	result, err := sched.Drive(&CounterReservation{Session: session(2), Start: 10, Count: 3}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)
	require.Equal(t, CounterResult{Values: []uint64{10, 11, 12}}, result)

	require.Len(t, ledger.events, 1)
	require.Equal(t, EventReserveCounterRange, ledger.events[0].Kind)
	require.Equal(t, []uint64{10, 11, 12}, ledger.events[0].Values)
}

func TestSchedulerNoncesAreMonotone(t *testing.T) {
	sched, _ := testScheduler(t)
	ledger := &recordingLedger{}

	for i := 0; i < 3; i++ {
		_, err := sched.Drive(&CounterReservation{Session: session(3), Start: uint64(i), Count: 1}, Input{Signal: SignalComplete}, ledger)
		require.NoError(t, err)
	}
	require.Len(t, ledger.events, 3)
	for i := 1; i < len(ledger.events); i++ {
		require.Greater(t, ledger.events[i].Nonce, ledger.events[i-1].Nonce)
	}
}

func TestLockingLifecycle(t *testing.T) {
	sched, _ := testScheduler(t)
	ledger := &recordingLedger{}

	holder := identifiers.DeviceIDFromBytes([32]byte{0xAA})
	rival := identifiers.DeviceIDFromBytes([32]byte{0xBB})

	result, err := sched.Drive(&Locking{Session: session(4), Name: "tree-mutation", Holder: holder}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)
	require.True(t, result.(LockResult).Acquired)

	// Same holder reacquires; a rival does not.
	result, err = sched.Drive(&Locking{Session: session(5), Name: "tree-mutation", Holder: holder}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)
	require.True(t, result.(LockResult).Acquired)

	result, err = sched.Drive(&Locking{Session: session(6), Name: "tree-mutation", Holder: rival}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)
	require.False(t, result.(LockResult).Acquired)
	require.Equal(t, holder.String(), result.(LockResult).Holder)
}

func TestDKDAndResharingLifecycles(t *testing.T) {
	sched, _ := testScheduler(t)
	ledger := &recordingLedger{}

	result, err := sched.Drive(&DKD{Session: session(7), Group: curve.Secp256k1{}}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)
	require.NotEmpty(t, result.(DKDResult).PublicKey)

	result, err = sched.Drive(&Resharing{Session: session(8), Group: curve.Secp256k1{}, Threshold: 2, Total: 4}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)
	require.Equal(t, 4, result.(ResharingResult).ShareCount)
	require.NotEmpty(t, result.(ResharingResult).PublicKey)
}

func TestRecoveryLifecycle(t *testing.T) {
	sched, _ := testScheduler(t)
	ledger := &recordingLedger{}

	data, err := json.Marshal(map[string][]string{"approvals": {"g1", "g2"}})
	require.NoError(t, err)

	result, err := sched.Drive(&Recovery{Session: session(9), Threshold: 2}, Input{Signal: SignalComplete, Data: data}, ledger)
	require.NoError(t, err)
	require.True(t, result.(RecoveryResult).Approved)

	result, err = sched.Drive(&Recovery{Session: session(10), Threshold: 3}, Input{Signal: SignalComplete, Data: data}, ledger)
	require.NoError(t, err)
	require.False(t, result.(RecoveryResult).Approved)
}

func TestRecoveryWithoutSignalRunsOutOfSteps(t *testing.T) {
	sched, _ := testScheduler(t)
	ledger := &recordingLedger{}

	// A recovery that never receives its completion signal gets exactly two
	// steps and then reports a missing outcome.
	_, err := sched.Drive(&Recovery{Session: session(11), Threshold: 1}, Input{Signal: "other"}, ledger)
	require.ErrorIs(t, err, ErrMissingOutcome)
}

func TestStorageLifecycleRoundTrip(t *testing.T) {
	sched, _ := testScheduler(t)
	ledger := &recordingLedger{}

	_, err := sched.Drive(&Storage{Session: session(12), Op: StorageStore, Key: "k", Value: []byte("v")}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)

	result, err := sched.Drive(&Storage{Session: session(13), Op: StorageRetrieve, Key: "k"}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), result.(StorageResult).Value)

	_, err = sched.Drive(&Storage{Session: session(14), Op: StorageDelete, Key: "k"}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)

	_, err = sched.Drive(&Storage{Session: session(15), Op: StorageRetrieve, Key: "k"}, Input{Signal: SignalComplete}, ledger)
	require.Error(t, err)
}

func TestJournalLedger(t *testing.T) {
	sched, caps := testScheduler(t)
	facts := journal.NewStore(caps)
	auth := identifiers.AuthorityIDFromBytes([32]byte{0x30})
	ledger := NewJournalLedger(auth, facts)

	_, err := sched.Drive(&CounterReservation{Session: session(16), Start: 1, Count: 2}, Input{Signal: SignalComplete}, ledger)
	require.NoError(t, err)

	loaded, err := facts.LoadCommittedFacts(auth)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "counter/reserve_range", loaded[0].Content.Relational.Attribute)
}
