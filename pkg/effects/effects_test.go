// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package effects

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/luxfi/threshold/pkg/math/polynomial"
	"github.com/luxfi/threshold/pkg/party"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/aura/pkg/identifiers"
)

func TestSoloEd25519RoundTrip(t *testing.T) {
	c := NewCrypto()
	pub, priv, err := c.GenerateEd25519()
	require.NoError(t, err)

	msg := []byte("commit-key-rotation")
	sig := c.SignEd25519(priv, msg)
	require.NoError(t, c.VerifyEd25519(pub, msg, sig))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xFF
	require.Error(t, c.VerifyEd25519(pub, tampered, sig))
}

func TestSimClockAdvanceFiresWaiter(t *testing.T) {
	clock := newSimClock()
	start := clock.Now()

	fired := clock.After(5 * time.Second)
	select {
	case <-fired:
		t.Fatal("waiter fired before deadline")
	default:
	}

	clock.Advance(5 * time.Second)
	select {
	case got := <-fired:
		require.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("waiter did not fire after deadline elapsed")
	}
}

func TestSeededRandomIsDeterministic(t *testing.T) {
	a := newSeededRandom(42)
	b := newSeededRandom(42)

	bufA := make([]byte, 32)
	bufB := make([]byte, 32)
	_, err := a.Read(bufA)
	require.NoError(t, err)
	_, err = b.Read(bufB)
	require.NoError(t, err)

	require.Equal(t, bufA, bufB)
}

func TestInMemoryTransportDeliversToAddressee(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewInMemoryTransport()
	alice := identifiers.DeviceIDFromBytes([32]byte{1})
	bob := identifiers.DeviceIDFromBytes([32]byte{2})

	bobInbox := transport.Subscribe(ctx, bob)
	aliceInbox := transport.Subscribe(ctx, alice)

	require.NoError(t, transport.Send(ctx, alice, bob, []byte("hello")))

	select {
	case msg := <-bobInbox:
		require.Equal(t, []byte("hello"), msg.Content)
		require.Equal(t, alice.String(), msg.From.String())
	case <-time.After(time.Second):
		t.Fatal("bob never received message")
	}

	select {
	case <-aliceInbox:
		t.Fatal("alice should not receive a message addressed to bob")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestThresholdSignRoundTrip(t *testing.T) {
	c := NewCrypto()
	group := curve.Secp256k1{}

	result, err := c.GenerateThresholdKeys(group, 2, 3)
	require.NoError(t, err)
	require.Len(t, result.Shares, 3)

	// Any two of the three shares aggregate to a verifying signature.
	signers := result.Shares[:2]
	ids := make([]party.ID, len(signers))
	for i, s := range signers {
		ids[i] = s.Self
	}
	lagrange := polynomial.Lagrange(group, ids)

	msg := []byte("rotate to epoch 1")
	nonces := make([]ThresholdNonce, len(signers))
	groupNonce := group.NewPoint()
	for i, share := range signers {
		nonce, err := c.GenerateNonce(share)
		require.NoError(t, err)
		nonces[i] = nonce
		groupNonce = groupNonce.Add(nonce.Point)
	}

	partials := make([]PartialSignature, len(signers))
	for i, share := range signers {
		partial, err := c.SignPartial(share, nonces[i], groupNonce, result.GroupPublic, lagrange[share.Self], msg)
		require.NoError(t, err)
		partials[i] = partial
	}

	sig, err := c.AggregateThreshold(groupNonce, partials)
	require.NoError(t, err)
	require.NoError(t, c.VerifyThreshold(group, result.GroupPublic, msg, sig))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xFF
	require.Error(t, c.VerifyThreshold(group, result.GroupPublic, tampered, sig))
}

func TestOrderClockIsStrictlyIncreasing(t *testing.T) {
	clock := NewOrderClock(systemClock{}, cryptoRandReader{})

	prev, err := clock.Next()
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		next, err := clock.Next()
		require.NoError(t, err)
		require.True(t, prev.Less(next), "order tokens must strictly increase")
		prev = next
	}
}
