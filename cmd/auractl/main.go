// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// auractl is a small demo harness around the runtime assembly: it stands up
// two in-process nodes on a shared transport, bootstraps an authority on the
// first, enrolls the second through a full key-package / acceptance / commit
// ceremony, and prints the resulting state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/luxfi/aura/pkg/ceremony"
	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/runtime"
	"github.com/luxfi/aura/pkg/threshold"
)

func main() {
	seed := flag.Int64("seed", 0, "run in simulation mode with this seed (0 = testing mode)")
	flag.Parse()

	if err := run(*seed); err != nil {
		fmt.Fprintln(os.Stderr, "auractl:", err)
		os.Exit(1)
	}
}

func run(seed int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shared := effects.NewInMemoryTransport()

	newConfig := func(deviceByte byte) runtime.Config {
		device := identifiers.DeviceIDFromBytes([32]byte{deviceByte})
		cfg := runtime.DefaultTestingConfig(device)
		if seed != 0 {
			cfg = runtime.DefaultSimulationConfig(device, seed)
		}
		cfg.SharedTransport = shared
		return cfg
	}

	initiator, err := runtime.Assemble(newConfig(0x01))
	if err != nil {
		return err
	}
	participantCfg := newConfig(0x02)
	participantCfg.Authority = initiator.Authority
	participant, err := runtime.Assemble(participantCfg)
	if err != nil {
		return err
	}

	if _, err := initiator.BootstrapAuthority(); err != nil {
		return err
	}
	fmt.Printf("bootstrapped authority %s at epoch 0\n", initiator.Authority)

	sig, err := initiator.Sign([]byte("hello"), threshold.ApprovalSelfOperation)
	if err != nil {
		return err
	}
	fmt.Printf("self-signed %d bytes with %d signer(s)\n", len(sig.Bytes), sig.SignerCount)

	nickname := "second-device"
	ceremonyID := identifiers.CeremonyIDFromString("demo-enrollment")
	pendingEpoch, err := initiator.InitiateEnrollment(ctx, ceremonyID,
		participant.Config.Device, &nickname,
		[]identifiers.ParticipantIdentity{
			identifiers.Device(initiator.Config.Device),
			identifiers.Device(participant.Config.Device),
		}, 1, 2)
	if err != nil {
		return err
	}
	fmt.Printf("enrollment ceremony %s started, pending epoch %d\n", ceremonyID, pendingEpoch)

	if err := drain(ctx, initiator, participant); err != nil {
		return err
	}

	state, err := initiator.Tracker.Get(ceremonyID)
	if err != nil {
		return err
	}
	if state.Status != ceremony.StatusCommitted {
		return fmt.Errorf("ceremony ended in status %s", state.Status)
	}

	signingState, _ := initiator.Signing.ThresholdStateFor(initiator.Authority)
	fmt.Printf("ceremony committed: epoch %d, %d-of-%d, agreement mode %d\n",
		signingState.Epoch, signingState.Threshold, signingState.TotalParticipants, signingState.AgreementMode)

	facts, err := initiator.Facts.LoadCommittedFacts(initiator.Authority)
	if err != nil {
		return err
	}
	fmt.Printf("journal holds %d fact(s)\n", len(facts))
	return nil
}

// drain steps both nodes until the shared transport goes quiet.
func drain(ctx context.Context, nodes ...*runtime.Runtime) error {
	quiet := 0
	for quiet < 20 {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed := false
		for _, node := range nodes {
			ok, err := node.Step(ctx)
			if err != nil {
				return err
			}
			if ok {
				progressed = true
			}
		}
		if progressed {
			quiet = 0
			continue
		}
		quiet++
		time.Sleep(2 * time.Millisecond)
	}
	return nil
}
