// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package lifecycle implements the generic driver for stepwise protocols:
// counter reservation, locking, distributed key derivation, resharing,
// recovery, and storage all run as ProtocolLifecycle state machines stepped
// by the same Scheduler, which executes the effects each step requests and
// appends the resulting events to a ledger.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
)

// ErrMissingOutcome is returned when a lifecycle reports final without ever
// producing an outcome, or fails to produce one within the driver's step
// budget.
var ErrMissingOutcome = errors.New("lifecycle: protocol completed without an outcome")

// Descriptor names a lifecycle instance for logs and tracing.
type Descriptor struct {
	Name      string
	SessionID identifiers.ContextID
}

// Input is the signal a driver invocation feeds the lifecycle. The scheduler
// never inspects Data; it is forwarded verbatim.
type Input struct {
	Signal string
	Data   json.RawMessage
}

// EffectKind discriminates the effects a lifecycle step can request.
type EffectKind uint8

const (
	// EffectUpdateCounter requests counter value reservation; one value
	// becomes an increment, several become a range reservation.
	EffectUpdateCounter EffectKind = iota
)

// Effect is a single side effect requested by a lifecycle step.
type Effect struct {
	Kind   EffectKind
	Values []uint64
}

// Outcome is a lifecycle's terminal result: exactly one of Output or Err.
type Outcome struct {
	Output any
	Err    error
}

// StepResult is what one lifecycle step produced: requested effects and,
// once the protocol has finished, its outcome.
type StepResult struct {
	Effects []Effect
	Outcome *Outcome
}

// ProtocolLifecycle is a stepwise protocol the scheduler can drive.
type ProtocolLifecycle interface {
	Descriptor() Descriptor
	// Step advances the protocol by one transition. Protocols are
	// deterministic reducers over (input, caps); all effect execution is the
	// scheduler's job.
	Step(input Input, caps *effects.Capabilities) StepResult
	// IsFinal reports whether the protocol has reached a terminal state.
	IsFinal() bool
}

// EventKind discriminates ledger events the scheduler appends.
type EventKind uint8

const (
	// EventIncrementCounter is a single-value counter advance.
	EventIncrementCounter EventKind = iota
	// EventReserveCounterRange reserves a contiguous run of counter values.
	EventReserveCounterRange
)

// AuthzLifecycleInternal marks events appended by the scheduler itself
// rather than by an external principal.
const AuthzLifecycleInternal = "lifecycle_internal"

// Event is one ledger record produced by effect processing.
type Event struct {
	Kind          EventKind
	Values        []uint64
	Authorization string
	Nonce         uint64
}

// Ledger receives the events effect processing produces.
type Ledger interface {
	Append(Event) error
}

// Scheduler drives protocol lifecycles step by step.
type Scheduler struct {
	caps  *effects.Capabilities
	nonce atomic.Uint64
}

// NewScheduler builds a scheduler over the capability bundle.
func NewScheduler(caps *effects.Capabilities) *Scheduler {
	return &Scheduler{caps: caps}
}

// Drive steps lifecycle until it yields an outcome. The loop body runs once
// and then breaks deliberately: today's lifecycles make progress through
// external effects rather than internal iteration, so after processing the
// first step's effects the protocol gets exactly one more step in which to
// observe their results and produce its outcome. Restructuring this into a
// plain loop would change how many steps an effect-driven lifecycle sees.
func (s *Scheduler) Drive(lifecycle ProtocolLifecycle, input Input, ledger Ledger) (any, error) {
	desc := lifecycle.Descriptor()

	for {
		step := lifecycle.Step(input, s.caps)
		if err := s.processEffects(desc, step.Effects, ledger); err != nil {
			return nil, err
		}
		if step.Outcome != nil {
			return s.complete(desc, step.Outcome)
		}
		if lifecycle.IsFinal() {
			s.caps.Log.Warn("lifecycle final without outcome", "protocol", desc.Name)
			return nil, ErrMissingOutcome
		}
		break
	}

	step := lifecycle.Step(input, s.caps)
	if err := s.processEffects(desc, step.Effects, ledger); err != nil {
		return nil, err
	}
	if step.Outcome != nil {
		return s.complete(desc, step.Outcome)
	}
	s.caps.Log.Warn("lifecycle exhausted step budget without outcome", "protocol", desc.Name)
	return nil, ErrMissingOutcome
}

func (s *Scheduler) complete(desc Descriptor, outcome *Outcome) (any, error) {
	if outcome.Err != nil {
		s.caps.Log.Warn("lifecycle complete",
			"protocol", desc.Name,
			"session", desc.SessionID.String(),
			"success", false,
			"error", outcome.Err,
		)
		return nil, outcome.Err
	}
	s.caps.Log.Debug("lifecycle complete",
		"protocol", desc.Name,
		"session", desc.SessionID.String(),
		"success", true,
	)
	return outcome.Output, nil
}

// processEffects executes each requested effect. UpdateCounter effects
// become ledger events with lifecycle-internal authorization and a monotone
// nonce; unknown effects are logged and dropped rather than failing the
// protocol.
func (s *Scheduler) processEffects(desc Descriptor, requested []Effect, ledger Ledger) error {
	for _, effect := range requested {
		switch effect.Kind {
		case EffectUpdateCounter:
			event := Event{
				Values:        effect.Values,
				Authorization: AuthzLifecycleInternal,
				Nonce:         s.nonce.Add(1),
			}
			if len(effect.Values) == 1 {
				event.Kind = EventIncrementCounter
			} else {
				event.Kind = EventReserveCounterRange
			}
			if err := ledger.Append(event); err != nil {
				return fmt.Errorf("lifecycle: append counter event: %w", err)
			}
		default:
			s.caps.Log.Warn("unknown lifecycle effect dropped",
				"protocol", desc.Name,
				"kind", effect.Kind,
			)
		}
	}
	return nil
}
