// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package journal implements the causal fact store and publisher: ordered
// persistence of typed facts under an authority/order-time key, with a
// bounded reactive channel downstream views consume from. Facts are durable
// before they are published, so a subscriber that misses a publication can
// always reconstruct the full sequence with a prefix scan.
package journal

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/aura/pkg/effects"
	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/storage"
	"github.com/luxfi/aura/pkg/threshold"
)

// factNamespace is the storage namespace facts persist under; combined with
// the authority base key and the hex order-time sub key it renders as
// journal/facts/<authority>/<hex(order)>.
const factNamespace = "journal/facts"

// SinkCapacity bounds the reactive publication channel: enough to absorb a
// full recovery replay without backpressuring the write path.
const SinkCapacity = 100_000

var (
	// ErrSinkDropped is returned when the reactive channel's receiver has
	// stopped draining: the journal stays durable, but reactive consumers
	// are gone, which is always a defect in the assembly.
	ErrSinkDropped = errors.New("journal: fact sink dropped")
	// ErrCorruptFact is returned when a persisted fact fails to decode.
	ErrCorruptFact = errors.New("journal: corrupt fact record")
)

// RelationalFact is an application-level statement about an entity, the
// common currency of the journal: who enrolled, what was named, what
// converged.
type RelationalFact struct {
	Entity    string
	Attribute string
	Value     []byte
}

// ProtocolKind discriminates protocol-level fact payloads.
type ProtocolKind uint8

const (
	// KindDkgTranscriptCommit records that a distributed key-generation
	// transcript was committed for a context at an epoch.
	KindDkgTranscriptCommit ProtocolKind = iota
	// KindConvergenceCert records a coordinator's convergence certificate.
	KindConvergenceCert
	// KindReversionFact records that a coordinator-fenced operation lost a
	// race and was reverted.
	KindReversionFact
)

// ProtocolFact is a protocol-level fact: a DKG transcript commit, a
// convergence certificate, or a reversion record. Payload carries the
// attested record bytes for the cert/reversion kinds.
type ProtocolFact struct {
	Kind    ProtocolKind
	Context identifiers.ContextID
	Epoch   uint64
	Payload []byte
}

// FactContent is the sum of the two fact families.
type FactContent struct {
	Relational *RelationalFact
	Protocol   *ProtocolFact
}

// TypedFact is the durable, totally ordered journal record: an order-time
// token, the wall-clock milliseconds folded into that token, and the content.
type TypedFact struct {
	Order       identifiers.OrderTime
	TimestampMs uint64
	Content     FactContent
}

// FactOptions tunes how a batch of facts is recorded.
type FactOptions struct {
	// RequestAcks makes the store log the batch at debug level after
	// publication; no acknowledgement is requested from or collected from
	// reactive consumers.
	RequestAcks bool
	// InitialAgreement names the agreement regime the facts were written
	// under; ConsensusFinalized for ordinary post-ceremony facts. The store
	// does not persist it with the facts.
	InitialAgreement threshold.AgreementMode
}

// ViewUpdate notifies reactive views that new facts exist for an authority
// without carrying the facts themselves; views re-read through the query
// path.
type ViewUpdate struct {
	Authority identifiers.AuthorityID
	Facts     int
}

// Store is the per-process fact store and publisher.
type Store struct {
	caps *effects.Capabilities

	mu    sync.Mutex
	sink  chan<- []TypedFact
	views chan<- ViewUpdate
}

// NewStore builds a fact store over the capability bundle.
func NewStore(caps *effects.Capabilities) *Store {
	return &Store{caps: caps}
}

// AttachSink installs the reactive channel publications are delivered on.
// Callers normally pass a channel buffered to SinkCapacity; the write path
// never blocks on it.
func (s *Store) AttachSink(sink chan<- []TypedFact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// AttachViewUpdates installs the view-update broadcast sender. Unlike the
// fact sink, view notifications are droppable: a slow view re-reads from
// storage, so a missed tick loses nothing.
func (s *Store) AttachViewUpdates(views chan<- ViewUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = views
}

// AppendRelational records a batch of relational facts for authority. Every
// fact is durable before any publication happens; the returned facts carry
// the allocated order-time tokens in allocation order.
func (s *Store) AppendRelational(authority identifiers.AuthorityID, facts []RelationalFact, opts FactOptions) ([]TypedFact, error) {
	typed := make([]TypedFact, 0, len(facts))
	for i := range facts {
		f := facts[i]
		tf, err := s.buildFact(FactContent{Relational: &f})
		if err != nil {
			return nil, err
		}
		typed = append(typed, tf)
	}
	return s.appendTyped(authority, typed, opts)
}

// AppendProtocol records a batch of protocol facts for authority.
func (s *Store) AppendProtocol(authority identifiers.AuthorityID, facts []ProtocolFact, opts FactOptions) ([]TypedFact, error) {
	typed := make([]TypedFact, 0, len(facts))
	for i := range facts {
		f := facts[i]
		tf, err := s.buildFact(FactContent{Protocol: &f})
		if err != nil {
			return nil, err
		}
		typed = append(typed, tf)
	}
	return s.appendTyped(authority, typed, opts)
}

func (s *Store) buildFact(content FactContent) (TypedFact, error) {
	order, err := s.caps.Order.Next()
	if err != nil {
		return TypedFact{}, err
	}
	return TypedFact{
		Order:       order,
		TimestampMs: orderTimestampMs(order),
		Content:     content,
	}, nil
}

// appendTyped is the single write path: serialize all locking around it so
// per-authority persistence order equals order-time allocation order, then
// persist every fact, then publish the batch.
func (s *Store) appendTyped(authority identifiers.AuthorityID, facts []TypedFact, opts FactOptions) ([]TypedFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fact := range facts {
		encoded, err := encodeFact(fact)
		if err != nil {
			return nil, err
		}
		key := storage.Key{Namespace: factNamespace, BaseKey: authority.String(), SubKey: fact.Order.HexKey()}
		if err := s.caps.Storage.Store(storage.CapWrite, key, encoded); err != nil {
			return nil, fmt.Errorf("journal: persist fact %s: %w", key, err)
		}
	}

	if err := s.publishLocked(facts); err != nil {
		return nil, err
	}
	if s.views != nil {
		select {
		case s.views <- ViewUpdate{Authority: authority, Facts: len(facts)}:
		default:
		}
	}
	if opts.RequestAcks {
		s.caps.Log.Debug("journal batch requested acks",
			"authority", authority.String(),
			"facts", len(facts),
		)
	}
	return facts, nil
}

// publishLocked delivers the batch to the reactive sink. The sink is bounded
// and never blocked on: a full or missing-but-expected sink means the
// receiving scheduler is gone, which callers treat as fatal.
func (s *Store) publishLocked(facts []TypedFact) error {
	if s.sink == nil {
		return nil
	}
	select {
	case s.sink <- facts:
		return nil
	default:
		return ErrSinkDropped
	}
}

// LoadCommittedFacts reads back every fact recorded for authority, sorted by
// order-time.
func (s *Store) LoadCommittedFacts(authority identifiers.AuthorityID) ([]TypedFact, error) {
	subKeys, err := s.caps.Storage.ListKeys(storage.CapRead, factNamespace, authority.String())
	if err != nil {
		return nil, fmt.Errorf("journal: list facts for %s: %w", authority, err)
	}
	sort.Strings(subKeys)

	facts := make([]TypedFact, 0, len(subKeys))
	for _, sub := range subKeys {
		key := storage.Key{Namespace: factNamespace, BaseKey: authority.String(), SubKey: sub}
		raw, err := s.caps.Storage.Retrieve(storage.CapRead, key)
		if err != nil {
			return nil, fmt.Errorf("journal: load fact %s: %w", key, err)
		}
		fact, err := decodeFact(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFact, key, err)
		}
		facts = append(facts, fact)
	}

	sort.Slice(facts, func(i, j int) bool { return facts[i].Order.Less(facts[j].Order) })
	return facts, nil
}

// HasDkgTranscriptCommit reports whether a DKG transcript commit has been
// recorded for the given context and epoch.
func (s *Store) HasDkgTranscriptCommit(authority identifiers.AuthorityID, context identifiers.ContextID, epoch uint64) (bool, error) {
	facts, err := s.LoadCommittedFacts(authority)
	if err != nil {
		return false, err
	}
	for _, fact := range facts {
		p := fact.Content.Protocol
		if p != nil && p.Kind == KindDkgTranscriptCommit && p.Context == context && p.Epoch == epoch {
			return true, nil
		}
	}
	return false, nil
}

// LatestDkgTranscriptCommit returns the highest-epoch DKG transcript commit
// recorded for context, or false when none exists.
func (s *Store) LatestDkgTranscriptCommit(authority identifiers.AuthorityID, context identifiers.ContextID) (ProtocolFact, bool, error) {
	facts, err := s.LoadCommittedFacts(authority)
	if err != nil {
		return ProtocolFact{}, false, err
	}
	var best ProtocolFact
	found := false
	for _, fact := range facts {
		p := fact.Content.Protocol
		if p == nil || p.Kind != KindDkgTranscriptCommit || p.Context != context {
			continue
		}
		if !found || p.Epoch > best.Epoch {
			best = *p
			found = true
		}
	}
	return best, found, nil
}

// orderTimestampMs recovers the wall-clock milliseconds folded into the
// first 8 bytes of an order-time token.
func orderTimestampMs(order identifiers.OrderTime) uint64 {
	b := order.Bytes()
	var ms uint64
	for i := 0; i < 8; i++ {
		ms = ms<<8 | uint64(b[i])
	}
	return ms
}
