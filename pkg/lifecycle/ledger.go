// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/aura/pkg/identifiers"
	"github.com/luxfi/aura/pkg/journal"
	"github.com/luxfi/aura/pkg/threshold"
)

// JournalLedger records lifecycle events as relational facts in the
// authority's journal, so counter reservations share the same durable,
// ordered history every other subsystem writes to.
type JournalLedger struct {
	authority identifiers.AuthorityID
	facts     *journal.Store
}

// NewJournalLedger builds a ledger appending to authority's fact log.
func NewJournalLedger(authority identifiers.AuthorityID, facts *journal.Store) *JournalLedger {
	return &JournalLedger{authority: authority, facts: facts}
}

func (l *JournalLedger) Append(event Event) error {
	attribute := "counter/increment"
	if event.Kind == EventReserveCounterRange {
		attribute = "counter/reserve_range"
	}

	value, err := json.Marshal(struct {
		Values        []uint64 `json:"values"`
		Authorization string   `json:"authorization"`
		Nonce         uint64   `json:"nonce"`
	}{event.Values, event.Authorization, event.Nonce})
	if err != nil {
		return fmt.Errorf("lifecycle: marshal ledger event: %w", err)
	}

	_, err = l.facts.AppendRelational(l.authority, []journal.RelationalFact{{
		Entity:    l.authority.String(),
		Attribute: attribute,
		Value:     value,
	}}, journal.FactOptions{InitialAgreement: threshold.AgreementConsensusFinalized})
	return err
}
