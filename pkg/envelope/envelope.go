// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package envelope implements the ceremony envelope processor: it decodes
// inbound transport envelopes, filters them by addressee, routes them by
// content type to the enrollment handlers, and drives the ceremony runner
// and signing service through the commit path.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/aura/pkg/identifiers"
)

// Content types this processor routes. Anything else is skipped; in
// particular application/aura-amp traffic belongs to the choreography
// runtime, not this core.
const (
	ContentTypeKeyPackage = "application/aura-device-enrollment-key-package"
	ContentTypeAcceptance = "application/aura-device-enrollment-acceptance"
	ContentTypeCommit     = "application/aura-device-enrollment-commit"
	ContentTypeAMP        = "application/aura-amp"
)

// Metadata keys the processor reads and writes.
const (
	MetaContentType       = "content-type"
	MetaCeremonyID        = "ceremony-id"
	MetaPendingEpoch      = "pending-epoch"
	MetaNewEpoch          = "new-epoch"
	MetaInitiatorDevice   = "initiator-device-id"
	MetaAcceptorDevice    = "acceptor-device-id"
	MetaParticipantDevice = "participant-device-id"
	MetaDestinationDevice = "aura-destination-device-id"
	MetaThresholdConfig   = "threshold-config"
	MetaThresholdPubkey   = "threshold-pubkey"
	MetaNickname          = "nickname-suggestion"
)

// Envelope is the transport unit this processor consumes and produces:
// opaque payload bytes plus a string-keyed metadata map. Typed meaning is
// carried entirely in metadata; the payload's interpretation is up to the
// handler the content type selects.
type Envelope struct {
	Destination identifiers.AuthorityID `json:"destination"`
	Source      identifiers.AuthorityID `json:"source"`
	Context     identifiers.ContextID   `json:"context"`
	Payload     []byte                  `json:"payload,omitempty"`
	Metadata    map[string]string       `json:"metadata"`
	Receipt     []byte                  `json:"receipt,omitempty"`
}

// ContentType returns the envelope's content-type metadata, or "".
func (e Envelope) ContentType() string { return e.Metadata[MetaContentType] }

// EncodeWire renders the envelope for transport.
func EncodeWire(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return b, nil
}

// DecodeWire parses bytes EncodeWire produced.
func DecodeWire(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	return e, nil
}
