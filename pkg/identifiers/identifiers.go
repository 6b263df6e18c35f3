// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identifiers defines the opaque, comparable identifier types shared
// across the ceremony and threshold-signing core: authorities, devices,
// ceremonies, contexts, tree leaves/nodes, epochs, and order-time tokens.
package identifiers

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/luxfi/ids"
)

// AuthorityID names a logical signing identity whose threshold key material
// is versioned by epoch.
type AuthorityID struct{ id ids.ID }

// DeviceID names a single device eligible to hold a threshold share.
type DeviceID struct{ id ids.ID }

// CeremonyID names a single multi-party ceremony run. Unlike the other
// identifiers, it is carried on the wire as an opaque ASCII string (the
// envelope's "ceremony-id" metadata field) rather than a 32-byte token, so
// it is backed by a plain string to round-trip exactly.
type CeremonyID struct{ s string }

// ContextID names the choreography/session context a ceremony or protocol
// operation runs under.
type ContextID struct{ id ids.ID }

// LeafID names a leaf in an authority's membership tree.
type LeafID uint64

// NodeIndex names a node in an authority's membership tree.
type NodeIndex uint32

// Epoch identifies a specific key-material generation for an authority.
type Epoch uint64

// OrderTime is a 32-byte monotonically allocated token used as a total order
// for facts within an authority.
type OrderTime struct{ id ids.ID }

func newFromBytes(b [32]byte) ids.ID { return ids.ID(b) }

// AuthorityIDFromBytes builds an AuthorityID from a 32-byte array.
func AuthorityIDFromBytes(b [32]byte) AuthorityID { return AuthorityID{newFromBytes(b)} }

// DeviceIDFromBytes builds a DeviceID from a 32-byte array.
func DeviceIDFromBytes(b [32]byte) DeviceID { return DeviceID{newFromBytes(b)} }

// CeremonyIDFromString builds a CeremonyID from an opaque ASCII label, the
// wire form used on the transport envelope's "ceremony-id" metadata field.
func CeremonyIDFromString(s string) CeremonyID { return CeremonyID{s} }

// ContextIDFromEntropy builds a ContextID from pre-hashed 32-byte entropy.
func ContextIDFromEntropy(b [32]byte) ContextID { return ContextID{newFromBytes(b)} }

// OrderTimeFromBytes builds an OrderTime from a 32-byte token.
func OrderTimeFromBytes(b [32]byte) OrderTime { return OrderTime{newFromBytes(b)} }

func (a AuthorityID) String() string  { return a.id.String() }
func (a AuthorityID) Bytes() [32]byte { return [32]byte(a.id) }
func (a AuthorityID) IsZero() bool    { return a.id == ids.ID{} }

func (d DeviceID) String() string  { return d.id.String() }
func (d DeviceID) Bytes() [32]byte { return [32]byte(d.id) }
func (d DeviceID) IsZero() bool    { return d.id == ids.ID{} }

// ParseAuthorityID parses an authority-id canonical string.
func ParseAuthorityID(s string) (AuthorityID, error) {
	id, err := ids.FromString(s)
	if err != nil {
		return AuthorityID{}, fmt.Errorf("parse authority id %q: %w", s, err)
	}
	return AuthorityID{id}, nil
}

// MarshalText renders the authority id in its canonical string form, so the
// type round-trips through JSON metadata records.
func (a AuthorityID) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses the canonical string form MarshalText produces.
func (a *AuthorityID) UnmarshalText(text []byte) error {
	parsed, err := ParseAuthorityID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText renders the device id in its canonical string form.
func (d DeviceID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses the canonical string form MarshalText produces.
func (d *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText renders the context id in its canonical string form.
func (c ContextID) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText parses the canonical string form MarshalText produces.
func (c *ContextID) UnmarshalText(text []byte) error {
	id, err := ids.FromString(string(text))
	if err != nil {
		return fmt.Errorf("parse context id %q: %w", string(text), err)
	}
	*c = ContextID{id}
	return nil
}

// ParseDeviceID parses a device-id canonical string, as carried on envelope
// metadata fields such as "initiator-device-id".
func ParseDeviceID(s string) (DeviceID, error) {
	id, err := ids.FromString(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("parse device id %q: %w", s, err)
	}
	return DeviceID{id}, nil
}

func (c CeremonyID) String() string { return c.s }
func (c CeremonyID) IsZero() bool   { return c.s == "" }

func (c ContextID) String() string  { return c.id.String() }
func (c ContextID) Bytes() [32]byte { return [32]byte(c.id) }

func (o OrderTime) String() string  { return hex.EncodeToString(o.id[:]) }
func (o OrderTime) Bytes() [32]byte { return [32]byte(o.id) }

// HexKey renders the order-time as the lowercase hex string the journal uses
// for its on-disk key: journal/facts/<authority>/<hex(order)>.
func (o OrderTime) HexKey() string { return hex.EncodeToString(o.id[:]) }

// Less reports whether o sorts before other under the total order journal
// facts are kept in.
func (o OrderTime) Less(other OrderTime) bool {
	for i := range o.id {
		if o.id[i] != other.id[i] {
			return o.id[i] < other.id[i]
		}
	}
	return false
}

func (e Epoch) String() string  { return strconv.FormatUint(uint64(e), 10) }
func (l LeafID) String() string { return strconv.FormatUint(uint64(l), 10) }

// ParticipantKind discriminates the two ParticipantIdentity variants.
type ParticipantKind uint8

const (
	// ParticipantDevice is a device eligible to hold a personal share.
	ParticipantDevice ParticipantKind = iota
	// ParticipantGuardian is another authority acting as a guardian share holder.
	ParticipantGuardian
)

// ParticipantIdentity is the sum of the two principal kinds eligible to
// hold a threshold share: a device, or another authority acting as a
// guardian.
type ParticipantIdentity struct {
	kind     ParticipantKind
	device   DeviceID
	guardian AuthorityID
}

// Device builds a device-variant participant identity.
func Device(id DeviceID) ParticipantIdentity {
	return ParticipantIdentity{kind: ParticipantDevice, device: id}
}

// Guardian builds a guardian-variant participant identity.
func Guardian(id AuthorityID) ParticipantIdentity {
	return ParticipantIdentity{kind: ParticipantGuardian, guardian: id}
}

// Kind reports which variant this identity holds.
func (p ParticipantIdentity) Kind() ParticipantKind { return p.kind }

// AsDevice returns the device id and true iff this is a device variant.
func (p ParticipantIdentity) AsDevice() (DeviceID, bool) {
	if p.kind == ParticipantDevice {
		return p.device, true
	}
	return DeviceID{}, false
}

// AsGuardian returns the guardian authority id and true iff this is a
// guardian variant.
func (p ParticipantIdentity) AsGuardian() (AuthorityID, bool) {
	if p.kind == ParticipantGuardian {
		return p.guardian, true
	}
	return AuthorityID{}, false
}

// StorageKey returns the deterministic sub-key used to address this
// participant's share under participant_shares/<authority>/<epoch>/<key>.
func (p ParticipantIdentity) StorageKey() string {
	switch p.kind {
	case ParticipantDevice:
		return "device:" + p.device.String()
	case ParticipantGuardian:
		return "guardian:" + p.guardian.String()
	default:
		return "unknown"
	}
}

// DebugLabel renders a short human label for logs and error messages.
func (p ParticipantIdentity) DebugLabel() string {
	switch p.kind {
	case ParticipantDevice:
		return "device(" + p.device.String() + ")"
	case ParticipantGuardian:
		return "guardian(" + p.guardian.String() + ")"
	default:
		return "unknown"
	}
}

// Weight is always 1: every participant holds exactly one threshold share
// regardless of variant. Exposed so pkg/agreement can reuse validator-style
// weighted-quorum arithmetic instead of a second counting scheme.
func (p ParticipantIdentity) Weight() uint64 { return 1 }

// Equal reports whether two participant identities name the same principal.
func (p ParticipantIdentity) Equal(other ParticipantIdentity) bool {
	return p.StorageKey() == other.StorageKey()
}

// participantIdentityWire is the JSON wire shape for ParticipantIdentity,
// used so the threshold-config metadata persisted by pkg/threshold round
// trips through storage without exposing this type's internal fields.
type participantIdentityWire struct {
	Kind     string `json:"kind"`
	Device   string `json:"device,omitempty"`
	Guardian string `json:"guardian,omitempty"`
}

// MarshalJSON renders the participant as a tagged {kind, device|guardian}
// object.
func (p ParticipantIdentity) MarshalJSON() ([]byte, error) {
	wire := participantIdentityWire{}
	switch p.kind {
	case ParticipantDevice:
		wire.Kind = "device"
		wire.Device = p.device.String()
	case ParticipantGuardian:
		wire.Kind = "guardian"
		wire.Guardian = p.guardian.String()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses the tagged object MarshalJSON produces.
func (p *ParticipantIdentity) UnmarshalJSON(data []byte) error {
	var wire participantIdentityWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case "device":
		id, err := ParseDeviceID(wire.Device)
		if err != nil {
			return fmt.Errorf("unmarshal participant identity: %w", err)
		}
		*p = Device(id)
	case "guardian":
		id, err := ids.FromString(wire.Guardian)
		if err != nil {
			return fmt.Errorf("unmarshal participant identity: %w", err)
		}
		*p = Guardian(AuthorityID{id})
	default:
		return fmt.Errorf("unmarshal participant identity: unknown kind %q", wire.Kind)
	}
	return nil
}
