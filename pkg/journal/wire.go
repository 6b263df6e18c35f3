// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package journal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luxfi/aura/pkg/identifiers"
)

// Fact records persist in protobuf wire format. Field numbers are part of
// the on-disk contract and must never be reused:
//
//	TypedFact:      1=order(bytes32) 2=timestamp_ms(varint)
//	                3=relational(message) 4=protocol(message)
//	RelationalFact: 1=entity(string) 2=attribute(string) 3=value(bytes)
//	ProtocolFact:   1=kind(varint) 2=context(bytes32) 3=epoch(varint)
//	                4=payload(bytes)
const (
	fieldOrder       = 1
	fieldTimestampMs = 2
	fieldRelational  = 3
	fieldProtocol    = 4

	fieldRelEntity    = 1
	fieldRelAttribute = 2
	fieldRelValue     = 3

	fieldProtoKind    = 1
	fieldProtoContext = 2
	fieldProtoEpoch   = 3
	fieldProtoPayload = 4
)

func encodeFact(fact TypedFact) ([]byte, error) {
	order := fact.Order.Bytes()

	b := protowire.AppendTag(nil, fieldOrder, protowire.BytesType)
	b = protowire.AppendBytes(b, order[:])
	b = protowire.AppendTag(b, fieldTimestampMs, protowire.VarintType)
	b = protowire.AppendVarint(b, fact.TimestampMs)

	switch {
	case fact.Content.Relational != nil:
		b = protowire.AppendTag(b, fieldRelational, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRelational(*fact.Content.Relational))
	case fact.Content.Protocol != nil:
		b = protowire.AppendTag(b, fieldProtocol, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeProtocol(*fact.Content.Protocol))
	default:
		return nil, fmt.Errorf("journal: fact has no content")
	}
	return b, nil
}

func encodeRelational(f RelationalFact) []byte {
	b := protowire.AppendTag(nil, fieldRelEntity, protowire.BytesType)
	b = protowire.AppendString(b, f.Entity)
	b = protowire.AppendTag(b, fieldRelAttribute, protowire.BytesType)
	b = protowire.AppendString(b, f.Attribute)
	b = protowire.AppendTag(b, fieldRelValue, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Value)
	return b
}

func encodeProtocol(f ProtocolFact) []byte {
	context := f.Context.Bytes()
	b := protowire.AppendTag(nil, fieldProtoKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, fieldProtoContext, protowire.BytesType)
	b = protowire.AppendBytes(b, context[:])
	b = protowire.AppendTag(b, fieldProtoEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Epoch)
	b = protowire.AppendTag(b, fieldProtoPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	return b
}

func decodeFact(data []byte) (TypedFact, error) {
	var fact TypedFact
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return TypedFact{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldOrder && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return TypedFact{}, protowire.ParseError(n)
			}
			data = data[n:]
			if len(v) != 32 {
				return TypedFact{}, fmt.Errorf("order token is %d bytes, want 32", len(v))
			}
			var order [32]byte
			copy(order[:], v)
			fact.Order = identifiers.OrderTimeFromBytes(order)
		case num == fieldTimestampMs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return TypedFact{}, protowire.ParseError(n)
			}
			data = data[n:]
			fact.TimestampMs = v
		case num == fieldRelational && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return TypedFact{}, protowire.ParseError(n)
			}
			data = data[n:]
			rel, err := decodeRelational(v)
			if err != nil {
				return TypedFact{}, err
			}
			fact.Content.Relational = &rel
		case num == fieldProtocol && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return TypedFact{}, protowire.ParseError(n)
			}
			data = data[n:]
			p, err := decodeProtocol(v)
			if err != nil {
				return TypedFact{}, err
			}
			fact.Content.Protocol = &p
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return TypedFact{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if fact.Content.Relational == nil && fact.Content.Protocol == nil {
		return TypedFact{}, fmt.Errorf("fact has no content")
	}
	return fact, nil
}

func decodeRelational(data []byte) (RelationalFact, error) {
	var f RelationalFact
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return RelationalFact{}, protowire.ParseError(n)
		}
		data = data[n:]

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return RelationalFact{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case fieldRelEntity:
			f.Entity = string(v)
		case fieldRelAttribute:
			f.Attribute = string(v)
		case fieldRelValue:
			f.Value = append([]byte(nil), v...)
		default:
			_ = typ
		}
	}
	return f, nil
}

func decodeProtocol(data []byte) (ProtocolFact, error) {
	var f ProtocolFact
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ProtocolFact{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldProtoKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ProtocolFact{}, protowire.ParseError(n)
			}
			data = data[n:]
			f.Kind = ProtocolKind(v)
		case num == fieldProtoContext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ProtocolFact{}, protowire.ParseError(n)
			}
			data = data[n:]
			if len(v) != 32 {
				return ProtocolFact{}, fmt.Errorf("context id is %d bytes, want 32", len(v))
			}
			var ctx [32]byte
			copy(ctx[:], v)
			f.Context = identifiers.ContextIDFromEntropy(ctx)
		case num == fieldProtoEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ProtocolFact{}, protowire.ParseError(n)
			}
			data = data[n:]
			f.Epoch = v
		case num == fieldProtoPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ProtocolFact{}, protowire.ParseError(n)
			}
			data = data[n:]
			f.Payload = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ProtocolFact{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return f, nil
}
