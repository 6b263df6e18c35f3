// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package threshold

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/threshold/pkg/math/curve"
	"github.com/luxfi/threshold/pkg/party"

	"github.com/luxfi/aura/pkg/effects"
)

// EncodeShare renders a local threshold share as the flat bytes persisted
// under participant_shares/<authority>/<epoch>/<participant>: the party id,
// the secret scalar, and the share's own public point, each length-prefixed
// so DecodeShare never has to guess a curve-specific fixed width.
func EncodeShare(share effects.ThresholdShare) ([]byte, error) {
	idBytes := []byte(share.Self)
	secretBytes, err := share.Secret.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("threshold: marshal share secret: %w", err)
	}
	publicBytes, err := share.Public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("threshold: marshal share public point: %w", err)
	}

	out := make([]byte, 0, 12+len(idBytes)+len(secretBytes)+len(publicBytes))
	out = appendLenPrefixed(out, idBytes)
	out = appendLenPrefixed(out, secretBytes)
	out = appendLenPrefixed(out, publicBytes)
	return out, nil
}

// DecodeShare parses the bytes EncodeShare produced, resolving the secret
// and public values against group so the result can be fed straight into
// the Crypto capability's nonce-generation and partial-signing calls.
func DecodeShare(group curve.Curve, data []byte) (effects.ThresholdShare, error) {
	idBytes, rest, err := readLenPrefixed(data)
	if err != nil {
		return effects.ThresholdShare{}, fmt.Errorf("threshold: read share party id: %w", err)
	}
	secretBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return effects.ThresholdShare{}, fmt.Errorf("threshold: read share secret: %w", err)
	}
	publicBytes, _, err := readLenPrefixed(rest)
	if err != nil {
		return effects.ThresholdShare{}, fmt.Errorf("threshold: read share public point: %w", err)
	}

	secret := group.NewScalar()
	if err := secret.UnmarshalBinary(secretBytes); err != nil {
		return effects.ThresholdShare{}, fmt.Errorf("threshold: unmarshal share secret: %w", err)
	}
	public := group.NewPoint()
	if err := public.UnmarshalBinary(publicBytes); err != nil {
		return effects.ThresholdShare{}, fmt.Errorf("threshold: unmarshal share public point: %w", err)
	}

	return effects.ThresholdShare{
		Group:  group,
		Self:   party.ID(idBytes),
		Secret: secret,
		Public: public,
	}, nil
}

// DecodePoint parses a bare group public key package, the form
// threshold_pubkey/<authority>/<epoch> is stored under.
func DecodePoint(group curve.Curve, data []byte) (curve.Point, error) {
	p := group.NewPoint()
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("threshold: unmarshal public key package: %w", err)
	}
	return p, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(data)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, data...)
}

func readLenPrefixed(data []byte) (value, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, fmt.Errorf("truncated value: want %d, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
