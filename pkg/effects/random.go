// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package effects

import (
	"crypto/rand"
	mathrand "math/rand/v2"
)

type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) { return rand.Read(p) }

// seededRandom is a deterministic Random for ModeSimulation and ModeTesting,
// backed by math/rand/v2's ChaCha8 so the same seed always allocates the same
// sequence of nonces and order-time tokens.
type seededRandom struct {
	src *mathrand.ChaCha8
}

func newSeededRandom(seed int64) *seededRandom {
	var key [32]byte
	for i := 0; i < 8; i++ {
		key[i] = byte(seed >> (8 * i))
	}
	return &seededRandom{src: mathrand.NewChaCha8(key)}
}

func (s *seededRandom) Read(p []byte) (int, error) {
	return s.src.Read(p)
}
