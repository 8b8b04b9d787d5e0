package cryptoprim

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// NonceGenerator produces a strictly increasing stream of 96-bit nonces for
// one (shared secret, direction) pair. It is seeded with a random salt when
// a new epoch begins and then counts up, so reuse within an epoch is
// impossible short of wraparound, and reuse across epochs is impossible
// because the shared secret itself changes on rotation.
type NonceGenerator struct {
	salt    [4]byte
	counter uint64
}

// NewNonceGenerator seeds a generator for the start of an epoch.
func NewNonceGenerator() (*NonceGenerator, error) {
	g := &NonceGenerator{}
	if _, err := rand.Read(g.salt[:]); err != nil {
		return nil, fmt.Errorf("seed nonce generator: %w", err)
	}
	return g, nil
}

// Next returns the next nonce in the sequence: [4-byte salt][8-byte counter].
func (g *NonceGenerator) Next() [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[:4], g.salt[:])
	c := atomic.AddUint64(&g.counter, 1)
	binary.BigEndian.PutUint64(n[4:], c)
	return n
}
