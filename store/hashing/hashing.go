// Package hashing provides the pluggable content-hash functions used to
// derive a Digest from a record's info word and payload.
package hashing

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"

	"github.com/chaos-store/chaos/store/types"
)

// Hasher computes a deterministic, collision-resistant Digest over an
// arbitrary byte slice. Implementations must be pure: no internal state may
// survive a call, and concurrent read-only use must be safe.
type Hasher interface {
	Sum(data []byte) types.Digest
}

type blake3Hasher struct{}

// BLAKE3 is the canonical Hasher: a cryptographic extendable-output function
// (XOF) whose output is read out to exactly types.DigestSize bytes. Because
// BLAKE3 is natively a XOF, no separate truncate/extend step is needed — the
// digest is simply the first DigestSize bytes of its output stream.
var BLAKE3 Hasher = blake3Hasher{}

func (blake3Hasher) Sum(data []byte) types.Digest {
	h := blake3.New()
	h.Write(data) //nolint:errcheck // hash.Hash.Write never errors
	var out types.Digest
	_, _ = h.Digest().Read(out[:])
	return out
}

type xxHasher struct{}

// XXHash is a fast, non-cryptographic Hasher intended for tests and
// throughput-sensitive callers that do not need collision resistance across
// adversarial input. xxhash itself only produces 8 bytes, so the digest is
// filled by repeatedly re-hashing a counter-perturbed seed until DigestSize
// bytes have been produced; this is an ad-hoc expansion, not a real XOF, and
// should not be used where the spec's collision-resistance requirement
// applies.
var XXHash Hasher = xxHasher{}

func (xxHasher) Sum(data []byte) types.Digest {
	var out types.Digest
	seed := xxhash.Sum64(data)

	var in, block [8]byte
	var filled int
	for counter := uint64(0); filled < types.DigestSize; counter++ {
		binary.LittleEndian.PutUint64(in[:], seed+counter)
		binary.LittleEndian.PutUint64(block[:], xxhash.Sum64(in[:]))
		filled += copy(out[filled:], block[:])
	}
	return out
}
