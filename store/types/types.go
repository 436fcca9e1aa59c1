// Package types holds the wire-level and index-level value types shared by
// the chaos store: digests, the packed info word, and index entries.
package types

import "fmt"

// DigestSize is N from the object store spec: the fixed length, in bytes, of
// every content digest. It is a multiple of 5 so that a base32 text encoder
// (an external collaborator, out of scope here) can round-trip it cleanly.
const DigestSize = 30

// Digest is the content hash identifying a Record. Two digests are equal iff
// their bytes are equal. Being a byte array (not a slice) lets a Digest be
// used directly as a map key with no heap allocation on lookup.
type Digest [DigestSize]byte

// IsZero reports whether d is the all-zero digest, which no valid record can
// ever hash to in practice but which is useful as a "no digest yet" sentinel.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// Kind is the 8-bit opaque tag a higher layer uses to discriminate payload
// schemas. The store never interprets it.
type Kind uint8

const (
	// KindRaw marks a chunker leaf, or a small object stored whole.
	KindRaw Kind = 0
	// KindRoot marks a chunker root: total size plus an ordered leaf digest list.
	KindRoot Kind = 1
)

// MaxObjectSize is the largest payload a single Record may carry: 2^24 bytes.
const MaxObjectSize = 1 << 24

const sizeMask = MaxObjectSize - 1

// Info is the 32-bit little-endian info word: bits 0..23 hold size-1, bits
// 24..31 hold the kind byte.
type Info uint32

// NewInfo packs size and kind into an Info word. size must be in [1,
// MaxObjectSize]; callers that violate this have a programming error.
func NewInfo(size uint32, kind Kind) Info {
	if size == 0 || size > MaxObjectSize {
		panic(fmt.Sprintf("types: object size %d out of range [1, %d]", size, MaxObjectSize))
	}
	return Info((size-1)&sizeMask | uint32(kind)<<24)
}

// Size returns the payload size encoded in the info word.
func (i Info) Size() uint32 {
	return uint32(i)&sizeMask + 1
}

// Kind returns the kind byte encoded in the info word.
func (i Info) Kind() Kind {
	return Kind(i >> 24)
}

// Entry is the in-memory index value: where a record lives in the append
// file, and enough of its header to avoid a second read for size or kind.
type Entry struct {
	Info   Info
	Offset uint64
}

// Size is a convenience accessor equivalent to e.Info.Size().
func (e Entry) Size() uint32 { return e.Info.Size() }

// Kind is a convenience accessor equivalent to e.Info.Kind().
func (e Entry) Kind() Kind { return e.Info.Kind() }
