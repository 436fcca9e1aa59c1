// Package record implements the fixed on-disk and in-memory layout of a
// single chaos store object: digest, info word, payload.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/chaos-store/chaos/store/hashing"
	"github.com/chaos-store/chaos/store/types"
)

// HeaderSize is the number of bytes preceding the payload: the digest plus
// the 4-byte little-endian info word.
const HeaderSize = types.DigestSize + 4

// Record is a reusable, caller-owned buffer holding one {digest, info,
// payload} triple. It is exclusively owned by its caller: the store never
// retains pointers into it across calls. Reusing a Record across Save/Load
// calls is what keeps the store's hot path allocation-free.
type Record struct {
	buf []byte
}

// New returns an empty Record with no payload.
func New() *Record {
	return &Record{buf: make([]byte, HeaderSize)}
}

// Reset resizes r to hold a payload of the given size and kind, zeroes the
// digest slot, and writes the info word. The payload bytes are left
// unspecified — the caller is expected to fill them via Data() or a
// subsequent read. Reset panics if size is outside [1, types.MaxObjectSize];
// that is a programmer error, not a runtime condition to recover from.
func (r *Record) Reset(size uint32, kind types.Kind) {
	info := types.NewInfo(size, kind) // panics on bad size

	total := HeaderSize + int(size)
	if cap(r.buf) >= total {
		r.buf = r.buf[:total]
	} else {
		r.buf = make([]byte, total)
	}

	clear(r.buf[:types.DigestSize])
	binary.LittleEndian.PutUint32(r.buf[types.DigestSize:HeaderSize], uint32(info))
}

// Clear shrinks r to just a zeroed header, discarding any payload.
func (r *Record) Clear() {
	r.buf = r.buf[:HeaderSize]
	clear(r.buf)
}

// ResizeToInfo extends r's buffer to match the size currently encoded in its
// info word. It is used after loading only the header of a record (as during
// reindexing) to make room for the payload read that follows.
func (r *Record) ResizeToInfo() {
	total := HeaderSize + int(r.Info().Size())
	if cap(r.buf) >= total {
		r.buf = r.buf[:total]
		return
	}
	grown := make([]byte, total)
	copy(grown, r.buf[:min(len(r.buf), HeaderSize)])
	r.buf = grown
}

// Info returns the record's current info word.
func (r *Record) Info() types.Info {
	return types.Info(binary.LittleEndian.Uint32(r.buf[types.DigestSize:HeaderSize]))
}

// Digest returns the digest currently stored in r's header. It is not
// recomputed; see Compute and IsValid for that.
func (r *Record) Digest() types.Digest {
	var d types.Digest
	copy(d[:], r.buf[:types.DigestSize])
	return d
}

func (r *Record) setDigest(d types.Digest) {
	copy(r.buf[:types.DigestSize], d[:])
}

// Data exposes the payload region of r's buffer. The returned slice aliases
// r's internal buffer and is invalidated by the next Reset, Clear, or
// ResizeToInfo call.
func (r *Record) Data() []byte {
	return r.buf[HeaderSize:]
}

// Header exposes the digest+info region of r's buffer.
func (r *Record) Header() []byte {
	return r.buf[:HeaderSize]
}

// Bytes exposes the whole record buffer: digest, info, and payload.
func (r *Record) Bytes() []byte {
	return r.buf
}

// Len returns the total length of r's buffer, header included.
func (r *Record) Len() int {
	return len(r.buf)
}

// Compute hashes r's info word and payload with h, without writing the
// result into r's digest slot.
func (r *Record) Compute(h hashing.Hasher) types.Digest {
	return h.Sum(r.buf[types.DigestSize:])
}

// Finalize computes r's digest with h, writes it into r's header, and
// returns it.
func (r *Record) Finalize(h hashing.Hasher) types.Digest {
	d := r.Compute(h)
	r.setDigest(d)
	return d
}

// FinalizeWithKind overwrites the kind byte of r's info word — using r's
// current payload length as the size — and then finalizes as Finalize does.
func (r *Record) FinalizeWithKind(h hashing.Hasher, kind types.Kind) types.Digest {
	size := len(r.buf) - HeaderSize
	if size <= 0 || size > types.MaxObjectSize {
		panic(fmt.Sprintf("record: payload length %d out of range [1, %d]", size, types.MaxObjectSize))
	}
	info := types.NewInfo(uint32(size), kind)
	binary.LittleEndian.PutUint32(r.buf[types.DigestSize:HeaderSize], uint32(info))
	return r.Finalize(h)
}

// IsValid reports whether r's stored digest matches its recomputed digest.
func (r *Record) IsValid(h hashing.Hasher) bool {
	return r.Compute(h) == r.Digest()
}

// ValidateAgainst reports whether r is self-valid and its digest equals want.
func (r *Record) ValidateAgainst(h hashing.Hasher, want types.Digest) bool {
	return r.Digest() == want && r.IsValid(h)
}
