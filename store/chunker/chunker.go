// Package chunker splits byte streams too large for a single record into
// fixed-size leaves stored under a root record, and reconstructs the
// original stream from a root digest.
package chunker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	chaosstore "github.com/chaos-store/chaos/store"
	"github.com/chaos-store/chaos/store/hashing"
	"github.com/chaos-store/chaos/store/record"
	"github.com/chaos-store/chaos/store/types"
)

// LeafSize is the maximum payload size of a single leaf record: the
// object store's largest representable record size.
const LeafSize = types.MaxObjectSize

// totalSizeLen is the width of the total_size field at the front of a root
// record's payload.
const totalSizeLen = 8

// ErrCorruptRoot is returned by Reconstruct and LeafDigests when a root
// record is missing or its kind or payload framing is inconsistent, and by
// Reconstruct when a referenced leaf is missing, has the wrong kind, or the
// leaves do not add up to the root's total size. A leaf whose stored digest
// does not match its payload is reported by the store's Load as
// *types.ErrCorruption instead.
type ErrCorruptRoot struct {
	Root   types.Digest
	Reason string
}

func (e *ErrCorruptRoot) Error() string {
	return fmt.Sprintf("chunker: corrupt root %s: %s", e.Root, e.Reason)
}

func (e *ErrCorruptRoot) Is(err error) bool {
	_, ok := err.(*ErrCorruptRoot)
	return ok
}

// Store is the subset of *chaosstore.Store the chunker needs. It is an
// interface purely so tests can exercise the chunker against a fake.
type Store interface {
	Save(r *record.Record) (bool, error)
	Load(digest types.Digest, r *record.Record) (bool, error)
	Hasher() hashing.Hasher
}

var _ Store = (*chaosstore.Store)(nil)

// Split reads all of src, writing leaves of at most LeafSize bytes to s as
// it goes, then writes and saves a root record referencing them in order.
// It returns the root's digest. r is reused as scratch space for every leaf
// and for the root; it is left holding the root record on return.
//
// If src yields LeafSize bytes or fewer in total, Split still produces a
// root record: callers that want the single-record fast path for small
// objects should save their own kind-0 record directly instead of calling
// Split.
func Split(s Store, r *record.Record, src io.Reader) (types.Digest, error) {
	hasher := s.Hasher()

	var leafDigests []types.Digest
	var totalSize uint64

	buf := make([]byte, LeafSize)
	for {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			r.Reset(uint32(n), types.KindRaw)
			copy(r.Data(), buf[:n])
			digest := r.Finalize(hasher)

			if _, err := s.Save(r); err != nil {
				return types.Digest{}, err
			}
			leafDigests = append(leafDigests, digest)
			totalSize += uint64(n)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return types.Digest{}, rerr
		}
	}

	payloadSize := totalSizeLen + len(leafDigests)*types.DigestSize
	r.Reset(uint32(payloadSize), types.KindRoot)
	binary.LittleEndian.PutUint64(r.Data()[:totalSizeLen], totalSize)
	for i, d := range leafDigests {
		off := totalSizeLen + i*types.DigestSize
		copy(r.Data()[off:off+types.DigestSize], d[:])
	}
	root := r.Finalize(hasher)

	if _, err := s.Save(r); err != nil {
		return types.Digest{}, err
	}
	return root, nil
}

// ChunkAndStore stores src under a single record if it is LeafSize bytes or
// smaller, or splits and stores it as leaves under a root record otherwise.
// It returns the resulting digest, which a caller can Load directly (kind
// 0) or pass to Reconstruct (kind 1) without needing to know in advance
// which path was taken.
func ChunkAndStore(s Store, r *record.Record, src io.Reader) (types.Digest, error) {
	buf := make([]byte, LeafSize+1)
	n, err := io.ReadFull(src, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return types.Digest{}, err
	}

	if n <= LeafSize {
		r.Reset(uint32(n), types.KindRaw)
		copy(r.Data(), buf[:n])
		digest := r.Finalize(s.Hasher())
		if _, err := s.Save(r); err != nil {
			return types.Digest{}, err
		}
		return digest, nil
	}

	combined := io.MultiReader(bytes.NewReader(buf[:n]), src)
	return Split(s, r, combined)
}

// LargeObjectSize loads just the root record for digest and returns the
// total_size field from its payload, without reconstructing any leaf. It
// reports ok=false if digest is not present or is not a root record.
func LargeObjectSize(s Store, r *record.Record, digest types.Digest) (uint64, bool, error) {
	ok, err := s.Load(digest, r)
	if err != nil || !ok {
		return 0, false, err
	}
	if r.Info().Kind() != types.KindRoot {
		return 0, false, nil
	}
	if len(r.Data()) < totalSizeLen {
		return 0, false, &ErrCorruptRoot{Root: digest, Reason: "root payload shorter than total_size field"}
	}
	return binary.LittleEndian.Uint64(r.Data()[:totalSizeLen]), true, nil
}

// LeafDigests loads the root record for digest and returns its ordered leaf
// digest list, without reading any leaf payload.
func LeafDigests(s Store, r *record.Record, digest types.Digest) ([]types.Digest, error) {
	ok, err := s.Load(digest, r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ErrCorruptRoot{Root: digest, Reason: "root record not found"}
	}
	if r.Info().Kind() != types.KindRoot {
		return nil, &ErrCorruptRoot{Root: digest, Reason: "record is not a root"}
	}

	payload := r.Data()
	if len(payload) < totalSizeLen {
		return nil, &ErrCorruptRoot{Root: digest, Reason: "root payload shorter than total_size field"}
	}
	rest := payload[totalSizeLen:]
	if len(rest)%types.DigestSize != 0 {
		return nil, &ErrCorruptRoot{Root: digest, Reason: "root leaf list is not a whole number of digests"}
	}

	count := len(rest) / types.DigestSize
	digests := make([]types.Digest, count)
	for i := range digests {
		copy(digests[i][:], rest[i*types.DigestSize:(i+1)*types.DigestSize])
	}
	return digests, nil
}

// Reconstruct loads the root record for digest and streams every leaf's
// payload, in order, to dst. It fails with *ErrCorruptRoot if the root
// payload is malformed, if a leaf is missing, or if a leaf's kind is not
// types.KindRaw.
func Reconstruct(s Store, r *record.Record, digest types.Digest, dst io.Writer) error {
	ok, err := s.Load(digest, r)
	if err != nil {
		return err
	}
	if !ok {
		return &ErrCorruptRoot{Root: digest, Reason: "root record not found"}
	}
	if r.Info().Kind() != types.KindRoot {
		return &ErrCorruptRoot{Root: digest, Reason: "record is not a root"}
	}

	payload := r.Data()
	if len(payload) < totalSizeLen {
		return &ErrCorruptRoot{Root: digest, Reason: "root payload shorter than total_size field"}
	}
	totalSize := binary.LittleEndian.Uint64(payload[:totalSizeLen])
	rest := payload[totalSizeLen:]
	if len(rest)%types.DigestSize != 0 {
		return &ErrCorruptRoot{Root: digest, Reason: "root leaf list is not a whole number of digests"}
	}
	leafCount := len(rest) / types.DigestSize

	leafDigests := make([]types.Digest, leafCount)
	for i := range leafDigests {
		copy(leafDigests[i][:], rest[i*types.DigestSize:(i+1)*types.DigestSize])
	}

	var written uint64
	leaf := record.New()
	for i, ld := range leafDigests {
		ok, err := s.Load(ld, leaf)
		if err != nil {
			return err
		}
		if !ok {
			return &ErrCorruptRoot{Root: digest, Reason: fmt.Sprintf("leaf %d (%s) missing", i, ld)}
		}
		if leaf.Info().Kind() != types.KindRaw {
			return &ErrCorruptRoot{Root: digest, Reason: fmt.Sprintf("leaf %d (%s) has wrong kind", i, ld)}
		}
		if _, err := dst.Write(leaf.Data()); err != nil {
			return err
		}
		written += uint64(len(leaf.Data()))
	}

	if written != totalSize {
		return &ErrCorruptRoot{Root: digest, Reason: fmt.Sprintf("reconstructed %d bytes, want %d", written, totalSize)}
	}
	return nil
}
