// Package chaosstore implements the append-only, content-addressed object
// store: a single file of length-prefixed, hash-addressed records paired
// with an in-memory index rebuilt by streaming the file.
package chaosstore

import (
	"bufio"
	"io"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/chaos-store/chaos/store/hashing"
	"github.com/chaos-store/chaos/store/indexfile"
	"github.com/chaos-store/chaos/store/record"
	"github.com/chaos-store/chaos/store/types"
)

var log = logging.Logger("chaos/store")

// readBufferSize sizes the buffered reader used during Reindex. It has no
// bearing on the hot-path operations, which never buffer.
const readBufferSize = 16 * 4096

// Digest, Entry, and Kind are re-exported so callers need not import
// store/types directly for the common case.
type (
	Digest = types.Digest
	Entry  = types.Entry
	Kind   = types.Kind
)

const (
	KindRaw  = types.KindRaw
	KindRoot = types.KindRoot
)

// file is the slice of *os.File the store touches. It exists so tests can
// substitute a syscall-counting wrapper around a real file to verify the
// hot-path budget, while Open still uses a plain *os.File on the non-test
// path.
type file interface {
	io.Reader
	io.ReaderAt
	io.WriterAt
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
	Stat() (os.FileInfo, error)
}

// Store is an append-only record file plus the in-memory index that maps a
// digest to where its record lives in that file.
//
// A Store is not safe for concurrent use: the caller must serialize all
// calls, including Close, with an external lock if more than one goroutine
// touches the same Store. Distinct Stores over distinct files may be used
// freely from different goroutines.
type Store struct {
	f      file
	hasher hashing.Hasher

	idx     map[types.Digest]types.Entry
	offset  uint64
	indexed bool
	closed  bool

	sidePath    string
	side        *indexfile.File
	syncOnClose bool
}

type config struct {
	hasher       hashing.Hasher
	sideFilePath string
	syncOnClose  bool
}

// Option configures a Store at Open time.
type Option func(*config)

func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithHasher overrides the default Hasher (hashing.BLAKE3).
func WithHasher(h hashing.Hasher) Option {
	return func(c *config) { c.hasher = h }
}

// WithIndexSideFile enables the optional index side-file at path: Reindex
// and ReindexFrom keep it in sync, and Save appends new headers to it as
// they are discovered. The side-file is purely an optimization and may be
// deleted externally at any time without loss.
func WithIndexSideFile(path string) Option {
	return func(c *config) { c.sideFilePath = path }
}

// WithSyncOnClose causes Close to fsync the main file (and the index
// side-file, if configured) before returning.
func WithSyncOnClose(yes bool) Option {
	return func(c *config) { c.syncOnClose = yes }
}

// Open opens (creating if necessary) the record file at path. The returned
// Store is in the "open,unindexed" state: every operation other than
// Reindex or ReindexFrom returns types.ErrNotIndexed until one of those is
// called, per the core's state machine.
func Open(path string, opts ...Option) (*Store, error) {
	c := config{hasher: hashing.BLAKE3}
	c.apply(opts)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	s := &Store{
		f:        f,
		hasher:   c.hasher,
		sidePath: c.sideFilePath,
	}

	if c.sideFilePath != "" {
		side, err := indexfile.Open(c.sideFilePath)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.side = side
	}

	s.syncOnClose = c.syncOnClose
	return s, nil
}

// Hasher returns the Hasher this Store uses to verify and compute digests.
func (s *Store) Hasher() hashing.Hasher {
	return s.hasher
}

// Len returns the number of indexed entries.
func (s *Store) Len() (int, error) {
	if err := s.requireIndexed(); err != nil {
		return 0, err
	}
	return len(s.idx), nil
}

// Size returns the current end-of-data offset in the record file.
func (s *Store) Size() (uint64, error) {
	if err := s.requireIndexed(); err != nil {
		return 0, err
	}
	return s.offset, nil
}

// Keys returns a snapshot of every indexed digest. Order is unspecified.
func (s *Store) Keys() ([]types.Digest, error) {
	if err := s.requireIndexed(); err != nil {
		return nil, err
	}
	out := make([]types.Digest, 0, len(s.idx))
	for d := range s.idx {
		out = append(out, d)
	}
	return out, nil
}

// Has reports whether digest is indexed, without touching the file.
func (s *Store) Has(digest types.Digest) (bool, error) {
	if err := s.requireIndexed(); err != nil {
		return false, err
	}
	_, ok := s.idx[digest]
	return ok, nil
}

// EntryFor returns the index entry for digest, if present, without touching
// the file. It exists for callers that need a record's size or kind ahead
// of reading its payload.
func (s *Store) EntryFor(digest types.Digest) (types.Entry, bool, error) {
	if err := s.requireIndexed(); err != nil {
		return types.Entry{}, false, err
	}
	e, ok := s.idx[digest]
	return e, ok, nil
}

func (s *Store) requireIndexed() error {
	if s.closed {
		return types.ErrClosed
	}
	if !s.indexed {
		return types.ErrNotIndexed
	}
	return nil
}

// Save appends r to the file and indexes it, unless its digest is already
// present. r must be self-valid (its stored digest must match its
// recomputed digest); that precondition is a programmer error, not a
// runtime condition, and Save panics if it is violated.
//
// On the success path Save performs exactly one OS write call and no heap
// allocations.
func (s *Store) Save(r *record.Record) (bool, error) {
	if err := s.requireIndexed(); err != nil {
		return false, err
	}
	digest := r.Digest()
	if !r.IsValid(s.hasher) {
		panic("chaosstore: Save called with a record that is not self-valid")
	}
	if _, exists := s.idx[digest]; exists {
		return false, nil
	}

	offset := s.offset
	if _, err := s.f.WriteAt(r.Bytes(), int64(offset)); err != nil {
		return false, err
	}

	info := r.Info()
	s.idx[digest] = types.Entry{Info: info, Offset: offset}
	s.offset = offset + uint64(r.Len())

	if s.side != nil {
		if err := s.side.Append(digest, info, offset); err != nil {
			log.Warnw("failed to append to index side-file, continuing without it", "err", err)
		}
	}

	return true, nil
}

// LoadUnchecked looks up digest and, on hit, reads its record into r with a
// single positional read. It does not verify the digest against the
// payload; use Load for that. It returns false on a miss.
func (s *Store) LoadUnchecked(digest types.Digest, r *record.Record) (bool, error) {
	if err := s.requireIndexed(); err != nil {
		return false, err
	}
	e, ok := s.idx[digest]
	if !ok {
		return false, nil
	}

	r.Reset(e.Size(), e.Kind())
	if _, err := s.f.ReadAt(r.Bytes(), int64(e.Offset)); err != nil {
		return false, err
	}
	return true, nil
}

// Load is LoadUnchecked followed by digest verification. A mismatch is
// surfaced as *types.ErrCorruption; the index entry is not removed.
func (s *Store) Load(digest types.Digest, r *record.Record) (bool, error) {
	ok, err := s.LoadUnchecked(digest, r)
	if err != nil || !ok {
		return ok, err
	}
	if !r.ValidateAgainst(s.hasher, digest) {
		e := s.idx[digest]
		return false, &types.ErrCorruption{Digest: digest, Offset: e.Offset}
	}
	return true, nil
}

// Delete logically removes digest from the index and reports whether it was
// present. It performs no I/O. Physical space reclamation is left to a
// future compaction pass; delete does not write a tombstone record.
func (s *Store) Delete(digest types.Digest) (bool, error) {
	if err := s.requireIndexed(); err != nil {
		return false, err
	}
	_, ok := s.idx[digest]
	if ok {
		delete(s.idx, digest)
	}
	return ok, nil
}

// Reindex rebuilds the index from scratch by streaming the file from byte
// 0. A torn trailing record is truncated away silently; a record whose
// stored digest does not match its payload is reported as *types.ErrCorruption
// and aborts the reindex, leaving the Store's existing index (if any)
// untouched.
func (s *Store) Reindex(r *record.Record) error {
	if s.closed {
		return types.ErrClosed
	}

	idx := make(map[types.Digest]types.Entry)

	var side *indexfile.File
	if s.sidePath != "" {
		if s.side != nil {
			s.side.Close()
		}
		if err := os.Remove(s.sidePath); err != nil && !os.IsNotExist(err) {
			return err
		}
		f, err := indexfile.Open(s.sidePath)
		if err != nil {
			return err
		}
		side = f
	}

	offset, err := s.streamInto(r, idx, 0, side)
	if err != nil {
		if side != nil {
			side.Close()
		}
		return err
	}

	if side != nil {
		if err := side.Flush(); err != nil {
			side.Close()
			return err
		}
		s.side = side
	}

	s.idx = idx
	s.offset = offset
	s.indexed = true
	return nil
}

// ReindexFrom is the warm-start variant of Reindex: it loads previously
// persisted headers from the index side-file at sidePath, then streams only
// the remainder of the main file. The resulting index is identical to what
// Reindex would produce. If the side-file is missing, empty, or found to be
// longer than the main file, ReindexFrom falls back to a full Reindex.
func (s *Store) ReindexFrom(r *record.Record, sidePath string) error {
	if s.closed {
		return types.ErrClosed
	}

	fi, statErr := s.f.Stat()
	if statErr != nil {
		return statErr
	}
	mainSize := uint64(fi.Size())

	idx := make(map[types.Digest]types.Entry)
	var startOffset uint64

	it, rf, err := indexfile.OpenIterator(sidePath)
	switch {
	case err == nil:
		defer rf.Close()
		for {
			e, nerr := it.Next()
			if nerr == io.EOF {
				break
			}
			if nerr != nil {
				return nerr
			}
			end := e.Offset + uint64(record.HeaderSize) + uint64(e.Info.Size())
			if end > mainSize {
				log.Warnw("index side-file ahead of main file, falling back to full reindex", "path", sidePath)
				s.sidePath = sidePath
				return s.Reindex(r)
			}
			idx[e.Digest] = types.Entry{Info: e.Info, Offset: e.Offset}
			startOffset = end
		}
	case os.IsNotExist(err):
		// No side-file yet: behaves exactly like Reindex, but still
		// creates and populates one for next time.
	default:
		return err
	}

	if s.side != nil {
		s.side.Close()
		s.side = nil
	}
	side, err := indexfile.Open(sidePath)
	if err != nil {
		return err
	}

	offset, err := s.streamInto(r, idx, startOffset, side)
	if err != nil {
		side.Close()
		return err
	}
	if err := side.Flush(); err != nil {
		side.Close()
		return err
	}

	s.sidePath = sidePath
	s.side = side
	s.idx = idx
	s.offset = offset
	s.indexed = true
	return nil
}

// streamInto performs the shared Reindex/ReindexFrom streaming loop,
// starting at startOffset, writing discovered entries into idx and
// optionally mirroring each header into side. It truncates the underlying
// file to the final consistent offset before returning.
func (s *Store) streamInto(r *record.Record, idx map[types.Digest]types.Entry, startOffset uint64, side *indexfile.File) (uint64, error) {
	if _, err := s.f.Seek(int64(startOffset), io.SeekStart); err != nil {
		return 0, err
	}
	br := bufio.NewReaderSize(s.f, readBufferSize)

	offset := startOffset
	for {
		r.Clear()
		if _, err := io.ReadFull(br, r.Header()); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				log.Warnw("torn record header at end of file, truncating", "offset", offset)
				break
			}
			return 0, err
		}

		r.ResizeToInfo()
		if _, err := io.ReadFull(br, r.Data()); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				log.Warnw("torn record payload at end of file, truncating", "offset", offset)
				break
			}
			return 0, err
		}

		if !r.IsValid(s.hasher) {
			return 0, &types.ErrCorruption{Digest: r.Digest(), Offset: offset}
		}

		digest := r.Digest()
		info := r.Info()
		idx[digest] = types.Entry{Info: info, Offset: offset}
		if side != nil {
			if err := side.Append(digest, info, offset); err != nil {
				return 0, err
			}
		}
		offset += uint64(r.Len())
	}

	if err := s.f.Truncate(int64(offset)); err != nil {
		return 0, err
	}
	return offset, nil
}

// Close releases the Store's file handles. After Close, every operation
// returns types.ErrClosed. Close is idempotent.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.syncOnClose {
		if err := s.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.side != nil {
		if s.syncOnClose {
			if err := s.side.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := s.side.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
