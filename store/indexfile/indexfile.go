// Package indexfile implements the optional index side-file: an append-only
// log of header records (digest, info, offset) that lets a store warm-start
// its in-memory index without re-reading the whole main file.
package indexfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/chaos-store/chaos/store/types"
)

var log = logging.Logger("chaos/indexfile")

// entrySize is the on-disk width of one side-file record: digest, 4-byte
// info word, 8-byte offset.
const entrySize = types.DigestSize + 4 + 8

// writeBufferSize matches the store's reindex read-buffer size: large
// enough to coalesce most appends into one underlying write.
const writeBufferSize = 16 * 4096

// File is an append-only side-file of index entries. It is not safe for
// concurrent use, matching the store's single-writer discipline.
type File struct {
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// Open opens or creates the side-file at path for appending.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, w: bufio.NewWriterSize(f, writeBufferSize)}, nil
}

// Append buffers one entry for the given digest, info word, and main-file
// offset. It performs no I/O by itself; see Flush.
func (x *File) Append(digest types.Digest, info types.Info, offset uint64) error {
	var buf [entrySize]byte
	copy(buf[:types.DigestSize], digest[:])
	binary.LittleEndian.PutUint32(buf[types.DigestSize:types.DigestSize+4], uint32(info))
	binary.LittleEndian.PutUint64(buf[types.DigestSize+4:], offset)
	_, err := x.w.Write(buf[:])
	return err
}

// Flush pushes buffered entries to the OS.
func (x *File) Flush() error {
	return x.w.Flush()
}

// Sync commits the side-file's contents to stable storage. Flush should be
// called first.
func (x *File) Sync() error {
	return x.f.Sync()
}

// Close flushes and closes the side-file.
func (x *File) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true
	if err := x.w.Flush(); err != nil {
		x.f.Close()
		return err
	}
	return x.f.Close()
}

// Truncate discards the side-file's contents entirely, for use when a
// warm-start replay finds it inconsistent with the main file and the caller
// decides to rebuild it from scratch on the next flush.
func (x *File) Truncate() error {
	x.w.Reset(x.f)
	if err := x.f.Truncate(0); err != nil {
		return err
	}
	_, err := x.f.Seek(0, io.SeekStart)
	return err
}

// Entry is one decoded side-file record.
type Entry struct {
	Digest types.Digest
	Info   types.Info
	Offset uint64
}

// Iterator reads entries back out of a side-file from the beginning,
// independent of the File's own write position.
type Iterator struct {
	r io.Reader
}

// NewIterator returns an Iterator over the entries read sequentially from
// r. It takes an already-open reader for testability and never closes it;
// OpenIterator opens a path and also returns the file for the caller to
// Close.
func NewIterator(r io.Reader) *Iterator {
	return &Iterator{r: bufio.NewReaderSize(r, writeBufferSize)}
}

// OpenIterator opens path read-only and returns an Iterator plus the
// underlying file for the caller to Close.
func OpenIterator(path string) (*Iterator, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return NewIterator(f), f, nil
}

// Next returns the next entry, or io.EOF when the side-file is exhausted. A
// trailing partial record (a torn write from an interrupted Append) is
// treated the same as a clean EOF: the caller should fall back to a full
// reindex of the main file past the last good offset.
func (it *Iterator) Next() (Entry, error) {
	var buf [entrySize]byte
	n, err := io.ReadFull(it.r, buf[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0) {
			log.Warnw("index side-file ended mid-record, discarding tail", "bytes", n)
			return Entry{}, io.EOF
		}
		return Entry{}, err
	}

	var e Entry
	copy(e.Digest[:], buf[:types.DigestSize])
	e.Info = types.Info(binary.LittleEndian.Uint32(buf[types.DigestSize : types.DigestSize+4]))
	e.Offset = binary.LittleEndian.Uint64(buf[types.DigestSize+4:])
	return e, nil
}
