package chaosstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	chaosstore "github.com/chaos-store/chaos/store"
	"github.com/chaos-store/chaos/store/chaostest"
	"github.com/chaos-store/chaos/store/hashing"
	"github.com/chaos-store/chaos/store/record"
	"github.com/chaos-store/chaos/store/types"
)

// countingFile wraps a real *os.File and counts the I/O calls the store
// issues against it, so tests can assert the hot-path's one-syscall budget
// without parsing strace output.
type countingFile struct {
	f         *os.File
	writeAts  int
	readAts   int
	truncates int
}

func (c *countingFile) WriteAt(p []byte, off int64) (int, error) {
	c.writeAts++
	return c.f.WriteAt(p, off)
}

func (c *countingFile) ReadAt(p []byte, off int64) (int, error) {
	c.readAts++
	return c.f.ReadAt(p, off)
}

func (c *countingFile) Seek(offset int64, whence int) (int64, error) {
	return c.f.Seek(offset, whence)
}

func (c *countingFile) Read(p []byte) (int, error) {
	return c.f.Read(p)
}

func (c *countingFile) Truncate(size int64) error {
	c.truncates++
	return c.f.Truncate(size)
}

func (c *countingFile) Sync() error                { return c.f.Sync() }
func (c *countingFile) Close() error               { return c.f.Close() }
func (c *countingFile) Stat() (os.FileInfo, error) { return c.f.Stat() }

func newCountingStore(t *testing.T) (*chaosstore.Store, *countingFile) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "objects")
	osFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { osFile.Close() })

	cf := &countingFile{f: osFile}
	return chaosstore.NewForTest(cf, hashing.BLAKE3), cf
}

func TestSaveIssuesExactlyOneWrite(t *testing.T) {
	s, cf := newCountingStore(t)

	r := chaostest.NewRecord(hashing.BLAKE3, chaostest.RandomBytes(64), types.KindRaw)
	before := cf.writeAts
	ok, err := s.Save(r)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, cf.writeAts-before)
	require.Zero(t, cf.readAts)
}

func TestLoadUncheckedIssuesExactlyOneRead(t *testing.T) {
	s, cf := newCountingStore(t)

	r := chaostest.NewRecord(hashing.BLAKE3, chaostest.RandomBytes(64), types.KindRaw)
	digest := r.Digest()
	_, err := s.Save(r)
	require.NoError(t, err)

	before := cf.readAts
	out := record.New()
	ok, err := s.LoadUnchecked(digest, out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, cf.readAts-before)
}

func TestDeleteIssuesNoIO(t *testing.T) {
	s, cf := newCountingStore(t)

	r := chaostest.NewRecord(hashing.BLAKE3, chaostest.RandomBytes(64), types.KindRaw)
	digest := r.Digest()
	_, err := s.Save(r)
	require.NoError(t, err)

	writesBefore, readsBefore := cf.writeAts, cf.readAts
	_, err = s.Delete(digest)
	require.NoError(t, err)
	require.Equal(t, writesBefore, cf.writeAts)
	require.Equal(t, readsBefore, cf.readAts)
}

func TestHasAndLoadUncheckedAllocationsAfterWarmup(t *testing.T) {
	s, _ := newCountingStore(t)

	r := record.New()
	payload := chaostest.RandomBytes(64)
	r.Reset(uint32(len(payload)), types.KindRaw)
	copy(r.Data(), payload)
	r.Finalize(hashing.BLAKE3)
	_, err := s.Save(r)
	require.NoError(t, err)

	out := record.New()
	digest := r.Digest()
	_, err = s.LoadUnchecked(digest, out)
	require.NoError(t, err)

	avg := testing.AllocsPerRun(100, func() {
		_, _ = s.Has(digest)
	})
	require.Zero(t, avg)

	avg = testing.AllocsPerRun(100, func() {
		_, _ = s.LoadUnchecked(digest, out)
	})
	require.Zero(t, avg)
}
