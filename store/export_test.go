package chaosstore

import "github.com/chaos-store/chaos/store/hashing"

// NewForTest builds a Store directly from an already-open file, bypassing
// Open's os.OpenFile call. It exists so hot-path budget tests can substitute
// a syscall-counting file wrapper.
func NewForTest(f file, hasher hashing.Hasher) *Store {
	return &Store{
		f:       f,
		hasher:  hasher,
		idx:     make(map[Digest]Entry),
		indexed: true,
	}
}
