// Package chaostest provides small generators used by the store's tests:
// random payloads and ready-to-save records.
package chaostest

import (
	"crypto/rand"

	"github.com/chaos-store/chaos/store/hashing"
	"github.com/chaos-store/chaos/store/record"
	"github.com/chaos-store/chaos/store/types"
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) []byte {
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		panic(err)
	}
	return data
}

// Object is a generated payload paired with the kind it was given and the
// digest it finalized to, so a test can rebuild and save its record and
// recheck its bytes later.
type Object struct {
	Payload []byte
	Kind    types.Kind
	Digest  types.Digest
}

// GenerateObjects returns n random objects of the given size and kind,
// each finalized against h.
func GenerateObjects(h hashing.Hasher, n, size int, kind types.Kind) []Object {
	objs := make([]Object, 0, n)
	for i := 0; i < n; i++ {
		payload := RandomBytes(size)
		r := record.New()
		r.Reset(uint32(size), kind)
		copy(r.Data(), payload)
		digest := r.Finalize(h)
		objs = append(objs, Object{Payload: payload, Kind: kind, Digest: digest})
	}
	return objs
}

// NewRecord builds a finalized record for payload and kind using h, ready
// to pass to Store.Save.
func NewRecord(h hashing.Hasher, payload []byte, kind types.Kind) *record.Record {
	r := record.New()
	r.Reset(uint32(len(payload)), kind)
	copy(r.Data(), payload)
	r.Finalize(h)
	return r
}
