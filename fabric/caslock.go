package fabric

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// CASLockArray is the fixed-size hashed lock array used to serialize
// read-modify-write atomics against a single (region_id, offset). The
// index is derived by hashing (region_id, offset>>7) with xxhash and
// reducing mod NumCASLocks, giving good dispersion across regions
// sharing the same array (the lock granularity is one 128-byte line,
// offset>>7, per §4.1).
type CASLockArray struct {
	locks [NumCASLocks]sync.Mutex
}

func NewCASLockArray() *CASLockArray {
	return &CASLockArray{}
}

func (c *CASLockArray) index(regionID, offset uint64) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], regionID)
	binary.BigEndian.PutUint64(buf[8:], offset>>7)
	return xxhash.Sum64(buf[:]) % NumCASLocks
}

// Acquire locks the line containing offset within regionID.
func (c *CASLockArray) Acquire(regionID, offset uint64) {
	c.locks[c.index(regionID, offset)].Lock()
}

// Release unlocks the line containing offset within regionID.
func (c *CASLockArray) Release(regionID, offset uint64) {
	c.locks[c.index(regionID, offset)].Unlock()
}
