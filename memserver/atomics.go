package memserver

import (
	"github.com/openfam/famsvc/fabric"
	"github.com/openfam/famsvc/famerr"
)

// AcquireCASLock locks the hashed CAS line covering (region_id, offset),
// per §4.1's acquire_CAS_lock(offset) — fine-grained enough that two
// different offsets rarely contend, coarse enough to bound lock count.
func (s *Server) AcquireCASLock(regionID, offset uint64) {
	s.casLocks.Acquire(regionID, offset)
}

// ReleaseCASLock unlocks the hashed CAS line covering (region_id, offset).
func (s *Server) ReleaseCASLock(regionID, offset uint64) {
	s.casLocks.Release(regionID, offset)
}

// Atomic performs a server-executed numeric read-modify-write against
// region_id's local heap at offset, serialized by the hashed CAS lock
// for the duration of the operation (§4.4 rule 2). It returns the value
// observed before the operation, exactly what get_atomic/fetch_* RPCs
// report to the caller.
func (s *Server) Atomic(regionID, offset uint64, typ fabric.NumericType, op fabric.AtomicOp, operand, expected uint64) (uint64, error) {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return 0, err
	}
	s.casLocks.Acquire(regionID, offset)
	defer s.casLocks.Release(regionID, offset)
	return fabric.Apply(h.Data(), int(offset), typ, op, operand, expected)
}

// GetAtomic reads size bytes at offset without a read-modify-write,
// under the same hashed CAS lock used for writes so a concurrent atomic
// cannot be observed half-applied.
func (s *Server) GetAtomic(regionID, offset, size uint64) ([]byte, error) {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return nil, err
	}
	s.casLocks.Acquire(regionID, offset)
	defer s.casLocks.Release(regionID, offset)
	data := h.Data()
	if offset+size > uint64(len(data)) {
		return nil, outOfRange("get_atomic")
	}
	out := make([]byte, size)
	copy(out, data[offset:offset+size])
	return out, nil
}

// PutAtomic writes buf at offset under the hashed CAS lock.
func (s *Server) PutAtomic(regionID, offset uint64, buf []byte) error {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return err
	}
	s.casLocks.Acquire(regionID, offset)
	defer s.casLocks.Release(regionID, offset)
	data := h.Data()
	if offset+uint64(len(buf)) > uint64(len(data)) {
		return outOfRange("put_atomic")
	}
	copy(data[offset:], buf)
	return nil
}

// ScatterStridedAtomic writes count elements of elemSize bytes from buf
// into region_id's heap starting at offset, every stride bytes apart —
// the strided analogue of fam_scatter, executed server-side because the
// caller routed it here rather than doing it with a local one-sided
// write.
func (s *Server) ScatterStridedAtomic(regionID, offset, stride, elemSize, count uint64, buf []byte) error {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return err
	}
	s.casLocks.Acquire(regionID, offset)
	defer s.casLocks.Release(regionID, offset)
	data := h.Data()
	for i := uint64(0); i < count; i++ {
		dst := offset + i*stride
		if dst+elemSize > uint64(len(data)) {
			return outOfRange("scatter_strided_atomic")
		}
		src := buf[i*elemSize : i*elemSize+elemSize]
		copy(data[dst:dst+elemSize], src)
	}
	return nil
}

// GatherStridedAtomic is the read-side counterpart of
// ScatterStridedAtomic.
func (s *Server) GatherStridedAtomic(regionID, offset, stride, elemSize, count uint64) ([]byte, error) {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return nil, err
	}
	s.casLocks.Acquire(regionID, offset)
	defer s.casLocks.Release(regionID, offset)
	data := h.Data()
	out := make([]byte, count*elemSize)
	for i := uint64(0); i < count; i++ {
		src := offset + i*stride
		if src+elemSize > uint64(len(data)) {
			return nil, outOfRange("gather_strided_atomic")
		}
		copy(out[i*elemSize:(i+1)*elemSize], data[src:src+elemSize])
	}
	return out, nil
}

// ScatterIndexedAtomic is ScatterStridedAtomic with an explicit index
// list instead of a fixed stride.
func (s *Server) ScatterIndexedAtomic(regionID uint64, indices []uint64, elemSize uint64, buf []byte) error {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return err
	}
	data := h.Data()
	for i, idx := range indices {
		dst := idx * elemSize
		s.casLocks.Acquire(regionID, dst)
		if dst+elemSize > uint64(len(data)) {
			s.casLocks.Release(regionID, dst)
			return outOfRange("scatter_indexed_atomic")
		}
		copy(data[dst:dst+elemSize], buf[uint64(i)*elemSize:uint64(i+1)*elemSize])
		s.casLocks.Release(regionID, dst)
	}
	return nil
}

// GatherIndexedAtomic is the read-side counterpart of
// ScatterIndexedAtomic.
func (s *Server) GatherIndexedAtomic(regionID uint64, indices []uint64, elemSize uint64) ([]byte, error) {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return nil, err
	}
	data := h.Data()
	out := make([]byte, uint64(len(indices))*elemSize)
	for i, idx := range indices {
		src := idx * elemSize
		s.casLocks.Acquire(regionID, src)
		if src+elemSize > uint64(len(data)) {
			s.casLocks.Release(regionID, src)
			return nil, outOfRange("gather_indexed_atomic")
		}
		copy(out[uint64(i)*elemSize:uint64(i+1)*elemSize], data[src:src+elemSize])
		s.casLocks.Release(regionID, src)
	}
	return out, nil
}

func outOfRange(op string) error {
	return famerr.New(op, famerr.OutOfRange, "offset+size exceeds heap")
}
