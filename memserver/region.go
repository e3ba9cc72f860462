package memserver

import (
	"strconv"
	"unsafe"

	"github.com/openfam/famsvc/fabric"
	"github.com/openfam/famsvc/famerr"
)

func regionName(regionID uint64) string {
	return strconv.FormatUint(regionID, 10)
}

func roundUpToMinObj(size uint64) uint64 {
	if rem := size % fabric.MinObjSize; rem != 0 {
		size += fabric.MinObjSize - rem
	}
	return size
}

// CreateRegion allocates a persistent local heap of size bytes for
// region_id. Fails AlreadyExists if a heap with that id already exists.
func (s *Server) CreateRegion(regionID, size uint64) error {
	_, err := s.heaps.Create(regionName(regionID), size)
	return err
}

// DestroyRegion frees the local heap backing region_id and reports
// whether its server-side resource was still ACTIVE or already
// RELEASED/never opened at the time of destruction.
func (s *Server) DestroyRegion(regionID uint64) (fabric.Status, error) {
	status := fabric.StatusInactive
	if r, ok := s.resources.Get(regionID); ok {
		status, _ = r.Status()
	}
	if err := s.heaps.Destroy(regionName(regionID)); err != nil {
		return status, err
	}
	s.resources.Delete(regionID)
	return status, nil
}

// ResizeRegion grows region_id's local heap to newSize.
func (s *Server) ResizeRegion(regionID, newSize uint64) error {
	return s.heaps.Resize(regionName(regionID), newSize)
}

// Allocate reserves size bytes (rounded up to the minimum object size)
// within region_id's local heap, returning the base offset.
func (s *Server) Allocate(regionID, size uint64) (uint64, error) {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return 0, err
	}
	return h.Alloc(roundUpToMinObj(size))
}

// Deallocate returns the extent at offset to region_id's heap, unless
// the slot still has outstanding fabric registrations — in that case it
// is only marked deallocated; physical free happens when Close drains
// the resource's registrations (§4.1 rule 3).
func (s *Server) Deallocate(regionID, offset uint64) error {
	r, hasResource := s.resources.Get(regionID)
	if hasResource {
		if key, ok := s.keyForOffset(regionID, offset); ok {
			if marked := r.MarkDeallocated(key); marked {
				return nil
			}
		}
	}
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return err
	}
	return h.Free(offset)
}

// keyForOffset finds the already-issued registration key covering offset,
// if region_id's resource is DATAITEM-level and has one.
func (s *Server) keyForOffset(regionID, offset uint64) (uint64, bool) {
	r, ok := s.resources.Get(regionID)
	if !ok || r.PermLevel != "DATAITEM" {
		return 0, false
	}
	subID := fabric.SubID(false, 0, offset)
	key := fabric.GenerateKey(regionID, subID, fabric.PermReadWrite)
	if _, ok := r.Registration(key); ok {
		return key, true
	}
	key = fabric.GenerateKey(regionID, subID, fabric.PermRead)
	if _, ok := r.Registration(key); ok {
		return key, true
	}
	return 0, false
}

// GetLocalPointer returns the process-local virtual address of offset
// within region_id's heap, used only for server-side atomic execution
// and for test verification — it never crosses a wire response.
func (s *Server) GetLocalPointer(regionID, offset uint64) (uintptr, error) {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return 0, err
	}
	data := h.Data()
	if offset >= uint64(len(data)) {
		return 0, famerr.New("get_local_pointer", famerr.OutOfRange, "offset exceeds heap size")
	}
	return uintptr(unsafe.Pointer(&data[offset])), nil
}
