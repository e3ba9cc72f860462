package memserver

import (
	"github.com/openfam/famsvc/fabric"
	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/heap"
)

// MemoryKey pairs a deterministic fabric access key with the local base
// offset it covers, the shape every registration-returning RPC reports.
type MemoryKey struct {
	Key  uint64
	Base uint64
}

func permBitFor(accessType string) fabric.PermBit {
	if accessType == "RW" {
		return fabric.PermReadWrite
	}
	return fabric.PermRead
}

// registerExtents generates a deterministic key for every extent of
// region_id's heap and records it against r, skipping any extent whose
// key is already registered (register_region_memory is a no-op on
// repeat calls).
func (s *Server) registerExtents(r *fabric.Resource, regionID uint64, accessType string) ([]MemoryKey, error) {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return nil, err
	}
	perm := permBitFor(accessType)
	extents := h.GetExtents()
	out := make([]MemoryKey, 0, len(extents))
	for i, e := range extents {
		subID := fabric.SubID(true, i, 0)
		key := fabric.GenerateKey(regionID, subID, perm)
		if _, ok := r.Registration(key); !ok {
			r.AddRegistration(&fabric.MemoryRegistration{Key: key, Handle: h.Data()[e.Base : e.Base+e.Size]})
		}
		out = append(out, MemoryKey{Key: key, Base: e.Base})
	}
	return out, nil
}

// RegisterRegionMemory registers every extent of region_id under
// deterministic keys, creating the resource if it does not yet exist.
// Idempotent: extents already registered are left untouched.
func (s *Server) RegisterRegionMemory(regionID uint64, permLevel, accessType string) ([]MemoryKey, error) {
	r := s.resources.GetOrCreate(regionID)
	r.PermLevel = permLevel
	r.AccessType = accessType
	return s.registerExtents(r, regionID, accessType)
}

// OpenRegionWithRegistration transitions the region's resource per the
// state machine (§4.1), registering every extent exactly once on the
// INACTIVE→BUSY→ACTIVE path, and returns the resulting keys/bases.
func (s *Server) OpenRegionWithRegistration(regionID uint64, permLevel, accessType string) ([]MemoryKey, error) {
	r := s.resources.GetOrCreate(regionID)
	r.PermLevel = permLevel
	r.AccessType = accessType
	var keys []MemoryKey
	err := r.OpenWithRegistration(func() error {
		var regErr error
		keys, regErr = s.registerExtents(r, regionID, accessType)
		return regErr
	})
	if err != nil {
		return nil, err
	}
	if keys == nil {
		// resource was already ACTIVE: report its existing registrations.
		keys = s.existingKeys(r, regionID)
	}
	return keys, nil
}

// OpenRegionWithoutRegistration bumps the resource's refcount without
// touching the fabric registration set.
func (s *Server) OpenRegionWithoutRegistration(regionID uint64) error {
	r := s.resources.GetOrCreate(regionID)
	return r.OpenWithoutRegistration()
}

// CloseRegion decrements region_id's resource refcount, deregistering
// every MR and, if resource-release is enabled and the region is
// DATAITEM-level, freeing deallocated data-item memory back to the
// heap once the refcount drains to zero.
func (s *Server) CloseRegion(regionID uint64) (fabric.Status, error) {
	r, ok := s.resources.Get(regionID)
	if !ok {
		return fabric.StatusInactive, famerr.New("close_region", famerr.NotFound, "region resource not found")
	}
	status, err := r.Close(
		func(regs []*fabric.MemoryRegistration) error { return nil }, // deregistering a Handle slice is a no-op: no real fabric provider
		func(mr *fabric.MemoryRegistration) error {
			h, err := s.heaps.Open(regionName(regionID))
			if err != nil {
				return err
			}
			_, subID, _ := fabric.DecodeKey(mr.Key)
			return h.Free(subID * fabric.MinObjSize)
		},
		s.cfg.EnableResourceRelease,
	)
	if status == fabric.StatusReleased {
		s.garbage.Push(regionID, r)
	}
	return status, err
}

// GetRegionMemory returns region_id's current registrations without
// changing its resource refcount.
func (s *Server) GetRegionMemory(regionID uint64, accessType string) ([]MemoryKey, error) {
	r, ok := s.resources.Get(regionID)
	if !ok {
		return nil, famerr.New("get_region_memory", famerr.NotFound, "region resource not found")
	}
	return s.existingKeys(r, regionID), nil
}

// existingKeys reports the (key, base) pair for every live registration
// on r without mutating resource state. For REGION-level resources the
// base is the extent's heap offset (looked up by the key's sub-id,
// which is the extent index); for DATAITEM-level resources the base is
// the item's offset, recovered directly from the key's sub-id.
func (s *Server) existingKeys(r *fabric.Resource, regionID uint64) []MemoryKey {
	regs := r.Registrations()
	var extents []heap.Extent
	if r.PermLevel != "DATAITEM" {
		if h, err := s.heaps.Open(regionName(regionID)); err == nil {
			extents = h.GetExtents()
		}
	}
	out := make([]MemoryKey, 0, len(regs))
	for _, mr := range regs {
		_, subID, _ := fabric.DecodeKey(mr.Key)
		base := subID * fabric.MinObjSize
		if r.PermLevel != "DATAITEM" && int(subID) < len(extents) {
			base = extents[subID].Base
		}
		out = append(out, MemoryKey{Key: mr.Key, Base: base})
	}
	return out
}

// GetDataitemMemory registers (or returns the existing registration for)
// a single data item at (region_id, offset) — the DATAITEM-permission-
// level analogue of RegisterRegionMemory, one key per item rather than
// one key per extent.
func (s *Server) GetDataitemMemory(regionID, offset, size uint64, accessType string) (MemoryKey, error) {
	r := s.resources.GetOrCreate(regionID)
	r.PermLevel = "DATAITEM"
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return MemoryKey{}, err
	}
	if offset+size > uint64(len(h.Data())) {
		return MemoryKey{}, famerr.New("get_dataitem_memory", famerr.OutOfRange, "offset+size exceeds heap")
	}
	perm := permBitFor(accessType)
	subID := fabric.SubID(false, 0, offset)
	key := fabric.GenerateKey(regionID, subID, perm)
	if _, ok := r.Registration(key); !ok {
		r.AddRegistration(&fabric.MemoryRegistration{Key: key, Handle: h.Data()[offset : offset+size]})
	}
	return MemoryKey{Key: key, Base: offset}, nil
}
