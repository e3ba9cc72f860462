package cis

import (
	"os"
	"time"

	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/metadata"
)

type allocateArgs struct {
	RegionID uint64 `json:"region_id"`
	Size     uint64 `json:"size"`
}

type allocateResult struct {
	Offset uint64 `json:"offset"`
}

type deallocateArgs struct {
	RegionID uint64 `json:"region_id"`
	Offset   uint64 `json:"offset"`
}

// Allocate carves a new data item out of an existing region. For
// REGION-level permission it round-robins across the region's server
// list using the region's per-region cursor; for DATAITEM-level it
// picks one MS by hash(name) the same way CreateRegion does for a
// non-interleaved region (§4.3 allocate).
func (s *Service) Allocate(regionName, itemName string, size uint64, perm os.FileMode, uid, gid uint32) (uint64, error) {
	rm, err := s.mds.LookupRegion(regionName)
	if err != nil {
		return 0, err
	}
	if !s.mds.CheckRegionPermission(rm, metadata.Write, uid, gid) {
		return 0, famerr.New("allocate", famerr.NoPermission, "caller lacks write permission")
	}
	if len(rm.MemserverIDs) == 0 {
		return 0, famerr.New("allocate", famerr.Resource, "region has no memory servers")
	}

	var msID uint64
	if rm.PermLevel == metadata.PermLevelDataitem {
		idx := hashMS(itemName, len(rm.MemserverIDs))
		msID = rm.MemserverIDs[idx]
	} else {
		cursor, err := s.mds.NextAllocCursor(rm.RegionID)
		if err != nil {
			return 0, err
		}
		msID = rm.MemserverIDs[cursor%uint64(len(rm.MemserverIDs))]
	}

	t, ok := s.targetByID(msID)
	if !ok {
		return 0, famerr.New("allocate", famerr.Resource, "selected memory server is not reachable")
	}
	c, err := dial(t.Address)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var res allocateResult
	if err := c.Call("allocate", allocateArgs{RegionID: rm.RegionID, Size: size}, &res); err != nil {
		return 0, err
	}

	di := &metadata.DataitemMeta{
		RegionID: rm.RegionID, Offset: res.Offset, Name: itemName,
		Size: size, OwnerUID: uid, OwnerGID: gid, Perm: perm,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.mds.AllocateMeta(di); err != nil {
		// best-effort: give the offset back to the MS heap since the
		// metadata commit is what makes the allocation visible/retryable.
		c.Call("deallocate", deallocateArgs{RegionID: rm.RegionID, Offset: res.Offset}, nil)
		return 0, err
	}
	return res.Offset, nil
}

// Deallocate returns a data item's extent and removes its metadata
// record.
func (s *Service) Deallocate(regionID, offset uint64) error {
	di, err := s.mds.GetDataitem(regionID, offset)
	if err != nil {
		return err
	}
	rm, err := s.mds.GetRegion(regionID)
	if err != nil {
		return err
	}
	var msID uint64
	if rm.PermLevel == metadata.PermLevelDataitem && di.Name != "" {
		idx := hashMS(di.Name, len(rm.MemserverIDs))
		msID = rm.MemserverIDs[idx]
	} else if len(rm.MemserverIDs) > 0 {
		msID = rm.MemserverIDs[0]
	}
	if t, ok := s.targetByID(msID); ok {
		if c, err := dial(t.Address); err == nil {
			c.Call("deallocate", deallocateArgs{RegionID: regionID, Offset: offset}, nil)
			c.Close()
		}
	}
	return s.mds.DeallocateMeta(regionID, offset)
}

// ChangeDataitemPermission updates a data item's mode bits after
// verifying the caller owns it (§4.2 change_dataitem_permission).
func (s *Service) ChangeDataitemPermission(regionID, offset uint64, perm os.FileMode, uid, gid uint32) error {
	di, err := s.mds.GetDataitem(regionID, offset)
	if err != nil {
		return err
	}
	if uid != di.OwnerUID {
		return famerr.New("change_dataitem_permission", famerr.NoPermission, "caller does not own data item")
	}
	return s.mds.ChangeDataitemPermission(regionID, offset, perm)
}
