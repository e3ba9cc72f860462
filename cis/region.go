package cis

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/metadata"
)

const dialTimeout = 5 * time.Second

// createRegionArgs/Result are the wire shapes CIS sends to/gets back
// from a memory server's create_region RPC.
type createRegionArgs struct {
	RegionID uint64 `json:"region_id"`
	Size     uint64 `json:"size"`
}

type destroyRegionArgs struct {
	RegionID uint64 `json:"region_id"`
}

type destroyRegionResult struct {
	Status string `json:"status"`
}

// CreateRegion implements §4.3's create_region: pick participating MS,
// fan create_region out to each in parallel, commit metadata on full
// success, and run cleanup on any failure.
func (s *Service) CreateRegion(name string, size uint64, perm os.FileMode, redundancy metadata.Redundancy, memType metadata.MemoryType, interleave bool, interleaveSize uint64, permLevel metadata.PermLevel, uid, gid uint32) (uint64, error) {
	if interleave && !isPowerOfTwo(interleaveSize) {
		return 0, famerr.New("create_region", famerr.NotPowerOfTwo, "interleave_size must be a power of two")
	}

	targets := s.snapshotTargets()
	if len(targets) == 0 {
		return 0, famerr.New("create_region", famerr.Resource, "no memory servers configured")
	}

	var chosen []MemserverTarget
	if !interleave {
		chosen = []MemserverTarget{targets[hashMS(name, len(targets))]}
	} else {
		chosen = targets
	}

	regionID := uuid.New().ID() // low 32 bits of a uuid, widened below
	rid := uint64(regionID)<<1 | 1

	extentSize := size
	if interleave && len(chosen) > 0 {
		extentSize = (size + uint64(len(chosen)) - 1) / uint64(len(chosen))
	}

	succeeded, err := s.fanOutCreate(chosen, rid, extentSize)
	if err != nil {
		s.cleanupCreate(succeeded, rid)
		return 0, famerr.Wrap("create_region", famerr.Resource, "memory server create_region failed", err)
	}

	ids := make([]uint64, len(chosen))
	for i, t := range chosen {
		ids[i] = t.ID
	}
	rm := &metadata.RegionMeta{
		RegionID: rid, Name: name, OwnerUID: uid, OwnerGID: gid, Perm: perm,
		Size: size, Redundancy: redundancy, MemoryType: memType,
		InterleaveEnabled: interleave, InterleaveSize: interleaveSize,
		PermLevel: permLevel, MemserverIDs: ids, CreatedAt: time.Now().UTC(),
	}
	if err := s.mds.CreateRegionMeta(rm); err != nil {
		s.cleanupCreate(chosen, rid)
		return 0, err
	}
	return rid, nil
}

// fanOutCreate issues create_region to every target in parallel via an
// errgroup, returning the subset that succeeded so the caller can clean
// up a partial failure (§4.3 step 2-3).
func (s *Service) fanOutCreate(targets []MemserverTarget, regionID, size uint64) ([]MemserverTarget, error) {
	var mu sync.Mutex
	var succeeded []MemserverTarget
	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error {
			c, err := dial(t.Address)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Call("create_region", createRegionArgs{RegionID: regionID, Size: size}, nil); err != nil {
				return err
			}
			mu.Lock()
			succeeded = append(succeeded, t)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return succeeded, err
}

// cleanupCreate best-effort destroys region_id on every target that
// successfully created it, aggregating per-target errors rather than
// stopping at the first (§4.3 create_region_failure_cleanup).
func (s *Service) cleanupCreate(targets []MemserverTarget, regionID uint64) {
	var merr error
	for _, t := range targets {
		c, err := dial(t.Address)
		if err != nil {
			merr = multierr.Append(merr, err)
			continue
		}
		if err := c.Call("destroy_region", destroyRegionArgs{RegionID: regionID}, nil); err != nil {
			merr = multierr.Append(merr, err)
		}
		c.Close()
	}
	if merr != nil && s.lgr != nil {
		s.lgr.Warnf("create_region cleanup for region %d had errors: %v", regionID, merr)
	}
}

// DestroyRegion checks ownership, fans destroy_region out to every MS
// in the region's server list, and deletes the metadata record. A
// partial MS failure leaves the metadata in place so the idempotent
// retry (§7) can finish the job.
func (s *Service) DestroyRegion(regionID uint64, uid, gid uint32) error {
	rm, err := s.mds.GetRegion(regionID)
	if err != nil {
		return err
	}
	if uid != rm.OwnerUID {
		return famerr.New("destroy_region", famerr.NoPermission, "caller does not own region")
	}

	var g errgroup.Group
	for _, msID := range rm.MemserverIDs {
		t, ok := s.targetByID(msID)
		if !ok {
			continue
		}
		t := t
		g.Go(func() error {
			c, err := dial(t.Address)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Call("destroy_region", destroyRegionArgs{RegionID: regionID}, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return famerr.Wrap("destroy_region", famerr.Resource, "one or more memory servers failed to destroy region; metadata retained for retry", err)
	}
	return s.mds.DestroyRegionMeta(regionID)
}

// LookupRegion is metadata-only: it returns the populated descriptor
// including the MS id list and interleave size.
func (s *Service) LookupRegion(name string) (metadata.RegionMeta, error) {
	return s.mds.LookupRegion(name)
}

// Lookup resolves a named data item within a named region.
func (s *Service) Lookup(itemName, regionName string) (metadata.DataitemMeta, error) {
	return s.mds.Lookup(itemName, regionName)
}

// isPowerOfTwo reports whether v is a non-zero power of two (§8: an
// interleaved create_region fails NotPowerOfTwo when interleave_size
// does not satisfy this).
func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

type resizeRegionArgs struct {
	RegionID uint64 `json:"region_id"`
	NewSize  uint64 `json:"new_size"`
}

// ResizeRegion grows a region's declared size, fanning resize_region
// out to every participating MS with its recomputed extent size before
// committing the new size to metadata (§4.3 resize_region).
func (s *Service) ResizeRegion(regionID, newSize uint64, uid, gid uint32) error {
	rm, err := s.mds.GetRegion(regionID)
	if err != nil {
		return err
	}
	if uid != rm.OwnerUID {
		return famerr.New("resize_region", famerr.NoPermission, "caller does not own region")
	}

	extentSize := newSize
	n := len(rm.MemserverIDs)
	if rm.InterleaveEnabled && n > 0 {
		extentSize = (newSize + uint64(n) - 1) / uint64(n)
	}

	var g errgroup.Group
	for _, msID := range rm.MemserverIDs {
		t, ok := s.targetByID(msID)
		if !ok {
			continue
		}
		t := t
		g.Go(func() error {
			c, err := dial(t.Address)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Call("resize_region", resizeRegionArgs{RegionID: regionID, NewSize: extentSize}, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return famerr.Wrap("resize_region", famerr.Resource, "one or more memory servers failed to resize region", err)
	}
	return s.mds.ResizeRegionMeta(regionID, newSize)
}

// ChangeRegionPermission updates a region's mode bits after verifying
// the caller owns it (§4.2 change_region_permission).
func (s *Service) ChangeRegionPermission(regionID uint64, perm os.FileMode, uid, gid uint32) error {
	rm, err := s.mds.GetRegion(regionID)
	if err != nil {
		return err
	}
	if uid != rm.OwnerUID {
		return famerr.New("change_region_permission", famerr.NoPermission, "caller does not own region")
	}
	return s.mds.ChangeRegionPermission(regionID, perm)
}
