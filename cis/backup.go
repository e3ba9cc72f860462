package cis

import (
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/metadata"
)

type backupArgs struct {
	RegionID         uint64 `json:"region_id"`
	Offset           uint64 `json:"offset"`
	Size             uint64 `json:"size"`
	ChunkSize        uint64 `json:"chunk_size"`
	UsedMemserverCnt int    `json:"used_memserver_cnt"`
	FileStartPos     uint64 `json:"file_start_pos"`
	Name             string `json:"name"`
	UID              uint32 `json:"uid"`
	GID              uint32 `json:"gid"`
	Mode             uint32 `json:"mode"`
	ItemName         string `json:"item_name"`
	ItemSize         uint64 `json:"item_size"`
	WriteMetadata    bool   `json:"write_metadata"`
}

// Backup broadcasts a backup call to every MS spanning the named data
// item, assigning each its own chunk range; exactly one MS — the
// leader, the first in the region's server list — is told to write the
// sidecar metadata (§4.3 backup/restore).
func (s *Service) Backup(itemName, regionName, backupName string, uid, gid uint32, mode os.FileMode, chunkSize uint64) error {
	rm, err := s.mds.LookupRegion(regionName)
	if err != nil {
		return err
	}
	di, err := s.mds.Lookup(itemName, regionName)
	if err != nil {
		return err
	}
	if !s.mds.CheckDataitemPermission(di, metadata.Read, uid, gid) {
		return famerr.New("backup", famerr.NoPermission, "caller lacks read permission")
	}
	if len(rm.MemserverIDs) == 0 {
		return famerr.New("backup", famerr.Resource, "region has no memory servers")
	}

	perChunk := di.Size / uint64(len(rm.MemserverIDs))
	if perChunk == 0 {
		perChunk = di.Size
	}

	var g errgroup.Group
	for i, msID := range rm.MemserverIDs {
		i, msID := i, msID
		t, ok := s.targetByID(msID)
		if !ok {
			continue
		}
		g.Go(func() error {
			c, err := dial(t.Address)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Call("backup", backupArgs{
				RegionID: rm.RegionID, Offset: di.Offset + uint64(i)*perChunk, Size: perChunk,
				ChunkSize: chunkSize, UsedMemserverCnt: len(rm.MemserverIDs), FileStartPos: uint64(i) * perChunk,
				Name: backupName, UID: uid, GID: gid, Mode: uint32(mode),
				ItemName: itemName, ItemSize: di.Size, WriteMetadata: i == 0,
			}, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return famerr.Wrap("backup", famerr.Resource, "one or more memory servers failed to write their backup chunk", err)
	}
	return s.mds.SaveBackupMeta(&metadata.BackupMeta{
		Name: backupName, RegionName: regionName, ItemName: itemName,
		OriginalSize: di.Size, Mode: mode, UID: uid, GID: gid,
		ChunkSize: chunkSize, UsedMemserverCount: len(rm.MemserverIDs),
	})
}

// Restore is Backup's read-back counterpart: it broadcasts restore to
// every MS spanning the backed-up item.
func (s *Service) Restore(backupName, regionName string, uid, gid uint32) error {
	bm, err := s.mds.GetBackupInfo(backupName)
	if err != nil {
		return err
	}
	rm, err := s.mds.LookupRegion(regionName)
	if err != nil {
		return err
	}
	di, err := s.mds.Lookup(bm.ItemName, regionName)
	if err != nil {
		return err
	}
	if !s.mds.CheckDataitemPermission(di, metadata.Write, uid, gid) {
		return famerr.New("restore", famerr.NoPermission, "caller lacks write permission")
	}

	perChunk := bm.OriginalSize / uint64(bm.UsedMemserverCount)
	if perChunk == 0 {
		perChunk = bm.OriginalSize
	}

	var g errgroup.Group
	for i, msID := range rm.MemserverIDs {
		i, msID := i, msID
		t, ok := s.targetByID(msID)
		if !ok {
			continue
		}
		g.Go(func() error {
			c, err := dial(t.Address)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Call("restore", backupArgs{
				RegionID: rm.RegionID, Offset: di.Offset + uint64(i)*perChunk, Size: perChunk,
				ChunkSize: bm.ChunkSize, Name: backupName,
			}, nil)
		})
	}
	return g.Wait()
}

// GetBackupInfo reads a backup's metadata catalog entry with permission
// enforcement.
func (s *Service) GetBackupInfo(name string, uid, gid uint32) (metadata.BackupMeta, error) {
	bm, err := s.mds.GetBackupInfo(name)
	if err != nil {
		return bm, err
	}
	if !backupReadable(bm, uid, gid) {
		return metadata.BackupMeta{}, famerr.New("get_backup_info", famerr.NoPermission, name)
	}
	return bm, nil
}

// ListBackup enumerates every backup the caller may read.
func (s *Service) ListBackup(uid, gid uint32) ([]metadata.BackupMeta, error) {
	return s.mds.ListBackup(func(bm metadata.BackupMeta) bool {
		return backupReadable(bm, uid, gid)
	})
}

// DeleteBackup removes a backup's catalog entry and broadcasts deletion
// of its chunk files to every MS.
func (s *Service) DeleteBackup(name string, uid, gid uint32) error {
	bm, err := s.mds.GetBackupInfo(name)
	if err != nil {
		return err
	}
	if uid != bm.UID {
		return famerr.New("delete_backup", famerr.NoPermission, "only the backup owner may delete it")
	}
	var merr error
	for _, t := range s.snapshotTargets() {
		c, err := dial(t.Address)
		if err != nil {
			merr = multierr.Append(merr, err)
			continue
		}
		if err := c.Call("delete_backup", backupArgs{Name: name}, nil); err != nil {
			merr = multierr.Append(merr, err)
		}
		c.Close()
	}
	if merr != nil && s.lgr != nil {
		s.lgr.Warnf("delete_backup %q had partial failures: %v", name, merr)
	}
	return s.mds.DeleteBackup(name)
}

// backupReadable applies the §4.2 UNIX permission triad directly
// against a backup's recorded owner/mode, since BackupMeta has no
// dataitem/region record of its own to check permission against.
func backupReadable(bm metadata.BackupMeta, uid, gid uint32) bool {
	var triad os.FileMode
	switch {
	case uid == bm.UID:
		triad = (bm.Mode >> 6) & 0o7
	case gid == bm.GID:
		triad = (bm.Mode >> 3) & 0o7
	default:
		triad = bm.Mode & 0o7
	}
	return triad&0o4 != 0
}
