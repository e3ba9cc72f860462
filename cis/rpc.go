package cis

import (
	"os"

	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/metadata"
	"github.com/openfam/famsvc/transport"
)

// RegisterHandlers binds every client-facing CIS operation (§4.3) to
// srv, the same decode-call-encode translation memserver.RegisterHandlers
// applies on the memory-server side.
func RegisterHandlers(srv *transport.Server, s *Service) {
	srv.Handle("create_region", func(body []byte) (interface{}, error) {
		var a struct {
			Name           string              `json:"name"`
			Size           uint64              `json:"size"`
			Perm           uint32              `json:"perm"`
			Redundancy     metadata.Redundancy `json:"redundancy"`
			MemoryType     metadata.MemoryType `json:"memory_type"`
			Interleave     bool                `json:"interleave"`
			InterleaveSize uint64              `json:"interleave_size"`
			PermLevel      metadata.PermLevel  `json:"perm_level"`
			UID            uint32              `json:"uid"`
			GID            uint32              `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("create_region", err)
		}
		regionID, err := s.CreateRegion(a.Name, a.Size, os.FileMode(a.Perm), a.Redundancy, a.MemoryType, a.Interleave, a.InterleaveSize, a.PermLevel, a.UID, a.GID)
		return struct {
			RegionID uint64 `json:"region_id"`
		}{regionID}, err
	})

	srv.Handle("destroy_region", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			UID      uint32 `json:"uid"`
			GID      uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("destroy_region", err)
		}
		return nil, s.DestroyRegion(a.RegionID, a.UID, a.GID)
	})

	srv.Handle("resize_region", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			NewSize  uint64 `json:"new_size"`
			UID      uint32 `json:"uid"`
			GID      uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("resize_region", err)
		}
		return nil, s.ResizeRegion(a.RegionID, a.NewSize, a.UID, a.GID)
	})

	srv.Handle("change_region_permission", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Perm     uint32 `json:"perm"`
			UID      uint32 `json:"uid"`
			GID      uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("change_region_permission", err)
		}
		return nil, s.ChangeRegionPermission(a.RegionID, os.FileMode(a.Perm), a.UID, a.GID)
	})

	srv.Handle("change_dataitem_permission", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Offset   uint64 `json:"offset"`
			Perm     uint32 `json:"perm"`
			UID      uint32 `json:"uid"`
			GID      uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("change_dataitem_permission", err)
		}
		return nil, s.ChangeDataitemPermission(a.RegionID, a.Offset, os.FileMode(a.Perm), a.UID, a.GID)
	})

	srv.Handle("lookup_region", func(body []byte) (interface{}, error) {
		var a struct {
			Name string `json:"name"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("lookup_region", err)
		}
		return s.LookupRegion(a.Name)
	})

	srv.Handle("lookup", func(body []byte) (interface{}, error) {
		var a struct {
			ItemName   string `json:"item_name"`
			RegionName string `json:"region_name"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("lookup", err)
		}
		return s.Lookup(a.ItemName, a.RegionName)
	})

	srv.Handle("allocate", func(body []byte) (interface{}, error) {
		var a struct {
			RegionName string `json:"region_name"`
			ItemName   string `json:"item_name"`
			Size       uint64 `json:"size"`
			Perm       uint32 `json:"perm"`
			UID        uint32 `json:"uid"`
			GID        uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("allocate", err)
		}
		offset, err := s.Allocate(a.RegionName, a.ItemName, a.Size, os.FileMode(a.Perm), a.UID, a.GID)
		return struct {
			Offset uint64 `json:"offset"`
		}{offset}, err
	})

	srv.Handle("deallocate", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Offset   uint64 `json:"offset"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("deallocate", err)
		}
		return nil, s.Deallocate(a.RegionID, a.Offset)
	})

	srv.Handle("copy", func(body []byte) (interface{}, error) {
		var a struct {
			Src             CopyDescriptor `json:"src"`
			Dst             CopyDescriptor `json:"dst"`
			SrcMemserverIDs []uint64       `json:"src_memserver_ids"`
			Size            uint64         `json:"size"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("copy", err)
		}
		handle, err := s.Copy(a.Src, a.Dst, a.SrcMemserverIDs, a.Size)
		return struct {
			Handle string `json:"handle"`
		}{handle}, err
	})

	srv.Handle("wait_copy", func(body []byte) (interface{}, error) {
		var a struct {
			MSAddr string `json:"ms_addr"`
			Handle string `json:"handle"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("wait_copy", err)
		}
		return nil, s.WaitCopy(a.MSAddr, a.Handle)
	})

	srv.Handle("backup", func(body []byte) (interface{}, error) {
		var a struct {
			ItemName   string `json:"item_name"`
			RegionName string `json:"region_name"`
			BackupName string `json:"backup_name"`
			UID        uint32 `json:"uid"`
			GID        uint32 `json:"gid"`
			Mode       uint32 `json:"mode"`
			ChunkSize  uint64 `json:"chunk_size"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("backup", err)
		}
		return nil, s.Backup(a.ItemName, a.RegionName, a.BackupName, a.UID, a.GID, os.FileMode(a.Mode), a.ChunkSize)
	})

	srv.Handle("restore", func(body []byte) (interface{}, error) {
		var a struct {
			BackupName string `json:"backup_name"`
			RegionName string `json:"region_name"`
			UID        uint32 `json:"uid"`
			GID        uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("restore", err)
		}
		return nil, s.Restore(a.BackupName, a.RegionName, a.UID, a.GID)
	})

	srv.Handle("get_backup_info", func(body []byte) (interface{}, error) {
		var a struct {
			Name string `json:"name"`
			UID  uint32 `json:"uid"`
			GID  uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("get_backup_info", err)
		}
		return s.GetBackupInfo(a.Name, a.UID, a.GID)
	})

	srv.Handle("list_backup", func(body []byte) (interface{}, error) {
		var a struct {
			UID uint32 `json:"uid"`
			GID uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("list_backup", err)
		}
		return s.ListBackup(a.UID, a.GID)
	})

	srv.Handle("delete_backup", func(body []byte) (interface{}, error) {
		var a struct {
			Name string `json:"name"`
			UID  uint32 `json:"uid"`
			GID  uint32 `json:"gid"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("delete_backup", err)
		}
		return nil, s.DeleteBackup(a.Name, a.UID, a.GID)
	})
}

func decodeErr(op string, err error) error {
	return famerr.Wrap(op, famerr.Resource, "failed to decode request body", err)
}
