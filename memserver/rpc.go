package memserver

import (
	"github.com/google/uuid"

	"github.com/openfam/famsvc/fabric"
	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/transport"
)

// RegisterHandlers binds the memory-server operations of §4.1/§4.4 to
// srv, translating each wire request body into a call against s and
// each Go return value back into a wire result (§5's control-plane
// binding is transport-agnostic; this is the only place that couples
// the two). AcquireCASLock, ReleaseCASLock, GetLocalPointer and
// UpdateMemserverAddrlist are Go methods of Server only and have no
// wire handler.
func RegisterHandlers(srv *transport.Server, s *Server) {
	srv.Handle("create_region", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Size     uint64 `json:"size"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("create_region", err)
		}
		return nil, s.CreateRegion(a.RegionID, a.Size)
	})

	srv.Handle("destroy_region", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("destroy_region", err)
		}
		status, err := s.DestroyRegion(a.RegionID)
		return struct {
			Status fabric.Status `json:"status"`
		}{status}, err
	})

	srv.Handle("resize_region", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			NewSize  uint64 `json:"new_size"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("resize_region", err)
		}
		return nil, s.ResizeRegion(a.RegionID, a.NewSize)
	})

	srv.Handle("allocate", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Size     uint64 `json:"size"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("allocate", err)
		}
		offset, err := s.Allocate(a.RegionID, a.Size)
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

	srv.Handle("register_region_memory", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID   uint64 `json:"region_id"`
			PermLevel  string `json:"perm_level"`
			AccessType string `json:"access_type"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("register_region_memory", err)
		}
		return s.RegisterRegionMemory(a.RegionID, a.PermLevel, a.AccessType)
	})

	srv.Handle("open_region_with_registration", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID   uint64 `json:"region_id"`
			PermLevel  string `json:"perm_level"`
			AccessType string `json:"access_type"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("open_region_with_registration", err)
		}
		return s.OpenRegionWithRegistration(a.RegionID, a.PermLevel, a.AccessType)
	})

	srv.Handle("open_region_without_registration", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("open_region_without_registration", err)
		}
		return nil, s.OpenRegionWithoutRegistration(a.RegionID)
	})

	srv.Handle("close_region", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("close_region", err)
		}
		status, err := s.CloseRegion(a.RegionID)
		return struct {
			Status fabric.Status `json:"status"`
		}{status}, err
	})

	srv.Handle("get_region_memory", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID   uint64 `json:"region_id"`
			AccessType string `json:"access_type"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("get_region_memory", err)
		}
		return s.GetRegionMemory(a.RegionID, a.AccessType)
	})

	srv.Handle("get_dataitem_memory", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID   uint64 `json:"region_id"`
			Offset     uint64 `json:"offset"`
			Size       uint64 `json:"size"`
			AccessType string `json:"access_type"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("get_dataitem_memory", err)
		}
		return s.GetDataitemMemory(a.RegionID, a.Offset, a.Size, a.AccessType)
	})

	srv.Handle("atomic", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64             `json:"region_id"`
			Offset   uint64             `json:"offset"`
			Type     fabric.NumericType `json:"type"`
			Op       fabric.AtomicOp    `json:"op"`
			Operand  uint64             `json:"operand"`
			Expected uint64             `json:"expected"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("atomic", err)
		}
		prev, err := s.Atomic(a.RegionID, a.Offset, a.Type, a.Op, a.Operand, a.Expected)
		return struct {
			Previous uint64 `json:"previous"`
		}{prev}, err
	})

	srv.Handle("get_atomic", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Offset   uint64 `json:"offset"`
			Size     uint64 `json:"size"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("get_atomic", err)
		}
		buf, err := s.GetAtomic(a.RegionID, a.Offset, a.Size)
		return struct {
			Data []byte `json:"data"`
		}{buf}, err
	})

	srv.Handle("put_atomic", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Offset   uint64 `json:"offset"`
			Data     []byte `json:"data"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("put_atomic", err)
		}
		return nil, s.PutAtomic(a.RegionID, a.Offset, a.Data)
	})

	srv.Handle("scatter_strided_atomic", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Offset   uint64 `json:"offset"`
			Stride   uint64 `json:"stride"`
			ElemSize uint64 `json:"elem_size"`
			Count    uint64 `json:"count"`
			Data     []byte `json:"data"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("scatter_strided_atomic", err)
		}
		return nil, s.ScatterStridedAtomic(a.RegionID, a.Offset, a.Stride, a.ElemSize, a.Count, a.Data)
	})

	srv.Handle("gather_strided_atomic", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Offset   uint64 `json:"offset"`
			Stride   uint64 `json:"stride"`
			ElemSize uint64 `json:"elem_size"`
			Count    uint64 `json:"count"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("gather_strided_atomic", err)
		}
		buf, err := s.GatherStridedAtomic(a.RegionID, a.Offset, a.Stride, a.ElemSize, a.Count)
		return struct {
			Data []byte `json:"data"`
		}{buf}, err
	})

	srv.Handle("scatter_indexed_atomic", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64   `json:"region_id"`
			Indices  []uint64 `json:"indices"`
			ElemSize uint64   `json:"elem_size"`
			Data     []byte   `json:"data"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("scatter_indexed_atomic", err)
		}
		return nil, s.ScatterIndexedAtomic(a.RegionID, a.Indices, a.ElemSize, a.Data)
	})

	srv.Handle("gather_indexed_atomic", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64   `json:"region_id"`
			Indices  []uint64 `json:"indices"`
			ElemSize uint64   `json:"elem_size"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("gather_indexed_atomic", err)
		}
		buf, err := s.GatherIndexedAtomic(a.RegionID, a.Indices, a.ElemSize)
		return struct {
			Data []byte `json:"data"`
		}{buf}, err
	})

	srv.Handle("read_chunk", func(body []byte) (interface{}, error) {
		var a struct {
			RegionID uint64 `json:"region_id"`
			Offset   uint64 `json:"offset"`
			Size     uint64 `json:"size"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("read_chunk", err)
		}
		buf, err := s.readLocal(a.RegionID, a.Offset, a.Size)
		return struct {
			Data []byte `json:"data"`
		}{buf}, err
	})

	srv.Handle("copy", func(body []byte) (interface{}, error) {
		var req CopyRequest
		if err := transport.Decode(body, &req); err != nil {
			return nil, decodeErr("copy", err)
		}
		h, err := s.CopyAsync(req)
		return struct {
			Handle uuid.UUID `json:"handle"`
		}{h}, err
	})

	srv.Handle("wait_copy", func(body []byte) (interface{}, error) {
		var a struct {
			Handle uuid.UUID `json:"handle"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("wait_copy", err)
		}
		return nil, s.WaitCopy(a.Handle)
	})

	// backup/restore are exposed synchronously over the wire: the CIS
	// fan-out (§4.3) waits for every participating MS's chunk write
	// before committing catalog metadata, so there is no separate
	// wait_backup RPC — the worker-pool semaphore still bounds how many
	// run at once on this server.
	srv.Handle("backup", func(body []byte) (interface{}, error) {
		var req BackupRequest
		if err := transport.Decode(body, &req); err != nil {
			return nil, decodeErr("backup", err)
		}
		h, err := s.BackupAsync(req)
		if err != nil {
			return nil, err
		}
		return nil, s.WaitBackup(h)
	})

	srv.Handle("restore", func(body []byte) (interface{}, error) {
		var req RestoreRequest
		if err := transport.Decode(body, &req); err != nil {
			return nil, decodeErr("restore", err)
		}
		h, err := s.RestoreAsync(req)
		if err != nil {
			return nil, err
		}
		return nil, s.WaitRestore(h)
	})

	// get_backup_info/list_backup/delete_backup operate on this server's
	// own chunk-file sidecar, independent of the MDS-held catalog entry
	// CIS's equivalent operations read: a backup survives even if the
	// catalog entry is ever lost, recoverable by re-scanning chunk
	// directories directly against an MS.
	srv.Handle("get_backup_info", func(body []byte) (interface{}, error) {
		var a struct {
			Name string `json:"name"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("get_backup_info", err)
		}
		return s.GetBackupInfo(a.Name)
	})

	srv.Handle("list_backup", func(body []byte) (interface{}, error) {
		return s.ListBackup(nil)
	})

	srv.Handle("delete_backup", func(body []byte) (interface{}, error) {
		var a struct {
			Name string `json:"name"`
		}
		if err := transport.Decode(body, &a); err != nil {
			return nil, decodeErr("delete_backup", err)
		}
		return nil, s.DeleteBackup(a.Name)
	})
}

func decodeErr(op string, err error) error {
	return famerr.Wrap(op, famerr.Resource, "failed to decode request body", err)
}
