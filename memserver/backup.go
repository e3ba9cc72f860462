package memserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/openfam/famsvc/famerr"
)

// backupSidecar is the on-disk metadata file written alongside a
// backup's chunk files (§3 "Backup record... metadata includes original
// size, mode, uid, gid, chunk size and used-memserver count").
type backupSidecar struct {
	Name               string    `json:"name"`
	RegionName         string    `json:"region_name"`
	ItemName           string    `json:"item_name"`
	OriginalSize       uint64    `json:"original_size"`
	Mode               uint32    `json:"mode"`
	UID                uint32    `json:"uid"`
	GID                uint32    `json:"gid"`
	ChunkSize          uint64    `json:"chunk_size"`
	UsedMemserverCount int       `json:"used_memserver_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// BackupRequest carries every field the §4.1 backup contract names.
type BackupRequest struct {
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
	WriteMetadata    bool   `json:"write_metadata"` // true only on the leader MS (first in the region's server list)
}

func (s *Server) backupDirFor(name string) string {
	return filepath.Join(s.backupDir, name)
}

func (s *Server) backupLock(name string) *flock.Flock {
	return flock.New(filepath.Join(s.backupDirFor(name), ".lock"))
}

// BackupAsync streams req.Size bytes starting at req.Offset in
// req.RegionID's heap to chunkSize-sized, zstd-compressed chunk files
// under the backup store, returning a wait handle. Only the leader MS
// writes the sidecar metadata file; non-leaders just write their chunks.
func (s *Server) BackupAsync(req BackupRequest) (uuid.UUID, error) {
	return s.jobs.submit(func() error {
		return s.runBackup(req)
	})
}

func (s *Server) WaitBackup(handle uuid.UUID) error {
	return s.jobs.WaitFor(handle)
}

func (s *Server) runBackup(req BackupRequest) error {
	h, err := s.heaps.Open(regionName(req.RegionID))
	if err != nil {
		return err
	}
	data := h.Data()
	if req.Offset+req.Size > uint64(len(data)) {
		return famerr.New("backup", famerr.OutOfRange, "offset+size exceeds heap")
	}

	dir := s.backupDirFor(req.Name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return famerr.Wrap("backup", famerr.Resource, "failed to create backup directory", err)
	}
	lk := s.backupLock(req.Name)
	if err := lk.Lock(); err != nil {
		return famerr.Wrap("backup", famerr.Resource, "failed to lock backup directory", err)
	}
	defer lk.Unlock()

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = req.Size
	}
	startChunk := req.FileStartPos / chunkSize
	var written uint64
	for written < req.Size {
		n := chunkSize
		if n > req.Size-written {
			n = req.Size - written
		}
		if err := s.copyLimiter.WaitN(context.Background(), int(n)); err != nil {
			return famerr.Wrap("backup", famerr.Fabric, "rate limiter wait failed", err)
		}
		src := data[req.Offset+written : req.Offset+written+n]
		idx := startChunk + written/chunkSize
		if err := writeCompressedChunk(chunkPath(dir, idx), src); err != nil {
			return famerr.Wrap("backup", famerr.Resource, "failed to write backup chunk", err)
		}
		written += n
	}

	if req.WriteMetadata {
		sc := backupSidecar{
			Name:               req.Name,
			ItemName:           req.ItemName,
			OriginalSize:       req.ItemSize,
			Mode:               req.Mode,
			UID:                req.UID,
			GID:                req.GID,
			ChunkSize:          chunkSize,
			UsedMemserverCount: req.UsedMemserverCnt,
			CreatedAt:          time.Now().UTC(),
		}
		if err := writeSidecarAtomic(filepath.Join(dir, "meta.json"), &sc); err != nil {
			return famerr.Wrap("backup", famerr.Resource, "failed to write backup metadata", err)
		}
	}
	return nil
}

func chunkPath(dir string, idx uint64) string {
	return filepath.Join(dir, fmt.Sprintf("chunk-%08d.zst", idx))
}

func writeCompressedChunk(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func readCompressedChunk(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// writeSidecarAtomic persists sc via a temp-file-then-rename so a crash
// mid-write never leaves a partially-written metadata file, the same
// discipline the teacher's State.Write applies via safefile.
func writeSidecarAtomic(path string, sc *backupSidecar) error {
	fout, err := safefile.Create(path, 0600)
	if err != nil {
		return err
	}
	name := fout.Name()
	if err := json.NewEncoder(fout).Encode(sc); err != nil {
		fout.File.Close()
		os.Remove(name)
		return err
	}
	if err := fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return err
	}
	return nil
}

func readSidecar(path string) (backupSidecar, error) {
	var sc backupSidecar
	f, err := os.Open(path)
	if err != nil {
		return sc, err
	}
	defer f.Close()
	err = json.NewDecoder(f).Decode(&sc)
	return sc, err
}

// RestoreRequest mirrors BackupRequest for the read-back direction.
type RestoreRequest struct {
	RegionID  uint64 `json:"region_id"`
	Offset    uint64 `json:"offset"`
	Size      uint64 `json:"size"`
	ChunkSize uint64 `json:"chunk_size"`
	Name      string `json:"name"`
}

// RestoreAsync streams bytes back from a backup's chunk files into
// req.RegionID's heap at req.Offset, returning a wait handle.
func (s *Server) RestoreAsync(req RestoreRequest) (uuid.UUID, error) {
	return s.jobs.submit(func() error {
		return s.runRestore(req)
	})
}

func (s *Server) WaitRestore(handle uuid.UUID) error {
	return s.jobs.WaitFor(handle)
}

func (s *Server) runRestore(req RestoreRequest) error {
	h, err := s.heaps.Open(regionName(req.RegionID))
	if err != nil {
		return err
	}
	data := h.Data()
	if req.Offset+req.Size > uint64(len(data)) {
		return famerr.New("restore", famerr.OutOfRange, "offset+size exceeds heap")
	}
	dir := s.backupDirFor(req.Name)
	lk := s.backupLock(req.Name)
	if err := lk.RLock(); err != nil {
		return famerr.Wrap("restore", famerr.Resource, "failed to lock backup directory", err)
	}
	defer lk.Unlock()

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = req.Size
	}
	var restored uint64
	for restored < req.Size {
		idx := restored / chunkSize
		chunk, err := readCompressedChunk(chunkPath(dir, idx))
		if err != nil {
			return famerr.Wrap("restore", famerr.NotFound, "backup chunk missing or unreadable", err)
		}
		n := uint64(len(chunk))
		if restored+n > req.Size {
			n = req.Size - restored
		}
		copy(data[req.Offset+restored:req.Offset+restored+n], chunk[:n])
		restored += n
	}
	return nil
}

// GetBackupInfo reads a backup's sidecar metadata file.
func (s *Server) GetBackupInfo(name string) (backupSidecar, error) {
	sc, err := readSidecar(filepath.Join(s.backupDirFor(name), "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return sc, famerr.New("get_backup_info", famerr.NotFound, name)
		}
		return sc, famerr.Wrap("get_backup_info", famerr.Resource, "failed to read backup metadata", err)
	}
	return sc, nil
}

// ListBackup enumerates every backup directory under the backup store,
// applying checkFn (a uid/gid/mode permission test) to filter results.
func (s *Server) ListBackup(checkFn func(backupSidecar) bool) ([]backupSidecar, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, famerr.Wrap("list_backup", famerr.Resource, "failed to list backup store", err)
	}
	var out []backupSidecar
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sc, err := readSidecar(filepath.Join(s.backupDir, e.Name(), "meta.json"))
		if err != nil {
			continue
		}
		if checkFn == nil || checkFn(sc) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// DeleteBackup removes a backup's directory (sidecar and all chunks)
// entirely, under the same advisory lock backup/restore take.
func (s *Server) DeleteBackup(name string) error {
	dir := s.backupDirFor(name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return famerr.New("delete_backup", famerr.NotFound, name)
		}
		return famerr.Wrap("delete_backup", famerr.Resource, "failed to stat backup directory", err)
	}
	lk := s.backupLock(name)
	if err := lk.Lock(); err != nil {
		return famerr.Wrap("delete_backup", famerr.Resource, "failed to lock backup directory", err)
	}
	defer lk.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return famerr.Wrap("delete_backup", famerr.Resource, "failed to remove backup directory", err)
	}
	return nil
}
