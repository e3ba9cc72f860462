package memserver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/transport"
)

const dialTimeout = 5 * time.Second

// CopyRequest names every field the §4.1 copy contract carries. It is
// the local-destination-MS view: src extents, possibly spread across
// peer MS nodes, are read from the local heap or fetched with a
// read_chunk call to the owning peer into this server's dst extent.
// runCopy does not use SrcOffsets, SrcKeys, SrcBaseAddrs, SrcCopyEnd
// or DstInterleaveSize.
type CopyRequest struct {
	SrcRegionID       uint64   `json:"src_region_id"`
	SrcOffsets        []uint64 `json:"src_offsets"`
	SrcCopyStart      uint64   `json:"src_copy_start"`
	SrcCopyEnd        uint64   `json:"src_copy_end"`
	SrcKeys           []uint64 `json:"src_keys"`
	SrcBaseAddrs      []uint64 `json:"src_base_addrs"`
	SrcMemserverIDs   []uint64 `json:"src_memserver_ids"`
	SrcInterleaveSize uint64   `json:"src_interleave_size"`

	DstRegionID       uint64 `json:"dst_region_id"`
	DstOffset         uint64 `json:"dst_offset"`
	DstInterleaveSize uint64 `json:"dst_interleave_size"`

	Size uint64 `json:"size"`
}

// copyChunkArgs is what a destination MS sends a source MS peer to
// request one interleave block's worth of bytes.
type copyChunkArgs struct {
	RegionID uint64 `json:"region_id"`
	Offset   uint64 `json:"offset"`
	Size     uint64 `json:"size"`
}

type copyChunkResult struct {
	Data []byte `json:"data"`
}

// CopyAsync enqueues req on the bounded async queue and returns a wait
// handle; completion (and any fabric error, recorded against the
// handle rather than failing sibling copies) is observed via WaitCopy.
func (s *Server) CopyAsync(req CopyRequest) (uuid.UUID, error) {
	return s.jobs.submit(func() error {
		return s.runCopy(req)
	})
}

// WaitCopy blocks until handle's copy job completes.
func (s *Server) WaitCopy(handle uuid.UUID) error {
	return s.jobs.WaitFor(handle)
}

// runCopy performs the interleaved read described by req, mapping each
// source offset through the source interleave layout (§8's universal
// interleave invariant): the owning extent for logical offset o under
// interleave size B across N servers is (o/B) mod N, with on-extent
// offset (o/(B*N))*B + (o mod B). The bytes are written contiguously
// into this server's heap starting at DstOffset; the destination
// interleave layout is not applied.
func (s *Server) runCopy(req CopyRequest) error {
	dst, err := s.heaps.Open(regionName(req.DstRegionID))
	if err != nil {
		return err
	}
	dstData := dst.Data()
	if req.DstOffset+req.Size > uint64(len(dstData)) {
		return famerr.New("copy", famerr.OutOfRange, "destination offset+size exceeds heap")
	}

	n := uint64(len(req.SrcMemserverIDs))
	if n == 0 {
		n = 1
	}
	interleave := req.SrcInterleaveSize
	if interleave == 0 {
		interleave = req.Size
	}

	var copied uint64
	for copied < req.Size {
		remaining := req.Size - copied
		blockLeft := interleave - ((req.SrcCopyStart + copied) % interleave)
		chunk := blockLeft
		if chunk > remaining {
			chunk = remaining
		}
		srcLogical := req.SrcCopyStart + copied
		serverIdx := (srcLogical / interleave) % n
		extentOff := (srcLogical/(interleave*n))*interleave + (srcLogical % interleave)

		if err := s.copyLimiter.WaitN(context.Background(), int(chunk)); err != nil {
			return famerr.Wrap("copy", famerr.Fabric, "rate limiter wait failed", err)
		}

		var srcMSID uint64
		if int(serverIdx) < len(req.SrcMemserverIDs) {
			srcMSID = req.SrcMemserverIDs[serverIdx]
		}
		buf, err := s.readRemoteOrLocal(srcMSID, req.SrcRegionID, extentOff, chunk)
		if err != nil {
			return famerr.Wrap("copy", famerr.Fabric, "source read failed", err)
		}
		copy(dstData[req.DstOffset+copied:req.DstOffset+copied+chunk], buf)
		copied += chunk
	}
	return nil
}

// readLocal reads size bytes at (regionID, offset) from this server's
// own heap; it is what the read_chunk RPC handler calls on behalf of a
// peer MS running runCopy.
func (s *Server) readLocal(regionID, offset, size uint64) ([]byte, error) {
	h, err := s.heaps.Open(regionName(regionID))
	if err != nil {
		return nil, err
	}
	data := h.Data()
	if offset+size > uint64(len(data)) {
		return nil, famerr.New("read_chunk", famerr.OutOfRange, "offset+size exceeds heap")
	}
	out := make([]byte, size)
	copy(out, data[offset:offset+size])
	return out, nil
}

// readRemoteOrLocal reads size bytes at (regionID, offset), either from
// this server's own heap (if msID names this server, per SetSelfID, or
// the caller supplied no source MS list at all) or by dialing the peer
// MS named by msID over the control-plane transport and issuing a
// one-shot read RPC. The locality test is on msID, not on whether this
// server merely happens to have a heap under regionID: an interleaved
// region's heap exists under the same region_id on every participating
// MS, so "do I have this heap" can never distinguish which MS actually
// owns a given extent.
func (s *Server) readRemoteOrLocal(msID, regionID, offset, size uint64) ([]byte, error) {
	if s.isSelf(msID) {
		return s.readLocal(regionID, offset, size)
	}
	addr, ok := s.peerAddr(msID)
	if !ok {
		return nil, famerr.New("copy", famerr.Fabric, "unknown source memserver")
	}
	client, err := transport.Dial(addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	var res copyChunkResult
	if err := client.Call("read_chunk", copyChunkArgs{RegionID: regionID, Offset: offset, Size: size}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}
