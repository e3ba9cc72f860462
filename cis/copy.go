package cis

import (
	"github.com/google/uuid"

	"github.com/openfam/famsvc/famerr"
)

// CopyDescriptor names one side (source or destination) of a copy: the
// region it belongs to, its offset, and the interleave layout governing
// how its logical offsets map onto MS extents.
type CopyDescriptor struct {
	RegionID       uint64
	Offset         uint64
	InterleaveSize uint64
}

type copyAsyncArgs struct {
	SrcRegionID       uint64   `json:"src_region_id"`
	SrcOffsets        []uint64 `json:"src_offsets"`
	SrcCopyStart      uint64   `json:"src_copy_start"`
	SrcCopyEnd        uint64   `json:"src_copy_end"`
	SrcKeys           []uint64 `json:"src_keys"`
	SrcBaseAddrs      []uint64 `json:"src_base_addrs"`
	SrcMemserverIDs   []uint64 `json:"src_memserver_ids"`
	SrcInterleaveSize uint64   `json:"src_interleave_size"`
	DstRegionID       uint64   `json:"dst_region_id"`
	DstOffset         uint64   `json:"dst_offset"`
	DstInterleaveSize uint64   `json:"dst_interleave_size"`
	Size              uint64   `json:"size"`
}

type copyAsyncResult struct {
	Handle uuid.UUID `json:"handle"`
}

type waitArgs struct {
	Handle uuid.UUID `json:"handle"`
}

// Copy sends one copy call to the destination MS carrying the source
// region id, copy range, source MS id list and both interleave sizes;
// the destination MS fetches the source bytes from its peers itself
// (§4.3 copy). The request's source keys, base addresses and per-extent
// offsets are left empty. It returns a wait handle the client polls via
// WaitCopy.
func (s *Service) Copy(src, dst CopyDescriptor, srcMemserverIDs []uint64, size uint64) (string, error) {
	rmDst, err := s.mds.GetRegion(dst.RegionID)
	if err != nil {
		return "", err
	}
	if len(rmDst.MemserverIDs) == 0 {
		return "", famerr.New("copy", famerr.Resource, "destination region has no memory servers")
	}
	dstMSIdx := int((dst.Offset / maxU64(dst.InterleaveSize, size)) % uint64(len(rmDst.MemserverIDs)))
	t, ok := s.targetByID(rmDst.MemserverIDs[dstMSIdx])
	if !ok {
		return "", famerr.New("copy", famerr.Resource, "destination memory server is not reachable")
	}
	c, err := dial(t.Address)
	if err != nil {
		return "", err
	}
	defer c.Close()

	var res copyAsyncResult
	args := copyAsyncArgs{
		SrcRegionID: src.RegionID, SrcCopyStart: src.Offset, SrcCopyEnd: src.Offset + size,
		SrcMemserverIDs: srcMemserverIDs, SrcInterleaveSize: src.InterleaveSize,
		DstRegionID: dst.RegionID, DstOffset: dst.Offset, DstInterleaveSize: dst.InterleaveSize,
		Size: size,
	}
	if err := c.Call("copy", args, &res); err != nil {
		return "", err
	}
	return res.Handle.String(), nil
}

// WaitCopy blocks on the destination MS until a copy handle completes.
// The caller supplies the same MS address Copy dialed (CIS keeps no
// state of in-flight handles, per §4.3's stateless design).
func (s *Service) WaitCopy(msAddr, handle string) error {
	h, err := uuid.Parse(handle)
	if err != nil {
		return famerr.Wrap("wait_for_copy", famerr.Resource, "invalid wait handle", err)
	}
	c, err := dial(msAddr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call("wait_copy", waitArgs{Handle: h}, nil)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
