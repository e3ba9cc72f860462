package memserver

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfam/famsvc/config"
	"github.com/openfam/famsvc/fabric"
	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/log"
	"github.com/openfam/famsvc/transport"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.FAMConfig{NumConsumer: 4, EnableResourceRelease: true}
	s := New(cfg, nil, t.TempDir(), t.TempDir())
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func TestCreateAllocateDeallocateDestroy(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.CreateRegion(1, 4096))

	off, err := s.Allocate(1, 100)
	require.NoError(t, err)
	require.NoError(t, s.Deallocate(1, off))

	status, err := s.DestroyRegion(1)
	require.NoError(t, err)
	require.Equal(t, fabric.StatusInactive, status)

	_, err = s.Allocate(1, 100)
	require.Equal(t, famerr.NotFound, famerr.KindOf(err))
}

func TestFetchAddUnderContention(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.CreateRegion(2, 4096))

	var wg sync.WaitGroup
	seen := make([]uint64, 0, 8000)
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				prev, err := s.Atomic(2, 0, fabric.UInt64, fabric.OpFetchAdd, 1, 0)
				require.NoError(t, err)
				mu.Lock()
				seen = append(seen, prev)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	final, err := s.GetAtomic(2, 0, 8)
	require.NoError(t, err)
	require.Len(t, seen, 8000)
	distinct := make(map[uint64]bool, 8000)
	for _, v := range seen {
		require.False(t, distinct[v], "duplicate previous value observed: %d", v)
		distinct[v] = true
	}
	var total uint64
	for i := 0; i < 8; i++ {
		total |= uint64(final[i]) << (8 * i)
	}
	require.Equal(t, uint64(8000), total)
}

func TestMinMaxInt32Overflow(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.CreateRegion(3, 4096))
	_, err := s.Atomic(3, 0, fabric.Int32, fabric.OpSwap, 0x7fffffff, 0)
	require.NoError(t, err)

	prev, err := s.Atomic(3, 0, fabric.Int32, fabric.OpMin, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0x7fffffff, int32(prev))

	prev, err = s.Atomic(3, 0, fabric.Int32, fabric.OpMax, 0x80000000, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, int32(prev))
}

func TestResourceRefcountCycle(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.CreateRegion(4, 4096))

	_, err := s.OpenRegionWithRegistration(4, "REGION", "RW")
	require.NoError(t, err)
	_, err = s.OpenRegionWithRegistration(4, "REGION", "RW")
	require.NoError(t, err)

	status, err := s.CloseRegion(4)
	require.NoError(t, err)
	require.Equal(t, fabric.StatusActive, status)

	status, err = s.CloseRegion(4)
	require.NoError(t, err)
	require.Equal(t, fabric.StatusReleased, status)

	keys, err := s.OpenRegionWithRegistration(4, "REGION", "RW")
	require.NoError(t, err)
	require.NotEmpty(t, keys)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.CreateRegion(5, 4096))
	h, err := s.heaps.Open(regionName(5))
	require.NoError(t, err)
	payload := []byte("fabric attached memory backup payload")
	copy(h.Data()[0:], payload)

	handle, err := s.BackupAsync(BackupRequest{
		RegionID: 5, Size: uint64(len(payload)), ChunkSize: 16,
		Name: "snap1", ItemName: "item1", ItemSize: uint64(len(payload)),
		WriteMetadata: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.WaitBackup(handle))

	info, err := s.GetBackupInfo("snap1")
	require.NoError(t, err)
	require.Equal(t, "item1", info.ItemName)

	require.NoError(t, s.CreateRegion(6, 4096))
	rHandle, err := s.RestoreAsync(RestoreRequest{RegionID: 6, Size: uint64(len(payload)), ChunkSize: 16, Name: "snap1"})
	require.NoError(t, err)
	require.NoError(t, s.WaitRestore(rHandle))

	h2, err := s.heaps.Open(regionName(6))
	require.NoError(t, err)
	require.Equal(t, payload, h2.Data()[:len(payload)])

	require.NoError(t, s.DeleteBackup("snap1"))
	_, err = s.GetBackupInfo("snap1")
	require.Equal(t, famerr.NotFound, famerr.KindOf(err))
}

// listeningServer boots a testServer behind a real transport.Server so
// a peer MS can dial it for read_chunk, returning the address to dial.
func listeningServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := testServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts := transport.NewServer(ln, log.NewDiscardLogger())
	RegisterHandlers(ts, s)
	go ts.Serve()
	t.Cleanup(func() { ln.Close() })
	return s, ln.Addr().String()
}

// TestCopyAcrossInterleavedExtents exercises a region interleaved
// across two memservers: each server hosts a heap under the same
// region_id (as create_region fans out to every participating MS), so
// the destination MS must route each chunk by the source MS id named
// in src_memserver_ids, not merely by whether it has a local heap
// under that region_id.
func TestCopyAcrossInterleavedExtents(t *testing.T) {
	const interleave = 4
	const srcRegion = uint64(7)
	const dstRegion = uint64(8)

	s1, _ := listeningServer(t)
	s2, addr2 := listeningServer(t)
	s1.SetSelfID(1)
	s2.SetSelfID(2)
	s1.UpdateMemserverAddrlist(map[uint64]string{1: "", 2: addr2})

	require.NoError(t, s1.CreateRegion(srcRegion, 4096))
	require.NoError(t, s2.CreateRegion(srcRegion, 4096))
	require.NoError(t, s1.CreateRegion(dstRegion, 4096))

	h1, err := s1.heaps.Open(regionName(srcRegion))
	require.NoError(t, err)
	copy(h1.Data()[0:4], []byte("1111"))
	copy(h1.Data()[4:8], []byte("3333"))

	h2, err := s2.heaps.Open(regionName(srcRegion))
	require.NoError(t, err)
	copy(h2.Data()[0:4], []byte("2222"))
	copy(h2.Data()[4:8], []byte("4444"))

	handle, err := s1.CopyAsync(CopyRequest{
		SrcRegionID: srcRegion, SrcCopyStart: 0, SrcCopyEnd: 16,
		SrcMemserverIDs: []uint64{1, 2}, SrcInterleaveSize: interleave,
		DstRegionID: dstRegion, DstOffset: 0, Size: 16,
	})
	require.NoError(t, err)
	require.NoError(t, s1.WaitCopy(handle))

	dst, err := s1.heaps.Open(regionName(dstRegion))
	require.NoError(t, err)
	require.Equal(t, "1111222233334444", string(dst.Data()[:16]))
}
