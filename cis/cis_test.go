package cis

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfam/famsvc/config"
	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/memserver"
	"github.com/openfam/famsvc/metadata"
	"github.com/openfam/famsvc/transport"
)

// testMemserver starts one memory-server node on a loopback port and
// returns its dial address plus a cleanup.
func testMemserver(t *testing.T) string {
	t.Helper()
	cfg := &config.FAMConfig{NumConsumer: 4, EnableResourceRelease: true}
	srv := memserver.New(cfg, nil, t.TempDir(), t.TempDir())
	srv.Start()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts := transport.NewServer(ln, nil)
	memserver.RegisterHandlers(ts, srv)
	go ts.Serve()

	t.Cleanup(func() {
		ln.Close()
		srv.Close()
	})
	return ln.Addr().String()
}

func testService(t *testing.T, msAddrs ...string) *Service {
	t.Helper()
	mds, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mds.Close() })

	svc := New(&config.FAMConfig{}, nil, mds)
	targets := make([]MemserverTarget, len(msAddrs))
	for i, a := range msAddrs {
		targets[i] = MemserverTarget{ID: uint64(i + 1), Address: a}
	}
	svc.SetMemservers(targets)
	return svc
}

func TestCreateRegionAllocateDeallocateDestroy(t *testing.T) {
	addr := testMemserver(t)
	svc := testService(t, addr)

	regionID, err := svc.CreateRegion("region-a", 8192, 0640, metadata.RedundancyNone, metadata.MemoryVolatile, false, 0, metadata.PermLevelDataitem, 100, 100)
	require.NoError(t, err)
	require.NotZero(t, regionID)

	offset, err := svc.Allocate("region-a", "item-a", 256, 0640, 100, 100)
	require.NoError(t, err)

	require.NoError(t, svc.Deallocate(regionID, offset))
	require.NoError(t, svc.DestroyRegion(regionID, 100, 100))

	_, err = svc.LookupRegion("region-a")
	require.Error(t, err)
}

func TestCreateRegionDeniesWrongOwner(t *testing.T) {
	addr := testMemserver(t)
	svc := testService(t, addr)

	regionID, err := svc.CreateRegion("region-b", 4096, 0640, metadata.RedundancyNone, metadata.MemoryVolatile, false, 0, metadata.PermLevelDataitem, 100, 100)
	require.NoError(t, err)

	err = svc.DestroyRegion(regionID, 200, 200)
	require.Error(t, err)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	addr := testMemserver(t)
	svc := testService(t, addr)

	regionID, err := svc.CreateRegion("region-c", 4096, 0644, metadata.RedundancyNone, metadata.MemoryVolatile, false, 0, metadata.PermLevelDataitem, 100, 100)
	require.NoError(t, err)

	_, err = svc.Allocate("region-c", "item-c", 64, 0644, 100, 100)
	require.NoError(t, err)

	require.NoError(t, svc.Backup("item-c", "region-c", "snap-c", 100, 100, 0644, 16))

	info, err := svc.GetBackupInfo("snap-c", 100, 100)
	require.NoError(t, err)
	require.Equal(t, "item-c", info.ItemName)

	list, err := svc.ListBackup(100, 100)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.Restore("snap-c", "region-c", 100, 100))
	require.NoError(t, svc.DeleteBackup("snap-c", 100, 100))

	_, err = svc.GetBackupInfo("snap-c", 100, 100)
	require.Error(t, err)

	_ = regionID
	_ = time.Second
}

func TestHashMSDeterministic(t *testing.T) {
	require.Equal(t, hashMS("item-x", 4), hashMS("item-x", 4))
}

func TestCreateRegionRejectsNonPowerOfTwoInterleave(t *testing.T) {
	addr := testMemserver(t)
	svc := testService(t, addr)

	_, err := svc.CreateRegion("region-bad-interleave", 8192, 0640, metadata.RedundancyNone, metadata.MemoryVolatile, true, 1500, metadata.PermLevelDataitem, 100, 100)
	require.Error(t, err)
	require.Equal(t, famerr.NotPowerOfTwo, famerr.KindOf(err))
}

func TestResizeRegionAndChangePermissions(t *testing.T) {
	addr := testMemserver(t)
	svc := testService(t, addr)

	regionID, err := svc.CreateRegion("region-d", 4096, 0640, metadata.RedundancyNone, metadata.MemoryVolatile, false, 0, metadata.PermLevelDataitem, 100, 100)
	require.NoError(t, err)

	offset, err := svc.Allocate("region-d", "item-d", 64, 0640, 100, 100)
	require.NoError(t, err)

	// wrong owner is denied for every permission/resize operation
	require.Equal(t, famerr.NoPermission, famerr.KindOf(svc.ResizeRegion(regionID, 8192, 200, 200)))
	require.Equal(t, famerr.NoPermission, famerr.KindOf(svc.ChangeRegionPermission(regionID, 0600, 200, 200)))
	require.Equal(t, famerr.NoPermission, famerr.KindOf(svc.ChangeDataitemPermission(regionID, offset, 0600, 200, 200)))

	require.NoError(t, svc.ResizeRegion(regionID, 8192, 100, 100))
	rm, err := svc.LookupRegion("region-d")
	require.NoError(t, err)
	require.EqualValues(t, 8192, rm.Size)

	require.NoError(t, svc.ChangeRegionPermission(regionID, 0600, 100, 100))
	rm, err = svc.LookupRegion("region-d")
	require.NoError(t, err)
	require.EqualValues(t, 0600, rm.Perm)

	require.NoError(t, svc.ChangeDataitemPermission(regionID, offset, 0600, 100, 100))
	di, err := svc.Lookup("item-d", "region-d")
	require.NoError(t, err)
	require.EqualValues(t, 0600, di.Perm)
}
