package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openfam/famsvc/famerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegionLifecycle(t *testing.T) {
	s := newTestStore(t)
	rm := &RegionMeta{
		RegionID:     1,
		Name:         "region-a",
		OwnerUID:     100,
		OwnerGID:     100,
		Perm:         0640,
		Size:         4096,
		PermLevel:    PermLevelDataitem,
		MemserverIDs: []uint64{1, 2},
	}
	if err := s.CreateRegionMeta(rm); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRegionMeta(rm); famerr.KindOf(err) != famerr.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}

	got, err := s.LookupRegion("region-a")
	if err != nil {
		t.Fatal(err)
	}
	if got.RegionID != 1 || got.Size != 4096 {
		t.Fatalf("unexpected region: %+v", got)
	}

	if err := s.ResizeRegionMeta(1, 8192); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRegion(1)
	if got.Size != 8192 {
		t.Fatalf("resize did not apply: %+v", got)
	}

	di := &DataitemMeta{RegionID: 1, Offset: 128, Name: "item-a", Size: 64, OwnerUID: 100, OwnerGID: 100, Perm: 0640}
	if err := s.AllocateMeta(di); err != nil {
		t.Fatal(err)
	}

	if err := s.DestroyRegionMeta(1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRegion(1); famerr.KindOf(err) != famerr.NotFound {
		t.Fatalf("expected NotFound after destroy, got %v", err)
	}
	if _, err := s.GetDataitem(1, 128); famerr.KindOf(err) != famerr.NotFound {
		t.Fatalf("expected dataitem cleanup on region destroy, got %v", err)
	}
}

func TestDataitemNameUniqueness(t *testing.T) {
	s := newTestStore(t)
	rm := &RegionMeta{RegionID: 2, Name: "region-b", Perm: 0644}
	if err := s.CreateRegionMeta(rm); err != nil {
		t.Fatal(err)
	}
	di1 := &DataitemMeta{RegionID: 2, Offset: 0, Name: "dup"}
	di2 := &DataitemMeta{RegionID: 2, Offset: 128, Name: "dup"}
	if err := s.AllocateMeta(di1); err != nil {
		t.Fatal(err)
	}
	if err := s.AllocateMeta(di2); famerr.KindOf(err) != famerr.AlreadyExists {
		t.Fatalf("expected AlreadyExists for duplicate item name, got %v", err)
	}
}

func TestNameTooLong(t *testing.T) {
	s := newTestStore(t)
	long := make([]byte, NameMaxLen+1)
	for i := range long {
		long[i] = 'a'
	}
	rm := &RegionMeta{RegionID: 3, Name: string(long)}
	if err := s.CreateRegionMeta(rm); famerr.KindOf(err) != famerr.NameTooLong {
		t.Fatalf("expected NameTooLong, got %v", err)
	}
}

func TestCheckRegionPermission(t *testing.T) {
	s := newTestStore(t)
	rm := RegionMeta{OwnerUID: 10, OwnerGID: 10, Perm: os.FileMode(0640)}
	if !s.CheckRegionPermission(rm, Read, 10, 10) {
		t.Fatal("owner should have read")
	}
	if !s.CheckRegionPermission(rm, Write, 10, 10) {
		t.Fatal("owner should have write")
	}
	if s.CheckRegionPermission(rm, Write, 11, 10) {
		t.Fatal("group should not have write (0640)")
	}
	if s.CheckRegionPermission(rm, Read, 11, 11) {
		t.Fatal("other should have no access (0640)")
	}
}
