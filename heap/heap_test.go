package heap

import (
	"testing"

	"github.com/openfam/famsvc/famerr"
)

func TestCreateAllocFree(t *testing.T) {
	m := NewManager(t.TempDir())
	h, err := m.Create("region-1", 4096)
	if err != nil {
		t.Fatal(err)
	}

	off1, err := h.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	off2, err := h.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if off1 == off2 {
		t.Fatal("expected distinct offsets")
	}

	if err := h.Free(off1); err != nil {
		t.Fatal(err)
	}
	// re-allocating the same size should reuse the freed extent
	off3, err := h.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if off3 != off1 {
		t.Fatalf("expected free-list reuse at %d, got %d", off1, off3)
	}
}

func TestCreateDuplicate(t *testing.T) {
	m := NewManager(t.TempDir())
	if _, err := m.Create("region-1", 4096); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("region-1", 4096); famerr.KindOf(err) != famerr.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestAllocNoSpace(t *testing.T) {
	m := NewManager(t.TempDir())
	h, err := m.Create("region-1", 128)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Alloc(256); famerr.KindOf(err) != famerr.NoSpace {
		t.Fatalf("expected NoSpace, got %v", err)
	}
}

func TestResizeGrowsFreeList(t *testing.T) {
	m := NewManager(t.TempDir())
	h, err := m.Create("region-1", 128)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Alloc(128); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Alloc(1); famerr.KindOf(err) != famerr.NoSpace {
		t.Fatal("expected heap to be full before resize")
	}
	if err := m.Resize("region-1", 256); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Alloc(64); err != nil {
		t.Fatalf("expected allocation to succeed after resize: %v", err)
	}
}

func TestCloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	h, err := m.Create("region-1", 4096)
	if err != nil {
		t.Fatal(err)
	}
	off, err := h.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	copy(h.Data()[off:], []byte("hello"))
	if err := m.Close("region-1"); err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(dir)
	h2, err := m2.Open("region-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(h2.Data()[off:off+5]) != "hello" {
		t.Fatal("expected persisted bytes to survive close/reopen")
	}
}

func TestDestroyRemovesFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	if _, err := m.Create("region-1", 4096); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy("region-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open("region-1"); famerr.KindOf(err) != famerr.NotFound {
		t.Fatalf("expected NotFound after destroy, got %v", err)
	}
}
