// Package heap implements the per-region persistent heap a memory
// server keeps locally: one mmap-backed file per region name, with a
// first-fit free-list allocator over the mapped bytes. This is the
// "one named heap per region" store called out as persisted state --
// create/open/close/destroy/alloc/free/get_extents map directly onto
// the contract a memory server needs.
package heap

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/openfam/famsvc/famerr"
)

// Heap is one mmap-backed named region. Bytes are addressed by offset
// from the start of the mapping; Data exposes the mapping directly so
// the fabric package can register it and server-executed atomics can
// read/write it in place.
type Heap struct {
	name string
	path string
	fd   *os.File
	data []byte // mmap'd region

	mu    sync.Mutex
	free  []extent // free list, sorted by base, coalesced on Free
	inUse map[uint64]uint64 // base -> size, for Free's size lookup
}

type extent struct {
	base, size uint64
}

// Manager owns every open Heap on a memory server, keyed by name
// (region_id formatted as a string, by convention of the caller).
type Manager struct {
	dir string

	mu     sync.RWMutex
	byName map[string]*Heap
}

// NewManager creates a Manager rooted at dir; one file per heap name
// is stored directly under dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, byName: make(map[string]*Heap)}
}

func (m *Manager) pathFor(name string) string {
	return filepath.Join(m.dir, name+".heap")
}

// Create allocates a persistent heap of size bytes under name. Fails
// with AlreadyExists if the backing file already exists.
func (m *Manager) Create(name string, size uint64) (*Heap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return nil, famerr.New("create", famerr.AlreadyExists, name)
	}
	path := m.pathFor(name)
	if _, err := os.Stat(path); err == nil {
		return nil, famerr.New("create", famerr.AlreadyExists, name)
	}
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, famerr.Wrap("create", famerr.Memory, "failed to create heap directory", err)
	}
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, famerr.Wrap("create", famerr.Memory, "failed to create heap file", err)
	}
	if err := fd.Truncate(int64(size)); err != nil {
		fd.Close()
		os.Remove(path)
		return nil, famerr.Wrap("create", famerr.Memory, "failed to size heap file", err)
	}
	h, err := mapHeap(name, path, fd, size)
	if err != nil {
		fd.Close()
		os.Remove(path)
		return nil, err
	}
	m.byName[name] = h
	return h, nil
}

// Open opens an existing heap by name, mapping its file into memory.
func (m *Manager) Open(name string) (*Heap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.byName[name]; ok {
		return h, nil
	}
	path := m.pathFor(name)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, famerr.New("open", famerr.NotFound, name)
	}
	fd, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, famerr.Wrap("open", famerr.Memory, "failed to open heap file", err)
	}
	h, err := mapHeap(name, path, fd, uint64(fi.Size()))
	if err != nil {
		fd.Close()
		return nil, err
	}
	m.byName[name] = h
	return h, nil
}

func mapHeap(name, path string, fd *os.File, size uint64) (*Heap, error) {
	data, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, famerr.Wrap("open", famerr.Memory, "mmap failed", err)
	}
	return &Heap{
		name:  name,
		path:  path,
		fd:    fd,
		data:  data,
		free:  []extent{{base: 0, size: size}},
		inUse: make(map[uint64]uint64),
	}, nil
}

// Close unmaps and closes the heap's file descriptor but leaves the
// backing file in place.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byName[name]
	if !ok {
		return famerr.New("close", famerr.NotFound, name)
	}
	delete(m.byName, name)
	return h.close()
}

func (h *Heap) close() error {
	if err := unix.Munmap(h.data); err != nil {
		return famerr.Wrap("close", famerr.Memory, "munmap failed", err)
	}
	return h.fd.Close()
}

// Destroy closes (if open) and deletes a heap's backing file entirely.
func (m *Manager) Destroy(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.byName[name]; ok {
		delete(m.byName, name)
		h.close()
	}
	if err := os.Remove(m.pathFor(name)); err != nil && !os.IsNotExist(err) {
		return famerr.Wrap("destroy", famerr.Memory, "failed to remove heap file", err)
	}
	return nil
}

// Resize grows the heap's backing file and remaps it, extending the
// free list with the newly available tail. Shrinking is not supported
// (resize_region only ever grows per §4.1).
func (m *Manager) Resize(name string, newSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byName[name]
	if !ok {
		return famerr.New("resize", famerr.NotFound, name)
	}
	return h.resize(newSize)
}

func (h *Heap) resize(newSize uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	oldSize := uint64(len(h.data))
	if newSize <= oldSize {
		return famerr.New("resize", famerr.Resource, "new size must exceed current size")
	}
	if err := unix.Munmap(h.data); err != nil {
		return famerr.Wrap("resize", famerr.Memory, "munmap failed", err)
	}
	if err := h.fd.Truncate(int64(newSize)); err != nil {
		return famerr.Wrap("resize", famerr.Memory, "truncate failed", err)
	}
	data, err := unix.Mmap(int(h.fd.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return famerr.Wrap("resize", famerr.Memory, "remap failed", err)
	}
	h.data = data
	h.free = append(h.free, extent{base: oldSize, size: newSize - oldSize})
	h.coalesceLocked()
	return nil
}

// Alloc reserves size bytes (rounded up by the caller to the minimum
// object size) from the free list, first-fit, returning the base
// offset. Fails with NoSpace if no extent is large enough.
func (h *Heap) Alloc(size uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.free {
		if e.size >= size {
			base := e.base
			if e.size == size {
				h.free = append(h.free[:i], h.free[i+1:]...)
			} else {
				h.free[i] = extent{base: e.base + size, size: e.size - size}
			}
			h.inUse[base] = size
			return base, nil
		}
	}
	return 0, famerr.New("allocate", famerr.NoSpace, "heap cannot satisfy request")
}

// Free returns the extent at offset to the free list, coalescing with
// adjacent free extents.
func (h *Heap) Free(offset uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	size, ok := h.inUse[offset]
	if !ok {
		return famerr.New("deallocate", famerr.NotFound, "offset not allocated")
	}
	delete(h.inUse, offset)
	h.free = append(h.free, extent{base: offset, size: size})
	h.coalesceLocked()
	return nil
}

func (h *Heap) coalesceLocked() {
	sort.Slice(h.free, func(i, j int) bool { return h.free[i].base < h.free[j].base })
	merged := h.free[:0]
	for _, e := range h.free {
		if n := len(merged); n > 0 && merged[n-1].base+merged[n-1].size == e.base {
			merged[n-1].size += e.size
		} else {
			merged = append(merged, e)
		}
	}
	h.free = merged
}

// Extent is one (base, size) pair of the heap's backing mapping, used
// by get_extents() to describe local memory layout to the caller.
type Extent struct {
	Base uint64
	Size uint64
}

// GetExtents returns the whole mapped region as a single extent; a
// heap backs one contiguous mmap, so there is always exactly one.
func (h *Heap) GetExtents() []Extent {
	return []Extent{{Base: 0, Size: uint64(len(h.data))}}
}

// Data returns the heap's backing bytes for local pointer resolution
// and server-executed atomics.
func (h *Heap) Data() []byte {
	return h.data
}

// Name returns the heap's name.
func (h *Heap) Name() string {
	return h.name
}
