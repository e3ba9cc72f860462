package fabric

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfam/famsvc/famerr"
)

// Status is the per-resource lifecycle state, packed into the top
// byte of Resource.packed alongside a 56-bit reference count.
type Status uint8

const (
	StatusInactive Status = iota
	StatusBusy
	StatusActive
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusBusy:
		return "BUSY"
	case StatusActive:
		return "ACTIVE"
	case StatusReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

const refCountMask = (uint64(1) << 56) - 1

func pack(status Status, refCount uint64) uint64 {
	return uint64(status)<<56 | (refCount & refCountMask)
}

func unpack(v uint64) (Status, uint64) {
	return Status(v >> 56), v & refCountMask
}

// MemoryRegistration is an opaque fabric MR handle plus its
// deterministic access key. Deallocated marks a data-item slot whose
// backing memory must be freed once the registration is torn down.
type MemoryRegistration struct {
	Key         uint64
	Handle      []byte // provider-opaque MR descriptor
	Deallocated bool
}

// Resource is the per-(region_id, MS) server-side resource record
// described in §4.1: a packed (status, ref_count) word mutated only via
// compare-and-swap, a permission level, an access type, and the set of
// live memory registrations reachable from it.
type Resource struct {
	packed      uint64 // atomic: Status<<56 | refCount
	mu          sync.RWMutex
	PermLevel   string // "REGION" or "DATAITEM"
	AccessType  string // "RO" or "RW"
	regByKey    map[uint64]*MemoryRegistration
}

// NewResource returns a fresh INACTIVE resource.
func NewResource() *Resource {
	return &Resource{
		packed:   pack(StatusInactive, 0),
		regByKey: make(map[uint64]*MemoryRegistration),
	}
}

func (r *Resource) load() (Status, uint64) {
	return unpack(atomic.LoadUint64(&r.packed))
}

func (r *Resource) cas(oldStatus Status, oldRC uint64, newStatus Status, newRC uint64) bool {
	return atomic.CompareAndSwapUint64(&r.packed, pack(oldStatus, oldRC), pack(newStatus, newRC))
}

// Status reports the current lifecycle state and reference count.
func (r *Resource) Status() (Status, uint64) {
	return r.load()
}

// ErrBusy signals the caller must retry with bounded backoff; it is
// never a terminal failure.
var ErrBusy = famerr.New("resource", famerr.Resource, "resource busy, retry")

// OpenWithRegistration transitions INACTIVE→BUSY→ACTIVE(rc=1), or bumps
// an existing ACTIVE resource's ref count. register is invoked exactly
// once, by whichever goroutine wins the INACTIVE→BUSY race, and must
// register the region's fabric memory. A caller that finds the resource
// BUSY waits with bounded backoff and retries; it returns ErrBusy only
// if the resource is still BUSY once that backoff is used up. If
// register fails the state machine rolls back to INACTIVE (§4.1 rule 2,
// §9 open question resolved in favor of rollback over leaving a stuck
// BUSY entry).
func (r *Resource) OpenWithRegistration(register func() error) error {
	const maxBusyBackoff = 64 * time.Millisecond
	backoff := time.Microsecond
	for {
		status, rc := r.load()
		switch status {
		case StatusInactive:
			if !r.cas(status, rc, StatusBusy, 0) {
				continue
			}
			if err := register(); err != nil {
				// roll back: we are the only holder of BUSY, so this store cannot race.
				atomic.StoreUint64(&r.packed, pack(StatusInactive, 0))
				return err
			}
			atomic.StoreUint64(&r.packed, pack(StatusActive, 1))
			return nil
		case StatusActive:
			if !r.cas(status, rc, StatusActive, rc+1) {
				continue
			}
			return nil
		case StatusBusy:
			if backoff > maxBusyBackoff {
				return ErrBusy
			}
			time.Sleep(backoff)
			backoff *= 2
		case StatusReleased:
			return ErrBusy // caller should retry against a freshly recycled entry
		}
	}
}

// OpenWithoutRegistration transitions INACTIVE→ACTIVE(rc=1) directly,
// or bumps an existing ACTIVE resource.
func (r *Resource) OpenWithoutRegistration() error {
	for {
		status, rc := r.load()
		switch status {
		case StatusInactive:
			if r.cas(status, rc, StatusActive, 1) {
				return nil
			}
		case StatusActive:
			if r.cas(status, rc, StatusActive, rc+1) {
				return nil
			}
		case StatusBusy, StatusReleased:
			return ErrBusy
		}
	}
}

// Close decrements the ref count. When it reaches zero the resource
// transitions ACTIVE→BUSY→RELEASED, invoking unregister (deregistering
// every MR) and freeDeallocated (handing deallocated data-item memory
// back to the heap, only when PermLevel is DATAITEM and
// resourceReleaseEnabled is true). Returns the terminal status.
func (r *Resource) Close(unregister func([]*MemoryRegistration) error, freeDeallocated func(*MemoryRegistration) error, resourceReleaseEnabled bool) (Status, error) {
	for {
		status, rc := r.load()
		if status != StatusActive {
			return status, ErrBusy
		}
		if rc > 1 {
			if r.cas(status, rc, StatusActive, rc-1) {
				return StatusActive, nil
			}
			continue
		}
		// rc == 1: we are the thread that drains this resource.
		if !r.cas(status, rc, StatusBusy, rc) {
			continue
		}
		regs := r.snapshotRegistrations()
		if unregister != nil {
			if err := unregister(regs); err != nil {
				// leave in BUSY; a well-behaved caller retries teardown.
				return StatusBusy, err
			}
		}
		if resourceReleaseEnabled && r.PermLevel == "DATAITEM" && freeDeallocated != nil {
			for _, mr := range regs {
				if mr.Deallocated {
					if err := freeDeallocated(mr); err != nil {
						return StatusBusy, err
					}
				}
			}
		}
		r.clearRegistrations()
		atomic.StoreUint64(&r.packed, pack(StatusReleased, 0))
		return StatusReleased, nil
	}
}

// Recycle replaces a RELEASED resource with a fresh INACTIVE one,
// matching the "replaced by a fresh INACTIVE entry" transition. Callers
// hold the resource table's write lock while calling this; Resource
// itself is stateless with respect to table membership.
func (r *Resource) Recycle() {
	atomic.StoreUint64(&r.packed, pack(StatusInactive, 0))
	r.clearRegistrations()
}

// AddRegistration records a memory registration under its key.
func (r *Resource) AddRegistration(mr *MemoryRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regByKey[mr.Key] = mr
}

// Registration looks up a live registration by key.
func (r *Resource) Registration(key uint64) (*MemoryRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mr, ok := r.regByKey[key]
	return mr, ok
}

// MarkDeallocated flags a registration's backing memory as freed from
// the caller's perspective; physical free is deferred to Close.
func (r *Resource) MarkDeallocated(key uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	mr, ok := r.regByKey[key]
	if !ok {
		return false
	}
	mr.Deallocated = true
	return true
}

// Registrations returns a snapshot of every live registration on r, used
// by get_region_memory/get_dataitem_memory getters that must not mutate
// refcount or registration state.
func (r *Resource) Registrations() []*MemoryRegistration {
	return r.snapshotRegistrations()
}

func (r *Resource) snapshotRegistrations() []*MemoryRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MemoryRegistration, 0, len(r.regByKey))
	for _, mr := range r.regByKey {
		out = append(out, mr)
	}
	return out
}

func (r *Resource) clearRegistrations() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regByKey = make(map[uint64]*MemoryRegistration)
}

// Table is the region-resource table: a reader-writer-locked map from
// region id to its Resource, matching §5's "reads take the read lock,
// inserts and garbage-collection take the write lock" policy.
type Table struct {
	mu   sync.RWMutex
	byID map[uint64]*Resource
}

func NewTable() *Table {
	return &Table{byID: make(map[uint64]*Resource)}
}

// GetOrCreate returns the resource for regionID, creating a fresh
// INACTIVE entry under the write lock if one does not exist yet. A
// RELEASED entry is replaced by a fresh INACTIVE one on the spot
// (§4.1 "RELEASED --open--> replaced by a fresh INACTIVE entry"):
// correctness does not depend on the garbage queue having already
// reclaimed it.
func (t *Table) GetOrCreate(regionID uint64) *Resource {
	t.mu.RLock()
	r, ok := t.byID[regionID]
	t.mu.RUnlock()
	if ok {
		if st, _ := r.Status(); st != StatusReleased {
			return r
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok = t.byID[regionID]; ok {
		if st, _ := r.Status(); st != StatusReleased {
			return r
		}
	}
	r = NewResource()
	t.byID[regionID] = r
	return r
}

// Get returns the resource for regionID without creating one.
func (t *Table) Get(regionID uint64) (*Resource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byID[regionID]
	return r, ok
}

// Delete drops regionID's resource from the table whatever its status,
// used when a region is destroyed rather than merely closed.
func (t *Table) Delete(regionID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, regionID)
}
