package fabric

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	key := GenerateKey(42, 7, PermReadWrite)
	r, s, p := DecodeKey(key)
	if r != 42 || s != 7 || p != PermReadWrite {
		t.Fatalf("round trip mismatch: region=%d sub=%d perm=%d", r, s, p)
	}
}

func TestResourceOpenCloseCycle(t *testing.T) {
	r := NewResource()
	r.PermLevel = "DATAITEM"

	registered := false
	if err := r.OpenWithRegistration(func() error {
		registered = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !registered {
		t.Fatal("register callback not invoked")
	}
	st, rc := r.Status()
	if st != StatusActive || rc != 1 {
		t.Fatalf("expected ACTIVE rc=1, got %v rc=%d", st, rc)
	}

	// second open bumps refcount
	if err := r.OpenWithRegistration(func() error { t.Fatal("should not re-register"); return nil }); err != nil {
		t.Fatal(err)
	}
	if st, rc = r.Status(); st != StatusActive || rc != 2 {
		t.Fatalf("expected ACTIVE rc=2, got %v rc=%d", st, rc)
	}

	// first close just decrements
	unregisterCalled := false
	if st, err := r.Close(func([]*MemoryRegistration) error { unregisterCalled = true; return nil }, nil, false); err != nil || st != StatusActive {
		t.Fatalf("expected ACTIVE after partial close, got %v err=%v", st, err)
	}
	if unregisterCalled {
		t.Fatal("unregister should not run until rc reaches zero")
	}

	// second close drains to RELEASED
	st, err := r.Close(func([]*MemoryRegistration) error { unregisterCalled = true; return nil }, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusReleased {
		t.Fatalf("expected RELEASED, got %v", st)
	}
	if !unregisterCalled {
		t.Fatal("unregister should have run")
	}
}

func TestResourceRegistrationRollback(t *testing.T) {
	r := NewResource()
	err := r.OpenWithRegistration(func() error { return ErrBusy })
	if err == nil {
		t.Fatal("expected registration failure to propagate")
	}
	st, rc := r.Status()
	if st != StatusInactive || rc != 0 {
		t.Fatalf("expected rollback to INACTIVE rc=0, got %v rc=%d", st, rc)
	}
}

func TestResourceConcurrentOpen(t *testing.T) {
	r := NewResource()
	var registerCount int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OpenWithRegistration(func() error {
				registerCount++
				return nil
			})
		}()
	}
	wg.Wait()
	if registerCount != 1 {
		t.Fatalf("expected exactly one registration, got %d", registerCount)
	}
	if _, rc := r.Status(); rc != 50 {
		t.Fatalf("expected rc=50, got %d", rc)
	}
}

func TestCASLockArraySequentialReacquire(t *testing.T) {
	c := NewCASLockArray()
	c.Acquire(1, 0)
	c.Release(1, 0)
	// same region/offset must not deadlock on sequential acquire
	c.Acquire(1, 0)
	c.Release(1, 0)
}

func TestMinMaxFloatNaN(t *testing.T) {
	nan := float64(math.NaN())
	if got := MinFloat64(nan, 5.0); got != 5.0 {
		t.Fatalf("NaN current should be replaced by non-NaN operand, got %v", got)
	}
	if got := MinFloat64(5.0, nan); got != 5.0 {
		t.Fatalf("NaN operand should never replace non-NaN current, got %v", got)
	}
	if got := MaxFloat64(3.0, 7.0); got != 7.0 {
		t.Fatalf("expected 7.0, got %v", got)
	}
}

func TestApplyFetchAddInt64(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 10)
	prev, err := Apply(buf, 0, Int64, OpFetchAdd, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if prev != 10 {
		t.Fatalf("expected previous=10, got %d", prev)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 15 {
		t.Fatalf("expected 15 after add, got %d", got)
	}
}

func TestApplyCompareAndSwap(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 7)
	if _, err := Apply(buf, 0, UInt32, OpCompareAndSwap, 99, 7); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 99 {
		t.Fatalf("expected swap to succeed, got %d", got)
	}
	if _, err := Apply(buf, 0, UInt32, OpCompareAndSwap, 1, 7); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 99 {
		t.Fatalf("expected swap to fail (stale expected), got %d", got)
	}
}

func TestApplyOutOfRange(t *testing.T) {
	buf := make([]byte, 4)
	if _, err := Apply(buf, 0, Int64, OpFetchAdd, 1, 0); err == nil {
		t.Fatal("expected OutOfRange error for 8-byte op on 4-byte buffer")
	}
}
