package buddy

import (
	"testing"
	"unsafe"
)

// backing returns a byte slice large enough to host a buddy heap of size
// bytes and the first address inside it aligned to 1<<MaxOrder, suitable
// for New's regionVirt: New's alignment rounding then abandons nothing.
func backing(size uintptr) (uintptr, []byte) {
	buf := make([]byte, size+(uintptr(1)<<MaxOrder))
	const align = uintptr(1) << MaxOrder
	base := (uintptr(unsafe.Pointer(&buf[0])) + align - 1) &^ (align - 1)
	return base, buf
}

func TestAllocFreeRoundTrip(t *testing.T) {
	base, _ := backing(uintptr(1) << (MaxOrder + 2))
	a := New(base, uintptr(1)<<(MaxOrder+2))

	p := a.Alloc(64)
	if p == nil {
		t.Fatal("alloc failed")
	}
	a.Free(p)

	st := a.Stats()
	if st.Allocs != 1 || st.Frees != 1 {
		t.Fatalf("want 1 alloc/1 free, got %+v", st)
	}
	if st.FreeBytes != st.TotalBytes {
		t.Fatalf("free bytes did not return to total after free: %+v", st)
	}
}

// TestSplitAndCoalesce exercises scenario S1: allocate two small blocks that
// force a split of one larger block, free both, and confirm the space
// recombines back into a single free block of the original order (property
// 1, coalescing never leaves avoidable fragmentation).
func TestSplitAndCoalesce(t *testing.T) {
	base, _ := backing(uintptr(1) << (MinOrder + 3))
	a := New(base, uintptr(1)<<(MinOrder+3))

	before := a.Stats()

	p1 := a.Alloc(8)
	p2 := a.Alloc(8)
	if p1 == nil || p2 == nil {
		t.Fatal("expected both small allocations to succeed")
	}
	if p1 == p2 {
		t.Fatal("two live allocations aliased the same memory")
	}

	a.Free(p1)
	a.Free(p2)

	after := a.Stats()
	if after.FreeBytes != before.FreeBytes {
		t.Fatalf("coalesce did not restore all free bytes: before=%+v after=%+v", before, after)
	}
	if a.free[MinOrder+3] == nil || a.free[MinOrder+3].next != nil {
		t.Fatal("expected the freed halves to recombine into one free block of the original order")
	}
}

func TestAllocAlignment(t *testing.T) {
	base, _ := backing(uintptr(1) << (MaxOrder + 1))
	a := New(base, uintptr(1)<<(MaxOrder+1))

	p := a.AllocRaw(MinOrder + 2)
	if p == nil {
		t.Fatal("alloc_raw failed")
	}
	addr := uintptr(p)
	blockSize := uintptr(1) << (MinOrder + 2)
	if (addr-a.base)%blockSize != 0 {
		t.Fatalf("block %#x not aligned to its order size %d", addr, blockSize)
	}
	a.FreeRaw(p, MinOrder+2)
}

func TestOOMReturnsNil(t *testing.T) {
	base, _ := backing(uintptr(1) << MaxOrder)
	a := New(base, uintptr(1)<<MaxOrder)

	p := a.AllocRaw(MaxOrder)
	if p == nil {
		t.Fatal("expected the one top-order block to be allocatable")
	}
	if q := a.Alloc(1); q != nil {
		t.Fatal("expected exhausted heap to return nil, not a pointer")
	}
	st := a.Stats()
	if st.Fails == 0 {
		t.Fatal("expected the failed allocation to be counted")
	}
	a.FreeRaw(p, MaxOrder)
}

func TestDoubleAllocDistinctMemory(t *testing.T) {
	base, _ := backing(uintptr(1) << (MinOrder + 4))
	a := New(base, uintptr(1)<<(MinOrder+4))

	var ptrs []unsafe.Pointer
	for i := 0; i < 4; i++ {
		p := a.Alloc(16)
		if p == nil {
			t.Fatalf("allocation %d failed unexpectedly", i)
		}
		ptrs = append(ptrs, p)
	}
	for i := range ptrs {
		for j := range ptrs {
			if i != j && ptrs[i] == ptrs[j] {
				t.Fatalf("allocations %d and %d aliased", i, j)
			}
		}
	}
	for _, p := range ptrs {
		a.Free(p)
	}
}

func TestDumpLeaksEmptyOutsideDebugBuilds(t *testing.T) {
	base, _ := backing(1 << 16)
	a := New(base, 1<<16)
	a.Alloc(16) // left live on purpose; still shouldn't appear without Debug

	prof := a.DumpLeaks()
	if prof == nil {
		t.Fatal("dump_leaks returned a nil profile")
	}
	if len(prof.Sample) != 0 {
		t.Fatalf("got %d samples, want 0 (Debug is off in this build)", len(prof.Sample))
	}
}
