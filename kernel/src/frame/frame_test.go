package frame

import (
	"testing"
	"unsafe"

	"boot"
	"buddy"
)

// setup builds a buddy heap over a scratch buffer and a frame table whose
// simulated physical range is that whole buffer, so every page the heap
// hands out has a refcount slot. The buffer is padded, as in buddy_test.go,
// to absorb buddy.New's alignment rounding.
func setup(t *testing.T) (*Table_t, uintptr) {
	t.Helper()
	const physSize = 4 << 20 // 4 MiB of heap room beyond the padding
	backing := make([]byte, physSize+(1<<buddy.MaxOrder)*2)
	dmapBase := uintptr(unsafe.Pointer(&backing[0]))

	heap := buddy.New(dmapBase, uintptr(len(backing)))
	mmap := []boot.Region_t{
		{Base: 0, Length: uintptr(len(backing)), Typ: boot.RegionAvailable},
	}
	tbl := Init(mmap, heap, dmapBase, nil)
	return tbl, dmapBase
}

func TestAllocSetsRefcountOne(t *testing.T) {
	tbl, _ := setup(t)
	pa, ok := tbl.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	if got := tbl.Refcount(pa); got != 1 {
		t.Fatalf("got refcount %d, want 1", got)
	}
}

func TestGetPutRoundTrip(t *testing.T) {
	tbl, _ := setup(t)
	pa, ok := tbl.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	tbl.Get(pa)
	if got := tbl.Refcount(pa); got != 2 {
		t.Fatalf("got refcount %d after Get, want 2", got)
	}
	tbl.Put(pa)
	if got := tbl.Refcount(pa); got != 1 {
		t.Fatalf("got refcount %d after one Put, want 1", got)
	}
	tbl.Put(pa)
	if got := tbl.Refcount(pa); got != 0 {
		t.Fatalf("got refcount %d after second Put, want 0 (freed)", got)
	}
}

func TestDoubleFreeIsLoggedNotFatal(t *testing.T) {
	tbl, _ := setup(t)
	pa, ok := tbl.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	tbl.Put(pa)
	tbl.Put(pa) // double free: must not panic
	if st := tbl.Stats(); st.DoubleFrees != 1 {
		t.Fatalf("got %d double frees counted, want 1", st.DoubleFrees)
	}
}

func TestTwoAllocsDistinctFrames(t *testing.T) {
	tbl, _ := setup(t)
	pa1, ok1 := tbl.Alloc()
	pa2, ok2 := tbl.Alloc()
	if !ok1 || !ok2 {
		t.Fatal("expected both allocations to succeed")
	}
	if pa1 == pa2 {
		t.Fatal("two live allocations returned the same physical address")
	}
}
