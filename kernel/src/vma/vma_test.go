package vma

import (
	"testing"
	"unsafe"

	"boot"
	"buddy"
	"fdops"
	"frame"
	"paging"
)

func setup(t *testing.T) *Mm_t {
	t.Helper()
	const physSize = 8 << 20
	backing := make([]byte, physSize+(1<<buddy.MaxOrder)*2)
	dmapBase := uintptr(unsafe.Pointer(&backing[0]))

	heap := buddy.New(dmapBase, uintptr(len(backing)))
	mmap := []boot.Region_t{{Base: 0, Length: uintptr(len(backing)), Typ: boot.RegionAvailable}}
	frames := frame.Init(mmap, heap, dmapBase, nil)

	p := paging.New(frames, heap, paging.NewHostCPU(), dmapBase)
	p.InitKernelPD()

	mm, err := CreateMm(p, frames)
	if err != nil {
		t.Fatalf("create_mm failed: %v", err)
	}
	return mm
}

func TestInsertAndFindVma(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x10000, 0x14000, VM_READ|VM_WRITE|VM_ANONYMOUS, paging.PTE_U|paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert_vma failed: %v", err)
	}
	v, ok := mm.FindVma(0x11234)
	if !ok {
		t.Fatal("find_vma missed a mapped address")
	}
	if v.Start != 0x10000 || v.End != 0x14000 {
		t.Fatalf("got [%#x,%#x), want [0x10000,0x14000)", v.Start, v.End)
	}
	if _, ok := mm.FindVma(0x20000); ok {
		t.Fatal("find_vma matched an address outside any VMA")
	}
}

func TestInsertVmaRejectsOverlap(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x10000, 0x14000, VM_READ, 0, nil, 0); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := mm.InsertVma(0x12000, 0x16000, VM_READ, 0, nil, 0); err != ErrOverlap {
		t.Fatalf("got %v, want ErrOverlap", err)
	}
}

func TestInsertVmaMergesAdjacentCompatible(t *testing.T) {
	mm := setup(t)
	flags := VM_READ | VM_WRITE | VM_ANONYMOUS
	if err := mm.InsertVma(0x10000, 0x14000, flags, paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := mm.InsertVma(0x14000, 0x18000, flags, paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if got := mm.MapCount(); got != 1 {
		t.Fatalf("got map_count %d, want 1 (adjacent compatible VMAs should merge)", got)
	}
	v, ok := mm.FindVma(0x15000)
	if !ok || v.Start != 0x10000 || v.End != 0x18000 {
		t.Fatalf("got %+v ok=%v, want one merged [0x10000,0x18000)", v, ok)
	}
}

func TestRemoveVmaRangeSplitsMiddle(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x10000, 0x20000, VM_READ|VM_WRITE, 0, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := mm.RemoveVmaRange(0x14000, 0x4000); err != nil {
		t.Fatalf("remove_vma_range failed: %v", err)
	}
	if _, ok := mm.FindVma(0x15000); ok {
		t.Fatal("expected the carved-out hole to be unmapped")
	}
	left, ok := mm.FindVma(0x11000)
	if !ok || left.Start != 0x10000 || left.End != 0x14000 {
		t.Fatalf("got left remainder %+v ok=%v, want [0x10000,0x14000)", left, ok)
	}
	right, ok := mm.FindVma(0x1c000)
	if !ok || right.Start != 0x18000 || right.End != 0x20000 {
		t.Fatalf("got right remainder %+v ok=%v, want [0x18000,0x20000)", right, ok)
	}
	if got := mm.MapCount(); got != 2 {
		t.Fatalf("got map_count %d, want 2 after a middle split", got)
	}
}

// TestAnonReadFaultMapsZeroPage mirrors scenario S3: a read fault on a
// not-present anonymous page must succeed and read back as zero.
func TestAnonReadFaultMapsZeroPage(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x10000, 0x14000, VM_READ|VM_WRITE|VM_ANONYMOUS, paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	const addr = uintptr(0x11234)
	if err := mm.HandleVmaFault(addr, false); err != nil {
		t.Fatalf("handle_vma_fault(read) failed: %v", err)
	}

	entry, isLarge := mm.pager.Walk(mm.pd, addr)
	if isLarge || entry&paging.PTE_P == 0 {
		t.Fatal("expected the faulted page to read back present")
	}
	if entry&pteCOW == 0 {
		t.Fatal("expected a read fault on a writable anon VMA to install a COW-tagged mapping")
	}
	pg := (*frame.Pg_t)(mm.frames.Dmap(frame.Pa_t(entry.Phys())))
	for i, b := range pg {
		if b != 0 {
			t.Fatalf("byte %d of the newly-faulted page was %d, want 0", i, b)
		}
	}
}

// TestCowWriteFaultPrivatizesPage mirrors property 8 (COW semantics): a
// write fault on a shared, COW-tagged page must allocate a private frame
// and drop only this mapping's reference to the shared frame, leaving its
// contents untouched for the other mapper.
func TestCowWriteFaultPrivatizesPage(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x10000, 0x14000, VM_READ|VM_WRITE|VM_ANONYMOUS, paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	const addr = uintptr(0x11234)
	if err := mm.HandleVmaFault(addr, false); err != nil {
		t.Fatalf("read fault failed: %v", err)
	}
	zeroPA := mm.zeroFrame()
	mm.frames.Get(zeroPA) // simulate a second mapper of the shared zero page

	if err := mm.HandleVmaFault(addr, true); err != nil {
		t.Fatalf("write fault failed: %v", err)
	}
	entry, _ := mm.pager.Walk(mm.pd, addr)
	if entry&paging.PTE_W == 0 {
		t.Fatal("expected the page to be writable after COW resolve")
	}
	if entry.Phys() == uintptr(zeroPA) {
		t.Fatal("expected COW resolve to have allocated a private frame distinct from the shared zero page")
	}
	// The mm's own hold on its zero frame plus the simulated second mapper
	// remain once the faulting mapping's reference is released.
	if got := mm.frames.Refcount(zeroPA); got != 2 {
		t.Fatalf("got zero-page refcount %d after COW resolve, want 2 (this mapping's reference released)", got)
	}
}

func TestStackGrowsDownWithinGuardBound(t *testing.T) {
	mm := setup(t)
	const stackTop = uintptr(0x80000000)
	if err := mm.InsertVma(stackTop-0x1000, stackTop, VM_READ|VM_WRITE|VM_GROWS_DOWN|VM_STACK, paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := mm.HandleVmaFault(stackTop-0x1001, true); err != nil {
		t.Fatalf("expected stack growth to service the fault, got %v", err)
	}
	v, ok := mm.FindVma(stackTop - 0x1001)
	if !ok || v.Start != stackTop-0x2000 {
		t.Fatalf("got %+v ok=%v, want vm_start grown to %#x", v, ok, stackTop-0x2000)
	}
}

func TestWriteFaultOnReadOnlyVmaIsSegv(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x10000, 0x14000, VM_READ, 0, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := mm.HandleVmaFault(0x11000, true); err != ErrSegv {
		t.Fatalf("got %v, want ErrSegv", err)
	}
}

type fakeFile struct {
	data []byte
}

func (f *fakeFile) ReadPage(off int64, buf []byte) (int, error) {
	n := copy(buf, f.data[off:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return n, nil
}

func (f *fakeFile) Len() (int64, error) { return int64(len(f.data)), nil }

var _ fdops.Fdops_i = (*fakeFile)(nil)

// TestSharedAnonFaultBeforeMapIsBug checks the "shared anon pages should
// always be mapped" invariant: a fault reaching an unmapped
// shared-anonymous VMA is a caller bug, not a recoverable page fault, so it
// panics rather than returning an error.
func TestSharedAnonFaultBeforeMapIsBug(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x40000, 0x41000, VM_READ|VM_WRITE|VM_SHARED|VM_ANONYMOUS, paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected a fault on an unmapped shared-anonymous VMA to panic")
		}
	}()
	mm.HandleVmaFault(0x40100, false)
}

func TestSharedFileFaultReadsBackingContent(t *testing.T) {
	mm := setup(t)
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 0x42
	}
	f := &fakeFile{data: data}
	if err := mm.InsertVma(0x20000, 0x21000, VM_READ|VM_WRITE|VM_SHARED|VM_FILEBACKED, paging.PTE_W, f, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := mm.HandleVmaFault(0x20100, false); err != nil {
		t.Fatalf("file fault failed: %v", err)
	}
	entry, _ := mm.pager.Walk(mm.pd, 0x20000)
	pg := (*frame.Pg_t)(mm.frames.Dmap(frame.Pa_t(entry.Phys())))
	if pg[0] != 0x42 {
		t.Fatalf("got byte 0x%x, want 0x42 from the backing file", pg[0])
	}
}
