package uaccess

import (
	"testing"
	"unsafe"

	"boot"
	"buddy"
	"frame"
	"paging"
	"vma"
)

func setup(t *testing.T) *vma.Mm_t {
	t.Helper()
	const physSize = 8 << 20
	backing := make([]byte, physSize+(1<<buddy.MaxOrder)*2)
	dmapBase := uintptr(unsafe.Pointer(&backing[0]))

	heap := buddy.New(dmapBase, uintptr(len(backing)))
	mmap := []boot.Region_t{{Base: 0, Length: uintptr(len(backing)), Typ: boot.RegionAvailable}}
	frames := frame.Init(mmap, heap, dmapBase, nil)

	p := paging.New(frames, heap, paging.NewHostCPU(), dmapBase)
	p.InitKernelPD()

	mm, err := vma.CreateMm(p, frames)
	if err != nil {
		t.Fatalf("create_mm failed: %v", err)
	}
	return mm
}

func TestAccessOkRequiresCoverageAndPermission(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x10000, 0x14000, vma.VM_READ|vma.VM_ANONYMOUS, paging.PTE_U, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if !AccessOk(mm, 0x10100, 0x100, false) {
		t.Fatal("access_ok(read) should have succeeded within a mapped, readable VMA")
	}
	if AccessOk(mm, 0x10100, 0x100, true) {
		t.Fatal("access_ok(write) should have failed: the VMA is read-only")
	}
	if AccessOk(mm, 0x13f00, 0x200, false) {
		t.Fatal("access_ok should have failed: the range runs past the VMA's end")
	}
}

func TestCopyToThenFromUserRoundTrips(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x20000, 0x22000, vma.VM_READ|vma.VM_WRITE|vma.VM_ANONYMOUS, paging.PTE_U|paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	src := []byte("hello from the kernel")
	const uva = uintptr(0x20ff8) // straddles a page boundary
	if n, err := CopyToUser(mm, uva, src); err != nil || n != len(src) {
		t.Fatalf("copy_to_user: got (%d, %v), want (%d, nil)", n, err, len(src))
	}

	dst := make([]byte, len(src))
	if n, err := CopyFromUser(mm, dst, uva); err != nil || n != len(dst) {
		t.Fatalf("copy_from_user: got (%d, %v), want (%d, nil)", n, err, len(dst))
	}
	if string(dst) != string(src) {
		t.Fatalf("got %q, want %q", dst, src)
	}
}

func TestCopyFromUserRejectsUnmappedAddress(t *testing.T) {
	mm := setup(t)
	dst := make([]byte, 16)
	if _, err := CopyFromUser(mm, dst, 0x99999000); err != ErrFault {
		t.Fatalf("got %v, want ErrFault for an unmapped user address", err)
	}
}

func TestCopyToUserRejectsReadOnlyVma(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x30000, 0x31000, vma.VM_READ|vma.VM_ANONYMOUS, paging.PTE_U, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	src := []byte("nope")
	if _, err := CopyToUser(mm, 0x30100, src); err != ErrFault {
		t.Fatalf("got %v, want ErrFault writing into a read-only VMA", err)
	}
}

func TestUserStrStopsAtNulTerminator(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x40000, 0x41000, vma.VM_READ|vma.VM_WRITE|vma.VM_ANONYMOUS, paging.PTE_U|paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	const uva = uintptr(0x40010)
	raw := append([]byte("hello"), 0, 'X', 'X')
	if _, err := CopyToUser(mm, uva, raw); err != nil {
		t.Fatalf("copy_to_user failed: %v", err)
	}
	s, err := UserStr(mm, uva, 64)
	if err != nil {
		t.Fatalf("user_str failed: %v", err)
	}
	if s.String() != "hello" {
		t.Fatalf("got %q, want %q", s.String(), "hello")
	}
}

func TestUserStrRejectsOverlyLongString(t *testing.T) {
	mm := setup(t)
	if err := mm.InsertVma(0x50000, 0x52000, vma.VM_READ|vma.VM_WRITE|vma.VM_ANONYMOUS, paging.PTE_U|paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	raw := make([]byte, 200)
	for i := range raw {
		raw[i] = 'a'
	}
	if _, err := CopyToUser(mm, 0x50000, raw); err != nil {
		t.Fatalf("copy_to_user failed: %v", err)
	}
	if _, err := UserStr(mm, 0x50000, 32); err != ErrNameTooLong {
		t.Fatalf("got %v, want ErrNameTooLong", err)
	}
}

func TestFakeubufRoundTrips(t *testing.T) {
	backing := make([]byte, 8)
	fb := NewFakeubuf(backing)
	if fb.Totalsz() != 8 || fb.Remain() != 8 {
		t.Fatalf("got totalsz=%d remain=%d, want 8/8", fb.Totalsz(), fb.Remain())
	}
	n, err := fb.Uiowrite([]byte("abcd"))
	if err != nil || n != 4 {
		t.Fatalf("uiowrite: got (%d, %v), want (4, nil)", n, err)
	}
	if fb.Remain() != 4 {
		t.Fatalf("got remain=%d, want 4 after writing 4 bytes", fb.Remain())
	}
	if string(backing[:4]) != "abcd" {
		t.Fatalf("got %q, want %q written into the backing slice", backing[:4], "abcd")
	}
}
