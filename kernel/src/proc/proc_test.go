package proc

import (
	"testing"
	"unsafe"

	"boot"
	"buddy"
	"frame"
	"paging"
	"vma"
)

func setup(t *testing.T) *Proc_t {
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
	return &Proc_t{Pid: 1, Mm: mm}
}

func TestPageFaultHandlesOrdinaryUserFault(t *testing.T) {
	pr := setup(t)
	if err := pr.Mm.InsertVma(0x10000, 0x14000, vma.VM_READ|vma.VM_WRITE|vma.VM_ANONYMOUS, paging.PTE_U|paging.PTE_W, nil, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	res, _, err := pr.PageFault(0, 0x11000, false)
	if err != nil || res != FaultHandled {
		t.Fatalf("got (%v, %v), want (FaultHandled, nil)", res, err)
	}
}

func TestPageFaultPrefersRegisteredFixup(t *testing.T) {
	pr := setup(t)
	const faultPC, fixupPC = uintptr(0x4000), uintptr(0x4010)
	paging.RegisterFixup(faultPC, fixupPC)
	defer paging.ClearFixup(faultPC)

	res, resume, err := pr.PageFault(faultPC, 0x99999000, true)
	if err != nil || res != FaultFixedUp || resume != fixupPC {
		t.Fatalf("got (%v, %#x, %v), want (FaultFixedUp, %#x, nil)", res, resume, err, fixupPC)
	}
}

func TestPageFaultOnUnmappedAddressIsFatal(t *testing.T) {
	pr := setup(t)
	res, _, err := pr.PageFault(0, 0x99999000, false)
	if res != FaultFatal || err == nil {
		t.Fatalf("got (%v, %v), want (FaultFatal, non-nil)", res, err)
	}
}
