// Package paging manages 32-bit two-level page tables with PSE 4 MiB pages:
// one page directory (PD) of 1024 entries, each either a 4 MiB PSE mapping
// or a pointer to a 1024-entry page table (PT) of 4 KiB mappings.
//
// CR3/INVLPG/CPUID are privileged instructions a hosted Go program cannot
// issue directly, so those three operations sit behind the CPU_i
// collaborator interface instead, the same boundary pattern used elsewhere
// for physical-page allocation. A real bare-metal build supplies a
// hardware-backed CPU_i; tests and any hosted build use hostCPU_t, a
// software stand-in that just records calls.
package paging

import (
	"sync"
	"unsafe"

	"buddy"
	"frame"
	"util"
)

const (
	/// KernelVirtBase is where the kernel half of every address space
	/// begins; it is shared identically across every PD.
	KernelVirtBase uintptr = 0xC0000000

	PDEntries     = 1024
	PTEntries     = 1024
	PageSize      = 4096
	PageShift     = 12
	LargePageSize = 4 * 1024 * 1024
)

/// PTE_t is one page-directory or page-table entry: bit 0 present, 1
/// read/write, 2 user/supervisor, 3 write-through, 4 cache-disable, 5
/// accessed, 6 dirty (PTE only), 7 page-size (PDE only: 1 = 4 MiB), 8
/// global, bits 12-31 the frame number.
type PTE_t uint32

const (
	PTE_P   PTE_t = 1 << 0
	PTE_W   PTE_t = 1 << 1
	PTE_U   PTE_t = 1 << 2
	PTE_PWT PTE_t = 1 << 3
	PTE_PCD PTE_t = 1 << 4
	PTE_A   PTE_t = 1 << 5
	PTE_D   PTE_t = 1 << 6
	PTE_PS  PTE_t = 1 << 7
	PTE_G   PTE_t = 1 << 8

	pteAddrMask  PTE_t = 0xFFFFF000
	pdeLargeMask PTE_t = 0xFFC00000
)

/// PT_t is a page directory or page table: both are exactly one 4 KiB
/// frame of 1024 32-bit entries.
type PT_t [PTEntries]PTE_t

/// CPU_i abstracts the three privileged operations paging needs and the
/// teacher's custom runtime would otherwise supply directly.
type CPU_i interface {
	/// HasPSE reports whether the running CPU supports 4 MiB pages
	/// (probed via CPUID in a bare-metal build).
	HasPSE() bool
	/// Activate loads CR3 with pdPhys and ensures CR0.PG is set.
	Activate(pdPhys uintptr)
	/// InvalidatePage flushes vaddr's TLB entry (INVLPG).
	InvalidatePage(vaddr uintptr)
}

/// hostCPU_t is the default CPU_i: it assumes PSE is available (true on
/// every CPU in the last two decades) and treats Activate/InvalidatePage as
/// no-ops, recording the most recent call of each for tests to assert on.
type hostCPU_t struct {
	mu          sync.Mutex
	activePD    uintptr
	invalidated uintptr
}

func (h *hostCPU_t) HasPSE() bool { return true }
func (h *hostCPU_t) Activate(pdPhys uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activePD = pdPhys
}
func (h *hostCPU_t) InvalidatePage(vaddr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidated = vaddr
}

/// NewHostCPU returns the software CPU_i stand-in used outside a bare-metal
/// build.
func NewHostCPU() CPU_i { return &hostCPU_t{} }

/// Pager_t is the paging subsystem's single instance: one kernel PD plus
/// whatever per-process PDs get created through it.
type Pager_t struct {
	mu sync.Mutex

	frames   *frame.Table_t
	heap     *buddy.Allocator_t
	cpu      CPU_i
	pse      bool
	dmapBase uintptr

	kernelPD uintptr // physical address of the shared kernel PD
}

/// New constructs a Pager_t over frames and heap. It allocates no kernel
/// PD; InitKernelPD does that.
func New(frames *frame.Table_t, heap *buddy.Allocator_t, cpu CPU_i, dmapBase uintptr) *Pager_t {
	return &Pager_t{frames: frames, heap: heap, cpu: cpu, dmapBase: dmapBase, pse: cpu.HasPSE()}
}

func (p *Pager_t) vaddrToPhys(v uintptr) uintptr {
	if v < p.dmapBase {
		panic("paging: address below direct map base")
	}
	return v - p.dmapBase
}

func (p *Pager_t) pdOf(pdPhys uintptr) *PT_t {
	return (*PT_t)(unsafe.Pointer(p.frames.Dmap(frame.Pa_t(pdPhys))))
}

func pdIndex(va uintptr) uintptr { return (va >> 22) & (PDEntries - 1) }
func ptIndex(va uintptr) uintptr { return (va >> 12) & (PTEntries - 1) }

/// InitKernelPD allocates the shared kernel PD, zeroes it, and returns its
/// physical address. It installs no mappings: the kernel half
/// [KernelVirtBase, 2^32) stays empty until a caller maps it.
func (p *Pager_t) InitKernelPD() uintptr {
	raw := p.heap.AllocRaw(PageShift)
	if raw == nil {
		panic("paging: cannot allocate the kernel page directory")
	}
	pd := (*PT_t)(raw)
	*pd = PT_t{}
	p.kernelPD = p.vaddrToPhys(uintptr(raw))
	return p.kernelPD
}

/// KernelPD returns the physical address of the shared kernel PD.
func (p *Pager_t) KernelPD() uintptr { return p.kernelPD }

/// NewPD allocates a fresh page directory for a new address space and
/// copies the kernel half's entries from the shared kernel PD into it, so
/// every process sees the same kernel mappings.
func (p *Pager_t) NewPD() (uintptr, bool) {
	raw := p.heap.AllocRaw(PageShift)
	if raw == nil {
		return 0, false
	}
	pd := (*PT_t)(raw)
	*pd = PT_t{}

	p.mu.Lock()
	kpd := p.pdOf(p.kernelPD)
	kernelStart := pdIndex(KernelVirtBase)
	for i := kernelStart; i < PDEntries; i++ {
		pd[i] = kpd[i]
	}
	p.mu.Unlock()

	return p.vaddrToPhys(uintptr(raw)), true
}

/// DestroyPD unmaps the user half of pdPhys (releasing every still-present
/// frame it owns) and frees the PD frame itself. Callers normally unmap
/// each VMA explicitly first; DestroyPD is the final catch-all a process
/// teardown calls once its VMA tree is empty.
func (p *Pager_t) DestroyPD(pdPhys uintptr) {
	p.UnmapRange(pdPhys, 0, int(KernelVirtBase), true)
	p.heap.FreeRaw(unsafe.Pointer(p.dmapBase+pdPhys), PageShift)
}

// allocPT allocates and zeroes one PT frame via the buddy heap.
func (p *Pager_t) allocPT() (uintptr, bool) {
	raw := p.heap.AllocRaw(PageShift)
	if raw == nil {
		return 0, false
	}
	pt := (*PT_t)(raw)
	*pt = PT_t{}
	return p.vaddrToPhys(uintptr(raw)), true
}

/// MapSingle ensures vaddr maps to paddr with the given flags in pdPhys,
/// allocating and zeroing the backing PT on demand. It panics if vaddr
/// falls inside an existing 4 MiB PSE mapping, since that can only be
/// changed by unmapping the whole large page first.
func (p *Pager_t) MapSingle(pdPhys, vaddr, paddr uintptr, flags PTE_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pd := p.pdOf(pdPhys)
	pdi := pdIndex(vaddr)
	pde := pd[pdi]
	if pde&PTE_PS != 0 {
		panic("paging: map_single targets an address covered by a 4 MiB page")
	}

	var ptPhys uintptr
	if pde&PTE_P == 0 {
		var ok bool
		ptPhys, ok = p.allocPT()
		if !ok {
			return false
		}
		pd[pdi] = PTE_t(ptPhys) | PTE_P | PTE_W | PTE_U
	} else {
		ptPhys = uintptr(pde & pteAddrMask)
	}

	pt := (*PT_t)(unsafe.Pointer(p.frames.Dmap(frame.Pa_t(ptPhys))))
	pt[ptIndex(vaddr)] = PTE_t(paddr)&pteAddrMask | flags | PTE_P
	p.cpu.InvalidatePage(vaddr)
	return true
}

/// MapRange maps [vstart, vstart+size) to the physical range starting at
/// pstart, one page at a time, installing a 4 MiB PSE mapping instead of
/// 1024 individual PTEs wherever vstart, pstart, and the remaining size all
/// permit it.
func (p *Pager_t) MapRange(pdPhys, vstart, pstart uintptr, size int, flags PTE_t) bool {
	end := vstart + uintptr(size)
	v, ph := vstart, pstart
	for v < end {
		if p.pse &&
			util.Aligned(v, uintptr(LargePageSize)) &&
			util.Aligned(ph, uintptr(LargePageSize)) &&
			end-v >= LargePageSize {
			if !p.mapLarge(pdPhys, v, ph, flags) {
				return false
			}
			v += LargePageSize
			ph += LargePageSize
			continue
		}
		if !p.MapSingle(pdPhys, v, ph, flags) {
			return false
		}
		v += PageSize
		ph += PageSize
	}
	return true
}

func (p *Pager_t) mapLarge(pdPhys, vaddr, paddr uintptr, flags PTE_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd := p.pdOf(pdPhys)
	pdi := pdIndex(vaddr)
	pd[pdi] = PTE_t(paddr)&pdeLargeMask | flags | PTE_P | PTE_PS
	p.cpu.InvalidatePage(vaddr)
	return true
}

/// IdentityMapRange maps [start, start+size) to itself: MapRange with
/// paddr == vaddr throughout.
func (p *Pager_t) IdentityMapRange(pdPhys, start uintptr, size int, flags PTE_t) bool {
	return p.MapRange(pdPhys, start, start, size, flags)
}

/// UnmapRange clears every mapping in [vstart, vstart+size), releasing the
/// underlying frame via frame.Table_t.Put when releaseFrames is true (set
/// false for shared/file-backed mappings another owner still references),
/// freeing any PT whose entries all become non-present, and invalidating
/// the TLB for every page it touches. A 4 MiB PSE mapping is unmapped as a
/// single atomic unit rather than split partially.
func (p *Pager_t) UnmapRange(pdPhys, vstart uintptr, size int, releaseFrames bool) {
	end := vstart + uintptr(size)
	for v := vstart; v < end; {
		p.mu.Lock()
		pd := p.pdOf(pdPhys)
		pdi := pdIndex(v)
		pde := pd[pdi]
		if pde&PTE_P == 0 {
			p.mu.Unlock()
			v += PageSize
			continue
		}
		if pde&PTE_PS != 0 {
			if releaseFrames {
				p.frames.Put(frame.Pa_t(pde & pdeLargeMask))
			}
			pd[pdi] = 0
			p.cpu.InvalidatePage(v)
			p.mu.Unlock()
			v += LargePageSize
			continue
		}

		ptPhys := uintptr(pde & pteAddrMask)
		pt := (*PT_t)(unsafe.Pointer(p.frames.Dmap(frame.Pa_t(ptPhys))))
		pti := ptIndex(v)
		if pte := pt[pti]; pte&PTE_P != 0 {
			if releaseFrames {
				p.frames.Put(frame.Pa_t(pte & pteAddrMask))
			}
			pt[pti] = 0
			p.cpu.InvalidatePage(v)
		}
		if ptEmpty(pt) {
			pd[pdi] = 0
			p.heap.FreeRaw(unsafe.Pointer(p.dmapBase+ptPhys), PageShift)
		}
		p.mu.Unlock()
		v += PageSize
	}
}

func ptEmpty(pt *PT_t) bool {
	for _, e := range pt {
		if e&PTE_P != 0 {
			return false
		}
	}
	return true
}

/// Activate loads pdPhys into CR3 via the CPU_i collaborator.
func (p *Pager_t) Activate(pdPhys uintptr) { p.cpu.Activate(pdPhys) }

/// InvalidatePage flushes a single TLB entry via the CPU_i collaborator.
func (p *Pager_t) InvalidatePage(vaddr uintptr) { p.cpu.InvalidatePage(vaddr) }

/// Phys extracts the physical frame address named by a present PTE or PDE,
/// masking off the flag bits appropriately for whichever kind e is.
func (e PTE_t) Phys() uintptr {
	if e&PTE_PS != 0 {
		return uintptr(e & pdeLargeMask)
	}
	return uintptr(e & pteAddrMask)
}

/// Walk returns the current PTE for vaddr in pdPhys and whether it names a
/// 4 MiB PDE rather than a 4 KiB PTE, without modifying anything. VMA's
/// fault servicer uses this to classify a fault before deciding how to
/// service it.
func (p *Pager_t) Walk(pdPhys, vaddr uintptr) (entry PTE_t, isLarge bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd := p.pdOf(pdPhys)
	pde := pd[pdIndex(vaddr)]
	if pde&PTE_P == 0 {
		return 0, false
	}
	if pde&PTE_PS != 0 {
		return pde, true
	}
	pt := (*PT_t)(unsafe.Pointer(p.frames.Dmap(frame.Pa_t(pde & pteAddrMask))))
	return pt[ptIndex(vaddr)], false
}

// exceptionTable is the fixup table: a kernel routine that expects to fault
// while touching user memory (copy_from_user,
// copy_to_user) registers the single PC it runs at and where the fault
// handler should resume instead of crashing. A hardware page-fault handler
// would consult this by literal instruction pointer; uaccess, running as
// ordinary hosted Go, instead calls HandleFault with the PC a recovered
// panic reports, giving the same fixup contract without a real IDT vector 14
// underneath it.
type ExceptionEntry_t struct {
	FaultPC uintptr
	FixupPC uintptr
}

var (
	exceptionMu    sync.RWMutex
	exceptionTable []ExceptionEntry_t
)

/// RegisterFixup records that a fault at faultPC should resume at fixupPC
/// instead of propagating.
func RegisterFixup(faultPC, fixupPC uintptr) {
	exceptionMu.Lock()
	defer exceptionMu.Unlock()
	exceptionTable = append(exceptionTable, ExceptionEntry_t{faultPC, fixupPC})
}

/// ClearFixup removes a previously registered fixup for faultPC, the
/// counterpart a uaccess routine calls once it has left the window where it
/// expects a fault, so the table does not grow without bound across the
/// life of the process.
func ClearFixup(faultPC uintptr) {
	exceptionMu.Lock()
	defer exceptionMu.Unlock()
	for i, e := range exceptionTable {
		if e.FaultPC == faultPC {
			exceptionTable = append(exceptionTable[:i], exceptionTable[i+1:]...)
			return
		}
	}
}

/// FaultAction tells a trap handler how to proceed after consulting the
/// exception table.
type FaultAction int

const (
	FaultResume FaultAction = iota
	FaultDelegate
)

/// FaultOutcome_t is HandleFault's result.
type FaultOutcome_t struct {
	Action   FaultAction
	ResumePC uintptr
}

/// HandleFault looks faultPC up in the exception table. A match means the
/// fault happened inside a uaccess routine that expects it; the caller
/// should resume at ResumePC; uaccess then reports the bytes copied so far
/// together with ErrFault. No match means this is an ordinary user fault the vma
/// package's servicer should handle instead.
func HandleFault(faultPC uintptr) FaultOutcome_t {
	exceptionMu.RLock()
	defer exceptionMu.RUnlock()
	for _, e := range exceptionTable {
		if e.FaultPC == faultPC {
			return FaultOutcome_t{Action: FaultResume, ResumePC: e.FixupPC}
		}
	}
	return FaultOutcome_t{Action: FaultDelegate}
}

/// SetProt rewrites only the protection bits (W/U) of an existing present
/// PTE, used by the copy-on-write fast path (flip read-only to writable
/// when the source frame's refcount is already 1).
func (p *Pager_t) SetProt(pdPhys, vaddr uintptr, flags PTE_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd := p.pdOf(pdPhys)
	pdi := pdIndex(vaddr)
	pde := pd[pdi]
	if pde&PTE_P == 0 {
		panic("paging: set_prot on a non-present mapping")
	}
	if pde&PTE_PS != 0 {
		pd[pdi] = pde&(pdeLargeMask|PTE_P|PTE_PS) | flags
		p.cpu.InvalidatePage(vaddr)
		return
	}
	pt := (*PT_t)(unsafe.Pointer(p.frames.Dmap(frame.Pa_t(pde & pteAddrMask))))
	pti := ptIndex(vaddr)
	pt[pti] = pt[pti]&(pteAddrMask|PTE_P) | flags
	p.cpu.InvalidatePage(vaddr)
}
