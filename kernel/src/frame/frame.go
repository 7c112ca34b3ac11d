// Package frame implements a physical frame reference counter: it partitions
// all RAM above 1 MiB into 4 KiB frames indexed by PFN = phys/4096 and keeps
// one saturating refcount per frame, one record per page, backed by the
// buddy heap (package buddy) rather than a platform page allocator; frees
// return pages to that same buddy heap on the 1->0 transition instead of
// threading a free list through the record array itself.
package frame

import (
	"fmt"
	"sync"
	"unsafe"

	"boot"
	"buddy"
	"oom"
	"stats"
	"util"
)

const (
	/// PGShift is the base-2 exponent of the frame size.
	PGShift uint = 12
	/// PGSize is the size in bytes of one frame.
	PGSize int = 1 << PGShift
	/// PGMask masks the in-page offset of an address.
	PGMask uintptr = uintptr(PGSize - 1)

	maxRefcount uint32 = 1<<32 - 1

	reserved uint32 = 1 // refcount a never-given-out PFN is pinned at
)

/// Pa_t is a physical address.
type Pa_t uintptr

/// Pg_t is the contents of one 4 KiB frame, viewed as a page of bytes.
type Pg_t [PGSize]uint8

func pa2pfn(pa Pa_t) uint32 { return uint32(uintptr(pa) >> PGShift) }
func pfn2pa(pfn uint32) Pa_t { return Pa_t(uintptr(pfn) << PGShift) }

/// Table_t is the global frame refcount table. There is exactly one,
/// frame.Table, initialized once by Init.
type Table_t struct {
	sync.Mutex
	refs    []uint32
	startPFN uint32
	heap    *buddy.Allocator_t
	dmapBase uintptr

	allocs   stats.Counter_t
	frees    stats.Counter_t
	getups   stats.Counter_t
	doubleFrees stats.Counter_t
}

/// Table is the system-wide frame table, valid once Init returns.
var Table = &Table_t{}

/// Init partitions physical memory described by mmap into frames and
/// allocates the refcount array, one entry per frame up to the highest
/// address in mmap, from heap. Init maps nothing: heap must already be
/// backed by mapped memory, and the array lives wherever heap places it.
//
// Every PFN starts reserved (refcount 1). Init then walks mmap and zeroes
// every PFN inside an AVAILABLE region, and finally re-reserves the ranges
// named by reservedExtents (typically: first MiB, kernel image, and the
// initial page directory), since those must never be handed out even though
// they fall inside an AVAILABLE region. Frames are handed out by heap, so
// heap pages, including the refcount array's own, are not re-reserved here.
func Init(mmap []boot.Region_t, heap *buddy.Allocator_t, dmapBase uintptr, reservedExtents []boot.Extent_t) *Table_t {
	t := Table
	t.heap = heap
	t.dmapBase = dmapBase

	highest := boot.HighestAddress(mmap)
	nframes := uint32(util.Roundup(int(highest), PGSize) / PGSize)

	arrBytes := int(nframes) * 4
	order := orderFor(arrBytes)
	raw := heap.AllocRaw(order)
	if raw == nil {
		panic("frame: cannot allocate refcount table from buddy heap")
	}
	t.refs = unsafe.Slice((*uint32)(raw), nframes)
	for i := range t.refs {
		t.refs[i] = reserved
	}

	for _, r := range mmap {
		if r.Typ != boot.RegionAvailable {
			continue
		}
		start := pa2pfn(Pa_t(util.Roundup(int(r.Base), PGSize)))
		end := pa2pfn(Pa_t(util.Rounddown(int(r.Base+r.Length), PGSize)))
		for pfn := start; pfn < end; pfn++ {
			t.refs[pfn] = 0
		}
	}

	for _, e := range reservedExtents {
		start := pa2pfn(Pa_t(util.Rounddown(int(e.Base), PGSize)))
		end := pa2pfn(Pa_t(util.Roundup(int(e.Base+e.Length), PGSize)))
		for pfn := start; pfn < end && int(pfn) < len(t.refs); pfn++ {
			t.refs[pfn] = reserved
		}
	}
	return t
}

func orderFor(n int) uint {
	order := buddy.MinOrder
	for (uintptr(1) << order) < uintptr(n) {
		order++
	}
	return order
}

/// Dmap returns the direct-mapped virtual address backing a physical frame.
func (t *Table_t) Dmap(pa Pa_t) *Pg_t {
	v := t.dmapBase + util.Rounddown(uintptr(pa), uintptr(PGSize))
	return (*Pg_t)(unsafe.Pointer(v))
}

/// Alloc takes one page from the buddy heap, sets its frame's refcount to 1,
/// and returns its physical address. Returns 0, false when the heap has no
/// page left, after notifying package oom.
func (t *Table_t) Alloc() (Pa_t, bool) {
	raw := t.heap.AllocRaw(PGShift)
	if raw == nil {
		oom.Notify(PGSize)
		return 0, false
	}
	pa := t.vaddrToPhys(uintptr(raw))
	pfn := pa2pfn(pa)

	t.Lock()
	if t.refs[pfn] != 0 {
		fmt.Printf("frame: alloc of PFN %d with nonzero refcount %d\n", pfn, t.refs[pfn])
	}
	t.refs[pfn] = 1
	t.Unlock()

	t.allocs.Inc()
	return pa, true
}

// vaddrToPhys inverts Dmap for addresses the buddy heap itself returns,
// which live inside the direct map.
func (t *Table_t) vaddrToPhys(v uintptr) Pa_t {
	if v < t.dmapBase {
		panic("frame: address below direct map base")
	}
	return Pa_t(v - t.dmapBase)
}

/// Get increments a frame's refcount, saturating (and logging, never
/// wrapping) if it is already at the maximum.
func (t *Table_t) Get(pa Pa_t) {
	pfn := pa2pfn(pa)
	t.Lock()
	defer t.Unlock()
	if int(pfn) >= len(t.refs) {
		return
	}
	if t.refs[pfn] == maxRefcount {
		fmt.Printf("frame: refcount saturated at PFN %d\n", pfn)
		return
	}
	t.refs[pfn]++
	t.getups.Inc()
}

/// Put decrements a frame's refcount and, on reaching zero, returns it to
/// the buddy heap. Double-free (refcount already zero) is logged, not
/// panicked: a "log an error, keep running" posture for a recoverable
/// consistency fault.
func (t *Table_t) Put(pa Pa_t) {
	pfn := pa2pfn(pa)
	t.Lock()
	if int(pfn) >= len(t.refs) {
		t.Unlock()
		return
	}
	if t.refs[pfn] == 0 {
		t.doubleFrees.Inc()
		fmt.Printf("frame: double free of PFN %d\n", pfn)
		t.Unlock()
		return
	}
	t.refs[pfn]--
	zero := t.refs[pfn] == 0
	t.Unlock()

	if zero {
		v := t.dmapBase + uintptr(pa)
		t.heap.FreeRaw(unsafe.Pointer(v), PGShift)
		t.frees.Inc()
	}
}

/// Refcount reads a frame's current reference count.
func (t *Table_t) Refcount(pa Pa_t) int {
	pfn := pa2pfn(pa)
	t.Lock()
	defer t.Unlock()
	if int(pfn) >= len(t.refs) {
		return 0
	}
	return int(t.refs[pfn])
}

/// Stats_t snapshots the table's bookkeeping counters.
type Stats_t struct {
	Allocs      int64
	Frees       int64
	Getups      int64
	DoubleFrees int64
}

/// Stats returns a snapshot of the table's counters.
func (t *Table_t) Stats() Stats_t {
	return Stats_t{
		Allocs:      t.allocs.Get(),
		Frees:       t.frees.Get(),
		Getups:      t.getups.Get(),
		DoubleFrees: t.doubleFrees.Get(),
	}
}
