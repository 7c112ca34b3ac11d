// Package buddy implements a power-of-two buddy allocator over virtual addresses: a
// single virtually contiguous heap, split and coalesced in powers of two,
// backing both the slab allocator (package slab) and the kmalloc facade's
// large-allocation path (package kmalloc).
//
// The allocator manages *virtual* addresses over one region the caller has
// already mapped contiguously (normally the higher-half direct map). This
// commits to the virtual-address model rather than having callers deal in
// physical addresses directly, so every block a caller holds is already
// usable without a second translation step.
package buddy

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/google/pprof/profile"

	"caller"
	"hashtable"
	"stats"
)

// Debug switches on the canary + allocation-tracker build. It costs a
// tracker lookup on every free and 8 extra bytes of canary per block, so
// production builds leave it off, following the same `const Stats = false`
// style switch used elsewhere for optional instrumentation.
const Debug = false

const (
	/// MinOrder is the smallest block order: 1<<MinOrder = 32 bytes, large
	/// enough to hold the release-build order tag plus a useful object.
	MinOrder uint = 5
	/// MaxOrder is the largest block order: 1<<MaxOrder = 4 MiB, matching
	/// the largest single mapping paging can install as one PSE PDE.
	MaxOrder uint = 22

	headerSize = 1 // release-build order tag, one byte, at the block base

	startCanary uint32 = 0xDEADBEEF
	endCanary   uint32 = 0xCAFEBABE
	canarySize         = 4 + 4 // start + end, debug builds only
)

// freeNode is overlaid on a free block's own storage: the block has nothing
// useful to say while free, so its first machine word holds the next
// pointer of its order's free list.
type freeNode struct {
	next *freeNode
}

/// Stats_t snapshots the allocator's bookkeeping counters (spec §4.A).
type Stats_t struct {
	TotalBytes int64
	FreeBytes  int64
	Allocs     int64
	Frees      int64
	Fails      int64
}

type trackRecord struct {
	order uint
	file  string
	line  int
}

/// Allocator_t is one buddy heap. The zero value is not usable; construct
/// with New.
type Allocator_t struct {
	mu   sync.Mutex
	base uintptr
	size uintptr
	free [MaxOrder + 1]*freeNode

	totalBytes stats.Counter_t
	freeBytes  stats.Counter_t
	allocs     stats.Counter_t
	frees      stats.Counter_t
	fails      stats.Counter_t

	tracker *hashtable.Hashtable_t // debug builds only: user ptr -> trackRecord
	dup     caller.Distinct_t
}

/// New initializes a buddy allocator over the virtually-contiguous region
/// [regionVirt, regionVirt+size). The region must already be mapped; New
/// performs no mapping of its own. Residual bytes that don't form a block of
/// at least 1<<MinOrder are abandoned and logged, per spec §4.A.
func New(regionVirt uintptr, size uintptr) *Allocator_t {
	a := &Allocator_t{}
	if Debug {
		a.tracker = hashtable.MkHash(1024)
		a.dup.Enabled = true
	}

	minSize := uintptr(1) << MaxOrder
	base := roundupPtr(regionVirt, minSize)
	slack := base - regionVirt
	if slack > size {
		fmt.Printf("buddy: region too small after alignment, nothing managed\n")
		return a
	}
	remaining := size - slack

	cur := base
	for remaining >= uintptr(1)<<MinOrder {
		order := MaxOrder
		for order > MinOrder && uintptr(1)<<order > remaining {
			order--
		}
		blockSize := uintptr(1) << order
		a.pushFree(order, cur)
		a.totalBytes.Add(int64(blockSize))
		a.freeBytes.Add(int64(blockSize))
		cur += blockSize
		remaining -= blockSize
	}
	if remaining > 0 {
		fmt.Printf("buddy: abandoning %d residual bytes\n", remaining)
	}
	a.base = base
	a.size = cur - base
	return a
}

func roundupPtr(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func (a *Allocator_t) pushFree(order uint, addr uintptr) {
	n := (*freeNode)(unsafe.Pointer(addr))
	n.next = a.free[order]
	a.free[order] = n
}

// popFreeExact removes and returns the head of order's free list, or 0 if
// empty.
func (a *Allocator_t) popFreeExact(order uint) uintptr {
	n := a.free[order]
	if n == nil {
		return 0
	}
	a.free[order] = n.next
	return uintptr(unsafe.Pointer(n))
}

// removeFree removes addr from order's free list if present, returning
// whether it was found.
func (a *Allocator_t) removeFree(order uint, addr uintptr) bool {
	target := (*freeNode)(unsafe.Pointer(addr))
	if a.free[order] == target {
		a.free[order] = target.next
		return true
	}
	for n := a.free[order]; n != nil; n = n.next {
		if n.next == target {
			n.next = target.next
			return true
		}
	}
	return false
}

func orderForSize(size uintptr) uint {
	order := MinOrder
	blk := uintptr(1) << order
	for blk < size {
		order++
		blk <<= 1
	}
	return order
}

/// Alloc returns a pointer to at least size usable bytes, or nil on OOM. size
/// must be > 0.
func (a *Allocator_t) Alloc(size int) unsafe.Pointer {
	return a.allocAt(size, 2)
}

// allocAt is Alloc with an adjustable runtime.Caller skip depth so wrappers
// (AllocRaw) can still report their true caller in debug-build tracker
// records.
func (a *Allocator_t) allocAt(size int, skip int) unsafe.Pointer {
	if size <= 0 {
		panic("buddy: alloc of non-positive size")
	}
	need := uintptr(size)
	if !Debug {
		need += headerSize
	} else {
		need += canarySize
	}
	order := orderForSize(need)
	if order > MaxOrder {
		return nil
	}
	return a.allocOrder(order, skip+1)
}

/// AllocRaw returns a whole block of the given order, i.e. 1<<order bytes,
/// with no header/size accounting beyond the order itself. Used by callers
/// (slab, paging) that already think in pages/blocks rather than byte
/// counts.
func (a *Allocator_t) AllocRaw(order uint) unsafe.Pointer {
	if order < MinOrder || order > MaxOrder {
		panic("buddy: order out of range")
	}
	return a.allocOrderDirect(order, 2)
}

func (a *Allocator_t) allocOrder(order uint, skip int) unsafe.Pointer {
	a.mu.Lock()
	addr := a.findAndSplit(order)
	if addr == 0 {
		a.fails.Inc()
		a.mu.Unlock()
		return nil
	}
	a.allocs.Inc()
	a.freeBytes.Add(-int64(uintptr(1) << order))
	a.mu.Unlock()

	blockSize := uintptr(1) << order
	var user uintptr
	if Debug {
		user = addr
		writeU32(addr, startCanary)
		writeU32(addr+blockSize-4, endCanary)
		_, file, line, _ := runtime.Caller(skip + 2)
		a.tracker.Set(user, trackRecord{order: order, file: file, line: line})
	} else {
		*(*uint8)(unsafe.Pointer(addr)) = uint8(order)
		user = addr + headerSize
	}
	return unsafe.Pointer(user)
}

// allocOrderDirect is like allocOrder but returns the raw block base with no
// header/canary carved out of it, for AllocRaw callers that own the whole
// block (e.g. a page table frame).
func (a *Allocator_t) allocOrderDirect(order uint, skip int) unsafe.Pointer {
	a.mu.Lock()
	addr := a.findAndSplit(order)
	if addr == 0 {
		a.fails.Inc()
		a.mu.Unlock()
		return nil
	}
	a.allocs.Inc()
	a.freeBytes.Add(-int64(uintptr(1) << order))
	a.mu.Unlock()
	if Debug {
		_, file, line, _ := runtime.Caller(skip + 2)
		a.tracker.Set(addr, trackRecord{order: order, file: file, line: line})
	}
	return unsafe.Pointer(addr)
}

// findAndSplit must be called with a.mu held. It finds the smallest
// available block at order >= want, splitting higher-order blocks down to
// size as it goes, and returns the resulting block's base address (0 on
// OOM).
func (a *Allocator_t) findAndSplit(want uint) uintptr {
	found := want
	for found <= MaxOrder && a.free[found] == nil {
		found++
	}
	if found > MaxOrder {
		return 0
	}
	addr := a.popFreeExact(found)
	for found > want {
		found--
		buddy := addr + (uintptr(1) << found)
		a.pushFree(found, buddy)
	}
	return addr
}

/// Free releases a pointer obtained from Alloc.
func (a *Allocator_t) Free(ptr unsafe.Pointer) {
	user := uintptr(ptr)
	var addr uintptr
	var order uint
	if Debug {
		v, ok := a.tracker.Get(user)
		if !ok {
			panic("buddy: free of untracked pointer (double free or foreign pointer)")
		}
		rec := v.(trackRecord)
		order = rec.order
		addr = user
		blockSize := uintptr(1) << order
		if readU32(addr) != startCanary || readU32(addr+blockSize-4) != endCanary {
			if seen, trace := a.dup.Seen(); !seen {
				fmt.Printf("buddy: canary corruption at %#x (allocated %s:%d)\n%s",
					addr, rec.file, rec.line, trace)
			}
			panic("buddy: canary corruption")
		}
		a.tracker.Del(user)
	} else {
		addr = user - headerSize
		order = uint(*(*uint8)(unsafe.Pointer(addr)))
	}
	a.freeAt(addr, order)
}

/// FreeRaw releases a whole block returned by AllocRaw.
func (a *Allocator_t) FreeRaw(ptr unsafe.Pointer, order uint) {
	addr := uintptr(ptr)
	if Debug {
		v, ok := a.tracker.Get(addr)
		if !ok || v.(trackRecord).order != order {
			panic("buddy: free_raw of untracked block or order mismatch")
		}
		a.tracker.Del(addr)
	}
	a.freeAt(addr, order)
}

func (a *Allocator_t) freeAt(addr uintptr, order uint) {
	if order > MaxOrder {
		panic("buddy: free of out-of-range order")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr < a.base || addr >= a.base+a.size {
		panic("buddy: free of out-of-range pointer")
	}
	if (addr-a.base)&((uintptr(1)<<order)-1) != 0 {
		panic("buddy: free of misaligned block for its recorded order")
	}

	freed := int64(uintptr(1) << order)
	for order < MaxOrder {
		buddyAddr := (addr - a.base) ^ (uintptr(1) << order)
		buddyAddr += a.base
		if !a.removeFree(order, buddyAddr) {
			break
		}
		if buddyAddr < addr {
			addr = buddyAddr
		}
		order++
	}
	a.pushFree(order, addr)
	a.frees.Inc()
	a.freeBytes.Add(freed)
}

/// Stats returns a snapshot of the allocator's counters.
func (a *Allocator_t) Stats() Stats_t {
	return Stats_t{
		TotalBytes: a.totalBytes.Get(),
		FreeBytes:  a.freeBytes.Get(),
		Allocs:     a.allocs.Get(),
		Frees:      a.frees.Get(),
		Fails:      a.fails.Get(),
	}
}

/// DumpLeaks returns a pprof Profile with one sample per block the debug
/// tracker still shows allocated, valued in bytes and keyed by the call
/// site that allocated it, so a long-running debug build's leak report can
/// be opened with `pprof -http` instead of grepped by eye. Returns an empty
/// profile outside Debug builds, where no tracker exists to report from.
func (a *Allocator_t) DumpLeaks() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "inuse_space", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	if !Debug || a.tracker == nil {
		return p
	}

	funcByKey := map[string]*profile.Function{}
	locByKey := map[string]*profile.Location{}
	var nextID uint64 = 1

	for _, e := range a.tracker.Elems() {
		rec, ok := e.Value.(trackRecord)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s:%d", rec.file, rec.line)
		fn, ok := funcByKey[key]
		if !ok {
			fn = &profile.Function{ID: nextID, Name: key, Filename: rec.file}
			nextID++
			funcByKey[key] = fn
			p.Function = append(p.Function, fn)
		}
		loc, ok := locByKey[key]
		if !ok {
			loc = &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn, Line: int64(rec.line)}}}
			nextID++
			locByKey[key] = loc
			p.Location = append(p.Location, loc)
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(uintptr(1) << rec.order)},
		})
	}
	return p
}

func writeU32(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}

func readU32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}
