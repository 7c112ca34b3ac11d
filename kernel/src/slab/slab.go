// Package slab implements a fixed-size object cache allocator: each Cache_t
// grows by pulling whole pages from a buddy heap (package buddy) and slices
// each page into equal-size, footer-canaried slots, the classic slab design.
// It does per-size-class pooling with a grow-on-demand path whose lock is
// released across the underlying allocation call so a long buddy split
// never holds up an unrelated free. Slots live in raw buddy memory rather
// than GC-visible []byte slices, since kmalloc callers expect a stable
// pointer the allocator itself tags and validates rather than a Go slice
// header.
package slab

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"buddy"
	"caller"
	"stats"
	"util"
)

const (
	pageSize  = 4096
	pageOrder = 12 // 1<<12 == pageSize; always in [buddy.MinOrder, buddy.MaxOrder]

	slabMagic   uint32 = 0x51AB51AB
	footerMagic uint32 = 0xCAFEF00D
	footerSize         = 4
)

// rawHeader_t is the slab header placed at offset 0 of every slab page. It
// holds only plain integers, never a Go pointer: the page
// backing it comes from a plain []byte the buddy heap manages, which the
// garbage collector does not scan for pointers, so a live *Cache_t stored
// in there would be an unheld reference the collector could reclaim out
// from under the allocator. Cache back-pointers are instead validated by
// comparing cacheID against the claiming Cache_t's own id.
type rawHeader_t struct {
	magic        uint32
	cacheID      uint32
	colorOffset  int32
	objsThisSlab int32
	slotSize     int32
	freeHead     int32 // index of the first free slot, or -1
	freeCount    int32
}

var headerSize = int(unsafe.Sizeof(rawHeader_t{}))

var nextCacheID uint32

/// Stats_t snapshots a cache's bookkeeping counters.
type Stats_t struct {
	Allocs int64
	Frees  int64
	Grows  int64
	Fails  int64
}

/// Cache_t is one named object cache: a user object size, an internal slot
/// size, an alignment, three slab lists
/// (tracked here as sets keyed by slab page base rather than an intrusive
/// list through the page header, for the same GC-safety reason rawHeader_t
/// carries no pointers), a color range, and a spinlock.
type Cache_t struct {
	mu sync.Mutex

	Name       string
	ObjSize    int
	Align      int
	ColorRange int
	Reclaim    bool // return fully-empty slabs to the buddy immediately

	slotSize    int
	colorNext   int
	heap        *buddy.Allocator_t
	ctor, dtor  func(unsafe.Pointer)
	id          uint32

	partial map[uintptr]struct{}
	full    map[uintptr]struct{}
	empty   map[uintptr]struct{}

	allocs stats.Counter_t
	frees  stats.Counter_t
	grows  stats.Counter_t
	fails  stats.Counter_t

	dup caller.Distinct_t
}

/// NewCache creates a cache for objects of objSize bytes, aligned to align
/// (rounded up to at least one pointer), coloring successive slabs' object
/// areas across colorRange
/// bytes to spread cache-line collisions between peer slabs. heap supplies
/// the pages each slab is carved from. reclaim, when true, returns a slab's
/// page to heap the instant it becomes fully free rather than keeping one
/// spare empty slab around.
func NewCache(name string, objSize, align, colorRange int, heap *buddy.Allocator_t, reclaim bool, ctor, dtor func(unsafe.Pointer)) *Cache_t {
	if align < 8 {
		align = 8
	}
	slot := util.Roundup(objSize+footerSize, align)
	if slot < 8 {
		slot = 8
	}
	if colorRange <= 0 {
		colorRange = align
	}
	c := &Cache_t{
		Name:       name,
		ObjSize:    objSize,
		Align:      align,
		ColorRange: colorRange,
		Reclaim:    reclaim,
		slotSize:   slot,
		heap:       heap,
		ctor:       ctor,
		dtor:       dtor,
		id:         atomic.AddUint32(&nextCacheID, 1),
		partial:    make(map[uintptr]struct{}),
		full:       make(map[uintptr]struct{}),
		empty:      make(map[uintptr]struct{}),
	}
	c.dup.Enabled = true
	return c
}

func anyKey(m map[uintptr]struct{}) uintptr {
	for k := range m {
		return k
	}
	panic("slab: anyKey of empty set")
}

// grow allocates one page from the heap and lays out a fresh slab on it. It
// must be called with c.mu held; it releases the lock across the buddy call
// to avoid deadlock with any allocator that could re-enter, and re-acquires
// it before returning.
func (c *Cache_t) grow() bool {
	c.mu.Unlock()
	raw := c.heap.AllocRaw(pageOrder)
	c.mu.Lock()
	if raw == nil {
		c.fails.Inc()
		return false
	}
	base := uintptr(raw)

	// The object area starts at the first Align boundary past the header;
	// coloring shifts it by further multiples of Align.
	colorOffset := util.Roundup(headerSize, c.Align) - headerSize + (c.colorNext*c.Align)%c.ColorRange
	c.colorNext++
	objs := (pageSize - headerSize - colorOffset) / c.slotSize
	if objs <= 0 {
		c.heap.FreeRaw(raw, pageOrder)
		c.fails.Inc()
		return false
	}

	objBase := base + uintptr(headerSize+colorOffset)
	for i := 0; i < objs; i++ {
		slot := objBase + uintptr(i*c.slotSize)
		next := int32(i + 1)
		if i == objs-1 {
			next = -1
		}
		*(*int32)(unsafe.Pointer(slot)) = next
		writeU32(slot+uintptr(c.slotSize)-footerSize, footerMagic)
	}

	h := (*rawHeader_t)(unsafe.Pointer(base))
	h.magic = slabMagic
	h.cacheID = c.id
	h.colorOffset = int32(colorOffset)
	h.objsThisSlab = int32(objs)
	h.slotSize = int32(c.slotSize)
	h.freeHead = 0
	h.freeCount = int32(objs)

	c.empty[base] = struct{}{}
	c.grows.Inc()
	return true
}

/// Alloc returns one object from the cache, or nil on OOM. It prefers a
/// slab from the partial list, then promotes one from empty, then grows the
/// cache.
func (c *Cache_t) Alloc() unsafe.Pointer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var base uintptr
	switch {
	case len(c.partial) > 0:
		base = anyKey(c.partial)
	case len(c.empty) > 0:
		base = anyKey(c.empty)
		delete(c.empty, base)
		c.partial[base] = struct{}{}
	default:
		if !c.grow() {
			return nil
		}
		base = anyKey(c.empty)
		delete(c.empty, base)
		c.partial[base] = struct{}{}
	}

	h := (*rawHeader_t)(unsafe.Pointer(base))
	idx := h.freeHead
	if idx < 0 {
		panic("slab: chosen slab has an empty free list despite nonzero free_count")
	}
	objBase := base + uintptr(headerSize) + uintptr(h.colorOffset)
	slot := objBase + uintptr(idx)*uintptr(h.slotSize)
	h.freeHead = *(*int32)(unsafe.Pointer(slot))
	h.freeCount--

	if h.freeCount == 0 {
		delete(c.partial, base)
		c.full[base] = struct{}{}
	}

	c.allocs.Inc()
	ptr := unsafe.Pointer(slot)
	if c.ctor != nil {
		c.ctor(ptr)
	}
	return ptr
}

/// Free returns an object to its cache. It derives the owning slab by
/// masking ptr to page alignment, validates the slab magic, cache identity,
/// slot alignment, and footer canary, and panics with a corruption error on
/// any mismatch.
func (c *Cache_t) Free(ptr unsafe.Pointer) {
	p := uintptr(ptr)
	base := p &^ uintptr(pageSize-1)

	c.mu.Lock()

	h := (*rawHeader_t)(unsafe.Pointer(base))
	if h.magic != slabMagic || h.cacheID != c.id {
		c.mu.Unlock()
		panic("slab: free of a pointer belonging to a different slab or cache")
	}

	objBase := base + uintptr(headerSize) + uintptr(h.colorOffset)
	off := p - objBase
	slotSize := uintptr(h.slotSize)
	if off%slotSize != 0 || off/slotSize >= uintptr(h.objsThisSlab) {
		c.mu.Unlock()
		panic("slab: free of a misaligned or out-of-range pointer")
	}
	idx := int32(off / slotSize)

	footer := p + slotSize - footerSize
	if readU32(footer) != footerMagic {
		if seen, trace := c.dup.Seen(); !seen {
			fmt.Printf("slab %q: footer canary corrupted at %#x\n%s", c.Name, p, trace)
		}
		c.mu.Unlock()
		panic("slab: footer canary corruption")
	}

	wasFull := h.freeCount == 0
	*(*int32)(unsafe.Pointer(p)) = h.freeHead
	h.freeHead = idx
	h.freeCount++

	if c.dtor != nil {
		c.dtor(ptr)
	}

	if wasFull {
		delete(c.full, base)
		c.partial[base] = struct{}{}
	}
	if h.freeCount == h.objsThisSlab {
		delete(c.partial, base)
		if c.Reclaim {
			h.magic = 0
			c.mu.Unlock()
			c.heap.FreeRaw(unsafe.Pointer(base), pageOrder)
			c.frees.Inc()
			return
		}
		c.empty[base] = struct{}{}
	}

	c.frees.Inc()
	c.mu.Unlock()
}

/// Destroy returns every page owned by the cache back to its heap. The
/// caller must guarantee no other goroutine still holds a live object from
/// this cache.
func (c *Cache_t) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for base := range c.full {
		c.releaseLocked(base)
	}
	for base := range c.partial {
		c.releaseLocked(base)
	}
	for base := range c.empty {
		c.releaseLocked(base)
	}
	c.full = make(map[uintptr]struct{})
	c.partial = make(map[uintptr]struct{})
	c.empty = make(map[uintptr]struct{})
}

func (c *Cache_t) releaseLocked(base uintptr) {
	h := (*rawHeader_t)(unsafe.Pointer(base))
	h.magic = 0
	c.heap.FreeRaw(unsafe.Pointer(base), pageOrder)
}

/// Stats returns a snapshot of the cache's counters.
func (c *Cache_t) Stats() Stats_t {
	return Stats_t{
		Allocs: c.allocs.Get(),
		Frees:  c.frees.Get(),
		Grows:  c.grows.Get(),
		Fails:  c.fails.Get(),
	}
}

func writeU32(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}

func readU32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}
