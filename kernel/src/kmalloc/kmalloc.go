// Package kmalloc is a general-purpose allocator facade: it picks a slab
// size class (package slab) for small requests and falls through to the
// buddy heap (package buddy) for everything else, tagging every block with
// a small header so kfree can recover how to free it without the caller
// remembering.
package kmalloc

import (
	"fmt"
	"unsafe"

	"buddy"
	"slab"
)

/// MinAlign is the alignment of every pointer served from a slab size
/// class. Pointers served from the buddy heap are not aligned to it:
/// buddy.Alloc returns one byte past the block base, and the 16-byte header
/// follows from there.
const MinAlign = 8

// SlabMaxUserSize is the largest request size that tries a slab cache
// before the buddy heap. A request is served from a slab only when it plus
// the 16-byte kmalloc header fits a size class, so requests above 2032
// bytes go to the buddy heap. The largest class, 2 KiB, stays comfortably
// under one page once the slab's own per-slot footer is counted.
const SlabMaxUserSize = 2048

const headerMagic uint32 = 0x4b4d4c4b // "KMLK"

type tag_t uint8

const (
	tagSlab tag_t = iota
	tagBuddy
)

// header_t is placed immediately before every pointer kmalloc hands out.
// classIdx indexes Facade_t.classes rather than holding a *slab.Cache_t
// directly: the header lives inside allocator-owned memory the garbage
// collector does not scan for pointers (see slab.rawHeader_t's comment for
// the same constraint), so an index is the only safe way to remember which
// cache owns a slab-backed block.
type header_t struct {
	magic    uint32
	tag      tag_t
	_        [3]uint8
	size     uint32
	classIdx int32
}

var headerSize = int(unsafe.Sizeof(header_t{}))

/// Facade_t is one kmalloc instance: a buddy heap plus the fixed ladder of
/// slab size classes it grows requests at or below SlabMaxUserSize from.
type Facade_t struct {
	heap    *buddy.Allocator_t
	classes []*slab.Cache_t
}

// sizeClasses mirrors the doubling ladder a Linux-style kmalloc exposes;
// each entry is the slab object size, i.e. how many bytes (header included)
// one slot in that class holds.
var sizeClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048}

/// New builds a kmalloc facade over heap, creating one slab cache per size
/// class up front; slab caches are long-lived, and kmalloc never creates
/// one lazily per request.
func New(heap *buddy.Allocator_t) *Facade_t {
	f := &Facade_t{heap: heap}
	for _, sz := range sizeClasses {
		name := fmt.Sprintf("kmalloc-%d", sz)
		f.classes = append(f.classes, slab.NewCache(name, sz, MinAlign, 64, heap, false, nil, nil))
	}
	return f
}

// chooseClass returns the index of the smallest size class whose slot
// capacity is at least need bytes, or -1 if none is large enough.
func (f *Facade_t) chooseClass(need int) int {
	for i, c := range f.classes {
		if c.ObjSize >= need {
			return i
		}
	}
	return -1
}

/// Alloc returns size bytes, or nil on OOM; slab-backed pointers are aligned
/// to MinAlign, buddy-backed ones are not (see MinAlign). Requests at
/// or below SlabMaxUserSize try a slab size class first; everything else,
/// and any request a slab class fails, falls through to the buddy heap.
func (f *Facade_t) Alloc(size int) unsafe.Pointer {
	if size <= 0 {
		panic("kmalloc: alloc of non-positive size")
	}
	need := headerSize + size

	if size <= SlabMaxUserSize {
		if idx := f.chooseClass(need); idx >= 0 {
			if base := f.classes[idx].Alloc(); base != nil {
				h := (*header_t)(base)
				h.magic = headerMagic
				h.tag = tagSlab
				h.size = uint32(size)
				h.classIdx = int32(idx)
				return unsafe.Pointer(uintptr(base) + uintptr(headerSize))
			}
		}
	}

	raw := f.heap.Alloc(need)
	if raw == nil {
		return nil
	}
	h := (*header_t)(raw)
	h.magic = headerMagic
	h.tag = tagBuddy
	h.size = uint32(size)
	h.classIdx = -1
	return unsafe.Pointer(uintptr(raw) + uintptr(headerSize))
}

/// Free releases a pointer obtained from Alloc. It recovers the header
/// immediately before ptr, validates its magic, and dispatches to the
/// owning slab cache or the buddy heap before invalidating the magic.
func (f *Facade_t) Free(ptr unsafe.Pointer) {
	base := uintptr(ptr) - uintptr(headerSize)
	h := (*header_t)(unsafe.Pointer(base))
	if h.magic != headerMagic {
		panic("kmalloc: free of an untagged or corrupted pointer")
	}

	switch h.tag {
	case tagSlab:
		if h.classIdx < 0 || int(h.classIdx) >= len(f.classes) {
			panic("kmalloc: corrupt allocation tag: slab index out of range")
		}
		c := f.classes[h.classIdx]
		h.magic = 0
		c.Free(unsafe.Pointer(base))
	case tagBuddy:
		h.magic = 0
		f.heap.Free(unsafe.Pointer(base))
	default:
		panic("kmalloc: corrupt allocation tag")
	}
}

/// Size returns the size originally requested for ptr, as recorded in its
/// header.
func (f *Facade_t) Size(ptr unsafe.Pointer) int {
	base := uintptr(ptr) - uintptr(headerSize)
	h := (*header_t)(unsafe.Pointer(base))
	if h.magic != headerMagic {
		panic("kmalloc: size query on an untagged or corrupted pointer")
	}
	return int(h.size)
}

/// Classes exposes the underlying size-class caches read-only, for
/// reporting tools like cmd/allocstat; it grants no allocation access.
func (f *Facade_t) Classes() []*slab.Cache_t {
	return f.classes
}
