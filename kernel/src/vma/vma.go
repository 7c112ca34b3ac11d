// Package vma implements the per-process virtual-memory-area tree and page
// fault servicer: an interval red-black tree of non-overlapping VMAs keyed
// by vm_start, insert_vma/remove_vma_range/find_vma/find_overlap over it,
// and handle_vma_fault driving anonymous demand paging, copy-on-write,
// file-backed faults, and guard-page stack growth on top of package
// paging's PD/PT primitives and package frame's refcounts.
//
// VMA nodes live in an arena owned by Mm_t and the tree links them by
// int32 index rather than by Go pointer, the same GC-safety-flavored
// discipline slab.Cache_t and kmalloc.Facade_t use to keep raw-memory
// headers and page-table entries pointer-free.
package vma

import (
	"errors"
	"sync"

	"fdops"
	"frame"
	"paging"
	"util"
)

/// VmFlags_t is a VMA's vm_flags bitmask.
type VmFlags_t uint32

const (
	VM_READ VmFlags_t = 1 << iota
	VM_WRITE
	VM_EXEC
	VM_SHARED
	VM_PRIVATE
	VM_GROWS_DOWN
	VM_ANONYMOUS
	VM_FILEBACKED
	VM_HEAP
	VM_STACK
)

// pteCOW is a software-defined bit in an otherwise ordinary x86 PTE: bit 9
// is one of the three bits Intel reserves for OS use (bits 9-11), so it
// never collides with a hardware-defined meaning. A present, read-only PTE
// with this bit set names a copy-on-write page; the write-fault path in
// HandleVmaFault is what gives that bit meaning, not the CPU.
const pteCOW paging.PTE_t = 1 << 9

const stackGuardPages = 1

var (
	ErrSegv     = errors.New("vma: access violation")
	ErrNoMem    = errors.New("vma: out of memory")
	ErrOverlap  = errors.New("vma: overlaps an existing mapping")
	ErrBadRange = errors.New("vma: range must be page-aligned and non-empty")
)

/// Vma_t is one virtual memory area.
type Vma_t struct {
	Start, End uintptr
	Flags      VmFlags_t
	Prot       paging.PTE_t
	File       fdops.Fdops_i
	Offset     int64
}

func (v *Vma_t) contiguousWith(other *Vma_t, gap uintptr) bool {
	if v.Flags != other.Flags || v.Prot != other.Prot || v.File != other.File {
		return false
	}
	if v.File == nil {
		return true
	}
	return v.Offset+int64(gap) == other.Offset
}

type vmaNode_t struct {
	vma                 Vma_t
	left, right, parent int32
	red                 bool
}

const nilIdx int32 = 0

/// Mm_t is one process address space: its VMA tree, and the PD it drives
/// through package paging.
type Mm_t struct {
	mu sync.Mutex

	nodes    []vmaNode_t
	freeList []int32
	root     int32
	mapCount int

	pd     uintptr
	pager  *paging.Pager_t
	frames *frame.Table_t

	zeroOnce sync.Once
	zeroPA   frame.Pa_t
}

/// CreateMm allocates a fresh PD (sharing the kernel half, per
/// paging.Pager_t.NewPD) and returns an empty address space over it.
func CreateMm(pager *paging.Pager_t, frames *frame.Table_t) (*Mm_t, error) {
	pd, ok := pager.NewPD()
	if !ok {
		return nil, errors.New("vma: cannot allocate a page directory")
	}
	return &Mm_t{
		nodes:  make([]vmaNode_t, 1), // index 0 is the sentinel: black, self-linked
		root:   nilIdx,
		pd:     pd,
		pager:  pager,
		frames: frames,
	}, nil
}

/// DestroyMm unmaps every VMA's pages (releasing frames private mappings
/// own, keeping frames a shared mapping's other owners still reference)
/// and frees the PD.
func (mm *Mm_t) DestroyMm() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.postOrderUnmap(mm.root)
	mm.pager.DestroyPD(mm.pd)
	mm.root = nilIdx
	mm.mapCount = 0
}

func (mm *Mm_t) postOrderUnmap(x int32) {
	if x == nilIdx {
		return
	}
	mm.postOrderUnmap(mm.nodes[x].left)
	mm.postOrderUnmap(mm.nodes[x].right)
	v := &mm.nodes[x].vma
	mm.pager.UnmapRange(mm.pd, v.Start, int(v.End-v.Start), releaseFrames(v))
}

func releaseFrames(v *Vma_t) bool { return v.Flags&VM_SHARED == 0 }

/// PD returns the physical address of this address space's page directory.
func (mm *Mm_t) PD() uintptr { return mm.pd }

/// MapCount returns the number of VMAs currently in the tree.
func (mm *Mm_t) MapCount() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mapCount
}

// ---- red-black tree (CLRS, index-based, node 0 as the permanent sentinel) ----

func (mm *Mm_t) allocSlot(v Vma_t) int32 {
	if n := len(mm.freeList); n > 0 {
		idx := mm.freeList[n-1]
		mm.freeList = mm.freeList[:n-1]
		mm.nodes[idx] = vmaNode_t{vma: v}
		return idx
	}
	mm.nodes = append(mm.nodes, vmaNode_t{vma: v})
	return int32(len(mm.nodes) - 1)
}

func (mm *Mm_t) freeSlot(idx int32) {
	mm.nodes[idx] = vmaNode_t{}
	mm.freeList = append(mm.freeList, idx)
}

func (mm *Mm_t) leftRotate(x int32) {
	y := mm.nodes[x].right
	mm.nodes[x].right = mm.nodes[y].left
	if mm.nodes[y].left != nilIdx {
		mm.nodes[mm.nodes[y].left].parent = x
	}
	mm.nodes[y].parent = mm.nodes[x].parent
	switch p := mm.nodes[x].parent; {
	case p == nilIdx:
		mm.root = y
	case x == mm.nodes[p].left:
		mm.nodes[p].left = y
	default:
		mm.nodes[p].right = y
	}
	mm.nodes[y].left = x
	mm.nodes[x].parent = y
}

func (mm *Mm_t) rightRotate(x int32) {
	y := mm.nodes[x].left
	mm.nodes[x].left = mm.nodes[y].right
	if mm.nodes[y].right != nilIdx {
		mm.nodes[mm.nodes[y].right].parent = x
	}
	mm.nodes[y].parent = mm.nodes[x].parent
	switch p := mm.nodes[x].parent; {
	case p == nilIdx:
		mm.root = y
	case x == mm.nodes[p].right:
		mm.nodes[p].right = y
	default:
		mm.nodes[p].left = y
	}
	mm.nodes[y].right = x
	mm.nodes[x].parent = y
}

func (mm *Mm_t) insertNode(v Vma_t) int32 {
	z := mm.allocSlot(v)
	y := nilIdx
	x := mm.root
	for x != nilIdx {
		y = x
		if mm.nodes[z].vma.Start < mm.nodes[x].vma.Start {
			x = mm.nodes[x].left
		} else {
			x = mm.nodes[x].right
		}
	}
	mm.nodes[z].parent = y
	switch {
	case y == nilIdx:
		mm.root = z
	case mm.nodes[z].vma.Start < mm.nodes[y].vma.Start:
		mm.nodes[y].left = z
	default:
		mm.nodes[y].right = z
	}
	mm.nodes[z].left = nilIdx
	mm.nodes[z].right = nilIdx
	mm.nodes[z].red = true
	mm.insertFixup(z)
	return z
}

func (mm *Mm_t) insertFixup(z int32) {
	for mm.nodes[mm.nodes[z].parent].red {
		p := mm.nodes[z].parent
		gp := mm.nodes[p].parent
		if p == mm.nodes[gp].left {
			y := mm.nodes[gp].right
			if mm.nodes[y].red {
				mm.nodes[p].red = false
				mm.nodes[y].red = false
				mm.nodes[gp].red = true
				z = gp
				continue
			}
			if z == mm.nodes[p].right {
				z = p
				mm.leftRotate(z)
				p = mm.nodes[z].parent
				gp = mm.nodes[p].parent
			}
			mm.nodes[p].red = false
			mm.nodes[gp].red = true
			mm.rightRotate(gp)
		} else {
			y := mm.nodes[gp].left
			if mm.nodes[y].red {
				mm.nodes[p].red = false
				mm.nodes[y].red = false
				mm.nodes[gp].red = true
				z = gp
				continue
			}
			if z == mm.nodes[p].left {
				z = p
				mm.rightRotate(z)
				p = mm.nodes[z].parent
				gp = mm.nodes[p].parent
			}
			mm.nodes[p].red = false
			mm.nodes[gp].red = true
			mm.leftRotate(gp)
		}
	}
	mm.nodes[mm.root].red = false
}

func (mm *Mm_t) transplant(u, v int32) {
	pu := mm.nodes[u].parent
	switch {
	case pu == nilIdx:
		mm.root = v
	case u == mm.nodes[pu].left:
		mm.nodes[pu].left = v
	default:
		mm.nodes[pu].right = v
	}
	mm.nodes[v].parent = pu
}

func (mm *Mm_t) treeMinimum(x int32) int32 {
	if x == nilIdx {
		return nilIdx
	}
	for mm.nodes[x].left != nilIdx {
		x = mm.nodes[x].left
	}
	return x
}

func (mm *Mm_t) deleteNode(z int32) {
	y := z
	yOrigRed := mm.nodes[y].red
	var x int32
	switch {
	case mm.nodes[z].left == nilIdx:
		x = mm.nodes[z].right
		mm.transplant(z, mm.nodes[z].right)
	case mm.nodes[z].right == nilIdx:
		x = mm.nodes[z].left
		mm.transplant(z, mm.nodes[z].left)
	default:
		y = mm.treeMinimum(mm.nodes[z].right)
		yOrigRed = mm.nodes[y].red
		x = mm.nodes[y].right
		if mm.nodes[y].parent == z {
			mm.nodes[x].parent = y
		} else {
			mm.transplant(y, mm.nodes[y].right)
			mm.nodes[y].right = mm.nodes[z].right
			mm.nodes[mm.nodes[y].right].parent = y
		}
		mm.transplant(z, y)
		mm.nodes[y].left = mm.nodes[z].left
		mm.nodes[mm.nodes[y].left].parent = y
		mm.nodes[y].red = mm.nodes[z].red
	}
	if !yOrigRed {
		mm.deleteFixup(x)
	}
	mm.freeSlot(z)
}

func (mm *Mm_t) deleteFixup(x int32) {
	for x != mm.root && !mm.nodes[x].red {
		p := mm.nodes[x].parent
		if x == mm.nodes[p].left {
			w := mm.nodes[p].right
			if mm.nodes[w].red {
				mm.nodes[w].red = false
				mm.nodes[p].red = true
				mm.leftRotate(p)
				p = mm.nodes[x].parent
				w = mm.nodes[p].right
			}
			if !mm.nodes[mm.nodes[w].left].red && !mm.nodes[mm.nodes[w].right].red {
				mm.nodes[w].red = true
				x = p
				continue
			}
			if !mm.nodes[mm.nodes[w].right].red {
				mm.nodes[mm.nodes[w].left].red = false
				mm.nodes[w].red = true
				mm.rightRotate(w)
				p = mm.nodes[x].parent
				w = mm.nodes[p].right
			}
			mm.nodes[w].red = mm.nodes[p].red
			mm.nodes[p].red = false
			mm.nodes[mm.nodes[w].right].red = false
			mm.leftRotate(p)
			x = mm.root
		} else {
			w := mm.nodes[p].left
			if mm.nodes[w].red {
				mm.nodes[w].red = false
				mm.nodes[p].red = true
				mm.rightRotate(p)
				p = mm.nodes[x].parent
				w = mm.nodes[p].left
			}
			if !mm.nodes[mm.nodes[w].right].red && !mm.nodes[mm.nodes[w].left].red {
				mm.nodes[w].red = true
				x = p
				continue
			}
			if !mm.nodes[mm.nodes[w].left].red {
				mm.nodes[mm.nodes[w].right].red = false
				mm.nodes[w].red = true
				mm.leftRotate(w)
				p = mm.nodes[x].parent
				w = mm.nodes[p].left
			}
			mm.nodes[w].red = mm.nodes[p].red
			mm.nodes[p].red = false
			mm.nodes[mm.nodes[w].left].red = false
			mm.rightRotate(p)
			x = mm.root
		}
	}
	mm.nodes[x].red = false
}

// ---- interval queries ----

// floor returns the node with the largest Start <= addr, or nilIdx.
func (mm *Mm_t) floor(addr uintptr) int32 {
	x := mm.root
	best := nilIdx
	for x != nilIdx {
		nd := &mm.nodes[x]
		switch {
		case addr == nd.vma.Start:
			return x
		case addr < nd.vma.Start:
			x = nd.left
		default:
			best = x
			x = nd.right
		}
	}
	return best
}

// ceiling returns the node with the smallest Start >= addr, or nilIdx.
func (mm *Mm_t) ceiling(addr uintptr) int32 {
	x := mm.root
	best := nilIdx
	for x != nilIdx {
		nd := &mm.nodes[x]
		switch {
		case addr == nd.vma.Start:
			return x
		case addr > nd.vma.Start:
			x = nd.right
		default:
			best = x
			x = nd.left
		}
	}
	return best
}

func (mm *Mm_t) successor(idx int32) int32 {
	if idx == nilIdx {
		return nilIdx
	}
	if mm.nodes[idx].right != nilIdx {
		return mm.treeMinimum(mm.nodes[idx].right)
	}
	y := mm.nodes[idx].parent
	x := idx
	for y != nilIdx && x == mm.nodes[y].right {
		x = y
		y = mm.nodes[y].parent
	}
	return y
}

func (mm *Mm_t) findContaining(addr uintptr) int32 {
	idx := mm.floor(addr)
	if idx == nilIdx || addr >= mm.nodes[idx].vma.End {
		return nilIdx
	}
	return idx
}

// findOverlapIdx implements find_overlap: descend to the
// floor of start, then check it and its in-order successor. Given the
// tree's non-overlap invariant, any interval that overlaps [start, end)
// either contains start (the floor) or is the nearest VMA starting at or
// after start (the successor) — nothing else can be closer.
func (mm *Mm_t) findOverlapIdx(start, end uintptr) int32 {
	cand := mm.floor(start)
	if cand == nilIdx {
		cand = mm.treeMinimum(mm.root)
	}
	if cand != nilIdx {
		v := &mm.nodes[cand].vma
		if start < v.End && v.Start < end {
			return cand
		}
	}
	succ := mm.successor(cand)
	if succ != nilIdx {
		v := &mm.nodes[succ].vma
		if start < v.End && v.Start < end {
			return succ
		}
	}
	return nilIdx
}

// ---- public tree operations ----

/// FindVma returns the VMA containing addr.
func (mm *Mm_t) FindVma(addr uintptr) (Vma_t, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	idx := mm.findContaining(addr)
	if idx == nilIdx {
		return Vma_t{}, false
	}
	return mm.nodes[idx].vma, true
}

/// FindOverlap returns any VMA overlapping [start, end).
func (mm *Mm_t) FindOverlap(start, end uintptr) (Vma_t, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	idx := mm.findOverlapIdx(start, end)
	if idx == nilIdx {
		return Vma_t{}, false
	}
	return mm.nodes[idx].vma, true
}

/// InsertVma rejects overlap, merges with an adjacent compatible VMA when
/// possible, and otherwise RB-inserts a new node.
func (mm *Mm_t) InsertVma(start, end uintptr, flags VmFlags_t, prot paging.PTE_t, file fdops.Fdops_i, offset int64) error {
	if end <= start || !util.Aligned(start, uintptr(paging.PageSize)) || !util.Aligned(end, uintptr(paging.PageSize)) {
		return ErrBadRange
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if idx := mm.findOverlapIdx(start, end); idx != nilIdx {
		return ErrOverlap
	}

	cand := Vma_t{Start: start, End: end, Flags: flags, Prot: prot, File: file, Offset: offset}

	predIdx := mm.floor(start)
	mergedPred := false
	if predIdx != nilIdx {
		p := &mm.nodes[predIdx].vma
		if p.End == start && p.contiguousWith(&cand, start-p.Start) {
			p.End = end
			mergedPred = true
		}
	}

	succIdx := mm.floor(end)
	if succIdx != nilIdx && mm.nodes[succIdx].vma.Start != end {
		succIdx = nilIdx
	}

	switch {
	case mergedPred && succIdx != nilIdx:
		p := &mm.nodes[predIdx].vma
		s := &mm.nodes[succIdx].vma
		if p.contiguousWith(s, s.Start-p.Start) {
			p.End = s.End
			mm.deleteNode(succIdx)
			mm.mapCount--
		}
	case mergedPred:
		// nothing further to do
	case succIdx != nilIdx:
		s := &mm.nodes[succIdx].vma
		if cand.contiguousWith(s, end-start) {
			s.Start = start
			s.Offset = offset
			mergedPred = true // reuse the "already accounted for" path below
		}
	}

	if !mergedPred {
		mm.insertNode(cand)
		mm.mapCount++
	}
	return nil
}

/// RemoveVmaRange finds every VMA overlapping [start, start+length), splits
/// the first and last as needed, unmaps the covered pages, and removes any
/// VMA carved down to nothing.
func (mm *Mm_t) RemoveVmaRange(start uintptr, length int) error {
	if length <= 0 || !util.Aligned(start, uintptr(paging.PageSize)) {
		return ErrBadRange
	}
	end := start + uintptr(length)

	mm.mu.Lock()
	defer mm.mu.Unlock()

	for {
		idx := mm.findOverlapIdx(start, end)
		if idx == nilIdx {
			return nil
		}
		v := mm.nodes[idx].vma

		switch {
		case v.Start < start && v.End > end:
			right := v
			right.Start = end
			if right.File != nil {
				right.Offset += int64(end - v.Start)
			}
			mm.nodes[idx].vma.End = start
			mm.insertNode(right)
			mm.mapCount++
			mm.pager.UnmapRange(mm.pd, start, int(end-start), releaseFrames(&v))
		case v.Start < start:
			mm.pager.UnmapRange(mm.pd, start, int(v.End-start), releaseFrames(&v))
			mm.nodes[idx].vma.End = start
		case v.End > end:
			mm.pager.UnmapRange(mm.pd, v.Start, int(end-v.Start), releaseFrames(&v))
			if v.File != nil {
				mm.nodes[idx].vma.Offset += int64(end - v.Start)
			}
			mm.nodes[idx].vma.Start = end
		default:
			mm.pager.UnmapRange(mm.pd, v.Start, int(v.End-v.Start), releaseFrames(&v))
			mm.deleteNode(idx)
			mm.mapCount--
		}
	}
}

// ---- fault servicing ----

func zeroFrameContents(frames *frame.Table_t, pa frame.Pa_t) {
	pg := (*frame.Pg_t)(frames.Dmap(pa))
	for i := range pg {
		pg[i] = 0
	}
}

// zeroFrame returns a single zeroed frame this mm shares across every
// read-only anonymous fault, lazily allocated on first use. Sharing it
// system-wide would need a registry keyed on *frame.Table_t, which this
// module's per-test fresh-physical-memory convention makes unsafe to cache
// past a single Mm_t's lifetime; scoping it per-mm avoids that without
// losing the COW behavior it exists for.
func (mm *Mm_t) zeroFrame() frame.Pa_t {
	mm.zeroOnce.Do(func() {
		pa, ok := mm.frames.Alloc()
		if !ok {
			panic("vma: cannot allocate the shared zero frame")
		}
		zeroFrameContents(mm.frames, pa)
		mm.zeroPA = pa
	})
	return mm.zeroPA
}

/// HandleVmaFault services one page fault at addr: permission check, then
/// anonymous demand fault, copy-on-write resolve, file-backed fault, or
/// guard-bounded stack growth.
func (mm *Mm_t) HandleVmaFault(addr uintptr, write bool) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	idx := mm.findContaining(addr)
	if idx == nilIdx {
		gidx, ok := mm.tryGrowDown(addr)
		if !ok {
			return ErrSegv
		}
		idx = gidx
	}
	v := &mm.nodes[idx].vma
	if write && v.Flags&VM_WRITE == 0 {
		return ErrSegv
	}
	if !write && v.Flags&VM_READ == 0 {
		return ErrSegv
	}

	pageAddr := util.Rounddown(addr, uintptr(paging.PageSize))
	entry, isLarge := mm.pager.Walk(mm.pd, pageAddr)
	if isLarge {
		return nil
	}
	if entry&paging.PTE_P != 0 {
		if write && entry&pteCOW != 0 {
			return mm.resolveCOW(pageAddr, entry)
		}
		return nil // benign race: another fault already resolved this page
	}
	return mm.demandFault(v, pageAddr, write)
}

/// AccessPage ensures the page containing addr is present and permitted for
/// the requested access (faulting it in via the same path HandleVmaFault
/// uses when necessary) and returns a direct-mapped view of that page
/// together with addr's byte offset within it. package uaccess builds its
/// copy_from_user/copy_to_user on top of this rather than reaching into
/// package frame or package paging directly.
func (mm *Mm_t) AccessPage(addr uintptr, write bool) (page []byte, pageOff int, err error) {
	if err := mm.HandleVmaFault(addr, write); err != nil {
		return nil, 0, err
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	pageAddr := util.Rounddown(addr, uintptr(paging.PageSize))
	entry, isLarge := mm.pager.Walk(mm.pd, pageAddr)
	if entry&paging.PTE_P == 0 {
		return nil, 0, ErrSegv // raced with a concurrent unmap
	}
	pa := frame.Pa_t(entry.Phys())
	if isLarge {
		largeBase := util.Rounddown(addr, uintptr(paging.LargePageSize))
		pa += frame.Pa_t(pageAddr - largeBase)
	}
	pg := (*frame.Pg_t)(mm.frames.Dmap(pa))
	return pg[:], int(addr - pageAddr), nil
}

func (mm *Mm_t) tryGrowDown(addr uintptr) (int32, bool) {
	idx := mm.ceiling(addr)
	if idx == nilIdx {
		return nilIdx, false
	}
	v := &mm.nodes[idx].vma
	if v.Flags&VM_GROWS_DOWN == 0 {
		return nilIdx, false
	}
	guard := uintptr(stackGuardPages) * uintptr(paging.PageSize)
	if v.Start < guard {
		return nilIdx, false
	}
	pageAddr := util.Rounddown(addr, uintptr(paging.PageSize))
	if pageAddr < v.Start-guard {
		return nilIdx, false
	}
	v.Start = pageAddr
	return idx, true
}

func (mm *Mm_t) resolveCOW(pageAddr uintptr, entry paging.PTE_t) error {
	oldPA := frame.Pa_t(entry.Phys())
	if mm.frames.Refcount(oldPA) == 1 {
		mm.pager.SetProt(mm.pd, pageAddr, paging.PTE_P|paging.PTE_U|paging.PTE_W)
		return nil
	}

	newPA, ok := mm.frames.Alloc()
	if !ok {
		return ErrNoMem
	}
	oldPg := (*frame.Pg_t)(mm.frames.Dmap(oldPA))
	newPg := (*frame.Pg_t)(mm.frames.Dmap(newPA))
	*newPg = *oldPg
	mm.frames.Put(oldPA)

	if !mm.pager.MapSingle(mm.pd, pageAddr, uintptr(newPA), paging.PTE_P|paging.PTE_U|paging.PTE_W) {
		mm.frames.Put(newPA)
		return ErrNoMem
	}
	return nil
}

func (mm *Mm_t) demandFault(v *Vma_t, pageAddr uintptr, write bool) error {
	fileBacked := v.Flags&VM_FILEBACKED != 0 && v.File != nil
	shared := v.Flags&VM_SHARED != 0

	if shared && !fileBacked {
		// Shared anonymous pages are never demand-faulted (there is no other
		// mapper to share a lazily-faulted page with). InsertVma does not map
		// them, so the caller maps the VMA's pages itself after inserting it;
		// a fault reaching here means it never did — a bug, not a
		// recoverable fault condition.
		panic("vma: shared anonymous region faulted before it was mapped")
	}

	readFile := func(pa frame.Pa_t) error {
		off := v.Offset + int64(pageAddr-v.Start)
		buf := (*frame.Pg_t)(mm.frames.Dmap(pa))
		_, err := v.File.ReadPage(off, buf[:])
		return err
	}

	if fileBacked && shared {
		pa, ok := mm.frames.Alloc()
		if !ok {
			return ErrNoMem
		}
		if err := readFile(pa); err != nil {
			mm.frames.Put(pa)
			return err
		}
		prot := paging.PTE_P | paging.PTE_U
		if v.Flags&VM_WRITE != 0 {
			prot |= paging.PTE_W
		}
		if !mm.pager.MapSingle(mm.pd, pageAddr, uintptr(pa), prot) {
			mm.frames.Put(pa)
			return ErrNoMem
		}
		return nil
	}

	if !write {
		var pa frame.Pa_t
		if fileBacked {
			var ok bool
			pa, ok = mm.frames.Alloc()
			if !ok {
				return ErrNoMem
			}
			if err := readFile(pa); err != nil {
				mm.frames.Put(pa)
				return err
			}
		} else {
			pa = mm.zeroFrame()
			mm.frames.Get(pa)
		}
		prot := paging.PTE_P | paging.PTE_U
		if v.Flags&VM_WRITE != 0 {
			prot |= pteCOW
		}
		if !mm.pager.MapSingle(mm.pd, pageAddr, uintptr(pa), prot) {
			mm.frames.Put(pa)
			return ErrNoMem
		}
		return nil
	}

	pa, ok := mm.frames.Alloc()
	if !ok {
		return ErrNoMem
	}
	if fileBacked {
		if err := readFile(pa); err != nil {
			mm.frames.Put(pa)
			return err
		}
	} else {
		zeroFrameContents(mm.frames, pa)
	}
	if !mm.pager.MapSingle(mm.pd, pageAddr, uintptr(pa), paging.PTE_P|paging.PTE_U|paging.PTE_W) {
		mm.frames.Put(pa)
		return ErrNoMem
	}
	return nil
}
