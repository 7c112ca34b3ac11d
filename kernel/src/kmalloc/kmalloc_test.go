package kmalloc

import (
	"testing"
	"unsafe"

	"buddy"
)

func newFacade(t *testing.T) *Facade_t {
	t.Helper()
	backing := make([]byte, (1<<buddy.MaxOrder)*4)
	base := uintptr(unsafe.Pointer(&backing[0]))
	heap := buddy.New(base, uintptr(len(backing)))
	return New(heap)
}

func TestSmallAllocUsesSlab(t *testing.T) {
	f := newFacade(t)
	p := f.Alloc(100)
	if p == nil {
		t.Fatal("alloc returned nil")
	}
	h := (*header_t)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
	if h.tag != tagSlab {
		t.Fatalf("expected a small allocation to come from a slab class, got tag %v", h.tag)
	}
	f.Free(p)
}

func TestLargeAllocUsesBuddy(t *testing.T) {
	f := newFacade(t)
	p := f.Alloc(SlabMaxUserSize * 4)
	if p == nil {
		t.Fatal("alloc returned nil")
	}
	h := (*header_t)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
	if h.tag != tagBuddy {
		t.Fatalf("expected a large allocation to fall through to the buddy heap, got tag %v", h.tag)
	}
	f.Free(p)
}

// TestHeaderSurvivesRoundTrip mirrors scenario S2: the header immediately
// before a kmalloc'd pointer records the requested size, and Free succeeds
// without corrupting other state.
func TestHeaderSurvivesRoundTrip(t *testing.T) {
	f := newFacade(t)
	p := f.Alloc(100)
	if p == nil {
		t.Fatal("alloc returned nil")
	}
	if got := f.Size(p); got != 100 {
		t.Fatalf("got recorded size %d, want 100", got)
	}
	f.Free(p)
}

func TestDoubleFreePanics(t *testing.T) {
	f := newFacade(t)
	p := f.Alloc(64)
	if p == nil {
		t.Fatal("alloc returned nil")
	}
	f.Free(p)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second Free of the same pointer to panic")
		}
	}()
	f.Free(p)
}
