package boot

import (
	"encoding/binary"
	"testing"
)

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

// buildInfo assembles a minimal Multiboot2 info structure with one mmap tag
// holding the given entries, followed by the end tag.
func buildInfo(entries []Region_t) []byte {
	const entrySize = 24
	tagSize := 16 + entrySize*len(entries)
	tagSizePadded := (tagSize + 7) &^ 7
	totalSize := 8 + tagSizePadded + 8 // header + mmap tag + end tag

	buf := make([]byte, totalSize)
	putU32(buf, 0, uint32(totalSize))
	putU32(buf, 4, 0) // reserved

	off := 8
	putU32(buf, off+0, tagTypeMmap)
	putU32(buf, off+4, uint32(tagSize))
	putU32(buf, off+8, entrySize)
	putU32(buf, off+12, 0) // entry_version
	eoff := off + 16
	for _, e := range entries {
		putU64(buf, eoff, uint64(e.Base))
		putU64(buf, eoff+8, uint64(e.Length))
		putU32(buf, eoff+16, uint32(e.Typ))
		putU32(buf, eoff+20, 0)
		eoff += entrySize
	}

	endOff := off + tagSizePadded
	putU32(buf, endOff, tagTypeEnd)
	putU32(buf, endOff+4, 8)
	return buf
}

func TestParseMmapBasic(t *testing.T) {
	want := []Region_t{
		{Base: 0x100000, Length: 0x1000000, Typ: RegionAvailable},
		{Base: 0x2000000, Length: 0x400000, Typ: RegionReserved},
	}
	buf := buildInfo(want)

	got, err := ParseMmap(buf, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d regions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("region %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseMmapRejectsTruncatedBuffer(t *testing.T) {
	buf := buildInfo([]Region_t{{Base: 0, Length: 0x1000, Typ: RegionAvailable}})
	if _, err := ParseMmap(buf[:len(buf)-4], 0); err == nil {
		t.Fatal("expected an error for a truncated multiboot2 buffer")
	}
}

func TestHighestAddress(t *testing.T) {
	mmap := []Region_t{
		{Base: 0, Length: 0x100000, Typ: RegionAvailable},
		{Base: 0x100000, Length: 0xf00000, Typ: RegionAvailable},
	}
	if got := HighestAddress(mmap); got != 0x1000000 {
		t.Fatalf("got %#x, want %#x", got, 0x1000000)
	}
}
