// Package boot parses the Multiboot2 information structure the bootloader
// leaves in memory before jumping to the kernel: the memory-map tag that
// tells package frame which physical ranges are usable RAM, and the
// kernel-image extents that must stay reserved inside that range regardless
// of what the memory map claims.
package boot

import (
	"encoding/binary"
	"fmt"
)

const (
	tagTypeEnd     uint32 = 0
	tagTypeMmap    uint32 = 6
	mmapEntryAvail uint32 = 1
)

/// RegionType_t classifies one memory-map entry.
type RegionType_t uint32

const (
	RegionAvailable RegionType_t = RegionType_t(mmapEntryAvail)
	RegionReserved  RegionType_t = 2
	RegionACPI      RegionType_t = 3
	RegionNVS       RegionType_t = 4
	RegionBad       RegionType_t = 5
)

/// Region_t is one Multiboot2 memory-map entry. Typ holds the type value
/// the firmware reported; values beyond the region types above are passed
/// through unchanged.
type Region_t struct {
	Base   uintptr
	Length uintptr
	Typ    RegionType_t
}

/// Extent_t names a byte range that must be excluded from the allocatable
/// frame pool even though the memory map marks it available, such as the
/// kernel image or the bootstrap page directory.
type Extent_t struct {
	Base   uintptr
	Length uintptr
}

// tagHeader mirrors the eight-byte (type, size) prefix shared by every
// Multiboot2 tag.
type tagHeader struct {
	Type uint32
	Size uint32
}

/// ParseMmap walks the Multiboot2 tag list starting at infoAddr (the pointer
/// handed to the kernel entry point in register ebx) and returns every
/// memory-map entry found in the mmap tag. It tolerates the tag declaring an
/// entry stride other than 24 bytes, and terminates at the tag list's own
/// declared size rather than assuming a fixed layout.
func ParseMmap(mem []byte, infoAddr uintptr) ([]Region_t, error) {
	if infoAddr+8 > uintptr(len(mem)) {
		return nil, fmt.Errorf("boot: multiboot2 info pointer out of range")
	}
	totalSize := binary.LittleEndian.Uint32(mem[infoAddr : infoAddr+4])
	end := infoAddr + uintptr(totalSize)
	if end > uintptr(len(mem)) {
		return nil, fmt.Errorf("boot: multiboot2 total_size exceeds supplied buffer")
	}

	off := infoAddr + 8 // skip (total_size, reserved)
	for off+8 <= end {
		var h tagHeader
		h.Type = binary.LittleEndian.Uint32(mem[off : off+4])
		h.Size = binary.LittleEndian.Uint32(mem[off+4 : off+8])
		if h.Type == tagTypeEnd {
			break
		}
		if h.Size < 8 || off+uintptr(h.Size) > end {
			return nil, fmt.Errorf("boot: malformed tag at offset %d", off)
		}
		if h.Type == tagTypeMmap {
			regions, err := parseMmapTag(mem, off, h.Size)
			if err != nil {
				return nil, err
			}
			return regions, nil
		}
		// Tags are padded to an 8-byte boundary.
		off += uintptr((h.Size + 7) &^ 7)
	}
	return nil, fmt.Errorf("boot: no memory-map tag found")
}

func parseMmapTag(mem []byte, tagOff uintptr, tagSize uint32) ([]Region_t, error) {
	const tagPrefix = 16 // type, size, entry_size, entry_version
	if tagSize < tagPrefix {
		return nil, fmt.Errorf("boot: mmap tag too small")
	}
	entrySize := binary.LittleEndian.Uint32(mem[tagOff+8 : tagOff+12])
	if entrySize < 24 {
		return nil, fmt.Errorf("boot: mmap entry_size smaller than one entry")
	}

	end := tagOff + uintptr(tagSize)
	var regions []Region_t
	for off := tagOff + tagPrefix; off+uintptr(entrySize) <= end; off += uintptr(entrySize) {
		base := binary.LittleEndian.Uint64(mem[off : off+8])
		length := binary.LittleEndian.Uint64(mem[off+8 : off+16])
		typ := binary.LittleEndian.Uint32(mem[off+16 : off+20])
		regions = append(regions, Region_t{
			Base:   uintptr(base),
			Length: uintptr(length),
			Typ:    RegionType_t(typ),
		})
	}
	return regions, nil
}

/// HighestAddress returns the end of the highest region in mmap, i.e. the
/// exclusive upper bound of all physical memory the bootloader reported.
func HighestAddress(mmap []Region_t) uintptr {
	var highest uintptr
	for _, r := range mmap {
		if end := r.Base + r.Length; end > highest {
			highest = end
		}
	}
	return highest
}
