// Command mbdump inspects a raw capture of the Multiboot2 information
// structure a bootloader hands the kernel: given a binary file holding that
// structure starting at offset 0, it walks every tag and prints its type,
// size, and (for the memory-map tag) each region's base/length/type,
// reusing package boot's own parser instead of re-decoding the format. It
// follows a small "open file, validate, report" CLI shape: positional args,
// log.Fatal on malformed input, no flag parsing.
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"boot"
)

const (
	tagTypeEnd  uint32 = 0
	tagTypeMmap uint32 = 6
)

func usage(me string) {
	fmt.Printf("%s <multiboot2-info-dump>\n\nPrint the tags found in a raw Multiboot2 info structure.\n", me)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 2 {
		usage(os.Args[0])
	}
	mem, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}
	if err := dumpTags(mem); err != nil {
		log.Fatal(err)
	}
}

func dumpTags(mem []byte) error {
	if len(mem) < 8 {
		return fmt.Errorf("mbdump: file too small to hold a multiboot2 header")
	}
	totalSize := binary.LittleEndian.Uint32(mem[0:4])
	end := uintptr(totalSize)
	if end > uintptr(len(mem)) {
		return fmt.Errorf("mbdump: total_size %d exceeds file size %d", totalSize, len(mem))
	}
	fmt.Printf("total_size=%d\n", totalSize)

	off := uintptr(8)
	for off+8 <= end {
		typ := binary.LittleEndian.Uint32(mem[off : off+4])
		size := binary.LittleEndian.Uint32(mem[off+4 : off+8])
		if typ == tagTypeEnd {
			fmt.Printf("tag @%d: type=END\n", off)
			break
		}
		if size < 8 || off+uintptr(size) > end {
			return fmt.Errorf("mbdump: malformed tag at offset %d", off)
		}
		fmt.Printf("tag @%d: type=%d size=%d\n", off, typ, size)

		if typ == tagTypeMmap {
			regions, err := boot.ParseMmap(mem, 0)
			if err != nil {
				fmt.Printf("  (mmap tag present but unparsable: %v)\n", err)
			}
			for _, r := range regions {
				fmt.Printf("  region base=%#x length=%#x type=%d\n", r.Base, r.Length, r.Typ)
			}
		}

		off += uintptr((size + 7) &^ 7)
	}
	return nil
}
