// Package uaccess implements safe access to user address space memory from
// kernel context: access_ok, copy_from_user, and copy_to_user, built on top
// of package vma's fault servicing. Userbuf_t walks a user buffer one page
// at a time over vma.Mm_t, the same role a kernel's Userbuf_t plays driving
// its page-table walker under the address-space lock.
//
// Real x86 user-copy routines resume at a linker-emitted fixup address when
// the MMU raises #PF mid-instruction. Hosted Go has no instruction-pointer-
// level fault delivery to hook, so this package approximates the same
// contract instead: every copy registers a fixup for its own call with
// package paging before touching user memory, and a deferred recover
// converts any panic raised while doing so into the same -EFAULT-shaped
// error a real fixup would have produced, rather than taking down the
// process driving the copy.
package uaccess

import (
	"errors"
	"sync/atomic"
	"time"

	"paging"
	"ustr"
	"vma"
)

/// ErrFault is returned (or produced by a recovered panic) when a user
/// address is unmapped, lacks the required permission, or cannot be
/// faulted in.
var ErrFault = errors.New("uaccess: bad user address")

var fixupSeq uintptr

// beginFixup registers a synthetic fixup for the duration of one copy and
// returns a function that unregisters it. There is no real faulting
// instruction pointer to key off in hosted Go, so each call mints its own
// monotonically increasing synthetic PC; what matters is that HandleFault
// can tell "this call is prepared for a fault" (FaultResume) apart from "an
// unrelated, unprotected access went wrong" (FaultDelegate).
func beginFixup() (pc uintptr, end func()) {
	pc = atomic.AddUintptr(&fixupSeq, 1)
	paging.RegisterFixup(pc, pc)
	return pc, func() { paging.ClearFixup(pc) }
}

/// AccessOk reports whether the byte range [uva, uva+length) is entirely
/// covered by VMAs in mm that grant the requested access, mirroring the
/// construction-time check vm.Userbuf_t.ub_init's caller is expected to have
/// already performed against the VMA tree.
func AccessOk(mm *vma.Mm_t, uva uintptr, length int, write bool) bool {
	if length < 0 {
		return false
	}
	if length == 0 {
		return true
	}
	end := uva + uintptr(length)
	for addr := uva; addr < end; {
		v, ok := mm.FindVma(addr)
		if !ok {
			return false
		}
		if write && v.Flags&vma.VM_WRITE == 0 {
			return false
		}
		if !write && v.Flags&vma.VM_READ == 0 {
			return false
		}
		addr = v.End
	}
	return true
}

/// Userbuf_t assists reading and writing user memory across however many
/// pages it spans, one page at a time. Each page is faulted in and
/// permission-checked through vma.Mm_t.AccessPage, which releases the
/// address-space lock before returning, so the copy itself runs unlocked.
/// The zero value is not usable; construct with NewUserbuf.
type Userbuf_t struct {
	mm  *vma.Mm_t
	uva uintptr
	len int
	off int
}

/// NewUserbuf builds a Userbuf_t over [uva, uva+length) in mm's address
/// space, mirroring vm.Userbuf_t.ub_init.
func NewUserbuf(mm *vma.Mm_t, uva uintptr, length int) *Userbuf_t {
	if length < 0 {
		panic("uaccess: negative length")
	}
	return &Userbuf_t{mm: mm, uva: uva, len: length}
}

/// Remain returns the number of unread bytes left in the buffer.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

/// Totalsz reports the total size of the buffer in bytes.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

/// Uioread copies from user memory into dst, returning the number of bytes
/// copied and an error if a user address along the way was bad.
func (ub *Userbuf_t) Uioread(dst []byte) (n int, err error) {
	return ub.tx(dst, false)
}

/// Uiowrite copies src into user memory, returning the number of bytes
/// copied and an error if a user address along the way was bad.
func (ub *Userbuf_t) Uiowrite(src []byte) (n int, err error) {
	return ub.tx(src, true)
}

func (ub *Userbuf_t) tx(buf []byte, write bool) (ret int, err error) {
	_, endFixup := beginFixup()
	defer endFixup()
	defer func() {
		if r := recover(); r != nil {
			err = ErrFault
		}
	}()

	for len(buf) != 0 && ub.off != ub.len {
		va := ub.uva + uintptr(ub.off)
		page, pageOff, aerr := ub.mm.AccessPage(va, write)
		if aerr != nil {
			return ret, ErrFault
		}
		chunk := page[pageOff:]
		if left := ub.len - ub.off; len(chunk) > left {
			chunk = chunk[:left]
		}
		var c int
		if write {
			c = copy(chunk, buf)
		} else {
			c = copy(buf, chunk)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
		if c == 0 {
			// page/VMA shrank to nothing useful underfoot; stop rather than spin
			return ret, ErrFault
		}
	}
	return ret, nil
}

/// CopyFromUser reads len(dst) bytes from uva in mm's address space into
/// dst.
func CopyFromUser(mm *vma.Mm_t, dst []byte, uva uintptr) (int, error) {
	if !AccessOk(mm, uva, len(dst), false) {
		return 0, ErrFault
	}
	return NewUserbuf(mm, uva, len(dst)).Uioread(dst)
}

/// CopyToUser writes src into uva in mm's address space.
func CopyToUser(mm *vma.Mm_t, uva uintptr, src []byte) (int, error) {
	if !AccessOk(mm, uva, len(src), true) {
		return 0, ErrFault
	}
	return NewUserbuf(mm, uva, len(src)).Uiowrite(src)
}

/// ErrNameTooLong is returned by UserStr when the NUL terminator doesn't
/// appear within lenmax bytes.
var ErrNameTooLong = errors.New("uaccess: user string exceeds the maximum length")

const userStrChunk = 64

/// UserStr copies a NUL-terminated string out of user memory starting at
/// uva, reading at most lenmax bytes, mirroring vm.Vm_t.Userstr.
func UserStr(mm *vma.Mm_t, uva uintptr, lenmax int) (ustr.Ustr, error) {
	if lenmax < 0 {
		return nil, nil
	}
	s := ustr.MkUstr()
	chunk := make([]byte, userStrChunk)
	for off := 0; ; {
		if off >= lenmax {
			return nil, ErrNameTooLong
		}
		want := userStrChunk
		if left := lenmax - off; left < want {
			want = left
		}
		n, err := CopyFromUser(mm, chunk[:want], uva+uintptr(off))
		if err != nil {
			return s, err
		}
		if n == 0 {
			return s, ErrFault
		}
		for j, c := range chunk[:n] {
			if c == 0 {
				return append(s, chunk[:j]...), nil
			}
		}
		s = append(s, chunk[:n]...)
		off += n
	}
}

/// UserTimespec reads a {seconds, nanoseconds} pair from user memory at va
/// and returns both the equivalent Duration and the corresponding wall-clock
/// Time, mirroring vm.Vm_t.Usertimespec.
func UserTimespec(mm *vma.Mm_t, va uintptr) (time.Duration, time.Time, error) {
	var buf [16]byte
	if _, err := CopyFromUser(mm, buf[:], va); err != nil {
		return 0, time.Time{}, err
	}
	secs := int64(leUint64(buf[0:8]))
	nsecs := int64(leUint64(buf[8:16]))
	if secs < 0 || nsecs < 0 {
		return 0, time.Time{}, errors.New("uaccess: negative timespec field")
	}
	dur := time.Duration(secs)*time.Second + time.Duration(nsecs)*time.Nanosecond
	return dur, time.Unix(secs, nsecs), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

/// Fakeubuf_t implements the same interface as Userbuf_t but operates over
/// a plain kernel-owned byte slice, for callers that need to treat internal
/// memory as if it were a user buffer, mirroring vm.Fakeubuf_t.
type Fakeubuf_t struct {
	buf []byte
	len int
}

/// NewFakeubuf wraps buf for use as a Fakeubuf_t.
func NewFakeubuf(buf []byte) *Fakeubuf_t {
	return &Fakeubuf_t{buf: buf, len: len(buf)}
}

/// Remain returns the number of bytes left in the fake buffer.
func (fb *Fakeubuf_t) Remain() int { return len(fb.buf) }

/// Totalsz returns the total length of the fake buffer.
func (fb *Fakeubuf_t) Totalsz() int { return fb.len }

/// Uioread copies from the fake buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []byte) (int, error) {
	c := copy(dst, fb.buf)
	fb.buf = fb.buf[c:]
	return c, nil
}

/// Uiowrite copies src into the fake buffer.
func (fb *Fakeubuf_t) Uiowrite(src []byte) (int, error) {
	c := copy(fb.buf, src)
	fb.buf = fb.buf[c:]
	return c, nil
}
