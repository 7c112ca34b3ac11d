// Package defs holds the error codes and identifiers shared by every layer
// of the memory subsystem.
package defs

/// Err_t is a kernel error code. Zero means success; a non-zero value is
/// always negative, mirroring a syscall-style return convention so a caller
/// can propagate it directly.
type Err_t int

// Error codes returned across the public kmalloc/paging/vma/uaccess surface.
// Only the subset the memory subsystem actually raises is defined here; the
// teacher kernel's device/filesystem-specific codes are out of scope.
const (
	EFAULT       Err_t = 14 /// bad address
	ENOMEM       Err_t = 12 /// out of memory
	EINVAL       Err_t = 22 /// invalid argument
	ENAMETOOLONG Err_t = 36 /// name too long
	ENOHEAP      Err_t = 97 /// cooperative-preemption budget exhausted
	EAGAIN       Err_t = 11 /// try again, page already faulted by another thread
)

/// Tid_t identifies a thread within a process. The memory subsystem only
/// uses it to label page faults and to terminate an offending thread on an
/// unhandled fault; thread scheduling itself is out of scope.
type Tid_t int
