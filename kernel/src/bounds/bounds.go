// Package bounds enumerates the call sites that loop over user memory one
// page (or one iovec) at a time. Each loop iteration costs a fixed amount of
// "heap budget" (see package res) so a runaway copy can't monopolize a CPU
// between preemption points. The named sites do not charge these bounds:
// uaccess and vma import neither bounds nor res.
package bounds

/// Bound_t names a budgeted loop site.
type Bound_t int

const (
	/// B_UACCESS_COPYIN prices one page touched by CopyFromUser.
	B_UACCESS_COPYIN Bound_t = iota
	/// B_UACCESS_COPYOUT prices one page touched by CopyToUser.
	B_UACCESS_COPYOUT
	/// B_USERBUF_TX prices one page touched by Userbuf_t transfers.
	B_USERBUF_TX
	/// B_USERIOVEC_TX prices one iovec element processed.
	B_USERIOVEC_TX
	/// B_VMA_UNMAP prices one page unmapped by RemoveVmaRange.
	B_VMA_UNMAP
	_boundCount
)

/// Bounds returns the fixed charge, in budget units, for one iteration of
/// the named loop. All call sites currently cost one unit; the indirection
/// exists so a hot loop can be repriced without touching its call site.
func Bounds(b Bound_t) int {
	if b < 0 || b >= _boundCount {
		panic("unknown bound")
	}
	return 1
}
