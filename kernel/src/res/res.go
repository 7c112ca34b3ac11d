// Package res implements a cooperative-preemption heap budget. The kernel is
// cooperatively scheduled on each CPU (spec §5): a thread that spends too
// long inside a single syscall without hitting a preemption point can starve
// its peers, so a long loop can call Resadd_noblock once per iteration and
// bail out with ENOHEAP when the budget is exhausted rather than spinning
// forever. No loop in uaccess or vma charges it; nothing in this module
// imports this package.
package res

import "sync"

// perThreadBudget is the number of units a thread may spend between two
// resets of its budget. It is deliberately small: a single syscall doing a
// multi-megabyte copy_from_user should be preempptible many times over.
const perThreadBudget = 4096

/// Budget_t tracks the remaining heap budget for one logical thread of
/// execution. The zero value is "fully charged".
type Budget_t struct {
	mu   sync.Mutex
	left int
}

/// Reset restores a thread's budget to the maximum, for a scheduler to call
/// at each preemption point. Nothing in this module calls it; package proc
/// has no scheduler.
func (b *Budget_t) Reset() {
	b.mu.Lock()
	b.left = perThreadBudget
	b.mu.Unlock()
}

/// Resadd_noblock charges n units against the current thread's budget. It
/// returns false, without blocking, when the budget is exhausted; the caller
/// must translate that into -defs.ENOHEAP and unwind.
func (b *Budget_t) Resadd_noblock(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.left <= 0 {
		b.left = perThreadBudget
	}
	if b.left < n {
		return false
	}
	b.left -= n
	return true
}

// current is a process-wide fallback budget used by call sites that have no
// thread-local Budget_t wired in yet (tests, and single-threaded tools).
// Real callers should prefer a Budget_t obtained from their thread context.
var current = &Budget_t{left: perThreadBudget}

/// Resadd_noblock charges n units against the default budget, a
/// package-level convenience that spares a call site threading a budget
/// handle through every function signature.
func Resadd_noblock(n int) bool {
	return current.Resadd_noblock(n)
}
