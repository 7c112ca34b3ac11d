// Package proc provides the thin address-space and page-fault-delivery glue
// that sits above paging and vma: a Proc_t pairs a process with the Mm_t
// driving its page tables, and PageFault implements the dispatch order for a
// trap landing in #PF: first check the kernel's own exception-table fixups,
// and only then hand the fault to the process's address space. It is scoped
// to exactly what the memory subsystem needs: which address space a fault
// happened in, and where to send it.
package proc

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"paging"
	"vma"
)

/// Proc_t is one process: an identifier and the address space backing it.
type Proc_t struct {
	Pid int
	Mm  *vma.Mm_t
}

/// FaultResult tells a caller what PageFault decided.
type FaultResult int

const (
	// FaultHandled means vma's servicer resolved an ordinary user fault;
	// the faulting instruction should simply be retried.
	FaultHandled FaultResult = iota
	// FaultFixedUp means the fault happened inside a uaccess copy that
	// registered a fixup; execution should resume at ResumePC rather than
	// retry the faulting instruction.
	FaultFixedUp
	// FaultFatal means neither the exception table nor the VMA tree could
	// explain the fault: the process gets killed, mirroring a real SIGSEGV.
	FaultFatal
)

/// PageFault implements the kernel's #PF entry point for this process:
/// first consult package paging's exception table (a kernel routine that
/// expected to fault while touching user memory), and only once that comes
/// back empty, delegate to the VMA tree's own fault servicer. A fault that
/// survives both is fatal.
func (p *Proc_t) PageFault(faultPC, faultAddr uintptr, write bool) (FaultResult, uintptr, error) {
	if outcome := paging.HandleFault(faultPC); outcome.Action == paging.FaultResume {
		return FaultFixedUp, outcome.ResumePC, nil
	}
	if err := p.Mm.HandleVmaFault(faultAddr, write); err != nil {
		return FaultFatal, 0, err
	}
	return FaultHandled, 0, nil
}

/// DescribeFault renders a best-effort diagnostic for a fatal kernel-mode
/// fault: the faulting instruction, disassembled at pc. Used only on the
/// path about to panic, never for an ordinary handled user fault, so a
/// malformed or truncated code slice degrading to an error string is fine.
func DescribeFault(code []byte, pc uint64) string {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return fmt.Sprintf("<could not decode instruction at %#x: %v>", pc, err)
	}
	return x86asm.GNUSyntax(inst, pc, nil)
}
