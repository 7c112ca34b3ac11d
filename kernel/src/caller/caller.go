// Package caller dumps Go call stacks for the allocators' corruption
// diagnostics: a slab footer-canary mismatch or a buddy bad-free panics
// (spec §7, Corruption is always fatal), and the panic message is more
// useful with the call stack of the code that caused it attached.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

/// Dump renders the call stack starting at the given skip depth as a single
/// string, one frame per line.
func Dump(skip int) string {
	i := skip
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

/// Distinct_t deduplicates repeated reports of the same call chain so a
/// corruption that's hit in a tight loop doesn't flood the console with
/// identical traces.
type Distinct_t struct {
	sync.Mutex
	Enabled bool
	did     map[uintptr]bool
}

func (dc *Distinct_t) pchash(pcs []uintptr) uintptr {
	if len(pcs) == 0 {
		panic("empty call stack")
	}
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

/// Seen reports whether the caller's current call chain has already been
/// recorded. On the first sighting it returns false along with the
/// formatted stack trace; on repeats it returns true and an empty string.
func (dc *Distinct_t) Seen() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.did == nil {
		dc.did = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, sz)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			panic("runtime.Callers returned nothing")
		}
	}
	h := dc.pchash(pcs)
	if dc.did[h] {
		return true, ""
	}
	dc.did[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return false, fs
}
