// Package oom lets the physical-frame layer ask a higher layer (the process
// reaper, out of scope here) to free memory before giving up on an
// allocation outright. The only sender is frame.Alloc.
package oom

/// Request_t is sent on Ch when an allocator could not satisfy a request.
/// frame.Alloc sends one as soon as the buddy heap has no page left; it
/// makes no reclaim attempt first.
type Request_t struct {
	// Need is the number of bytes the stalled allocation wants.
	Need int
	// Resume is a fresh channel for the reaper to close once it has made an
	// attempt to free memory. frame.Alloc neither waits on it nor retries:
	// it reports failure right after sending.
	Resume chan bool
}

/// Ch is notified once per allocation failure. Nothing in the memory
/// subsystem itself consumes it — a process-reaper layer, out of scope
/// here, would range over it — and frame.Alloc is the only sender, so that
/// collaborator can exist without the allocator depending on its concrete
/// type.
var Ch = make(chan Request_t, 1)

/// Notify sends a non-blocking OOM notice for need bytes. It never blocks:
/// if a notice is already pending the new one is dropped, since the reaper
/// only needs to know "more memory is wanted", not by how much cumulatively.
func Notify(need int) {
	req := Request_t{Need: need, Resume: make(chan bool)}
	select {
	case Ch <- req:
	default:
	}
}
