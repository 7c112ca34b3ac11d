// Package fdops is the narrow collaborator interface the vma package uses
// to fault pages in from a backing file without knowing anything about the
// filesystem underneath it.
package fdops

/// Fdops_i is the file-backed side of a VFILE mapping: enough to read one
/// page's worth of bytes at a given byte offset on demand.
type Fdops_i interface {
	/// ReadPage fills buf (exactly one frame's worth of bytes) from the
	/// backing file at byte offset off, zero-padding past end-of-file.
	/// Returns the number of leading bytes that came from real file data.
	ReadPage(off int64, buf []byte) (int, error)

	/// Len reports the backing file's current size in bytes.
	Len() (int64, error)
}
