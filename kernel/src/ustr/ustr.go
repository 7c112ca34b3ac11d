// Package ustr provides the small growable byte-string type uaccess.UserStr
// returns, so callers reading a NUL-terminated string out of user memory
// don't have to juggle a raw []byte and a separate length.
package ustr

/// Ustr is an immutable-by-convention byte string copied out of user space.
type Ustr []uint8

/// MkUstr returns an empty Ustr ready for incremental append.
func MkUstr() Ustr {
	return Ustr{}
}

/// Eq reports whether us and s contain identical bytes.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

/// MkUstrSlice truncates buf at its first NUL byte (or returns it whole, if
/// none is found) and wraps the result as a Ustr.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

/// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}
