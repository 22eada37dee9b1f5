package vfs

// readAhead is a window of remote bytes buffered on a cloud node. It is
// anchored at off and holds len(buf) bytes; eof is set when the window
// reached the end of the asset.
type readAhead struct {
	off int64
	buf []byte
	eof bool
}

// serve copies the part of the window requested by (off, len(dest)). It
// reports false when the window does not cover the request; a request past
// the end of an eof window is served with zero bytes.
func (r *readAhead) serve(off int64, dest []byte) (int, bool) {
	if r.buf == nil || off < r.off {
		return 0, false
	}
	end := r.off + int64(len(r.buf))
	if off+int64(len(dest)) <= end {
		return copy(dest, r.buf[off-r.off:]), true
	}
	if !r.eof {
		return 0, false
	}
	if off >= end {
		return 0, true
	}
	return copy(dest, r.buf[off-r.off:]), true
}

// triggers reports whether a read of size bytes at off should fetch a new
// window: it must be exactly the probe size and outside the current window.
func (r *readAhead) triggers(off int64, size, probe, window int) bool {
	if probe <= 0 || window <= size || size != probe {
		return false
	}
	if r.buf == nil {
		return true
	}
	return off < r.off || off >= r.off+int64(len(r.buf))
}

func (r *readAhead) store(off int64, data []byte, want int) {
	r.off = off
	r.buf = data
	r.eof = len(data) < want
}
