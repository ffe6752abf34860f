// Package xio implements the IO cursor abstractions IOSpan (a view over
// an in-memory byte buffer) and IOSegment (a view over a Segment rooted
// in a block array).
//
// Both share one cursor contract: independent read/write positions, a
// clampable [lo, hi) limit window per direction, short reads/writes at
// the window edge, and "exact" operations that fail cleanly rather than
// partially mutate the sink. The offset-translating wrapper pattern
// (every access goes through a small `store` indirection before
// touching the real bytes) follows the same shape as InnerFiler's
// "add an offset to every access" trick.
package xio

import (
	"io"

	"github.com/eldipa/xoz/xozerr"
)

// SeekDir selects how a seek offset is interpreted.
type SeekDir int

const (
	SeekBeg SeekDir = iota // offset is absolute from the start of the window
	SeekEnd                // offset is absolute from the end of the window
	SeekFwd                // offset is relative, forward from the current position
	SeekBwd                // offset is relative, backward from the current position
)

// store is the minimal byte-addressable backing any IO cursor needs.
// IOSpan implements it directly over a []byte, growing it on demand;
// IOSegment implements it by walking a Segment's extents (and inline
// tail) through a block array, a fixed backing that never grows.
type store interface {
	size() int64
	growable() bool
	readAt(b []byte, pos int64) (int, error)
	writeAt(b []byte, pos int64) (int, error)
}

// IO is the shared cursor implementation. IOSpan and IOSegment embed it
// and add their own constructors over distinct backing stores.
//
// Absent an explicit LimitRd/LimitWr, a cursor's window is not a fixed
// pair of bounds snapshotted at construction: it tracks the backing
// store's live size, so a store that grows (IOSpan's buffer) or shrinks
// is always visible through the default window. A growable store's
// default write window additionally has no upper bound at all, since
// the store is free to extend itself to fit any write.
type IO struct {
	st store

	rdPos, wrPos         int64
	rdLo, rdHi           int64
	wrLo, wrHi           int64
	rdLimited, wrLimited bool
}

func newIO(st store) *IO {
	return &IO{st: st}
}

// Size returns the total virtual byte length of the backing store.
func (c *IO) Size() int64 { return c.st.size() }

// rdWindow returns the current read window, tracking the live store
// size unless LimitRd installed an explicit one.
func (c *IO) rdWindow() (int64, int64) {
	if c.rdLimited {
		return c.rdLo, c.rdHi
	}
	return 0, c.st.size()
}

// wrWindow returns the current write window and whether it is
// unbounded (an unlimited window over a growable store).
func (c *IO) wrWindow() (lo, hi int64, unbounded bool) {
	if c.wrLimited {
		return c.wrLo, c.wrHi, false
	}
	if c.st.growable() {
		return 0, 0, true
	}
	return 0, c.st.size(), false
}

// RdPos returns the current read cursor position.
func (c *IO) RdPos() int64 { return c.rdPos }

// WrPos returns the current write cursor position.
func (c *IO) WrPos() int64 { return c.wrPos }

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SeekRd moves the read cursor and returns its new position. Over/underflow
// clamps to the current read window.
func (c *IO) SeekRd(offset int64, dir SeekDir) int64 {
	lo, hi := c.rdWindow()
	c.rdPos = seek(c.rdPos, offset, dir, lo, hi)
	return c.rdPos
}

// SeekWr moves the write cursor and returns its new position. Over/underflow
// clamps to the current write window; seeking never grows the backing
// store, so an unbounded (growable, unlimited) window clamps to the
// store's live size just like a bounded one.
func (c *IO) SeekWr(offset int64, dir SeekDir) int64 {
	lo, hi, unbounded := c.wrWindow()
	if unbounded {
		hi = c.st.size()
	}
	c.wrPos = seek(c.wrPos, offset, dir, lo, hi)
	return c.wrPos
}

func seek(cur, offset int64, dir SeekDir, lo, hi int64) int64 {
	var target int64
	switch dir {
	case SeekBeg:
		target = lo + offset
	case SeekEnd:
		target = hi + offset
	case SeekFwd:
		target = cur + offset
	case SeekBwd:
		target = cur - offset
	}
	return clamp(target, lo, hi)
}

// ReadSome reads up to len(dst) bytes starting at the read cursor,
// advancing it by the number of bytes actually read. It never returns an
// error for a short read at the window edge.
func (c *IO) ReadSome(dst []byte) (int, error) {
	_, hi := c.rdWindow()
	avail := hi - c.rdPos
	if avail <= 0 || len(dst) == 0 {
		return 0, nil
	}
	max := int64(len(dst))
	if max > avail {
		max = avail
	}
	n, err := c.st.readAt(dst[:max], c.rdPos)
	c.rdPos += int64(n)
	return n, err
}

// WriteSome writes up to len(src) bytes starting at the write cursor,
// advancing it by the number of bytes actually written. It never returns
// an error for a short write at the window edge. Against an unbounded
// (growable, unlimited) window the full request is always attempted.
func (c *IO) WriteSome(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	_, hi, unbounded := c.wrWindow()
	if !unbounded {
		avail := hi - c.wrPos
		if avail <= 0 {
			return 0, nil
		}
		max := int64(len(src))
		if max > avail {
			src = src[:avail]
		}
	}
	n, err := c.st.writeAt(src, c.wrPos)
	c.wrPos += int64(n)
	return n, err
}

// ReadAll reads exactly len(dst) bytes. If the current read window does
// not have that many bytes available, it fails with *xozerr.NotEnoughRoom
// without performing any IO.
func (c *IO) ReadAll(dst []byte) error {
	need := int64(len(dst))
	_, hi := c.rdWindow()
	avail := hi - c.rdPos
	if need > avail {
		return &xozerr.NotEnoughRoom{Op: "IO.ReadAll", Pos: c.rdPos, Requested: need, Available: avail}
	}
	n, err := c.st.readAt(dst, c.rdPos)
	c.rdPos += int64(n)
	if err != nil {
		return err
	}
	return nil
}

// WriteAll writes exactly len(src) bytes. If the current write window
// does not have room for that many bytes, it fails with
// *xozerr.NotEnoughRoom without performing any IO. An unbounded
// (growable, unlimited) window always has room: the backing store
// extends itself to fit.
func (c *IO) WriteAll(src []byte) error {
	need := int64(len(src))
	_, hi, unbounded := c.wrWindow()
	if !unbounded {
		avail := hi - c.wrPos
		if need > avail {
			return &xozerr.NotEnoughRoom{Op: "IO.WriteAll", Pos: c.wrPos, Requested: need, Available: avail}
		}
	}
	n, err := c.st.writeAt(src, c.wrPos)
	c.wrPos += int64(n)
	if err != nil {
		return err
	}
	return nil
}

// WriteAllFrom reads exactly n bytes from r and writes them at the write
// cursor. If r yields fewer than n bytes, it fails with *xozerr.Overflow
// before any byte is written to the sink. If the sink has no room for n
// bytes, it fails with *xozerr.NotEnoughRoom, also before writing.
func (c *IO) WriteAllFrom(r io.Reader, n int64) error {
	_, hi, unbounded := c.wrWindow()
	if !unbounded {
		avail := hi - c.wrPos
		if n > avail {
			return &xozerr.NotEnoughRoom{Op: "IO.WriteAllFrom", Pos: c.wrPos, Requested: n, Available: avail}
		}
	}

	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	if err != nil {
		return &xozerr.Overflow{Op: "IO.WriteAllFrom", Requested: n, Have: int64(got)}
	}
	return c.WriteAll(buf)
}

// Fill writes n repeated copies of b at the write cursor, advancing it.
// It fails with *xozerr.NotEnoughRoom (without partial IO) if the write
// window cannot hold n bytes.
func (c *IO) Fill(b byte, n int64) error {
	_, hi, unbounded := c.wrWindow()
	if !unbounded {
		avail := hi - c.wrPos
		if n > avail {
			return &xozerr.NotEnoughRoom{Op: "IO.Fill", Pos: c.wrPos, Requested: n, Available: avail}
		}
	}

	const chunkSize = 4096
	var chunk [chunkSize]byte
	for i := range chunk {
		chunk[i] = b
	}

	rem := n
	for rem > 0 {
		sz := int64(chunkSize)
		if sz > rem {
			sz = rem
		}
		if _, err := c.WriteSome(chunk[:sz]); err != nil {
			return err
		}
		rem -= sz
	}
	return nil
}

// CopyIntoSelf copies n bytes from the read cursor to the write cursor of
// the same IO, with memmove semantics: the result is well defined for
// any overlap between the source and destination ranges.
func (c *IO) CopyIntoSelf(n int64) error {
	_, rdHi := c.rdWindow()
	rdAvail := rdHi - c.rdPos
	if n > rdAvail {
		return &xozerr.NotEnoughRoom{Op: "IO.CopyIntoSelf", Pos: c.rdPos, Requested: n, Available: rdAvail}
	}
	if _, wrHi, unbounded := c.wrWindow(); !unbounded {
		wrAvail := wrHi - c.wrPos
		if n > wrAvail {
			return &xozerr.NotEnoughRoom{Op: "IO.CopyIntoSelf", Pos: c.wrPos, Requested: n, Available: wrAvail}
		}
	}

	buf := make([]byte, n)
	if _, err := c.st.readAt(buf, c.rdPos); err != nil {
		return err
	}
	if _, err := c.st.writeAt(buf, c.wrPos); err != nil {
		return err
	}
	c.rdPos += n
	c.wrPos += n
	return nil
}

// CopyInto copies n bytes from this IO's read cursor to dst's write
// cursor.
func (c *IO) CopyInto(dst *IO, n int64) error {
	_, rdHi := c.rdWindow()
	rdAvail := rdHi - c.rdPos
	if n > rdAvail {
		return &xozerr.NotEnoughRoom{Op: "IO.CopyInto", Pos: c.rdPos, Requested: n, Available: rdAvail}
	}
	if _, wrHi, unbounded := dst.wrWindow(); !unbounded {
		wrAvail := wrHi - dst.wrPos
		if n > wrAvail {
			return &xozerr.NotEnoughRoom{Op: "IO.CopyInto", Pos: dst.wrPos, Requested: n, Available: wrAvail}
		}
	}

	buf := make([]byte, n)
	if _, err := c.st.readAt(buf, c.rdPos); err != nil {
		return err
	}
	if _, err := dst.st.writeAt(buf, dst.wrPos); err != nil {
		return err
	}
	c.rdPos += n
	dst.wrPos += n
	return nil
}

// LimitWr installs a temporary [lo, lo+size) write window, clamped to
// [0, Size()]. The returned restore function reinstates the previous
// write window and write cursor (auto-rewind) and must be called exactly
// once, typically via defer.
func (c *IO) LimitWr(lo, size int64) func() {
	prevLo, prevHi, prevPos, prevLimited := c.wrLo, c.wrHi, c.wrPos, c.wrLimited
	c.wrLo, c.wrHi = clampWindow(lo, lo+size, c.Size())
	c.wrPos = c.wrLo
	c.wrLimited = true
	return func() {
		c.wrLo, c.wrHi, c.wrPos, c.wrLimited = prevLo, prevHi, prevPos, prevLimited
	}
}

// LimitRd installs a temporary [lo, lo+size) read window, clamped to
// [0, Size()]. The returned restore function reinstates the previous
// read window and read cursor (auto-rewind).
func (c *IO) LimitRd(lo, size int64) func() {
	prevLo, prevHi, prevPos, prevLimited := c.rdLo, c.rdHi, c.rdPos, c.rdLimited
	c.rdLo, c.rdHi = clampWindow(lo, lo+size, c.Size())
	c.rdPos = c.rdLo
	c.rdLimited = true
	return func() {
		c.rdLo, c.rdHi, c.rdPos, c.rdLimited = prevLo, prevHi, prevPos, prevLimited
	}
}

// LimitToReadOnly installs a zero-size write window at the current write
// position, so any subsequent write attempt is rejected or silently
// truncated to zero bytes. The returned restore function reinstates the
// previous write window and cursor.
func (c *IO) LimitToReadOnly() func() {
	return c.LimitWr(c.wrPos, 0)
}

func clampWindow(lo, hi, size int64) (int64, int64) {
	lo = clamp(lo, 0, size)
	hi = clamp(hi, 0, size)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
