// Package segment implements Segment: an ordered list of extents plus an
// optional inline tail, together with its compact on-disk encoding.
//
// The encoding packs each extent into two 16-bit words (three for a
// suballoc extent or a block count that does not fit in the 4-bit
// "smallcnt" fast path), the same word-at-a-time approach the allocator's
// block headers use to pack a tag, a size and links into as few bytes as
// possible. See writeExtentElement and writeInlineElement for the exact
// bit layout.
package segment

import (
	"io"

	"github.com/eldipa/xoz/bits"
	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/xozerr"
)

// MaxInlineSize is the hard cap on a segment's inline tail.
const MaxInlineSize = 63

// Segment is an ordered list of extents with an optional inline tail of
// up to MaxInlineSize bytes. blkSzOrder is fixed at construction and used
// to compute data-space sizes.
type Segment struct {
	blkSzOrder uint
	extents    []extent.Extent
	hasInline  bool
	inline     []byte
}

// New returns an empty Segment whose data-space computations use the
// given block size order (6..16, i.e. block sizes 64..65536).
func New(blkSzOrder uint) *Segment {
	return &Segment{blkSzOrder: blkSzOrder}
}

// BlkSzOrder returns the block size order fixed at construction.
func (s *Segment) BlkSzOrder() uint { return s.blkSzOrder }

// Extents returns the segment's extents in declaration order. The slice
// must not be mutated by the caller.
func (s *Segment) Extents() []extent.Extent { return s.extents }

// AddExtent appends ext to the segment.
func (s *Segment) AddExtent(ext extent.Extent) {
	s.extents = append(s.extents, ext)
}

// SetInlineData installs b as the inline tail. It fails with
// *xozerr.InconsistentState if len(b) exceeds MaxInlineSize.
func (s *Segment) SetInlineData(b []byte) error {
	if len(b) > MaxInlineSize {
		return &xozerr.InconsistentState{Op: "Segment.SetInlineData", Reason: "inline data exceeds 63 bytes"}
	}
	s.hasInline = true
	s.inline = append([]byte(nil), b...)
	return nil
}

// ReserveInlineData installs n zero bytes as the inline tail. n == 0 is
// the "end of segment" marker (see AddEndOfSegment).
func (s *Segment) ReserveInlineData(n int) error {
	if n < 0 || n > MaxInlineSize {
		return &xozerr.InconsistentState{Op: "Segment.ReserveInlineData", Reason: "inline data exceeds 63 bytes"}
	}
	s.hasInline = true
	s.inline = make([]byte, n)
	return nil
}

// AddEndOfSegment installs an explicit, zero-length "end of segment"
// inline marker. It is needed only when a segment is written into a
// fixed-size slot without an accompanying length prefix.
func (s *Segment) AddEndOfSegment() error { return s.ReserveInlineData(0) }

// InlineData returns the inline tail, or nil if none is present.
func (s *Segment) InlineData() []byte {
	if !s.hasInline {
		return nil
	}
	return s.inline
}

// HasInlineData reports whether an inline tail (possibly zero-length) is
// present.
func (s *Segment) HasInlineData() bool { return s.hasInline }

// RemoveInlineData clears the inline tail.
func (s *Segment) RemoveInlineData() {
	s.hasInline = false
	s.inline = nil
}

// ReplaceLastExtent overwrites the last extent in place, e.g. after
// growing or shrinking it without disturbing the extents before it. It
// fails with *xozerr.InconsistentState if the segment has no extents.
func (s *Segment) ReplaceLastExtent(ext extent.Extent) error {
	if len(s.extents) == 0 {
		return &xozerr.InconsistentState{Op: "Segment.ReplaceLastExtent", Reason: "segment has no extents"}
	}
	s.extents[len(s.extents)-1] = ext
	return nil
}

// RemoveLastExtent pops the last extent. It fails with
// *xozerr.InconsistentState if the segment has no extents.
func (s *Segment) RemoveLastExtent() error {
	if len(s.extents) == 0 {
		return &xozerr.InconsistentState{Op: "Segment.RemoveLastExtent", Reason: "segment has no extents"}
	}
	s.extents = s.extents[:len(s.extents)-1]
	return nil
}

// CalcDataSpaceSize returns the total number of user-addressable bytes:
// the sum of every extent's data-space size plus the inline tail length.
func (s *Segment) CalcDataSpaceSize() int64 {
	var n int64
	for _, e := range s.extents {
		n += e.DataSpaceSize(s.blkSzOrder)
	}
	n += int64(len(s.inline))
	return n
}

// CalcStructFootprintSize returns the exact number of bytes
// WriteStructInto will emit.
func (s *Segment) CalcStructFootprintSize() int {
	n := 0
	for _, e := range s.extents {
		n += extentElementSize(e)
	}
	if s.hasInline {
		n += inlineElementSize(len(s.inline))
	}
	return n
}

func extentElementSize(e extent.Extent) int {
	if e.IsSuballoc() {
		return 6
	}
	if e.BlkCnt() >= 1 && e.BlkCnt() <= 15 {
		return 4
	}
	return 6
}

func inlineElementSize(n int) int {
	if n%2 == 0 {
		return 2 + n
	}
	return 2 + n - 1
}

const (
	bitSuballoc = uint16(1) << 15
	bitInline   = uint16(1) << 14
	bitMore     = uint16(1) << 10
	hi10Mask    = uint16(0x03ff)
)

// WriteStructInto serializes the segment to w. An entirely empty segment
// (no extents, no inline tail) cannot be represented and is rejected with
// *xozerr.InconsistentState — callers that need to emit "nothing" must
// call AddEndOfSegment first.
func (s *Segment) WriteStructInto(w io.Writer) error {
	if len(s.extents) == 0 && !s.hasInline {
		return &xozerr.InconsistentState{Op: "Segment.WriteStructInto", Reason: "cannot serialize an entirely empty segment"}
	}

	for i, e := range s.extents {
		more := i != len(s.extents)-1 || s.hasInline
		if err := writeExtentElement(w, e, more); err != nil {
			return err
		}
	}

	if s.hasInline {
		if err := writeInlineElement(w, s.inline); err != nil {
			return err
		}
	}
	return nil
}

func writeExtentElement(w io.Writer, e extent.Extent, more bool) error {
	hi := e.HiBlkNr() & hi10Mask
	if e.IsSuballoc() {
		hi |= bitSuballoc
	}
	if more {
		hi |= bitMore
	}

	smallcnt := uint16(0)
	needExtra := true
	if !e.IsSuballoc() && e.BlkCnt() >= 1 && e.BlkCnt() <= 15 {
		smallcnt = e.BlkCnt()
		needExtra = false
	}
	hi |= smallcnt << 11

	var buf [6]byte
	bits.PutUint16(buf[0:2], hi)
	bits.PutUint16(buf[2:4], e.LoBlkNr())
	n := 4
	if needExtra {
		bits.PutUint16(buf[4:6], e.BlkCnt())
		n = 6
	}
	return writeAll(w, buf[:n])
}

func writeInlineElement(w io.Writer, data []byte) error {
	n := len(data)
	hi := bitSuballoc | bitInline | uint16(n&0x3f)<<8
	if n%2 == 1 {
		hi |= uint16(data[n-1])
	}

	var head [2]byte
	bits.PutUint16(head[:], hi)
	if err := writeAll(w, head[:]); err != nil {
		return err
	}

	full := n
	if n%2 == 1 {
		full = n - 1
	}
	return writeAll(w, data[:full])
}

func writeAll(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// LoadStructFrom decodes a Segment from r. At most maxBytes may be
// consumed; a declared element that would exceed maxBytes fails with
// *xozerr.NotEnoughRoom. blkSzOrder is assigned to the loaded segment for
// subsequent data-space calculations.
func LoadStructFrom(r io.Reader, maxBytes int64, blkSzOrder uint) (*Segment, error) {
	s := New(blkSzOrder)
	var consumed int64

	for {
		if consumed+2 > maxBytes {
			return nil, &xozerr.NotEnoughRoom{Op: "Segment.LoadStructFrom", Pos: consumed, Requested: 2, Available: maxBytes - consumed}
		}

		var head [2]byte
		if err := readFull(r, head[:]); err != nil {
			return nil, err
		}
		consumed += 2
		hi := bits.Uint16(head[:])

		if hi&bitSuballoc != 0 && hi&bitInline != 0 {
			size := int((hi >> 8) & 0x3f)
			full := size
			if size%2 == 1 {
				full = size - 1
			}
			if consumed+int64(full) > maxBytes {
				return nil, &xozerr.NotEnoughRoom{Op: "Segment.LoadStructFrom", Pos: consumed, Requested: int64(full), Available: maxBytes - consumed}
			}
			data := make([]byte, size)
			if full > 0 {
				if err := readFull(r, data[:full]); err != nil {
					return nil, err
				}
				consumed += int64(full)
			}
			if size%2 == 1 {
				data[size-1] = byte(hi)
			}
			s.hasInline = true
			s.inline = data
			return s, nil
		}

		isSuballoc := hi&bitSuballoc != 0
		more := hi&bitMore != 0
		smallcnt := (hi >> 11) & 0x0f
		hi10 := hi & hi10Mask

		if consumed+2 > maxBytes {
			return nil, &xozerr.NotEnoughRoom{Op: "Segment.LoadStructFrom", Pos: consumed, Requested: 2, Available: maxBytes - consumed}
		}
		var loBuf [2]byte
		if err := readFull(r, loBuf[:]); err != nil {
			return nil, err
		}
		consumed += 2
		lo16 := bits.Uint16(loBuf[:])

		var cnt uint16
		if !isSuballoc && smallcnt != 0 {
			cnt = smallcnt
		} else {
			if consumed+2 > maxBytes {
				return nil, &xozerr.NotEnoughRoom{Op: "Segment.LoadStructFrom", Pos: consumed, Requested: 2, Available: maxBytes - consumed}
			}
			var extraBuf [2]byte
			if err := readFull(r, extraBuf[:]); err != nil {
				return nil, err
			}
			consumed += 2
			cnt = bits.Uint16(extraBuf[:])
		}

		e, err := extent.NewFromHiLo(hi10, lo16, cnt, isSuballoc)
		if err != nil {
			return nil, err
		}
		s.extents = append(s.extents, e)

		if !more {
			return s, nil
		}
	}
}

func readFull(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return err
}
