package xio

import (
	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segment"
	"github.com/eldipa/xoz/xozerr"
)

// ExtentStore is the block-array capability IOSegment needs: the ability
// to read and write the data space addressed by a single extent. offset
// is relative to the start of ext's own data space, never past its
// DataSpaceSize.
type ExtentStore interface {
	BlkSzOrder() uint
	ReadExtent(ext extent.Extent, dst []byte, offset int64) (int, error)
	WriteExtent(ext extent.Extent, src []byte, offset int64) (int, error)
}

// segStore backs an IOSegment: it walks a Segment's extents (and inline
// tail) in declaration order, translating a flat virtual offset into
// whichever extent (or the inline tail) covers it.
type segStore struct {
	es  ExtentStore
	sg  *segment.Segment
}

func (s segStore) size() int64 { return s.sg.CalcDataSpaceSize() }

// growable is false: a Segment's data space is fixed by its extents and
// inline tail, never extended by a write past its current size.
func (s segStore) growable() bool { return false }

// walk calls fn once per (extent-or-inline, local offset, local length)
// segment of [pos, pos+len(b)) in virtual-offset order, stopping at the
// first error or once len(b) bytes have been distributed.
func (s segStore) walk(b []byte, pos int64, fn func(isInline bool, ext extent.Extent, localOff int64, chunk []byte) (int, error)) (int, error) {
	blkSzOrder := s.es.BlkSzOrder()
	var cursor int64
	remaining := b
	var total int

	for _, e := range s.sg.Extents() {
		sz := e.DataSpaceSize(blkSzOrder)
		if len(remaining) == 0 {
			return total, nil
		}
		if pos >= cursor+sz {
			cursor += sz
			continue
		}
		localOff := pos - cursor
		if localOff < 0 {
			localOff = 0
		}
		avail := sz - localOff
		chunkLen := int64(len(remaining))
		if chunkLen > avail {
			chunkLen = avail
		}
		n, err := fn(false, e, localOff, remaining[:chunkLen])
		total += n
		remaining = remaining[n:]
		pos += int64(n)
		cursor += sz
		if err != nil {
			return total, err
		}
		if int64(n) < chunkLen {
			return total, nil
		}
	}

	if s.sg.HasInlineData() && len(remaining) > 0 {
		inline := s.sg.InlineData()
		sz := int64(len(inline))
		if pos < cursor+sz {
			localOff := pos - cursor
			if localOff < 0 {
				localOff = 0
			}
			avail := sz - localOff
			chunkLen := int64(len(remaining))
			if chunkLen > avail {
				chunkLen = avail
			}
			n, err := fn(true, extent.Extent{}, localOff, remaining[:chunkLen])
			total += n
			if err != nil {
				return total, err
			}
		}
	}

	return total, nil
}

func (s segStore) readAt(b []byte, pos int64) (int, error) {
	return s.walk(b, pos, func(isInline bool, e extent.Extent, localOff int64, chunk []byte) (int, error) {
		if isInline {
			inline := s.sg.InlineData()
			n := copy(chunk, inline[localOff:])
			return n, nil
		}
		return s.es.ReadExtent(e, chunk, localOff)
	})
}

func (s segStore) writeAt(b []byte, pos int64) (int, error) {
	return s.walk(b, pos, func(isInline bool, e extent.Extent, localOff int64, chunk []byte) (int, error) {
		if isInline {
			inline := s.sg.InlineData()
			n := copy(inline[localOff:], chunk)
			return n, nil
		}
		return s.es.WriteExtent(e, chunk, localOff)
	})
}

// IOSegment is an IO cursor over the data space addressed by a Segment:
// its extents in order, followed by its inline tail if present.
type IOSegment struct {
	*IO
}

// NewIOSegment builds an IOSegment over sg, reading and writing extent
// data through es.
func NewIOSegment(es ExtentStore, sg *segment.Segment) *IOSegment {
	return &IOSegment{IO: newIO(segStore{es: es, sg: sg})}
}

// ErrEmptySegment is a convenience check: it returns
// *xozerr.InconsistentState for a Segment with zero data space, and nil
// otherwise. Exact IO against such a segment fails with NotEnoughRoom.
func ErrEmptySegment(sg *segment.Segment) error {
	if sg.CalcDataSpaceSize() == 0 {
		return &xozerr.InconsistentState{Op: "IOSegment", Reason: "segment has no data space"}
	}
	return nil
}
