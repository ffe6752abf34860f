// Package segblkarray implements the Segment Block Array: a Block Array
// whose storage is itself a Segment allocated out of a parent Block
// Array, rather than a dedicated byte store of its own.
//
// Its read/write path reuses the same walk-the-segment idea as package
// xio's IOSegment, and its suballoc extent addressing reuses package
// blkarray's MSB-first sub-block bitmap scheme, scaled from the parent's
// block size down to this array's own (smaller) inner block size.
package segblkarray

import (
	"github.com/eldipa/xoz/alloc"
	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segment"
	"github.com/eldipa/xoz/xio"
	"github.com/eldipa/xoz/xozerr"
)

const (
	minInnerBlkSzOrder = 6
	maxInnerBlkSzOrder = 16
)

// Flags configures growth behavior.
type Flags uint32

// ReallocOnGrow asks Grow to extend the trailing suballoc extent in
// place, when possible, rather than always appending a new extent.
const ReallocOnGrow Flags = 1 << 0

// Options configures a SegmentBlockArray at construction.
type Options struct {
	InnerBlkSzOrder uint
	Flags           Flags
}

func (o Options) validate(parentBlkSzOrder uint) error {
	if o.InnerBlkSzOrder < minInnerBlkSzOrder || o.InnerBlkSzOrder > maxInnerBlkSzOrder {
		return &xozerr.InvalidArgument{Op: "SegmentBlockArray", Arg: o.InnerBlkSzOrder}
	}
	if o.InnerBlkSzOrder >= parentBlkSzOrder {
		return &xozerr.InvalidArgument{Op: "SegmentBlockArray", Arg: "inner_blk_sz must be smaller than the parent's blk_sz"}
	}
	return nil
}

// SegmentBlockArray is a Block Array backed by a Segment rooted in a
// parent Block Array.
type SegmentBlockArray struct {
	parent xio.ExtentStore
	salloc *alloc.SegmentAllocator
	sg     *segment.Segment
	io     *xio.IOSegment

	innerBlkSzOrder uint
	innerBlkSz      int64
	pastEnd         uint32
	capacity        uint32
	flags           Flags
	initialized     bool
}

// New constructs a SegmentBlockArray over parent, not yet usable until
// InitializeSegment is called.
func New(parent xio.ExtentStore, salloc *alloc.SegmentAllocator, opts Options) (*SegmentBlockArray, error) {
	if err := opts.validate(parent.BlkSzOrder()); err != nil {
		return nil, err
	}
	return &SegmentBlockArray{
		parent:          parent,
		salloc:          salloc,
		innerBlkSzOrder: opts.InnerBlkSzOrder,
		innerBlkSz:      1 << opts.InnerBlkSzOrder,
		flags:           opts.Flags,
	}, nil
}

// InitializeSegment attaches sg as this array's backing storage. sg must
// not carry non-empty inline data (fails with *xozerr.InvalidArgument); a
// zero-length inline end-of-segment marker is stripped. sg's data space
// must be an exact multiple of the inner block size. Calling
// InitializeSegment a second time fails with *xozerr.AlreadyInitialized.
func (a *SegmentBlockArray) InitializeSegment(sg *segment.Segment) error {
	if a.initialized {
		return &xozerr.AlreadyInitialized{Op: "SegmentBlockArray.InitializeSegment"}
	}
	if sg.HasInlineData() {
		if len(sg.InlineData()) > 0 {
			return &xozerr.InvalidArgument{Op: "SegmentBlockArray.InitializeSegment", Arg: "segment must not carry inline data"}
		}
		sg.RemoveInlineData()
	}

	total := sg.CalcDataSpaceSize()
	if total%a.innerBlkSz != 0 {
		return &xozerr.InconsistentState{Op: "SegmentBlockArray.InitializeSegment", Reason: "segment data space is not a multiple of inner_blk_sz"}
	}

	a.sg = sg
	a.io = xio.NewIOSegment(a.parent, sg)
	a.capacity = uint32(total / a.innerBlkSz)
	a.pastEnd = a.capacity
	a.initialized = true
	return nil
}

func (a *SegmentBlockArray) checkInitialized(op string) error {
	if !a.initialized {
		return &xozerr.InconsistentState{Op: op, Reason: "InitializeSegment has not been called"}
	}
	return nil
}

func (a *SegmentBlockArray) BlkSz() int64       { return a.innerBlkSz }
func (a *SegmentBlockArray) BlkSzOrder() uint   { return a.innerBlkSzOrder }
func (a *SegmentBlockArray) BeginBlkNr() uint32 { return 0 }
func (a *SegmentBlockArray) PastEndBlkNr() uint32 { return a.pastEnd }
func (a *SegmentBlockArray) BlkCnt() uint32     { return a.pastEnd }
func (a *SegmentBlockArray) Capacity() uint32   { return a.capacity }

func (a *SegmentBlockArray) blkOffset(blkNr uint32) int64 { return int64(blkNr) * a.innerBlkSz }
func (a *SegmentBlockArray) subBlkSz() int64              { return a.innerBlkSz >> 4 }

// GrowByBlocks extends past_end_blk_nr by n blocks. If that exceeds the
// segment's current capacity, additional space is carved from the
// allocator: in place, by extending the trailing suballoc extent, when
// ReallocOnGrow is set and the trailing extent allows it; otherwise by
// appending a freshly allocated extent.
func (a *SegmentBlockArray) GrowByBlocks(n uint32) (uint32, error) {
	if err := a.checkInitialized("SegmentBlockArray.GrowByBlocks"); err != nil {
		return 0, err
	}
	old := a.pastEnd
	newPastEnd := old + n
	if newPastEnd > a.capacity {
		neededBlocks := newPastEnd - a.capacity
		neededBytes := int64(neededBlocks) * a.innerBlkSz

		grew, err := a.tryExtendTrailing(neededBytes)
		if err != nil {
			return old, err
		}
		if !grew {
			ext, err := a.salloc.AllocSingleExtent(neededBytes)
			if err != nil {
				return old, err
			}
			a.sg.AddExtent(ext)
		}
		a.capacity = newPastEnd
		a.io = xio.NewIOSegment(a.parent, a.sg)
	}
	a.pastEnd = newPastEnd
	return old, nil
}

func (a *SegmentBlockArray) tryExtendTrailing(neededBytes int64) (bool, error) {
	if a.flags&ReallocOnGrow == 0 {
		return false, nil
	}
	exts := a.sg.Extents()
	if len(exts) == 0 {
		return false, nil
	}
	trailing := exts[len(exts)-1]
	if !trailing.IsSuballoc() {
		return false, nil
	}
	subSz := int64(1) << (a.parent.BlkSzOrder() - 4)
	if neededBytes%subSz != 0 {
		return false, nil
	}
	nMore := uint16(neededBytes / subSz)

	grown, ok, err := a.salloc.ExtendSuballoc(trailing, nMore)
	if err != nil || !ok {
		return false, err
	}
	if err := a.sg.ReplaceLastExtent(grown); err != nil {
		return false, err
	}
	return true, nil
}

// ShrinkByBlocks retracts past_end_blk_nr by n blocks without yet
// returning the surplus space to the allocator; call Release to reclaim
// it. It fails with *xozerr.InvalidArgument if n exceeds the current
// block count.
func (a *SegmentBlockArray) ShrinkByBlocks(n uint32) error {
	if err := a.checkInitialized("SegmentBlockArray.ShrinkByBlocks"); err != nil {
		return err
	}
	if n > a.BlkCnt() {
		return &xozerr.InvalidArgument{Op: "SegmentBlockArray.ShrinkByBlocks", Arg: n}
	}
	a.pastEnd -= n
	return nil
}

// Release returns capacity beyond past_end_blk_nr to the allocator,
// shrinking or popping the segment's trailing extent(s) as needed. It is
// a best-effort, lazy operation: surplus that does not land on a clean
// sub-block or block boundary is left in place for a later call.
func (a *SegmentBlockArray) Release() error {
	if err := a.checkInitialized("SegmentBlockArray.Release"); err != nil {
		return err
	}
	surplus := a.capacity - a.pastEnd
	if surplus == 0 {
		return nil
	}
	surplusBytes := int64(surplus) * a.innerBlkSz
	parentBlkSz := int64(1) << a.parent.BlkSzOrder()
	subBlkSz := parentBlkSz >> 4

	for surplusBytes > 0 {
		exts := a.sg.Extents()
		if len(exts) == 0 {
			break
		}
		last := exts[len(exts)-1]
		lastBytes := last.DataSpaceSize(a.parent.BlkSzOrder())

		if lastBytes <= surplusBytes {
			if err := a.sg.RemoveLastExtent(); err != nil {
				return err
			}
			if err := a.salloc.DeallocSingleExtent(last); err != nil {
				return err
			}
			surplusBytes -= lastBytes
			continue
		}

		if last.IsSuballoc() {
			if surplusBytes%subBlkSz != 0 {
				break
			}
			keepSub := uint16((lastBytes - surplusBytes) / subBlkSz)
			kept := last
			freedTail := kept.Split(keepSub)
			if err := a.sg.ReplaceLastExtent(kept); err != nil {
				return err
			}
			if err := a.salloc.DeallocSingleExtent(freedTail); err != nil {
				return err
			}
			surplusBytes = 0
			break
		}

		if surplusBytes%parentBlkSz != 0 {
			break
		}
		keepBlocks := uint16((lastBytes - surplusBytes) / parentBlkSz)
		kept := last
		freedTail := kept.Split(keepBlocks)
		if err := a.sg.ReplaceLastExtent(kept); err != nil {
			return err
		}
		if err := a.salloc.DeallocSingleExtent(freedTail); err != nil {
			return err
		}
		surplusBytes = 0
		break
	}

	a.capacity = a.pastEnd + uint32(surplusBytes/a.innerBlkSz)
	a.io = xio.NewIOSegment(a.parent, a.sg)
	return nil
}

func (a *SegmentBlockArray) checkBounds(op string, e extent.Extent) error {
	start := e.BlkNr()
	var end uint32
	if e.IsSuballoc() {
		end = start + 1
	} else {
		end = start + uint32(e.BlkCnt())
	}
	if end > a.pastEnd {
		return &xozerr.ExtentOutOfBounds{Op: op, BlkNr: start, Cnt: end - start, BeginBlkNr: 0, PastEnd: a.pastEnd}
	}
	return nil
}

// subBlockAt maps a virtual byte offset within ext's own data space to
// the ordinal sub-block index (MSB-first) and the byte offset within it,
// identical in spirit to blkarray.BlockArray.subBlockAt but scaled to
// this array's inner block size.
func (a *SegmentBlockArray) subBlockAt(ext extent.Extent, localOff int64) (ordinal int, within int64) {
	subSz := a.subBlkSz()
	target := int(localOff / subSz)
	within = localOff % subSz

	seen := 0
	for i := 0; i < extent.SubBlocksPerBlock; i++ {
		mask := uint16(1) << uint(15-i)
		if ext.BlkBitmap()&mask == 0 {
			continue
		}
		if seen == target {
			return i, within
		}
		seen++
	}
	return -1, 0
}

// ReadExtent reads into buf starting at byte offset `start` of ext's data
// space.
func (a *SegmentBlockArray) ReadExtent(ext extent.Extent, buf []byte, start int64) (int, error) {
	if err := a.checkBounds("ReadExtent", ext); err != nil {
		return 0, err
	}
	usable := ext.DataSpaceSize(a.innerBlkSzOrder)
	if start >= usable || len(buf) == 0 {
		return 0, nil
	}
	max := int64(len(buf))
	if max > usable-start {
		max = usable - start
	}
	buf = buf[:max]

	if !ext.IsSuballoc() {
		off := a.blkOffset(ext.BlkNr()) + start
		return a.readAt(buf, off)
	}
	return a.rwSuballoc(ext, buf, start, a.readAt)
}

// WriteExtent writes from buf starting at byte offset `start` of ext's
// data space.
func (a *SegmentBlockArray) WriteExtent(ext extent.Extent, buf []byte, start int64) (int, error) {
	if err := a.checkBounds("WriteExtent", ext); err != nil {
		return 0, err
	}
	usable := ext.DataSpaceSize(a.innerBlkSzOrder)
	if start >= usable || len(buf) == 0 {
		return 0, nil
	}
	max := int64(len(buf))
	if max > usable-start {
		max = usable - start
	}
	buf = buf[:max]

	if !ext.IsSuballoc() {
		off := a.blkOffset(ext.BlkNr()) + start
		return a.writeAt(buf, off)
	}
	return a.rwSuballoc(ext, buf, start, a.writeAt)
}

func (a *SegmentBlockArray) readAt(buf []byte, off int64) (int, error) {
	a.io.SeekRd(off, xio.SeekBeg)
	if err := a.io.ReadAll(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (a *SegmentBlockArray) writeAt(buf []byte, off int64) (int, error) {
	a.io.SeekWr(off, xio.SeekBeg)
	if err := a.io.WriteAll(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (a *SegmentBlockArray) rwSuballoc(ext extent.Extent, buf []byte, start int64, do func([]byte, int64) (int, error)) (int, error) {
	subSz := a.subBlkSz()
	var n int
	for n < len(buf) {
		ord, within := a.subBlockAt(ext, start+int64(n))
		if ord < 0 {
			break
		}
		off := a.blkOffset(ext.BlkNr()) + int64(ord)*subSz + within
		chunk := subSz - within
		if remaining := int64(len(buf) - n); chunk > remaining {
			chunk = remaining
		}
		got, err := do(buf[n:int64(n)+chunk], off)
		n += got
		if err != nil {
			return n, err
		}
		if int64(got) < chunk {
			break
		}
	}
	return n, nil
}
