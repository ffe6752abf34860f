package alloc

import (
	"sort"

	"github.com/eldipa/xoz/bits"
	"github.com/eldipa/xoz/blkarray"
	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segment"
	"github.com/eldipa/xoz/xozerr"
)

// inlineThreshold is the largest remainder the allocator will pack into a
// segment's inline tail rather than carving sub-blocks for it.
const inlineThreshold = 16

// SegmentAllocator is the general allocator over a Block Array: full-block
// runs come from a coalescing free list with a tail-allocator fallback,
// sub-block requests are carved from shared blocks, and small remainders
// are packed inline.
type SegmentAllocator struct {
	arr  *blkarray.BlockArray
	tail *TailAllocator

	// freeFull holds free full-block extents sorted by blk_nr, coalesced
	// with their neighbors on both insert and remove — the equivalent of
	// falloc.go's link/unlink/leftNfo trio, minus the on-disk linked
	// list: here the list lives in memory, since the Segment Allocator
	// (unlike lldb's Allocator) is not itself responsible for persisting
	// its own free list to disk.
	freeFull []extent.Extent

	// sharedBlocks maps a shared block's blk_nr to its free sub-block
	// bitmap (bit set == free). A block is removed from this map (and
	// returned to freeFull) once every sub-block is free again.
	sharedBlocks map[uint32]uint16
}

// NewSegmentAllocator creates an allocator with an empty free set; use
// InitializeFromAllocated to seed it from an already-populated array.
func NewSegmentAllocator(arr *blkarray.BlockArray) *SegmentAllocator {
	return &SegmentAllocator{
		arr:          arr,
		tail:         NewTailAllocator(arr),
		sharedBlocks: map[uint32]uint16{},
	}
}

func (a *SegmentAllocator) subBlkSz() int64 { return a.arr.BlkSz() >> 4 }

// Alloc carves sz bytes of data space, descending from full blocks to
// sub-blocks to an inline tail, and returns the resulting Segment.
func (a *SegmentAllocator) Alloc(sz int64) (*segment.Segment, error) {
	if sz < 0 {
		return nil, &xozerr.InvalidArgument{Op: "SegmentAllocator.Alloc", Arg: sz}
	}

	sg := segment.New(a.arr.BlkSzOrder())
	blkSz := a.arr.BlkSz()
	remaining := sz

	if nFull := remaining / blkSz; nFull > 0 {
		ext, err := a.allocFull(uint32(nFull))
		if err != nil {
			return nil, err
		}
		sg.AddExtent(ext)
		remaining -= nFull * blkSz
	}

	if remaining == 0 {
		return sg, nil
	}

	if remaining <= inlineThreshold {
		if err := sg.SetInlineData(make([]byte, remaining)); err != nil {
			return nil, err
		}
		return sg, nil
	}

	subSz := a.subBlkSz()
	nSub := uint16((remaining + subSz - 1) / subSz)
	ext, err := a.allocSub(nSub)
	if err != nil {
		return nil, err
	}
	sg.AddExtent(ext)
	return sg, nil
}

// AllocSingleExtent is a convenience for callers that need a single dense
// extent (e.g. fixed-layout sub-structures) rather than a general
// Segment.
func (a *SegmentAllocator) AllocSingleExtent(sz int64) (extent.Extent, error) {
	if sz <= 0 {
		return extent.Extent{}, &xozerr.InvalidArgument{Op: "SegmentAllocator.AllocSingleExtent", Arg: sz}
	}
	blkSz := a.arr.BlkSz()
	n := uint32((sz + blkSz - 1) / blkSz)
	return a.allocFull(n)
}

// DeallocSingleExtent returns ext, obtained from AllocSingleExtent, to the
// free pool.
func (a *SegmentAllocator) DeallocSingleExtent(ext extent.Extent) error {
	if ext.IsSuballoc() {
		return a.freeSub(ext)
	}
	return a.freeFullExtent(ext)
}

// Dealloc returns every extent of sg to the free pool. Inline data needs
// no release, since it never occupied array storage.
func (a *SegmentAllocator) Dealloc(sg *segment.Segment) error {
	for _, ext := range sg.Extents() {
		if err := a.DeallocSingleExtent(ext); err != nil {
			return err
		}
	}
	return nil
}

// Release returns any free full-block run sitting at the tail back to the
// Tail Allocator, then asks the underlying array to drop its reserved
// slack.
func (a *SegmentAllocator) Release() error {
	for {
		idx := -1
		for i, e := range a.freeFull {
			if e.BlkNr()+uint32(e.BlkCnt()) == a.arr.PastEndBlkNr() {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		e := a.freeFull[idx]
		a.freeFull = append(a.freeFull[:idx], a.freeFull[idx+1:]...)
		ok, err := a.tail.Dealloc(e)
		if err != nil {
			return err
		}
		if !ok {
			// Should not happen since idx was chosen to end at past_end,
			// but avoid looping forever if it does.
			a.freeFull = append(a.freeFull, e)
			break
		}
	}
	if _, err := a.arr.ReleaseBlocks(); err != nil {
		return err
	}
	return nil
}

// InitializeFromAllocated seeds the free set from the set of segments the
// caller already knows to be in use (e.g. rediscovered from on-disk
// data). The free set becomes [begin, past_end) minus the union of their
// extents. Overlapping inputs fail with *xozerr.InconsistentState.
func (a *SegmentAllocator) InitializeFromAllocated(segments []*segment.Segment) error {
	var fullUsed []extent.Extent
	sharedUsed := map[uint32]uint16{}

	for _, sg := range segments {
		for _, ext := range sg.Extents() {
			if ext.IsSuballoc() {
				if sharedUsed[ext.BlkNr()]&ext.BlkBitmap() != 0 {
					return &xozerr.InconsistentState{Op: "SegmentAllocator.InitializeFromAllocated", Reason: "overlapping sub-block allocation"}
				}
				sharedUsed[ext.BlkNr()] |= ext.BlkBitmap()
				continue
			}
			fullUsed = append(fullUsed, ext)
		}
	}

	// Each shared block is in use as a whole block from the full-block
	// pool's point of view.
	for blkNr := range sharedUsed {
		fullUsed = append(fullUsed, extent.MustNew(blkNr, 1, false))
	}

	sort.Slice(fullUsed, func(i, j int) bool { return fullUsed[i].BlkNr() < fullUsed[j].BlkNr() })
	for i := 1; i < len(fullUsed); i++ {
		prevEnd := fullUsed[i-1].BlkNr() + uint32(fullUsed[i-1].BlkCnt())
		if fullUsed[i].BlkNr() < prevEnd {
			return &xozerr.InconsistentState{Op: "SegmentAllocator.InitializeFromAllocated", Reason: "overlapping full-block allocation"}
		}
	}

	a.freeFull = nil
	a.sharedBlocks = map[uint32]uint16{}
	for blkNr, used := range sharedUsed {
		a.sharedBlocks[blkNr] = ^used
	}

	cursor := a.arr.BeginBlkNr()
	for _, ext := range fullUsed {
		if cursor < ext.BlkNr() {
			a.insertFree(extent.MustNew(cursor, uint16(ext.BlkNr()-cursor), false))
		}
		cursor = ext.BlkNr() + uint32(ext.BlkCnt())
	}
	if cursor < a.arr.PastEndBlkNr() {
		a.insertFree(extent.MustNew(cursor, uint16(a.arr.PastEndBlkNr()-cursor), false))
	}
	return nil
}

// allocFull returns a free full-block extent of exactly n blocks, first
// trying the free list (best fit, splitting any surplus back in) before
// falling back to the tail allocator.
func (a *SegmentAllocator) allocFull(n uint32) (extent.Extent, error) {
	best := -1
	for i, e := range a.freeFull {
		if uint32(e.BlkCnt()) < n {
			continue
		}
		if best < 0 || e.BlkCnt() < a.freeFull[best].BlkCnt() {
			best = i
		}
	}
	if best < 0 {
		return a.tail.Alloc(n)
	}

	e := a.freeFull[best]
	a.freeFull = append(a.freeFull[:best], a.freeFull[best+1:]...)
	if uint32(e.BlkCnt()) == n {
		return e, nil
	}
	rest := e.Split(uint16(n))
	a.insertFree(rest)
	return e, nil
}

// freeFullExtent returns ext to the free list, coalescing with adjacent
// neighbors, unless it sits exactly at the tail, in which case it is
// handed back to the tail allocator immediately (mirroring falloc.go's
// preference to shrink rather than grow the free list when possible).
func (a *SegmentAllocator) freeFullExtent(ext extent.Extent) error {
	if ok, err := a.tail.Dealloc(ext); err != nil {
		return err
	} else if ok {
		return nil
	}
	a.insertFree(ext)
	return nil
}

// insertFree inserts ext into freeFull in blk_nr order, coalescing with
// the left and/or right neighbor when they are adjacent.
func (a *SegmentAllocator) insertFree(ext extent.Extent) {
	i := sort.Search(len(a.freeFull), func(i int) bool { return a.freeFull[i].BlkNr() >= ext.BlkNr() })

	if i > 0 {
		left := a.freeFull[i-1]
		if left.BlkNr()+uint32(left.BlkCnt()) == ext.BlkNr() {
			merged := extent.MustNew(left.BlkNr(), left.BlkCnt()+ext.BlkCnt(), false)
			a.freeFull = append(a.freeFull[:i-1], a.freeFull[i:]...)
			a.insertFree(merged)
			return
		}
	}
	if i < len(a.freeFull) {
		right := a.freeFull[i]
		if ext.BlkNr()+uint32(ext.BlkCnt()) == right.BlkNr() {
			merged := extent.MustNew(ext.BlkNr(), ext.BlkCnt()+right.BlkCnt(), false)
			a.freeFull = append(a.freeFull[:i], a.freeFull[i+1:]...)
			a.insertFree(merged)
			return
		}
	}

	a.freeFull = append(a.freeFull, extent.Extent{})
	copy(a.freeFull[i+1:], a.freeFull[i:])
	a.freeFull[i] = ext
}

// allocSub carves n sub-blocks out of an existing shared block with
// enough free capacity, or out of a freshly allocated one.
func (a *SegmentAllocator) allocSub(n uint16) (extent.Extent, error) {
	var blkNr uint32
	var free uint16
	found := false
	for bn, f := range a.sharedBlocks {
		if bits.PopCount16(f) >= int(n) {
			blkNr, free, found = bn, f, true
			break
		}
	}

	if !found {
		ext, err := a.allocFull(1)
		if err != nil {
			return extent.Extent{}, err
		}
		blkNr = ext.BlkNr()
		free = 0xffff
	}

	var bitmap uint16
	for k := 0; k < int(n); k++ {
		idx := bits.MSBSet(free, 0)
		if idx < 0 {
			return extent.Extent{}, &xozerr.InconsistentState{Op: "SegmentAllocator.allocSub", Reason: "shared block ran out of free sub-blocks"}
		}
		mask := uint16(1) << uint(15-idx)
		free &^= mask
		bitmap |= mask
	}
	a.sharedBlocks[blkNr] = free

	return extent.New(blkNr, bitmap, true)
}

// ExtendSuballoc attempts to grow ext, a suballoc extent, in place by
// nMore sub-blocks taken from its own shared block. The extra sub-blocks
// must be exactly the ones immediately following ext's own bits in
// MSB-first order, matching the order allocSub carves in — anything else
// would make the extent's bitmap non-contiguous with what ext already
// owns. It reports ok=false (no error) if the block cannot provide them,
// leaving ext untouched; the caller should fall back to appending a new
// extent instead.
func (a *SegmentAllocator) ExtendSuballoc(ext extent.Extent, nMore uint16) (grown extent.Extent, ok bool, err error) {
	if !ext.IsSuballoc() {
		return extent.Extent{}, false, &xozerr.InvalidArgument{Op: "SegmentAllocator.ExtendSuballoc", Arg: ext}
	}
	if nMore == 0 {
		return ext, true, nil
	}
	free, tracked := a.sharedBlocks[ext.BlkNr()]
	if !tracked || bits.PopCount16(free) < int(nMore) {
		return extent.Extent{}, false, nil
	}

	lastUsed := -1
	for i := 0; i < 16; i++ {
		if ext.BlkBitmap()&(uint16(1)<<uint(15-i)) != 0 {
			lastUsed = i
		}
	}
	if firstFree := bits.MSBSet(free, 0); firstFree != lastUsed+1 {
		return extent.Extent{}, false, nil
	}

	var addBitmap uint16
	for k := 0; k < int(nMore); k++ {
		idx := bits.MSBSet(free, k)
		if idx < 0 || idx != lastUsed+1+k {
			return extent.Extent{}, false, nil
		}
		addBitmap |= uint16(1) << uint(15-idx)
	}
	free &^= addBitmap
	a.sharedBlocks[ext.BlkNr()] = free

	merged, err := extent.New(ext.BlkNr(), ext.BlkBitmap()|addBitmap, true)
	if err != nil {
		return extent.Extent{}, false, err
	}
	return merged, true, nil
}

// freeSub returns ext's sub-blocks to their shared block's free bitmap,
// releasing the block back to the full-block pool once every sub-block is
// free again.
func (a *SegmentAllocator) freeSub(ext extent.Extent) error {
	free, ok := a.sharedBlocks[ext.BlkNr()]
	if !ok {
		return &xozerr.InvalidArgument{Op: "SegmentAllocator.freeSub", Arg: ext}
	}
	free |= ext.BlkBitmap()
	if free == 0xffff {
		delete(a.sharedBlocks, ext.BlkNr())
		whole := extent.MustNew(ext.BlkNr(), 1, false)
		return a.freeFullExtent(whole)
	}
	a.sharedBlocks[ext.BlkNr()] = free
	return nil
}
