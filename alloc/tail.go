// Package alloc implements the Tail Allocator and the Segment Allocator:
// the two allocation strategies a Block Array is grown and carved by.
//
// The link/unlink-with-neighbor-coalescing discipline follows lldb's own
// Allocator (falloc.go), adapted from a handle-based heap allocator over a
// flat Filer into a block/sub-block allocator over a BlockArray. The free
// list is a single list kept in blk_nr order, not a set of size buckets.
package alloc

import (
	"github.com/eldipa/xoz/blkarray"
	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/xozerr"
)

// TailAllocator allocates and deallocates only at the tail of a block
// array, mirroring the one-way-growth half of lldb's Allocator before any
// free list is consulted.
type TailAllocator struct {
	arr *blkarray.BlockArray
}

// NewTailAllocator wraps arr.
func NewTailAllocator(arr *blkarray.BlockArray) *TailAllocator {
	return &TailAllocator{arr: arr}
}

// Alloc grows arr by n blocks and returns the new extent
// [old_past_end, old_past_end+n). It fails with *xozerr.InvalidArgument
// if n == 0.
func (t *TailAllocator) Alloc(n uint32) (extent.Extent, error) {
	if n == 0 {
		return extent.Extent{}, &xozerr.InvalidArgument{Op: "TailAllocator.Alloc", Arg: n}
	}
	old, err := t.arr.GrowByBlocks(n)
	if err != nil {
		return extent.Extent{}, err
	}
	return extent.New(old, uint16(n), false)
}

// Dealloc shrinks arr by ext's block count iff ext ends exactly at the
// current past_end_blk_nr, is not a suballoc extent, and has a nonzero
// block count. It reports false (no error) if ext does not end at the
// tail — the caller should return it to the Segment Allocator's free
// pool instead. It fails with *xozerr.ExtentOutOfBounds if ext lies
// outside the array, and with *xozerr.InvalidArgument for a zero-count or
// suballoc extent.
func (t *TailAllocator) Dealloc(ext extent.Extent) (bool, error) {
	if ext.IsSuballoc() || ext.BlkCnt() == 0 {
		return false, &xozerr.InvalidArgument{Op: "TailAllocator.Dealloc", Arg: ext}
	}
	end := ext.BlkNr() + uint32(ext.BlkCnt())
	if ext.BlkNr() < t.arr.BeginBlkNr() || end > t.arr.PastEndBlkNr() {
		return false, &xozerr.ExtentOutOfBounds{
			Op: "TailAllocator.Dealloc", BlkNr: ext.BlkNr(), Cnt: uint32(ext.BlkCnt()),
			BeginBlkNr: t.arr.BeginBlkNr(), PastEnd: t.arr.PastEndBlkNr(),
		}
	}
	if end != t.arr.PastEndBlkNr() {
		return false, nil
	}
	if err := t.arr.ShrinkByBlocks(uint32(ext.BlkCnt())); err != nil {
		return false, err
	}
	return true, nil
}
