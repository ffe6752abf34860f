// Package extent implements the Extent value type: a range of full
// blocks, or a sub-block bitmap within a single shared block.
//
// The bit layout (26-bit blk_nr packed into a uint32 alongside the
// suballoc flag) mirrors the block-tagging scheme used by the allocator's
// on-disk block headers: a small fixed header carries a flag plus a
// count, and everything else is data space.
package extent

import (
	"github.com/eldipa/xoz/bits"
	"github.com/eldipa/xoz/xozerr"
)

const (
	// BlkNrBits is the width of the block number field.
	BlkNrBits = 26
	maxBlkNr  = 1<<BlkNrBits - 1

	suballocFlag = uint32(1) << 31

	// NearThreshold is the unsigned block distance under which Distance
	// reports IsNear.
	NearThreshold = 512

	// SubBlocksPerBlock is the fixed number of sub-blocks a shared block
	// is divided into.
	SubBlocksPerBlock = 16
)

// Extent is an immutable value: either a run of full blocks, or a bitmap
// of sub-blocks within one shared block.
type Extent struct {
	blkNr       uint32 // low 26 bits used; high bit (31) carries the suballoc flag
	cntOrBitmap uint16
}

// New constructs an Extent. It fails with *xozerr.InvalidBlockNr if blkNr
// does not fit in 26 bits.
func New(blkNr uint32, cntOrBitmap uint16, isSuballoc bool) (Extent, error) {
	if blkNr > maxBlkNr {
		return Extent{}, &xozerr.InvalidBlockNr{BlkNr: blkNr}
	}

	e := Extent{blkNr: blkNr, cntOrBitmap: cntOrBitmap}
	if isSuballoc {
		e.blkNr |= suballocFlag
	}
	return e, nil
}

// NewFromHiLo constructs an Extent whose block number is formed from a
// 10-bit high part and a 16-bit low part, as stored on disk (see
// package segment's codec).
func NewFromHiLo(hi10, lo16 uint16, cntOrBitmap uint16, isSuballoc bool) (Extent, error) {
	return New(uint32(hi10)<<16|uint32(lo16), cntOrBitmap, isSuballoc)
}

// MustNew is like New but panics on error; intended for constants and
// tests where blkNr is known to fit.
func MustNew(blkNr uint32, cntOrBitmap uint16, isSuballoc bool) Extent {
	e, err := New(blkNr, cntOrBitmap, isSuballoc)
	if err != nil {
		panic(err)
	}
	return e
}

// BlkNr returns the block number (26 bits).
func (e Extent) BlkNr() uint32 { return e.blkNr &^ suballocFlag }

// HiBlkNr returns the high 10 bits of BlkNr, as stored on disk.
func (e Extent) HiBlkNr() uint16 { return uint16(e.BlkNr() >> 16) }

// LoBlkNr returns the low 16 bits of BlkNr, as stored on disk.
func (e Extent) LoBlkNr() uint16 { return uint16(e.BlkNr()) }

// IsSuballoc reports whether this extent addresses sub-blocks of a
// single shared block rather than a run of full blocks.
func (e Extent) IsSuballoc() bool { return e.blkNr&suballocFlag != 0 }

// BlkCnt returns the block count for a full-block extent. Calling it on
// a suballoc extent returns the raw bitmap value (see BlkBitmap).
func (e Extent) BlkCnt() uint16 { return e.cntOrBitmap }

// BlkBitmap is an alias of BlkCnt used when IsSuballoc is true, for
// readability at call sites.
func (e Extent) BlkBitmap() uint16 { return e.cntOrBitmap }

// IsUnallocated reports whether both fields of the extent are zero.
func (e Extent) IsUnallocated() bool {
	return e.BlkNr() == 0 && !e.IsSuballoc() && e.cntOrBitmap == 0
}

// IsEmptySpace reports whether the extent addresses zero units: a zero
// block count for full extents, or an all-clear bitmap for suballoc
// extents.
func (e Extent) IsEmptySpace() bool {
	if e.IsSuballoc() {
		return e.cntOrBitmap == 0
	}
	return e.cntOrBitmap == 0
}

// DataSpaceSize returns the number of user-addressable bytes this extent
// covers, for a block array whose block size is 1<<blkSzOrder.
func (e Extent) DataSpaceSize(blkSzOrder uint) int64 {
	if e.IsSuballoc() {
		subSz := int64(1) << (blkSzOrder - 4)
		return int64(bits.PopCount16(e.cntOrBitmap)) * subSz
	}
	return int64(e.cntOrBitmap) << blkSzOrder
}

// Split mutates the receiver to hold the first n units — blocks for
// full-block extents, sub-blocks (taken from the MSB side) for suballoc
// extents — and returns a new Extent holding the remainder.
//
// For full-block extents the remainder's blk_nr is advanced by n; for
// suballoc extents the remainder shares blk_nr since both halves still
// live in the same shared block.
func (e *Extent) Split(n uint16) Extent {
	if e.IsSuballoc() {
		var head, rest uint16
		remaining := n
		for i := 0; i < 16; i++ {
			mask := uint16(1) << uint(15-i)
			if e.cntOrBitmap&mask == 0 {
				continue
			}
			if remaining > 0 {
				head |= mask
				remaining--
			} else {
				rest |= mask
			}
		}
		e.cntOrBitmap = head
		return Extent{blkNr: e.blkNr, cntOrBitmap: rest}
	}

	head := n
	rest := e.cntOrBitmap - n
	restBlkNr := e.BlkNr() + uint32(head)
	e.cntOrBitmap = head
	r := Extent{blkNr: restBlkNr, cntOrBitmap: rest}
	if e.IsSuballoc() { // unreachable, kept for symmetry with the suballoc branch above
		r.blkNr |= suballocFlag
	}
	return r
}

// Distance describes the signed, directed gap in blocks between the end
// of a reference extent and the start of a target extent.
type Distance struct {
	BlkCnt      int64
	IsBackwards bool
	IsNear      bool
}

// endBlk returns the one-past-end block number of e, treating a suballoc
// extent as occupying a single block.
func endBlk(e Extent) uint32 {
	if e.IsSuballoc() {
		return e.BlkNr() + 1
	}
	return e.BlkNr() + uint32(e.cntOrBitmap)
}

func startEndBlk(e Extent) (start, end uint32) {
	start = e.BlkNr()
	end = endBlk(e)
	if e.IsSuballoc() && end == start {
		end = start + 1
	}
	return
}

// DistanceBetween computes the distance from the end of ref to the start
// of target. It fails with *xozerr.ExtentOverlap if the two extents'
// block ranges overlap (suballoc extents are treated as occupying a
// single block for this purpose).
func DistanceBetween(ref, target Extent) (Distance, error) {
	refStart, refEnd := startEndBlk(ref)
	tgtStart, tgtEnd := startEndBlk(target)

	if tgtStart < refEnd && tgtEnd > refStart {
		label := xozerr.PositionStartAhead
		switch {
		case tgtStart == refStart:
			label = xozerr.PositionSameStart
		case tgtStart < refStart:
			label = xozerr.PositionStartBehind
		}
		return Distance{}, &xozerr.ExtentOverlap{Position: label}
	}

	var raw int64
	backwards := false
	if tgtStart >= refEnd {
		raw = int64(tgtStart) - int64(refEnd)
	} else {
		raw = int64(refStart) - int64(tgtEnd)
		backwards = true
	}

	return Distance{
		BlkCnt:      raw,
		IsBackwards: backwards,
		IsNear:      raw < NearThreshold,
	}, nil
}
