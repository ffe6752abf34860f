package blkarray

import (
	"os"

	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/xozerr"
)

const (
	minBlkSzOrder = 6
	maxBlkSzOrder = 16
)

// BlockArray is a fixed-size-block byte store: a header of
// begin_blk_nr×blk_sz bytes, followed by data blocks [begin, past_end),
// followed by capacity-past_end bytes of reserved slack, followed at
// close time by a variable-length trailer.
type BlockArray struct {
	st byteStore

	blkSzOrder uint
	blkSz      int64
	beginBlkNr uint32
	pastEnd    uint32
	capacity   uint32

	trailer    []byte
	trailerCap int
}

// Options configures a freshly created BlockArray.
type Options struct {
	BlkSzOrder uint
	BeginBlkNr uint32
	TrailerCap int
}

func (o Options) validate() error {
	if o.BlkSzOrder < minBlkSzOrder || o.BlkSzOrder > maxBlkSzOrder {
		return &xozerr.InvalidArgument{Op: "BlockArray", Arg: o.BlkSzOrder}
	}
	return nil
}

func newBlockArray(st byteStore, opts Options, pastEnd, capacity uint32) (*BlockArray, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &BlockArray{
		st:         st,
		blkSzOrder: opts.BlkSzOrder,
		blkSz:      1 << opts.BlkSzOrder,
		beginBlkNr: opts.BeginBlkNr,
		pastEnd:    pastEnd,
		capacity:   capacity,
		trailerCap: opts.TrailerCap,
	}, nil
}

// NewMemoryBlockArray creates a fresh, empty BlockArray backed entirely by
// memory.
func NewMemoryBlockArray(opts Options) (*BlockArray, error) {
	return newBlockArray(newMemStore(), opts, opts.BeginBlkNr, opts.BeginBlkNr)
}

// NewFileBlockArray creates or opens a disk-backed BlockArray over f.
// pastEnd/capacity describe the already-initialized region (BeginBlkNr
// for a fresh file).
func NewFileBlockArray(f *os.File, opts Options, pastEnd, capacity uint32) (*BlockArray, error) {
	return newBlockArray(newOSStore(f), opts, pastEnd, capacity)
}

// NewMmapBlockArray creates or opens a memory-mapped disk-backed
// BlockArray over f.
func NewMmapBlockArray(f *os.File, opts Options, pastEnd, capacity uint32) (*BlockArray, error) {
	st, err := newMmapStore(f)
	if err != nil {
		return nil, err
	}
	return newBlockArray(st, opts, pastEnd, capacity)
}

func (a *BlockArray) BlkSz() int64        { return a.blkSz }
func (a *BlockArray) BlkSzOrder() uint    { return a.blkSzOrder }
func (a *BlockArray) BeginBlkNr() uint32  { return a.beginBlkNr }
func (a *BlockArray) PastEndBlkNr() uint32 { return a.pastEnd }
func (a *BlockArray) BlkCnt() uint32      { return a.pastEnd - a.beginBlkNr }
func (a *BlockArray) Capacity() uint32    { return a.capacity }
func (a *BlockArray) HeaderSz() int64     { return int64(a.beginBlkNr) * a.blkSz }
func (a *BlockArray) Name() string        { return a.st.Name() }

func (a *BlockArray) blkOffset(blkNr uint32) int64 {
	return int64(blkNr) * a.blkSz
}

// GrowByBlocks extends past_end_blk_nr by n blocks, growing the underlying
// store if that exceeds the reserved capacity. It returns the prior
// past_end_blk_nr. Freshly grown blocks read back as zero.
func (a *BlockArray) GrowByBlocks(n uint32) (uint32, error) {
	old := a.pastEnd
	newPastEnd := old + n
	if newPastEnd > a.capacity {
		needed := a.blkOffset(newPastEnd) + int64(len(a.trailer))
		if needed > a.st.Size() {
			// Every backing is extended through Truncate; the new
			// region reads back as zero.
			if err := a.st.Truncate(needed); err != nil {
				return old, err
			}
		}
		a.capacity = newPastEnd
	}
	a.pastEnd = newPastEnd
	return old, nil
}

// ShrinkByBlocks retracts past_end_blk_nr by n blocks. It fails with
// *xozerr.InvalidArgument if n exceeds the current block count.
func (a *BlockArray) ShrinkByBlocks(n uint32) error {
	if n > a.BlkCnt() {
		return &xozerr.InvalidArgument{Op: "BlockArray.ShrinkByBlocks", Arg: n}
	}
	a.pastEnd -= n
	return nil
}

// ReleaseBlocks forces capacity down to past_end_blk_nr, punching a hole
// (or truncating) over the released slack, and returns the number of
// blocks released.
func (a *BlockArray) ReleaseBlocks() (uint32, error) {
	released := a.capacity - a.pastEnd
	if released == 0 {
		return 0, nil
	}
	off := a.blkOffset(a.pastEnd)
	size := a.blkOffset(a.capacity) - off
	if err := a.st.PunchHole(off, size); err != nil {
		return 0, err
	}
	if err := a.st.Truncate(off + int64(len(a.trailer))); err != nil {
		return 0, err
	}
	a.capacity = a.pastEnd
	return released, nil
}

func (a *BlockArray) checkBounds(op string, e extent.Extent) error {
	start := e.BlkNr()
	var end uint32
	if e.IsSuballoc() {
		end = start + 1
	} else {
		end = start + uint32(e.BlkCnt())
	}
	if start == 0 && a.beginBlkNr > 0 {
		return &xozerr.NullBlockAccess{Op: op}
	}
	if start < a.beginBlkNr || end > a.pastEnd {
		return &xozerr.ExtentOutOfBounds{
			Op: op, BlkNr: start, Cnt: end - start,
			BeginBlkNr: a.beginBlkNr, PastEnd: a.pastEnd,
		}
	}
	return nil
}

// subBlkSz is the size of one of the 16 sub-blocks of a shared block.
func (a *BlockArray) subBlkSz() int64 { return a.blkSz >> 4 }

// ReadExtent reads into buf starting at byte offset `start` of ext's data
// space, returning the number of bytes actually read (0 cleanly at or
// past the usable end).
func (a *BlockArray) ReadExtent(ext extent.Extent, buf []byte, start int64) (int, error) {
	if err := a.checkBounds("ReadExtent", ext); err != nil {
		return 0, err
	}
	usable := ext.DataSpaceSize(a.blkSzOrder)
	if start >= usable || len(buf) == 0 {
		return 0, nil
	}
	max := int64(len(buf))
	if max > usable-start {
		max = usable - start
	}

	if !ext.IsSuballoc() {
		off := a.blkOffset(ext.BlkNr()) + start
		return a.st.ReadAt(buf[:max], off)
	}
	return a.readSuballoc(ext, buf[:max], start)
}

// WriteExtent writes from buf starting at byte offset `start` of ext's
// data space; writes past the usable end are silently truncated.
func (a *BlockArray) WriteExtent(ext extent.Extent, buf []byte, start int64) (int, error) {
	if err := a.checkBounds("WriteExtent", ext); err != nil {
		return 0, err
	}
	usable := ext.DataSpaceSize(a.blkSzOrder)
	if start >= usable || len(buf) == 0 {
		return 0, nil
	}
	max := int64(len(buf))
	if max > usable-start {
		max = usable - start
	}

	if !ext.IsSuballoc() {
		off := a.blkOffset(ext.BlkNr()) + start
		return a.st.WriteAt(buf[:max], off)
	}
	return a.writeSuballoc(ext, buf[:max], start)
}

// subBlockAt walks ext's bitmap MSB-first and returns the ordinal sub-
// block index owning byte offset `localOff` within the extent's own data
// space, along with the byte offset within that sub-block.
func (a *BlockArray) subBlockAt(ext extent.Extent, localOff int64) (ordinal int, within int64) {
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

func (a *BlockArray) readSuballoc(ext extent.Extent, buf []byte, start int64) (int, error) {
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
		got, err := a.st.ReadAt(buf[n:int64(n)+chunk], off)
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

func (a *BlockArray) writeSuballoc(ext extent.Extent, buf []byte, start int64) (int, error) {
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
		got, err := a.st.WriteAt(buf[n:int64(n)+chunk], off)
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

// ReadHeader reads the fixed header region into buf, which must not
// exceed HeaderSz().
func (a *BlockArray) ReadHeader(buf []byte) (int, error) {
	if int64(len(buf)) > a.HeaderSz() {
		return 0, &xozerr.NotEnoughRoom{Op: "BlockArray.ReadHeader", Requested: int64(len(buf)), Available: a.HeaderSz()}
	}
	return a.st.ReadAt(buf, 0)
}

// WriteHeader writes buf into the fixed header region, which must not
// exceed HeaderSz().
func (a *BlockArray) WriteHeader(buf []byte) error {
	if int64(len(buf)) > a.HeaderSz() {
		return &xozerr.NotEnoughRoom{Op: "BlockArray.WriteHeader", Requested: int64(len(buf)), Available: a.HeaderSz()}
	}
	_, err := a.st.WriteAt(buf, 0)
	return err
}

// TrailerSz returns the current in-memory trailer length.
func (a *BlockArray) TrailerSz() int { return len(a.trailer) }

// ReadTrailer returns the in-memory trailer buffer.
func (a *BlockArray) ReadTrailer() []byte { return a.trailer }

// WriteTrailer installs buf as the trailer, kept in memory until Close.
// It fails with *xozerr.NotEnoughRoom if len(buf) would reach or exceed
// one block.
func (a *BlockArray) WriteTrailer(buf []byte) error {
	if a.trailerCap > 0 && len(buf) >= a.trailerCap {
		return &xozerr.NotEnoughRoom{Op: "BlockArray.WriteTrailer", Requested: int64(len(buf)), Available: int64(a.trailerCap)}
	}
	if int64(len(buf)) >= a.blkSz {
		return &xozerr.NotEnoughRoom{Op: "BlockArray.WriteTrailer", Requested: int64(len(buf)), Available: a.blkSz - 1}
	}
	a.trailer = append([]byte(nil), buf...)
	return nil
}

// Close flushes the trailer at repo_start+repo_sz and truncates the
// underlying store to exactly that length, then releases it. Close is
// idempotent once; calling it a second time is a caller bug and returns
// whatever the backing store itself returns for a double close.
func (a *BlockArray) Close() error {
	end := a.blkOffset(a.pastEnd)
	if len(a.trailer) > 0 {
		if _, err := a.st.WriteAt(a.trailer, end); err != nil {
			return err
		}
	}
	if err := a.st.Truncate(end + int64(len(a.trailer))); err != nil {
		return err
	}
	return a.st.Close()
}
