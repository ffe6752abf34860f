// Package repo implements the repository header and trailer: the fixed
// 64-byte region that anchors an xoz file, plus the 4-byte end marker that
// closes it and the indirection scheme used to fit an arbitrarily large
// root segment into the header's 12-byte root_sg slot.
//
// The fixed layout mirrors zchee-go-qcow2's header.go: a packed struct of
// magic, sizes and feature-flag words read and written in one shot, with
// every multi-byte field little-endian via package bits rather than
// encoding/binary.
package repo

import (
	"bytes"
	"hash/crc32"
	"os"

	"github.com/eldipa/xoz/alloc"
	"github.com/eldipa/xoz/bits"
	"github.com/eldipa/xoz/blkarray"
	"github.com/eldipa/xoz/segment"
	"github.com/eldipa/xoz/xio"
	"github.com/eldipa/xoz/xozerr"
)

const (
	headerSize     = 64
	trailerSize    = 4
	rootSgSlotSize = 12

	minBlkSzOrder = 6
	maxBlkSzOrder = 16
)

var (
	repoMagic    = [4]byte{'X', 'O', 'Z', 0}
	trailerMagic = [4]byte{'E', 'O', 'F', 0}
)

// FeatureFlags are the three feature-flag words carried in the header.
// Compat bits may be ignored by a reader that does not understand them.
// Incompat bits abort opening if unknown. RoCompat bits degrade an opener
// that does not understand them to read-only rather than aborting.
type FeatureFlags struct {
	Compat   uint32
	Incompat uint32
	RoCompat uint32
}

// Options configures a freshly created Repository.
type Options struct {
	BlkSzOrder    uint
	InitialBlkCnt uint32
	Features      FeatureFlags
}

// Repository is an open xoz file: its Block Array, Segment Allocator, and
// the root segment reachable through the header's root_sg slot.
type Repository struct {
	f      *os.File
	arr    *blkarray.BlockArray
	salloc *alloc.SegmentAllocator

	blkSzOrder uint
	blkInitCnt uint32
	features   FeatureFlags
	readOnly   bool

	rootSg          *segment.Segment
	externalRootLoc *segment.Segment // empty (no extents) while root_sg is stored directly
}

// Create initializes a fresh repository in f, which must be empty.
func Create(f *os.File, opts Options) (*Repository, error) {
	if opts.BlkSzOrder < minBlkSzOrder || opts.BlkSzOrder > maxBlkSzOrder {
		return nil, &xozerr.InvalidArgument{Op: "repo.Create", Arg: opts.BlkSzOrder}
	}
	if opts.InitialBlkCnt == 0 {
		return nil, &xozerr.InvalidArgument{Op: "repo.Create", Arg: opts.InitialBlkCnt}
	}
	if opts.Features.Incompat != 0 {
		return nil, &xozerr.InvalidArgument{Op: "repo.Create", Arg: opts.Features.Incompat}
	}

	arr, err := blkarray.NewFileBlockArray(f, blkarray.Options{
		BlkSzOrder: opts.BlkSzOrder,
		BeginBlkNr: 1,
		TrailerCap: trailerSize + 1,
	}, 1, 1)
	if err != nil {
		return nil, err
	}
	if _, err := arr.GrowByBlocks(opts.InitialBlkCnt - 1); err != nil {
		return nil, err
	}

	salloc := alloc.NewSegmentAllocator(arr)
	if err := salloc.InitializeFromAllocated(nil); err != nil {
		return nil, err
	}

	rootSg := segment.New(opts.BlkSzOrder)
	if err := rootSg.AddEndOfSegment(); err != nil {
		return nil, err
	}

	return &Repository{
		f:               f,
		arr:             arr,
		salloc:          salloc,
		blkSzOrder:      opts.BlkSzOrder,
		blkInitCnt:      opts.InitialBlkCnt,
		features:        opts.Features,
		rootSg:          rootSg,
		externalRootLoc: segment.New(opts.BlkSzOrder),
	}, nil
}

// Open reads an existing repository out of f, validating its header and
// trailer and decoding its root segment.
func Open(f *os.File) (*Repository, error) {
	var raw [headerSize]byte
	if _, err := f.ReadAt(raw[:], 0); err != nil {
		return nil, &xozerr.InconsistentFile{Reason: "could not read the header: " + err.Error()}
	}

	if !bytes.Equal(raw[0:4], repoMagic[:]) {
		return nil, &xozerr.InconsistentFile{Reason: "magic string 'XOZ' not found in the header"}
	}

	var zeroedChecksum [headerSize]byte
	copy(zeroedChecksum[:], raw[:])
	bits.PutUint32(zeroedChecksum[60:64], 0)
	wantChecksum := bits.Uint32(raw[60:64])
	if crc32.ChecksumIEEE(zeroedChecksum[:]) != wantChecksum {
		return nil, &xozerr.InconsistentFile{Reason: "header checksum mismatch"}
	}

	features := FeatureFlags{
		Compat:   bits.Uint32(raw[36:40]),
		Incompat: bits.Uint32(raw[40:44]),
		RoCompat: bits.Uint32(raw[44:48]),
	}
	if features.Incompat != 0 {
		return nil, &xozerr.IncompatibleFeature{Bit: features.Incompat}
	}

	blkSzOrder := uint(raw[28])
	if blkSzOrder < minBlkSzOrder || blkSzOrder > maxBlkSzOrder {
		return nil, &xozerr.InconsistentFile{Reason: "block size order out of range"}
	}
	blkSz := int64(1) << blkSzOrder

	blkTotalCnt := bits.Uint32(raw[20:24])
	if blkTotalCnt == 0 {
		return nil, &xozerr.InconsistentFile{Reason: "block_total_cnt is zero"}
	}
	blkInitCnt := bits.Uint32(raw[24:28])
	if blkInitCnt == 0 {
		return nil, &xozerr.InconsistentFile{Reason: "block_init_cnt is zero"}
	}

	repoSz := bits.Uint64(raw[4:12])
	if repoSz != uint64(blkTotalCnt)*uint64(blkSz) {
		return nil, &xozerr.InconsistentFile{Reason: "repo_sz does not match block_total_cnt * blk_sz"}
	}

	if fi, err := f.Stat(); err != nil {
		return nil, err
	} else if fi.Size() < int64(repoSz)+trailerSize {
		return nil, &xozerr.InconsistentFile{Reason: "file is shorter than repo_sz + trailer_sz"}
	}

	trailerSz := bits.Uint64(raw[12:20])
	if trailerSz < trailerSize {
		return nil, &xozerr.InconsistentFile{Reason: "trailer_sz is smaller than the fixed trailer magic"}
	}

	var trailerBuf [trailerSize]byte
	if _, err := f.ReadAt(trailerBuf[:], int64(repoSz)); err != nil {
		return nil, &xozerr.InconsistentFile{Reason: "could not read the trailer: " + err.Error()}
	}
	if !bytes.Equal(trailerBuf[:], trailerMagic[:]) {
		return nil, &xozerr.InconsistentFile{Reason: "magic string 'EOF' not found in the trailer"}
	}

	arr, err := blkarray.NewFileBlockArray(f, blkarray.Options{
		BlkSzOrder: blkSzOrder,
		BeginBlkNr: 1,
		TrailerCap: trailerSize + 1,
	}, blkTotalCnt, blkTotalCnt)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		f:          f,
		arr:        arr,
		salloc:     alloc.NewSegmentAllocator(arr),
		blkSzOrder: blkSzOrder,
		blkInitCnt: blkInitCnt,
		features:   features,
		readOnly:   features.RoCompat != 0,
	}

	var rootSgBuf [rootSgSlotSize]byte
	copy(rootSgBuf[:], raw[48:60])
	if err := r.decodeRootSegment(rootSgBuf); err != nil {
		return nil, err
	}

	var known []*segment.Segment
	if len(r.externalRootLoc.Extents()) > 0 {
		known = append(known, r.externalRootLoc)
	}
	if err := r.salloc.InitializeFromAllocated(known); err != nil {
		return nil, err
	}

	return r, nil
}

// BlkSzOrder returns the repository's fixed block size order.
func (r *Repository) BlkSzOrder() uint { return r.blkSzOrder }

// Array returns the underlying Block Array, the storage surface a
// descriptor set or ID manager allocates against.
func (r *Repository) Array() *blkarray.BlockArray { return r.arr }

// Allocator returns the Segment Allocator bound to this repository's array.
func (r *Repository) Allocator() *alloc.SegmentAllocator { return r.salloc }

// RootSegment returns the segment reachable from the header's root_sg slot.
// Callers (e.g. a descriptor set) own its contents between Open/Create and
// the next Close; mutate it via SetRootSegment.
func (r *Repository) RootSegment() *segment.Segment { return r.rootSg }

// SetRootSegment replaces the segment that Close will encode into root_sg.
func (r *Repository) SetRootSegment(sg *segment.Segment) { r.rootSg = sg }

// ReadOnly reports whether an unrecognized ro_compat feature flag forced
// this repository into read-only mode.
func (r *Repository) ReadOnly() bool { return r.readOnly }

// Features returns the feature flags recorded in (or about to be written
// to) the header.
func (r *Repository) Features() FeatureFlags { return r.features }

// decodeRootSegment loads the 12-byte root_sg slot, following the
// indirection to an externally stored segment when present.
func (r *Repository) decodeRootSegment(buf [rootSgSlotSize]byte) error {
	loaded, err := segment.LoadStructFrom(bytes.NewReader(buf[:]), rootSgSlotSize, r.blkSzOrder)
	if err != nil {
		if _, ok := err.(*xozerr.NotEnoughRoom); ok {
			return &xozerr.InconsistentFile{Reason: "root_sg overruns its 12-byte slot"}
		}
		return err
	}

	// A root_sg whose inline tail is exactly 4 bytes and which carries
	// exactly one extent is treated as a pointer to the real root segment
	// stored externally; anything else is the real root segment stored
	// directly. This is the same heuristic the format's indirection
	// scheme has always used: it cannot distinguish that one shape from a
	// genuine direct root consisting of a single extent plus an
	// incidental 4-byte inline tail, so a direct root must avoid
	// producing that exact shape (encodeRootSegment never does).
	inline := loaded.InlineData()
	switch {
	case len(inline) == 4 && len(loaded.Extents()) == 1:
		extSeg := segment.New(r.blkSzOrder)
		extSeg.AddExtent(loaded.Extents()[0])

		raw := make([]byte, extSeg.CalcDataSpaceSize())
		io := xio.NewIOSegment(r.arr, extSeg)
		if err := io.ReadAll(raw); err != nil {
			return err
		}

		root, err := segment.LoadStructFrom(bytes.NewReader(raw), int64(len(raw)), r.blkSzOrder)
		if err != nil {
			return err
		}

		// The checksum covers the encoded segment only, not the rest of
		// the block(s) holding it.
		wantChecksum := bits.Uint32(inline)
		if crc32.ChecksumIEEE(raw[:root.CalcStructFootprintSize()]) != wantChecksum {
			return &xozerr.InconsistentFile{Reason: "root segment checksum mismatch"}
		}
		r.rootSg = root
		r.externalRootLoc = extSeg
		return nil

	default:
		r.rootSg = loaded
		r.externalRootLoc = segment.New(r.blkSzOrder)
		return nil
	}
}

// encodeRootSegment produces the 12-byte root_sg slot for the current root
// segment, storing it directly if it fits or, failing that, relocating it
// to external storage reached through a pointer extent and a checksum.
func (r *Repository) encodeRootSegment() ([rootSgSlotSize]byte, error) {
	var out [rootSgSlotSize]byte

	footprint := r.rootSg.CalcStructFootprintSize()
	if footprint == 0 {
		if err := r.rootSg.AddEndOfSegment(); err != nil {
			return out, err
		}
		footprint = r.rootSg.CalcStructFootprintSize()
	}

	// A root of exactly one extent plus a 4-byte inline tail would decode
	// as a pointer, so it is relocated like one that does not fit.
	looksLikePointer := len(r.rootSg.Extents()) == 1 && len(r.rootSg.InlineData()) == 4
	if footprint <= rootSgSlotSize && !looksLikePointer {
		if len(r.externalRootLoc.Extents()) > 0 {
			if err := r.salloc.Dealloc(r.externalRootLoc); err != nil {
				return out, err
			}
			r.externalRootLoc = segment.New(r.blkSzOrder)
		}

		var buf bytes.Buffer
		if err := r.rootSg.WriteStructInto(&buf); err != nil {
			return out, err
		}
		copy(out[:], buf.Bytes())
		return out, nil
	}

	var payload bytes.Buffer
	if err := r.rootSg.WriteStructInto(&payload); err != nil {
		return out, err
	}
	payloadBytes := payload.Bytes()

	if err := r.relocateExternalRoot(int64(len(payloadBytes))); err != nil {
		return out, err
	}

	ext := r.externalRootLoc.Extents()[0]
	io := xio.NewIOSegment(r.arr, r.externalRootLoc)
	if err := io.WriteAll(payloadBytes); err != nil {
		return out, err
	}

	checksum := crc32.ChecksumIEEE(payloadBytes)
	var checksumBuf [4]byte
	bits.PutUint32(checksumBuf[:], checksum)

	wrapper := segment.New(r.blkSzOrder)
	wrapper.AddExtent(ext)
	if err := wrapper.SetInlineData(checksumBuf[:]); err != nil {
		return out, err
	}

	var buf bytes.Buffer
	if err := wrapper.WriteStructInto(&buf); err != nil {
		return out, err
	}
	copy(out[:], buf.Bytes())
	return out, nil
}

// relocateExternalRoot ensures externalRootLoc has room for sz bytes,
// reusing the current location when it still fits, shrinking it when sz
// would occupy less than a quarter of its current capacity, and growing it
// otherwise.
func (r *Repository) relocateExternalRoot(sz int64) error {
	if len(r.externalRootLoc.Extents()) == 0 {
		ext, err := r.salloc.AllocSingleExtent(sz)
		if err != nil {
			return err
		}
		r.externalRootLoc = segment.New(r.blkSzOrder)
		r.externalRootLoc.AddExtent(ext)
		return nil
	}

	capacity := r.externalRootLoc.CalcDataSpaceSize()
	if sz <= capacity && (capacity>>2) <= sz {
		return nil
	}

	if err := r.salloc.Dealloc(r.externalRootLoc); err != nil {
		return err
	}
	ext, err := r.salloc.AllocSingleExtent(sz)
	if err != nil {
		return err
	}
	r.externalRootLoc = segment.New(r.blkSzOrder)
	r.externalRootLoc.AddExtent(ext)
	return nil
}

// Close encodes the root segment, rewrites the header and trailer, and
// releases the underlying file. If the trailer write fails partway
// through arr.Close (e.g. the final truncate succeeds but the write that
// precedes it does not, or vice versa), Close rewinds to the repo_sz
// saved before the attempt and rewrites just the trailer magic there
// directly, so a crash mid-close does not leave the file without a
// recognizable end marker.
func (r *Repository) Close() error {
	rootBuf, err := r.encodeRootSegment()
	if err != nil {
		return err
	}

	blkTotalCnt := r.arr.PastEndBlkNr()
	blkSz := int64(1) << r.blkSzOrder
	repoSz := uint64(blkTotalCnt) * uint64(blkSz)

	var hdr [headerSize]byte
	copy(hdr[0:4], repoMagic[:])
	bits.PutUint64(hdr[4:12], repoSz)
	bits.PutUint64(hdr[12:20], uint64(trailerSize))
	bits.PutUint32(hdr[20:24], blkTotalCnt)
	bits.PutUint32(hdr[24:28], r.blkInitCnt)
	hdr[28] = byte(r.blkSzOrder)
	bits.PutUint32(hdr[36:40], r.features.Compat)
	bits.PutUint32(hdr[40:44], r.features.Incompat)
	bits.PutUint32(hdr[44:48], r.features.RoCompat)
	copy(hdr[48:60], rootBuf[:])
	checksum := crc32.ChecksumIEEE(hdr[:])
	bits.PutUint32(hdr[60:64], checksum)

	full := make([]byte, r.arr.HeaderSz())
	copy(full, hdr[:])
	if err := r.arr.WriteHeader(full); err != nil {
		return err
	}

	if err := r.arr.WriteTrailer(trailerMagic[:]); err != nil {
		return err
	}

	if err := r.arr.Close(); err != nil {
		if repairErr := r.repairMinimalTrailer(int64(repoSz)); repairErr != nil {
			return repairErr
		}
		return err
	}
	return nil
}

// repairMinimalTrailer rewrites just the trailer magic at offset repoSz,
// writing directly to the file and bypassing the Block Array, whose
// in-memory bookkeeping may no longer match the disk after a failed
// Close.
func (r *Repository) repairMinimalTrailer(repoSz int64) error {
	_, err := r.f.WriteAt(trailerMagic[:], repoSz)
	return err
}
