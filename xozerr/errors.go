// Package xozerr defines the error taxonomy shared across the xoz core.
//
// Every error kind is its own type so callers can use errors.As to recover
// the structured fields instead of matching on message text. The shapes
// follow the allocator's own error types (ErrINVAL, ErrILSEQ, ErrPERM): a
// short struct carrying just enough context to reconstruct what went wrong,
// with an Error() method that renders it.
package xozerr

import "fmt"

// InvalidArgument signals a request that is malformed independently of any
// on-disk or in-memory state: a zero-block alloc, a suballoc dealloc routed
// through the tail allocator, an out-of-range blk_sz_order, and so on.
type InvalidArgument struct {
	Op  string
	Arg interface{}
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("xoz: invalid argument in %s: %v", e.Op, e.Arg)
}

// InvalidBlockNr is raised synchronously by Extent construction when
// blk_nr does not fit in 26 bits.
type InvalidBlockNr struct {
	BlkNr uint32
}

func (e *InvalidBlockNr) Error() string {
	return fmt.Sprintf("xoz: invalid block number %d: does not fit in 26 bits", e.BlkNr)
}

// ExtentOutOfBounds is raised when an extent is wholly or partially
// outside a block array's [begin_blk_nr, past_end_blk_nr) range.
type ExtentOutOfBounds struct {
	Op                   string
	BlkNr, Cnt           uint32
	BeginBlkNr, PastEnd  uint32
}

func (e *ExtentOutOfBounds) Error() string {
	return fmt.Sprintf(
		"xoz: extent [%d, %d) out of bounds for %s: valid range is [%d, %d)",
		e.BlkNr, e.BlkNr+e.Cnt, e.Op, e.BeginBlkNr, e.PastEnd,
	)
}

// PositionLabel names the geometric relationship detected by ExtentOverlap.
type PositionLabel string

const (
	PositionSameStart    PositionLabel = "same start"
	PositionStartAhead   PositionLabel = "start ahead"
	PositionStartBehind  PositionLabel = "start behind"
)

// ExtentOverlap is raised by extent.DistanceBetween when two extents'
// block ranges overlap.
type ExtentOverlap struct {
	Position PositionLabel
}

func (e *ExtentOverlap) Error() string {
	return fmt.Sprintf("xoz: extent overlap (%s)", e.Position)
}

// NullBlockAccess is raised when an operation targets block 0 while block
// 0 is reserved for the repository header.
type NullBlockAccess struct {
	Op string
}

func (e *NullBlockAccess) Error() string {
	return fmt.Sprintf("xoz: %s: access to reserved block 0", e.Op)
}

// NotEnoughRoom is raised when an exact IO operation cannot be satisfied
// within the current limit window, or when a fixed-size region (header,
// trailer) cannot hold what is being written into it.
type NotEnoughRoom struct {
	Op       string
	Pos      int64
	Requested int64
	Available int64
}

func (e *NotEnoughRoom) Error() string {
	return fmt.Sprintf(
		"xoz: %s at position %d: not enough room (requested %d, available %d)",
		e.Op, e.Pos, e.Requested, e.Available,
	)
}

// Overflow is raised when the caller's own buffer/stream does not contain
// as many bytes as requested, before any IO is attempted against the
// sink.
type Overflow struct {
	Op        string
	Requested int64
	Have      int64
}

func (e *Overflow) Error() string {
	return fmt.Sprintf("xoz: %s: overflow (requested %d, have %d)", e.Op, e.Requested, e.Have)
}

// InconsistentState is raised when an operation would corrupt an
// invariant that must hold by construction: serializing a wholly empty
// segment, overlapping inputs to InitializeFromAllocated, inline data over
// the 63 byte cap, use of a SegmentBlockArray before InitializeSegment,
// and similar.
type InconsistentState struct {
	Op, Reason string
}

func (e *InconsistentState) Error() string {
	return fmt.Sprintf("xoz: inconsistent state in %s: %s", e.Op, e.Reason)
}

// IncompatibleFeature is raised when a repository header declares an
// incompat feature flag bit unknown to this reader.
type IncompatibleFeature struct {
	Bit uint32
}

func (e *IncompatibleFeature) Error() string {
	return fmt.Sprintf("xoz: incompatible feature flag bit %d unknown to this reader", e.Bit)
}

// InconsistentFile is raised when on-disk data fails a structural check:
// bad magic, size mismatch, bad checksum, truncated file.
type InconsistentFile struct {
	Reason string
}

func (e *InconsistentFile) Error() string {
	return fmt.Sprintf("xoz: inconsistent file: %s", e.Reason)
}

// AlreadyInitialized is raised by components with a one-shot
// initialization step (e.g. SegmentBlockArray.InitializeSegment) when
// called a second time.
type AlreadyInitialized struct {
	Op string
}

func (e *AlreadyInitialized) Error() string {
	return fmt.Sprintf("xoz: %s: already initialized", e.Op)
}
