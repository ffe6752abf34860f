package alloc

import (
	"testing"

	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segment"
)

func TestSegmentAllocatorAllocFullBlockFromTail(t *testing.T) {
	arr := newTestArray(t) // blk_sz=64, begin=1
	sa := NewSegmentAllocator(arr)

	sg, err := sa.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	exts := sg.Extents()
	if len(exts) != 1 {
		t.Fatalf("extents = %d, want 1", len(exts))
	}
	if g, w := exts[0].BlkNr(), uint32(1); g != w {
		t.Fatalf("blk_nr = %d, want %d", g, w)
	}
	if g, w := exts[0].BlkCnt(), uint16(1); g != w {
		t.Fatalf("blk_cnt = %d, want %d", g, w)
	}
	if sg.HasInlineData() {
		t.Fatal("did not expect inline data for an exact-block request")
	}
}

func TestSegmentAllocatorSmallRequestGoesInline(t *testing.T) {
	arr := newTestArray(t)
	sa := NewSegmentAllocator(arr)

	sg, err := sa.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sg.Extents()) != 0 {
		t.Fatalf("extents = %d, want 0", len(sg.Extents()))
	}
	if g, w := len(sg.InlineData()), 10; g != w {
		t.Fatalf("inline len = %d, want %d", g, w)
	}
}

func TestSegmentAllocatorMidSizeRequestCarvesSubBlocks(t *testing.T) {
	arr := newTestArray(t) // sub-block size = 4
	sa := NewSegmentAllocator(arr)

	sg, err := sa.Alloc(20) // 5 sub-blocks
	if err != nil {
		t.Fatal(err)
	}
	exts := sg.Extents()
	if len(exts) != 1 || !exts[0].IsSuballoc() {
		t.Fatalf("expected a single suballoc extent, got %+v", exts)
	}
	if g, w := exts[0].BlkBitmap(), uint16(0xF800); g != w {
		t.Fatalf("bitmap = %016b, want %016b", g, w)
	}
}

func TestSegmentAllocatorReusesSharedBlockForLaterSubRequest(t *testing.T) {
	arr := newTestArray(t)
	sa := NewSegmentAllocator(arr)

	first, err := sa.Alloc(20) // 5 sub-blocks, bitmap 0xF800
	if err != nil {
		t.Fatal(err)
	}
	firstExt := first.Extents()[0]

	second, err := sa.Alloc(24) // 6 sub-blocks, above the inline threshold
	if err != nil {
		t.Fatal(err)
	}
	secondExt := second.Extents()[0]

	if g, w := secondExt.BlkNr(), firstExt.BlkNr(); g != w {
		t.Fatalf("expected second allocation to reuse the same shared block %d, got %d", w, g)
	}
	if firstExt.BlkBitmap()&secondExt.BlkBitmap() != 0 {
		t.Fatal("overlapping sub-block bitmaps within the same shared block")
	}
}

func TestSegmentAllocatorFreeListReusedBeforeGrowingTail(t *testing.T) {
	arr := newTestArray(t)
	sa := NewSegmentAllocator(arr)

	a, err := sa.AllocSingleExtent(128) // 2 blocks
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sa.AllocSingleExtent(128); err != nil { // 2 more blocks, now at tail
		t.Fatal(err)
	}
	pastEndBeforeFree := arr.PastEndBlkNr()

	if err := sa.DeallocSingleExtent(a); err != nil {
		t.Fatal(err)
	}

	reused, err := sa.AllocSingleExtent(128)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := reused.BlkNr(), a.BlkNr(); g != w {
		t.Fatalf("expected reuse of freed extent at %d, got %d", w, g)
	}
	if g, w := arr.PastEndBlkNr(), pastEndBeforeFree; g != w {
		t.Fatalf("past_end should not have grown on reuse, got %d want %d", g, w)
	}
}

func TestSegmentAllocatorCoalescesAdjacentFreeExtents(t *testing.T) {
	arr := newTestArray(t)
	sa := NewSegmentAllocator(arr)

	a, err := sa.AllocSingleExtent(64) // 1 block
	if err != nil {
		t.Fatal(err)
	}
	b, err := sa.AllocSingleExtent(64) // 1 block, adjacent to a
	if err != nil {
		t.Fatal(err)
	}
	// Grow the tail further so freeing a and b does not hand them straight
	// back to the tail allocator.
	if _, err := sa.AllocSingleExtent(64); err != nil {
		t.Fatal(err)
	}

	if err := sa.DeallocSingleExtent(a); err != nil {
		t.Fatal(err)
	}
	if err := sa.DeallocSingleExtent(b); err != nil {
		t.Fatal(err)
	}

	merged, err := sa.AllocSingleExtent(128) // needs both coalesced blocks
	if err != nil {
		t.Fatal(err)
	}
	if g, w := merged.BlkNr(), a.BlkNr(); g != w {
		t.Fatalf("expected merged extent to start at %d, got %d", w, g)
	}
	if g, w := merged.BlkCnt(), uint16(2); g != w {
		t.Fatalf("blk_cnt = %d, want %d", g, w)
	}
}

func TestSegmentAllocatorFreeingEverySubBlockReturnsSharedBlock(t *testing.T) {
	arr := newTestArray(t)
	sa := NewSegmentAllocator(arr)

	sg, err := sa.Alloc(60) // 15 sub-blocks, carved from a fresh shared block
	if err != nil {
		t.Fatal(err)
	}
	ext := sg.Extents()[0]
	if !ext.IsSuballoc() {
		t.Fatalf("expected a suballoc extent, got %+v", ext)
	}
	sharedBlkNr := ext.BlkNr()

	// Occupy the tail so the shared block is no longer tail-adjacent once
	// it is fully freed, forcing it through the free-list path.
	if _, err := sa.AllocSingleExtent(64); err != nil {
		t.Fatal(err)
	}

	if err := sa.DeallocSingleExtent(ext); err != nil {
		t.Fatal(err)
	}

	if _, ok := sa.sharedBlocks[sharedBlkNr]; ok {
		t.Fatal("shared block should have been dropped from sharedBlocks once fully freed")
	}

	whole, err := sa.allocFull(1)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := whole.BlkNr(), sharedBlkNr; g != w {
		t.Fatalf("expected reuse of the freed shared block %d, got %d", w, g)
	}
}

func TestSegmentAllocatorInitializeFromAllocatedRebuildsFreeSet(t *testing.T) {
	arr := newTestArray(t)
	if _, err := arr.GrowByBlocks(6); err != nil { // blocks 1..6
		t.Fatal(err)
	}

	used := segment.New(arr.BlkSzOrder())
	used.AddExtent(extent.MustNew(2, 2, false)) // occupies [2,4)

	sa := NewSegmentAllocator(arr)
	if err := sa.InitializeFromAllocated([]*segment.Segment{used}); err != nil {
		t.Fatal(err)
	}

	// Free space should now be [1,2) and [4,7).
	got, err := sa.allocFull(1)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := got.BlkNr(), uint32(1); g != w {
		t.Fatalf("blk_nr = %d, want %d (from the [1,2) gap)", g, w)
	}

	got2, err := sa.allocFull(3)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := got2.BlkNr(), uint32(4); g != w {
		t.Fatalf("blk_nr = %d, want %d (from the [4,7) gap)", g, w)
	}
	if g, w := arr.PastEndBlkNr(), uint32(7); g != w {
		t.Fatalf("past_end should not have grown, got %d want %d", g, w)
	}
}

func TestSegmentAllocatorInitializeFromAllocatedRejectsOverlap(t *testing.T) {
	arr := newTestArray(t)
	if _, err := arr.GrowByBlocks(4); err != nil {
		t.Fatal(err)
	}
	a := segment.New(arr.BlkSzOrder())
	a.AddExtent(extent.MustNew(1, 2, false))
	b := segment.New(arr.BlkSzOrder())
	b.AddExtent(extent.MustNew(2, 2, false))

	sa := NewSegmentAllocator(arr)
	if err := sa.InitializeFromAllocated([]*segment.Segment{a, b}); err == nil {
		t.Fatal("expected InconsistentState for overlapping extents")
	}
}

func TestSegmentAllocatorReleaseDrainsTailAdjacentFreeRun(t *testing.T) {
	arr := newTestArray(t)
	sa := NewSegmentAllocator(arr)

	a, err := sa.AllocSingleExtent(64)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sa.AllocSingleExtent(64); err != nil {
		t.Fatal(err)
	}

	if err := sa.DeallocSingleExtent(a); err != nil {
		t.Fatal(err)
	}
	// a is not at the tail (b sits after it), so it went into freeFull.
	b := extent.MustNew(a.BlkNr()+1, 1, false)
	if err := sa.DeallocSingleExtent(b); err != nil {
		t.Fatal(err)
	}

	if err := sa.Release(); err != nil {
		t.Fatal(err)
	}
	if g, w := arr.PastEndBlkNr(), uint32(1); g != w {
		t.Fatalf("past_end after release = %d, want %d", g, w)
	}
}
