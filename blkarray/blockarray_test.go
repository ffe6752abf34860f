package blkarray

import (
	"bytes"
	"testing"

	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/xozerr"
)

func newMemArray(t *testing.T, blkSzOrder uint, beginBlkNr uint32) *BlockArray {
	t.Helper()
	a, err := NewMemoryBlockArray(Options{BlkSzOrder: blkSzOrder, BeginBlkNr: beginBlkNr, TrailerCap: 64})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// Scenario (a): tail alloc/dealloc/grow against a raw BlockArray (the
// allocator itself is exercised in package alloc; this checks the
// BlockArray-level bookkeeping the allocator relies on).
func TestGrowShrinkReleaseBookkeeping(t *testing.T) {
	a := newMemArray(t, 6, 1) // blk_sz=64

	old, err := a.GrowByBlocks(3)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := old, uint32(1); g != w {
		t.Fatalf("old past_end = %d, want %d", g, w)
	}
	if g, w := a.PastEndBlkNr(), uint32(4); g != w {
		t.Fatalf("past_end = %d, want %d", g, w)
	}
	if g, w := a.BlkCnt(), uint32(3); g != w {
		t.Fatalf("blk_cnt = %d, want %d", g, w)
	}

	if _, err := a.GrowByBlocks(2); err != nil {
		t.Fatal(err)
	}
	if g, w := a.PastEndBlkNr(), uint32(6); g != w {
		t.Fatalf("past_end = %d, want %d", g, w)
	}

	if err := a.ShrinkByBlocks(2); err != nil {
		t.Fatal(err)
	}
	if g, w := a.PastEndBlkNr(), uint32(4); g != w {
		t.Fatalf("past_end after shrink = %d, want %d", g, w)
	}

	released, err := a.ReleaseBlocks()
	if err != nil {
		t.Fatal(err)
	}
	if g, w := released, uint32(2); g != w {
		t.Fatalf("released = %d, want %d", g, w)
	}
	if g, w := a.Capacity(), uint32(4); g != w {
		t.Fatalf("capacity after release = %d, want %d", g, w)
	}
}

// punchSpy wraps a byteStore and records the range passed to PunchHole,
// so ReleaseBlocks's use of it can be observed directly.
type punchSpy struct {
	byteStore
	off, size int64
	called    bool
}

func (p *punchSpy) PunchHole(off, size int64) error {
	p.off, p.size, p.called = off, size, true
	return p.byteStore.PunchHole(off, size)
}

func TestReleaseBlocksPunchesHoleOverReleasedRange(t *testing.T) {
	spy := &punchSpy{byteStore: newMemStore()}
	a, err := newBlockArray(spy, Options{BlkSzOrder: 6, BeginBlkNr: 1, TrailerCap: 64}, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.GrowByBlocks(3); err != nil {
		t.Fatal(err)
	}
	if err := a.ShrinkByBlocks(2); err != nil {
		t.Fatal(err)
	}

	if _, err := a.ReleaseBlocks(); err != nil {
		t.Fatal(err)
	}
	if !spy.called {
		t.Fatal("expected ReleaseBlocks to call PunchHole")
	}
	if g, w := spy.off, a.blkOffset(2); g != w {
		t.Fatalf("PunchHole off = %d, want %d", g, w)
	}
	if g, w := spy.size, 2*int64(1<<6); g != w {
		t.Fatalf("PunchHole size = %d, want %d", g, w)
	}
}

func TestShrinkPastBlkCntFails(t *testing.T) {
	a := newMemArray(t, 6, 1)
	if _, err := a.GrowByBlocks(2); err != nil {
		t.Fatal(err)
	}
	if err := a.ShrinkByBlocks(3); err == nil {
		t.Fatal("expected error shrinking past blk_cnt")
	}
}

func TestFreshlyGrownBlockReadsAsZero(t *testing.T) {
	a := newMemArray(t, 6, 1)
	if _, err := a.GrowByBlocks(1); err != nil {
		t.Fatal(err)
	}
	e := extent.MustNew(1, 1, false)
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xff
	}
	n, err := a.ReadExtent(e, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 64 {
		t.Fatalf("n = %d, want 64", n)
	}
	want := make([]byte, 64)
	if !bytes.Equal(buf, want) {
		t.Fatal("freshly grown block did not read back as zero")
	}
}

func TestWriteThenReadExtentFullBlock(t *testing.T) {
	a := newMemArray(t, 6, 1)
	if _, err := a.GrowByBlocks(1); err != nil {
		t.Fatal(err)
	}
	e := extent.MustNew(1, 1, false)
	payload := bytes.Repeat([]byte{0x42}, 64)
	if _, err := a.WriteExtent(e, payload, 0); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 64)
	if _, err := a.ReadExtent(e, got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read back mismatch")
	}
}

// Scenario (b): sub-block write lands at the exact byte offsets the spec
// names for a 64-byte block (sub-block size 4).
func TestSuballocWriteLandsAtSpecOffsets(t *testing.T) {
	a := newMemArray(t, 6, 1) // blk_sz=64, sub-block size 4
	if _, err := a.GrowByBlocks(1); err != nil {
		t.Fatal(err)
	}

	e := extent.MustNew(1, 0b0010000000000001, true)
	if _, err := a.WriteExtent(e, []byte("ABCDEFGH"), 0); err != nil {
		t.Fatal(err)
	}

	whole := make([]byte, 64)
	full := extent.MustNew(1, 1, false)
	if _, err := a.ReadExtent(full, whole, 0); err != nil {
		t.Fatal(err)
	}

	if g, w := whole[8:12], []byte("ABCD"); !bytes.Equal(g, w) {
		t.Fatalf("bytes at [8,12) = %q, want %q", g, w)
	}
	if g, w := whole[60:64], []byte("EFGH"); !bytes.Equal(g, w) {
		t.Fatalf("bytes at [60,64) = %q, want %q", g, w)
	}
}

func TestReadExtentOutOfBoundsFails(t *testing.T) {
	a := newMemArray(t, 6, 1)
	if _, err := a.GrowByBlocks(1); err != nil {
		t.Fatal(err)
	}
	e := extent.MustNew(5, 1, false) // outside [1,2)
	if _, err := a.ReadExtent(e, make([]byte, 1), 0); err == nil {
		t.Fatal("expected ExtentOutOfBounds")
	}
}

func TestReadExtentBlockZeroFailsWithNullBlockAccess(t *testing.T) {
	a := newMemArray(t, 6, 1) // block 0 reserved for the header
	e := extent.MustNew(0, 1, false)
	_, err := a.ReadExtent(e, make([]byte, 1), 0)
	if _, ok := err.(*xozerr.NullBlockAccess); !ok {
		t.Fatalf("expected NullBlockAccess, got %T (%v)", err, err)
	}
}

func TestHeaderTrailerRoundTrip(t *testing.T) {
	a := newMemArray(t, 6, 1)
	hdr := bytes.Repeat([]byte{0xaa}, 64)
	if err := a.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 64)
	if _, err := a.ReadHeader(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, hdr) {
		t.Fatal("header round trip mismatch")
	}

	if err := a.WriteTrailer([]byte("EOF\x00")); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.ReadTrailer(), []byte("EOF\x00")) {
		t.Fatal("trailer mismatch before close")
	}
}

func TestWriteHeaderTooBigFails(t *testing.T) {
	a := newMemArray(t, 6, 1)
	if err := a.WriteHeader(make([]byte, 65)); err == nil {
		t.Fatal("expected NotEnoughRoom")
	}
}

func TestWriteTrailerAtOrAboveBlkSzFails(t *testing.T) {
	a := newMemArray(t, 6, 1)
	if err := a.WriteTrailer(make([]byte, 64)); err == nil {
		t.Fatal("expected NotEnoughRoom")
	}
}
