package xio

import (
	"bytes"
	"testing"

	"github.com/eldipa/xoz/extent"
	"github.com/eldipa/xoz/segment"
	"github.com/eldipa/xoz/xozerr"
)

// fakeExtentStore backs every extent's data space with a plain in-memory
// buffer keyed by block number, enough to exercise IOSegment's extent
// walking without a real block array.
type fakeExtentStore struct {
	blkSzOrder uint
	blocks     map[uint32][]byte
}

func newFakeExtentStore(blkSzOrder uint) *fakeExtentStore {
	return &fakeExtentStore{blkSzOrder: blkSzOrder, blocks: map[uint32][]byte{}}
}

func (f *fakeExtentStore) BlkSzOrder() uint { return f.blkSzOrder }

func (f *fakeExtentStore) blockFor(blkNr uint32, sz int64) []byte {
	b, ok := f.blocks[blkNr]
	if !ok {
		b = make([]byte, sz)
		f.blocks[blkNr] = b
	}
	return b
}

func (f *fakeExtentStore) ReadExtent(e extent.Extent, dst []byte, offset int64) (int, error) {
	sz := e.DataSpaceSize(f.blkSzOrder)
	buf := f.blockFor(e.BlkNr(), sz)
	n := copy(dst, buf[offset:])
	return n, nil
}

func (f *fakeExtentStore) WriteExtent(e extent.Extent, src []byte, offset int64) (int, error) {
	sz := e.DataSpaceSize(f.blkSzOrder)
	buf := f.blockFor(e.BlkNr(), sz)
	n := copy(buf[offset:], src)
	return n, nil
}

func TestIOSegmentReadWriteAcrossExtents(t *testing.T) {
	const blkSzOrder = 10 // 1024 byte blocks
	sg := segment.New(blkSzOrder)
	sg.AddExtent(extent.MustNew(1, 1, false)) // 1024 bytes
	sg.AddExtent(extent.MustNew(2, 1, false)) // 1024 bytes

	es := newFakeExtentStore(blkSzOrder)
	io := NewIOSegment(es, sg)

	payload := bytes.Repeat([]byte{0x5a}, 2048)
	if err := io.WriteAll(payload); err != nil {
		t.Fatal(err)
	}

	io.SeekRd(0, SeekBeg)
	got := make([]byte, 2048)
	if err := io.ReadAll(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read back mismatch across extent boundary")
	}
}

func TestIOSegmentWritePastStraddlesExtentAndInline(t *testing.T) {
	const blkSzOrder = 10
	sg := segment.New(blkSzOrder)
	sg.AddExtent(extent.MustNew(1, 1, false)) // 1024 bytes
	if err := sg.SetInlineData(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}

	es := newFakeExtentStore(blkSzOrder)
	io := NewIOSegment(es, sg)

	if g, w := io.Size(), int64(1034); g != w {
		t.Fatalf("size = %d, want %d", g, w)
	}

	io.SeekWr(1020, SeekBeg)
	if err := io.WriteAll([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}); err != nil {
		t.Fatal(err)
	}

	io.SeekRd(1020, SeekBeg)
	got := make([]byte, 14)
	if err := io.ReadAll(got); err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestIOSegmentEmptySegmentHasNoRoom(t *testing.T) {
	sg := segment.New(10)
	if err := ErrEmptySegment(sg); err == nil {
		t.Fatal("expected error for empty segment")
	} else if _, ok := err.(*xozerr.InconsistentState); !ok {
		t.Fatalf("wrong error type: %T", err)
	}
}
