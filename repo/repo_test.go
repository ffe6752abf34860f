package repo

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/eldipa/xoz/bits"
	"github.com/eldipa/xoz/segment"
)

func newTestFile(t *testing.T) (*os.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo.xoz")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	return f, path
}

// reopen opens a fresh descriptor on path: Repository.Close closes the
// *os.File it was given along with the rest of the Block Array's backing
// store, so a caller that wants to read the file again after Close needs
// a new handle, not the old one.
func reopen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestCreateCloseOpenRoundTrip(t *testing.T) {
	f, path := newTestFile(t)
	r, err := Create(f, Options{BlkSzOrder: 6, InitialBlkCnt: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(reopen(t, path))
	if err != nil {
		t.Fatal(err)
	}
	if g, w := r2.BlkSzOrder(), uint(6); g != w {
		t.Fatalf("blk_sz_order = %d, want %d", g, w)
	}
	if r2.ReadOnly() {
		t.Fatal("expected a fresh repository to open read-write")
	}
	if g := r2.RootSegment().CalcDataSpaceSize(); g != 0 {
		t.Fatalf("expected an empty root segment, data space = %d", g)
	}
}

func TestDirectRootSegmentRoundTrip(t *testing.T) {
	f, path := newTestFile(t)
	r, err := Create(f, Options{BlkSzOrder: 6, InitialBlkCnt: 4})
	if err != nil {
		t.Fatal(err)
	}

	ext, err := r.Allocator().AllocSingleExtent(64)
	if err != nil {
		t.Fatal(err)
	}
	sg := segment.New(r.BlkSzOrder())
	sg.AddExtent(ext)
	r.SetRootSegment(sg)

	if g, w := sg.CalcStructFootprintSize(), rootSgSlotSize; g > w {
		t.Fatalf("test setup: root segment footprint %d should fit directly (<= %d)", g, w)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(reopen(t, path))
	if err != nil {
		t.Fatal(err)
	}
	got := r2.RootSegment().Extents()
	if len(got) != 1 || got[0].BlkNr() != ext.BlkNr() || got[0].BlkCnt() != ext.BlkCnt() {
		t.Fatalf("root segment extents = %+v, want [%+v]", got, ext)
	}
}

type segmentExtent struct {
	blkNr  uint32
	blkCnt uint16
}

func TestIndirectRootSegmentRoundTrip(t *testing.T) {
	f, path := newTestFile(t)
	r, err := Create(f, Options{BlkSzOrder: 6, InitialBlkCnt: 16})
	if err != nil {
		t.Fatal(err)
	}

	sg := segment.New(r.BlkSzOrder())
	var want []segmentExtent
	for i := 0; i < 5; i++ {
		ext, err := r.Allocator().AllocSingleExtent(64)
		if err != nil {
			t.Fatal(err)
		}
		sg.AddExtent(ext)
		want = append(want, segmentExtent{ext.BlkNr(), ext.BlkCnt()})
	}
	r.SetRootSegment(sg)

	if g, w := sg.CalcStructFootprintSize(), rootSgSlotSize; g <= w {
		t.Fatalf("test setup: root segment footprint %d should NOT fit directly (> %d)", g, w)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(reopen(t, path))
	if err != nil {
		t.Fatal(err)
	}
	got := r2.RootSegment().Extents()
	if len(got) != len(want) {
		t.Fatalf("got %d extents, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.BlkNr() != want[i].blkNr || e.BlkCnt() != want[i].blkCnt {
			t.Fatalf("extent %d = %+v, want %+v", i, e, want[i])
		}
	}
}

func TestCreateRejectsUnknownIncompatFeature(t *testing.T) {
	f, _ := newTestFile(t)
	defer f.Close()
	_, err := Create(f, Options{BlkSzOrder: 6, InitialBlkCnt: 4, Features: FeatureFlags{Incompat: 1}})
	if err == nil {
		t.Fatal("expected an error for a nonzero incompat feature flag")
	}
}

func TestOpenRejectsUnknownIncompatFeature(t *testing.T) {
	f, path := newTestFile(t)
	r, err := Create(f, Options{BlkSzOrder: 6, InitialBlkCnt: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	corruptHeaderField(t, path, 40, 1) // feature_flags_incompat
	recomputeChecksum(t, path)

	if _, err := Open(reopen(t, path)); err == nil {
		t.Fatal("expected Open to reject an unknown incompat feature flag")
	}
}

func TestOpenDegradesToReadOnlyOnUnknownRoCompatFeature(t *testing.T) {
	f, path := newTestFile(t)
	r, err := Create(f, Options{BlkSzOrder: 6, InitialBlkCnt: 4, Features: FeatureFlags{RoCompat: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(reopen(t, path))
	if err != nil {
		t.Fatal(err)
	}
	if !r2.ReadOnly() {
		t.Fatal("expected an unknown ro_compat feature flag to force read-only mode")
	}
}

func TestOpenDetectsHeaderChecksumMismatch(t *testing.T) {
	f, path := newTestFile(t)
	r, err := Create(f, Options{BlkSzOrder: 6, InitialBlkCnt: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	corruptHeaderField(t, path, 24, 0xff) // blk_init_cnt, left inconsistent with the stored checksum

	if _, err := Open(reopen(t, path)); err == nil {
		t.Fatal("expected Open to detect the header checksum mismatch")
	}
}

func TestOpenDetectsMissingTrailerMagic(t *testing.T) {
	f, path := newTestFile(t)
	r, err := Create(f, Options{BlkSzOrder: 6, InitialBlkCnt: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	repoSz := bits.Uint64(raw[4:12])

	corrupt, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := corrupt.WriteAt([]byte{'X', 'X', 'X', 'X'}, int64(repoSz)); err != nil {
		t.Fatal(err)
	}
	if err := corrupt.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(reopen(t, path)); err == nil {
		t.Fatal("expected Open to detect a missing trailer magic")
	}
}

func corruptHeaderField(t *testing.T, path string, offset int64, b byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteAt([]byte{b}, offset); err != nil {
		t.Fatal(err)
	}
}

// recomputeChecksum fixes up hdr_checksum so a targeted field corruption
// (e.g. an unknown incompat bit) is not itself caught by the checksum
// check first, letting the feature-flag check run.
func recomputeChecksum(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var raw [headerSize]byte
	if _, err := f.ReadAt(raw[:], 0); err != nil {
		t.Fatal(err)
	}
	bits.PutUint32(raw[60:64], 0)
	checksum := crc32.ChecksumIEEE(raw[:])
	bits.PutUint32(raw[60:64], checksum)
	if _, err := f.WriteAt(raw[:], 0); err != nil {
		t.Fatal(err)
	}
}
