// Package blkarray implements the Block Array trait and its concrete
// backings: an in-memory paged store, a disk file, and an mmap'd file.
//
// The three-flavor split and the byteStore seam mirror lldb's Filer
// abstraction: MemFiler, OSFiler and SimpleFileFiler all implement the
// same narrow ReadAt/WriteAt/Size/Truncate contract so the allocator and
// the higher layers never know which one they're talking to.
package blkarray

import (
	"fmt"
	"io"
	"os"

	"github.com/cznic/fileutil"
	"github.com/cznic/mathutil"
	"github.com/edsrzf/mmap-go"
)

// byteStore is the minimal seekable-store contract every Block Array
// backing implements.
type byteStore interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Size() int64
	Truncate(size int64) error
	PunchHole(off, size int64) error
	Close() error
	Name() string
}

const (
	pgBits = 12
	pgSize = 1 << pgBits
	pgMask = pgSize - 1
)

var zeroPage [pgSize]byte

// memStore is a paged, growable in-memory byteStore. Pages are allocated
// lazily on first write and read back as zero when absent, the same
// trick MemFiler uses to keep sparse buffers cheap.
type memStore struct {
	pages map[int64]*[pgSize]byte
	size  int64
}

func newMemStore() *memStore {
	return &memStore{pages: map[int64]*[pgSize]byte{}}
}

func (m *memStore) Name() string { return fmt.Sprintf("%p.mem-block-array", m) }

func (m *memStore) Size() int64 { return m.size }

func (m *memStore) ReadAt(b []byte, off int64) (int, error) {
	avail := m.size - off
	if avail <= 0 {
		return 0, nil
	}
	pgI := off >> pgBits
	pgO := int(off & pgMask)
	rem := len(b)
	if int64(rem) > avail {
		rem = int(avail)
	}
	var n int
	for rem > 0 {
		pg := m.pages[pgI]
		if pg == nil {
			pg = &zeroPage
		}
		nc := copy(b[n:n+mathutil.Min(rem, pgSize-pgO)], pg[pgO:])
		pgI++
		pgO = 0
		rem -= nc
		n += nc
	}
	return n, nil
}

func (m *memStore) WriteAt(b []byte, off int64) (int, error) {
	pgI := off >> pgBits
	pgO := int(off & pgMask)
	n := len(b)
	rem := n
	var pos int
	for rem > 0 {
		pg := m.pages[pgI]
		if pg == nil {
			pg = new([pgSize]byte)
			m.pages[pgI] = pg
		}
		nc := copy(pg[pgO:], b[pos:])
		pgI++
		pgO = 0
		rem -= nc
		pos += nc
	}
	if end := off + int64(n); end > m.size {
		m.size = end
	}
	return n, nil
}

func (m *memStore) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("blkarray: negative truncate size %d", size)
	}
	first := size >> pgBits
	if size&pgMask != 0 {
		first++
	}
	last := m.size >> pgBits
	if m.size&pgMask != 0 {
		last++
	}
	for ; first < last; first++ {
		delete(m.pages, first)
	}
	// Clear the tail of a partially kept page so a later grow reads zeros.
	if size < m.size && size&pgMask != 0 {
		if pg := m.pages[size>>pgBits]; pg != nil {
			for i := size & pgMask; i < pgSize; i++ {
				pg[i] = 0
			}
		}
	}
	m.size = size
	return nil
}

func (m *memStore) PunchHole(off, size int64) error {
	if off < 0 || size < 0 || off+size > m.size {
		return fmt.Errorf("blkarray: invalid PunchHole(%d, %d)", off, size)
	}
	first := off >> pgBits
	if off&pgMask != 0 {
		first++
	}
	last := (off + size - 1) >> pgBits
	for pg := first; pg <= last; pg++ {
		delete(m.pages, pg)
	}
	return nil
}

func (m *memStore) Close() error { return nil }

// osStore backs a Block Array directly on disk through an *os.File, using
// its native pread/pwrite (ReadAt/WriteAt) instead of the teacher's
// seek-then-read/write pairing — os.File already gives us that for free.
type osStore struct {
	f    *os.File
	name string
}

func newOSStore(f *os.File) *osStore {
	return &osStore{f: f, name: f.Name()}
}

func (s *osStore) Name() string { return s.name }

func (s *osStore) Size() int64 {
	fi, err := s.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *osStore) ReadAt(b []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(b, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (s *osStore) WriteAt(b []byte, off int64) (int, error) {
	return s.f.WriteAt(b, off)
}

func (s *osStore) Truncate(size int64) error {
	return s.f.Truncate(size)
}

func (s *osStore) PunchHole(off, size int64) error {
	if err := fileutil.PunchHole(s.f, off, size); err != nil {
		// Not every filesystem supports sparse holes; degrade to
		// zero-fill so the observable content is still correct even
		// though the space is not reclaimed.
		buf := make([]byte, mathutil.MinInt64(size, 1<<20))
		var written int64
		for written < size {
			n := int64(len(buf))
			if rem := size - written; rem < n {
				n = rem
			}
			if _, werr := s.f.WriteAt(buf[:n], off+written); werr != nil {
				return werr
			}
			written += n
		}
	}
	return nil
}

func (s *osStore) Close() error { return s.f.Close() }

// mmapStore backs a Block Array on a memory-mapped file via
// github.com/edsrzf/mmap-go, remapping whenever the file is grown or
// truncated since mmap regions are fixed-size once established.
type mmapStore struct {
	f    *os.File
	m    mmap.MMap
	name string
}

func newMmapStore(f *os.File) (*mmapStore, error) {
	s := &mmapStore{f: f, name: f.Name()}
	if err := s.remap(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *mmapStore) remap() error {
	if s.m != nil {
		if err := s.m.Unmap(); err != nil {
			return err
		}
		s.m = nil
	}
	fi, err := s.f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return nil
	}
	m, err := mmap.MapRegion(s.f, int(fi.Size()), mmap.RDWR, 0, 0)
	if err != nil {
		return err
	}
	s.m = m
	return nil
}

func (s *mmapStore) Name() string { return s.name }

func (s *mmapStore) Size() int64 { return int64(len(s.m)) }

func (s *mmapStore) ReadAt(b []byte, off int64) (int, error) {
	if off >= int64(len(s.m)) {
		return 0, nil
	}
	n := copy(b, s.m[off:])
	return n, nil
}

func (s *mmapStore) WriteAt(b []byte, off int64) (int, error) {
	if off+int64(len(b)) > int64(len(s.m)) {
		return 0, fmt.Errorf("blkarray: mmap write past mapped size (off=%d len=%d mapped=%d)", off, len(b), len(s.m))
	}
	n := copy(s.m[off:], b)
	return n, nil
}

func (s *mmapStore) Truncate(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return err
	}
	return s.remap()
}

func (s *mmapStore) PunchHole(off, size int64) error {
	if off < 0 || size < 0 || off+size > int64(len(s.m)) {
		return fmt.Errorf("blkarray: invalid PunchHole(%d, %d)", off, size)
	}
	z := s.m[off : off+size]
	for i := range z {
		z[i] = 0
	}
	return nil
}

func (s *mmapStore) Close() error {
	if s.m != nil {
		if err := s.m.Unmap(); err != nil {
			return err
		}
	}
	return s.f.Close()
}
