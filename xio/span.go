package xio

// memStore backs an IOSpan: a plain in-memory byte buffer. Writes past
// the current length grow the buffer, mirroring MemFiler's "write extends
// the file" behavior; reads past it return zero bytes.
type memStore struct {
	buf *[]byte
}

func (m memStore) size() int64 { return int64(len(*m.buf)) }

func (m memStore) growable() bool { return true }

func (m memStore) readAt(b []byte, pos int64) (int, error) {
	buf := *m.buf
	if pos >= int64(len(buf)) {
		return 0, nil
	}
	n := copy(b, buf[pos:])
	return n, nil
}

func (m memStore) writeAt(b []byte, pos int64) (int, error) {
	buf := *m.buf
	end := pos + int64(len(b))
	if end > int64(len(buf)) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
		*m.buf = buf
	}
	n := copy(buf[pos:end], b)
	return n, nil
}

// IOSpan is an IO cursor over a fixed or growable in-memory byte buffer.
type IOSpan struct {
	*IO
}

// NewIOSpan wraps buf in an IOSpan. Writes past len(buf) grow the slice
// pointed to by buf; the caller can recover the final contents by
// dereferencing the same pointer (or via Bytes).
func NewIOSpan(buf *[]byte) *IOSpan {
	return &IOSpan{IO: newIO(memStore{buf: buf})}
}

// NewIOSpanBytes is a convenience constructor for a span over a private
// copy of b; the span owns its own growable backing array.
func NewIOSpanBytes(b []byte) *IOSpan {
	cp := append([]byte(nil), b...)
	return NewIOSpan(&cp)
}

// Bytes returns the current backing buffer.
func (s *IOSpan) Bytes() []byte {
	ms := s.st.(memStore)
	return *ms.buf
}
