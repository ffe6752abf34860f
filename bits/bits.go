// Package bits provides the little-endian integer and bit-field helpers
// shared by the extent, segment, block array and allocator packages.
//
// The layout mirrors the on-disk conventions used throughout xoz: every
// multi-byte integer is little-endian, and bit-fields are addressed MSB
// first within the containing word.
package bits

// PutUint16 stores v into b[0:2], little-endian.
func PutUint16(b []byte, v uint16) {
	_ = b[1]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// Uint16 loads a little-endian uint16 from b[0:2].
func Uint16(b []byte) uint16 {
	_ = b[1]
	return uint16(b[0]) | uint16(b[1])<<8
}

// PutUint32 stores v into b[0:4], little-endian.
func PutUint32(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Uint32 loads a little-endian uint32 from b[0:4].
func Uint32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// PutUint64 stores v into b[0:8], little-endian.
func PutUint64(b []byte, v uint64) {
	_ = b[7]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

// Uint64 loads a little-endian uint64 from b[0:8].
func Uint64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// byteMask[from][to] is a mask covering bits [from, to] (inclusive, 0 ==
// LSB) within a single byte. Lifted from the same table shape used by
// bit-addressed bitmap indexes: a run is split into a byte-aligned middle
// run plus up to two partial-byte edges.
var byteMask = [8][8]byte{
	{0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f, 0xff},
	{0x00, 0x02, 0x06, 0x0e, 0x1e, 0x3e, 0x7e, 0xfe},
	{0x00, 0x00, 0x04, 0x0c, 0x1c, 0x3c, 0x7c, 0xfc},
	{0x00, 0x00, 0x00, 0x08, 0x18, 0x38, 0x78, 0xf8},
	{0x00, 0x00, 0x00, 0x00, 0x10, 0x30, 0x70, 0xf0},
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x20, 0x60, 0xe0},
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x40, 0xc0},
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80},
}

// ByteMask returns the mask covering bits [from, to] (inclusive) of a byte.
func ByteMask(from, to int) byte { return byteMask[from][to] }

// PopCount16 returns the number of set bits in v.
func PopCount16(v uint16) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

// MSBSet returns the index (0 == most significant bit of a 16-bit word,
// 15 == least significant) of the n-th (0-based) set bit of v scanning
// from the MSB, or -1 if there is no such bit.
func MSBSet(v uint16, n int) int {
	for i := 0; i < 16; i++ {
		mask := uint16(1) << uint(15-i)
		if v&mask != 0 {
			if n == 0 {
				return i
			}
			n--
		}
	}
	return -1
}
