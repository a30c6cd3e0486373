package zssp

import "encoding/binary"

// appendVarintBytes appends a LEB128 length prefix followed by b to dst,
// the wire encoding used for every varint-prefixed field.
func appendVarintBytes(dst []byte, b []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	dst = append(dst, lenBuf[:n]...)
	dst = append(dst, b...)
	return dst
}

// readVarintBytes reads a LEB128-length-prefixed byte slice starting at
// buf[off], returning the slice and the offset just past it.
func readVarintBytes(buf []byte, off int) (out []byte, next int, err error) {
	if off > len(buf) {
		return nil, 0, ErrInvalidPacket
	}
	l, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return nil, 0, ErrInvalidPacket
	}
	off += n
	end := off + int(l)
	if l > uint64(len(buf)) || end < off || end > len(buf) {
		return nil, 0, ErrInvalidPacket
	}
	return buf[off:end], end, nil
}
