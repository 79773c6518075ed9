package modbus

// Fixed-width big-endian integer fetch/store primitives used by the MBAP
// framer and the per-function PDU codecs. Every primitive reports how many
// bytes it consumed or produced so callers can advance a cursor without
// tracking widths themselves.

// FetchUint8 reads a single byte from src and returns it along with the
// number of bytes consumed (always 1). It panics if src is empty; callers
// are responsible for length checks, as with the rest of this package's
// wire-level helpers.
func FetchUint8(src []byte) (uint8, int) {
	return src[0], 1
}

// FetchUint16BE reads a big-endian 16-bit integer from src and returns it
// along with the number of bytes consumed (always 2).
func FetchUint16BE(src []byte) (uint16, int) {
	return uint16(src[0])<<8 | uint16(src[1]), 2
}

// PutUint8 stores v in dst[0] and returns the number of bytes written
// (always 1).
func PutUint8(dst []byte, v uint8) int {
	dst[0] = v
	return 1
}

// PutUint16BE stores v in dst[0:2] in big-endian order and returns the
// number of bytes written (always 2).
func PutUint16BE(dst []byte, v uint16) int {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
	return 2
}
