package modbus

// MBAPHeaderSize is the size, in bytes, of the Modbus Application Protocol
// header that prefixes every TCP ADU.
const MBAPHeaderSize = 7

// MinPDUSize and MaxPDUSize bound the size of a Modbus PDU (function code
// plus function-specific body).
const (
	MinPDUSize = 1
	MaxPDUSize = 253
)

// MaxADUSize is the largest possible Modbus/TCP application data unit.
const MaxADUSize = MBAPHeaderSize + MaxPDUSize

const bitsPerByte = 8

// MBAPHeader is the Modbus Application Protocol header: a 7-byte prologue
// identifying the transaction, the protocol (always 0 for Modbus), the
// length of what follows, and the target unit.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16

	// Length counts the unit identifier byte plus the PDU that follows.
	Length uint16

	UnitID uint8
}

// PDULen returns the length of the PDU described by this header, i.e.,
// Length minus the unit identifier byte.
func (h MBAPHeader) PDULen() int {
	return int(h.Length) - 1
}

// ParseMBAPHeader parses the 7-byte MBAP header at the start of src. It
// fails with KindParseError if src is too short, if the protocol
// identifier is not 0, or if the encoded length is out of the
// [min_pdu_size+1, max_pdu_size+1] range mandated by §3 of the
// specification.
func ParseMBAPHeader(src []byte) (MBAPHeader, error) {
	var h MBAPHeader
	if len(src) < MBAPHeaderSize {
		return h, newError(KindParseError, "mbap header: short buffer")
	}
	h.TransactionID, _ = FetchUint16BE(src[0:2])
	h.ProtocolID, _ = FetchUint16BE(src[2:4])
	h.Length, _ = FetchUint16BE(src[4:6])
	h.UnitID, _ = FetchUint8(src[6:7])

	if h.ProtocolID != 0 {
		return h, newError(KindParseError, "mbap header: protocol identifier invalid")
	}
	if h.Length < MinPDUSize+1 || h.Length > MaxPDUSize+1 {
		return h, newError(KindParseError, "mbap header: length field invalid")
	}
	return h, nil
}

// Serialize writes the 7-byte wire encoding of h into dst, which must be at
// least MBAPHeaderSize bytes, and returns the number of bytes written.
func (h MBAPHeader) Serialize(dst []byte) int {
	n := 0
	n += PutUint16BE(dst[n:], h.TransactionID)
	n += PutUint16BE(dst[n:], h.ProtocolID)
	n += PutUint16BE(dst[n:], h.Length)
	n += PutUint8(dst[n:], h.UnitID)
	return n
}

// ParseBits unpacks n bits from src, where bit j of byte i holds logical
// index 8*i+j (little-endian bit ordering within each byte, per §4.3).
// It consumes ceil(n/8) bytes of src.
func ParseBits(src []byte, n int) ([]bool, error) {
	byteCount := bitToByteCount(n)
	if len(src) < byteCount {
		return nil, newError(KindParseError, "parse bits: short buffer")
	}
	bits := make([]bool, n)
	for i := 0; i < byteCount; i++ {
		v := src[i]
		for j := 0; j < bitsPerByte; j++ {
			idx := bitsPerByte*i + j
			if idx >= n {
				break
			}
			bits[idx] = v&(1<<uint(j)) != 0
		}
	}
	return bits, nil
}

// SerializeBits packs bits into dst using the same little-endian bit
// ordering ParseBits expects, zeroing unused high bits of the final byte.
// dst must be at least ceil(len(bits)/8) bytes. It returns the number of
// bytes written.
func SerializeBits(dst []byte, bits []bool) (int, error) {
	byteCount := bitToByteCount(len(bits))
	if len(dst) < byteCount {
		return 0, newError(KindInvalidArgument, "serialize bits: buffer too small")
	}
	for i := 0; i < byteCount; i++ {
		var v byte
		for j := 0; j < bitsPerByte; j++ {
			idx := bitsPerByte*i + j
			if idx >= len(bits) {
				break
			}
			if bits[idx] {
				v |= 1 << uint(j)
			}
		}
		dst[i] = v
	}
	return byteCount, nil
}

// ParseRegisters reads n big-endian 16-bit registers from src.
func ParseRegisters(src []byte, n int) ([]uint16, error) {
	byteCount := n * 2
	if len(src) < byteCount {
		return nil, newError(KindParseError, "parse registers: short buffer")
	}
	regs := make([]uint16, n)
	for i := range regs {
		regs[i], _ = FetchUint16BE(src[2*i:])
	}
	return regs, nil
}

// SerializeRegisters writes regs to dst as big-endian 16-bit values. dst
// must be at least 2*len(regs) bytes. It returns the number of bytes
// written.
func SerializeRegisters(dst []byte, regs []uint16) (int, error) {
	if len(dst) < 2*len(regs) {
		return 0, newError(KindInvalidArgument, "serialize registers: buffer too small")
	}
	n := 0
	for _, r := range regs {
		n += PutUint16BE(dst[n:], r)
	}
	return n, nil
}

// bitToByteCount returns ceil(n/8).
func bitToByteCount(n int) int {
	return (n + bitsPerByte - 1) / bitsPerByte
}
