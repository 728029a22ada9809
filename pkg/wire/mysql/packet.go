package mysql

import (
	"bytes"
	"encoding/binary"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// frameBuffer accumulates raw client bytes and yields complete packets.
// A packet is a 3-byte little-endian payload length, a sequence id, and
// the payload. Packets may arrive split across socket reads or several to
// a read; nextPacket only consumes whole packets.
type frameBuffer struct {
	buf bytes.Buffer
}

func (f *frameBuffer) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

// nextPacket returns the next complete payload and its sequence id.
// Returns wire.ErrIncomplete when a full packet is not yet buffered.
func (f *frameBuffer) nextPacket() (payload []byte, seq byte, err error) {
	b := f.buf.Bytes()
	if len(b) < 4 {
		return nil, 0, wire.ErrIncomplete
	}
	length := int(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
	if length > maxPacketSize {
		return nil, 0, wire.NewProtocolError(wire.DialectMySQL, "packet length %d exceeds maximum", length)
	}
	if len(b) < 4+length {
		return nil, 0, wire.ErrIncomplete
	}
	seq = b[3]
	payload = make([]byte, length)
	copy(payload, b[4:4+length])
	f.buf.Next(4 + length)
	return payload, seq, nil
}

// appendFrame frames payload with the given sequence id and appends it to dst.
func appendFrame(dst []byte, seq byte, payload []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	hdr[3] = seq
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// appendLenencInt appends a length-encoded integer.
func appendLenencInt(dst []byte, n uint64) []byte {
	switch {
	case n < 0xfb:
		return append(dst, byte(n))
	case n <= 0xffff:
		return append(dst, 0xfc, byte(n), byte(n>>8))
	case n <= 0xffffff:
		return append(dst, 0xfd, byte(n), byte(n>>8), byte(n>>16))
	default:
		dst = append(dst, 0xfe)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], n)
		return append(dst, b[:]...)
	}
}

// appendLenencString appends a length-encoded string.
func appendLenencString(dst []byte, s []byte) []byte {
	dst = appendLenencInt(dst, uint64(len(s)))
	return append(dst, s...)
}

// readLenencInt reads a length-encoded integer from b at pos.
// Returns the value and the new position, or ok=false on truncation.
func readLenencInt(b []byte, pos int) (v uint64, next int, ok bool) {
	if pos >= len(b) {
		return 0, pos, false
	}
	switch c := b[pos]; {
	case c < 0xfb:
		return uint64(c), pos + 1, true
	case c == 0xfc:
		if pos+3 > len(b) {
			return 0, pos, false
		}
		return uint64(binary.LittleEndian.Uint16(b[pos+1:])), pos + 3, true
	case c == 0xfd:
		if pos+4 > len(b) {
			return 0, pos, false
		}
		return uint64(b[pos+1]) | uint64(b[pos+2])<<8 | uint64(b[pos+3])<<16, pos + 4, true
	case c == 0xfe:
		if pos+9 > len(b) {
			return 0, pos, false
		}
		return binary.LittleEndian.Uint64(b[pos+1:]), pos + 9, true
	default:
		return 0, pos, false
	}
}

// readNullTerminated reads a NUL-terminated string from b at pos.
func readNullTerminated(b []byte, pos int) (s []byte, next int, ok bool) {
	idx := bytes.IndexByte(b[pos:], 0)
	if idx < 0 {
		return nil, pos, false
	}
	return b[pos : pos+idx], pos + idx + 1, true
}
