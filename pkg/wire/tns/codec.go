// Package tns implements a Transparent Network Substrate style framing
// layer for Oracle clients: CONNECT/ACCEPT negotiation, a key/value login
// record, and line-oriented statement/result DATA packets.
//
// The packet header and the CONNECT/ACCEPT/REFUSE exchange are
// byte-faithful to TNS. The DATA payload uses a compact record layout
// rather than the full OCI TTC encoding, which is out of scope.
package tns

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// Packet types.
const (
	packetConnect = 1
	packetAccept  = 2
	packetRefuse  = 4
	packetData    = 6
)

const headerSize = 8

// Protocol version advertised in ACCEPT (Oracle "310" era versioning).
const protocolVersionTNS = 0x0136

const maxPacketLen = 1 << 20

// DATA payload opcodes (first payload byte after the data flags).
const (
	opLogin  = 0x01
	opQuery  = 0x03
	opOK     = 0x08
	opResult = 0x10
	opError  = 0x04
	opClose  = 0x20
)

type phase int

const (
	phaseConnect phase = iota
	phaseLogin
	phaseCommand
)

// Codec frames the TNS protocol for one client connection.
type Codec struct {
	buf   bytes.Buffer
	phase phase
}

// NewCodec creates a codec for one accepted connection.
func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Dialect() wire.Dialect { return wire.DialectOracle }

// Greet returns nil: TNS clients speak first with CONNECT.
func (c *Codec) Greet() ([]byte, error) { return nil, nil }

func (c *Codec) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

// Decode drains the next complete client packet as a neutral event.
func (c *Codec) Decode() (wire.Event, error) {
	b := c.buf.Bytes()
	if len(b) < headerSize {
		return nil, wire.ErrIncomplete
	}
	length := int(binary.BigEndian.Uint16(b[0:2]))
	ptype := b[4]
	if length < headerSize || length > maxPacketLen {
		return nil, wire.NewProtocolError(wire.DialectOracle, "invalid packet length %d", length)
	}
	if len(b) < length {
		return nil, wire.ErrIncomplete
	}

	payload := make([]byte, length-headerSize)
	copy(payload, b[headerSize:length])
	c.buf.Next(length)

	switch {
	case ptype == packetConnect && c.phase == phaseConnect:
		c.phase = phaseLogin
		return parseConnect(payload)
	case ptype == packetData && c.phase != phaseConnect:
		return c.decodeData(payload)
	default:
		return nil, wire.NewProtocolError(wire.DialectOracle, "unexpected packet type %d in phase %d", ptype, c.phase)
	}
}

// parseConnect extracts the service name from the connect descriptor.
func parseConnect(b []byte) (wire.Event, error) {
	if len(b) < 20 {
		return nil, wire.NewProtocolError(wire.DialectOracle, "connect packet too short: %d bytes", len(b))
	}
	// Version, compat, options, SDU, TDU, protocol characteristics,
	// turnaround, value-of-one occupy the first 16 payload bytes; the
	// connect data length and offset follow.
	dataLen := int(binary.BigEndian.Uint16(b[16:18]))
	dataOff := int(binary.BigEndian.Uint16(b[18:20]))
	descriptor := ""
	if dataLen > 0 {
		start := dataOff - headerSize
		if start < 0 || start+dataLen > len(b) {
			return nil, wire.NewProtocolError(wire.DialectOracle, "connect data out of bounds (offset %d, length %d)", dataOff, dataLen)
		}
		descriptor = string(b[start : start+dataLen])
	}
	return wire.HandshakeRequest{ServiceName: descriptorValue(descriptor, "SERVICE_NAME")}, nil
}

// descriptorValue extracts one (KEY=value) pair from a connect descriptor.
func descriptorValue(descriptor, key string) string {
	upper := strings.ToUpper(descriptor)
	marker := "(" + key + "="
	idx := strings.Index(upper, marker)
	if idx < 0 {
		return ""
	}
	rest := descriptor[idx+len(marker):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// decodeData handles DATA packets: a 2-byte flag word, an opcode, and an
// opcode-specific record.
func (c *Codec) decodeData(b []byte) (wire.Event, error) {
	if len(b) < 3 {
		return nil, wire.NewProtocolError(wire.DialectOracle, "data packet too short: %d bytes", len(b))
	}
	op := b[2]
	body := b[3:]

	switch {
	case op == opLogin && c.phase == phaseLogin:
		// The codec stays in the login phase until the session accepts
		// the credentials with AuthOK, so a rejection still answers with
		// REFUSE rather than a DATA error.
		return parseLoginRecord(body)
	case op == opQuery && c.phase == phaseCommand:
		return wire.CommandQuery{Text: string(body)}, nil
	case op == opClose:
		return wire.CommandQuit{}, nil
	default:
		return nil, wire.NewProtocolError(wire.DialectOracle, "unexpected data opcode 0x%02x in phase %d", op, c.phase)
	}
}

// parseLoginRecord reads newline-separated key=value credential pairs.
func parseLoginRecord(b []byte) (wire.Event, error) {
	login := wire.LoginRequest{}
	for line := range strings.Lines(string(b)) {
		line = strings.TrimSuffix(line, "\n")
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch strings.ToLower(key) {
		case "user":
			login.Username = value
		case "password":
			login.Password = value
		case "service":
			login.Database = value
		}
	}
	if login.Username == "" {
		return nil, wire.NewProtocolError(wire.DialectOracle, "login record missing user")
	}
	return login, nil
}

// VerifyPassword compares the plaintext password from the login record.
func (c *Codec) VerifyPassword(login *wire.LoginRequest, password string) bool {
	return login.Password == password
}

// Encode renders a response event as a framed packet.
func (c *Codec) Encode(ev wire.Event) ([]byte, error) {
	switch ev := ev.(type) {
	case wire.HandshakeAck:
		return encodeAccept(), nil
	case wire.AuthOK:
		c.phase = phaseCommand
		return frame(packetData, dataPayload(opOK, nil)), nil
	case wire.OKResult:
		body := fmt.Appendf(nil, "affected=%d\n", ev.AffectedRows)
		return frame(packetData, dataPayload(opOK, body)), nil
	case wire.ResultSet:
		return frame(packetData, dataPayload(opResult, resultRecord(&ev))), nil
	case wire.ErrorPacket:
		var body []byte
		body = binary.BigEndian.AppendUint32(body, ev.Code)
		body = append(body, ev.Message...)
		if ev.Fatal && c.phase == phaseLogin {
			// Rejected before login completes: REFUSE instead of DATA.
			return encodeRefuse(body), nil
		}
		return frame(packetData, dataPayload(opError, body)), nil
	default:
		return nil, fmt.Errorf("tns: cannot encode %T", ev)
	}
}

// resultRecord renders a result set as tab-separated lines: one header
// line of column names, then one line per row with \N for NULL.
func resultRecord(rs *wire.ResultSet) []byte {
	var b bytes.Buffer
	for i, col := range rs.Columns {
		if i > 0 {
			b.WriteByte('\t')
		}
		b.WriteString(col.Name)
	}
	b.WriteByte('\n')
	for _, row := range rs.Rows {
		for i, val := range row {
			if i > 0 {
				b.WriteByte('\t')
			}
			if val == nil {
				b.WriteString(`\N`)
			} else {
				b.Write(val)
			}
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func dataPayload(op byte, body []byte) []byte {
	p := make([]byte, 0, 3+len(body))
	p = append(p, 0, 0, op) // data flags, opcode
	return append(p, body...)
}

// frame wraps a payload in a TNS packet header.
func frame(ptype byte, payload []byte) []byte {
	p := make([]byte, headerSize, headerSize+len(payload))
	binary.BigEndian.PutUint16(p[0:2], uint16(headerSize+len(payload)))
	p[4] = ptype
	return append(p, payload...)
}

// encodeAccept builds the ACCEPT packet answering a CONNECT.
func encodeAccept() []byte {
	body := make([]byte, 16)
	binary.BigEndian.PutUint16(body[0:2], protocolVersionTNS)
	binary.BigEndian.PutUint16(body[2:4], 0)               // service options
	binary.BigEndian.PutUint16(body[4:6], 8192)            // session data unit
	binary.BigEndian.PutUint16(body[6:8], 32767)           // transport data unit
	binary.BigEndian.PutUint16(body[8:10], 1)              // byte order
	binary.BigEndian.PutUint16(body[10:12], 0)             // accept data length
	binary.BigEndian.PutUint16(body[12:14], headerSize+16) // data offset
	return frame(packetAccept, body)
}

// encodeRefuse builds a REFUSE packet carrying the rejection record.
func encodeRefuse(body []byte) []byte {
	p := make([]byte, 0, 4+len(body))
	p = append(p, 0x22, 0x22) // user and system refuse reasons
	p = binary.BigEndian.AppendUint16(p, uint16(len(body)))
	p = append(p, body...)
	return frame(packetRefuse, p)
}

var _ wire.Codec = (*Codec)(nil)
