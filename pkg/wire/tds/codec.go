// Package tds implements the server side of the Tabular Data Stream
// protocol used by MS SQL Server clients: PRELOGIN negotiation, LOGIN7
// authentication, SQL batch decoding, and token-stream responses.
package tds

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// Packet types.
const (
	packetSQLBatch = 0x01
	packetResponse = 0x04
	packetLogin7   = 0x10
	packetPrelogin = 0x12
)

// Header status flags.
const statusEOM = 0x01

const headerSize = 8

// maxPacketLen bounds a single framed packet. The negotiated packet size
// for real servers is 4096 by default; we accept anything sane.
const maxPacketLen = 1 << 20

type phase int

const (
	phasePrelogin phase = iota
	phaseLogin
	phaseCommand
)

// Codec frames the TDS protocol for one client connection.
type Codec struct {
	buf   bytes.Buffer
	phase phase

	// packetID increments per response packet, mod 256.
	packetID byte

	// assembling holds payload fragments of a multi-packet client message
	// until a packet with the EOM status arrives.
	assembling     []byte
	assemblingType byte
}

// NewCodec creates a codec for one accepted connection.
func NewCodec() *Codec {
	return &Codec{packetID: 1}
}

func (c *Codec) Dialect() wire.Dialect { return wire.DialectMSSQL }

// Greet returns nil: TDS clients speak first with PRELOGIN.
func (c *Codec) Greet() ([]byte, error) { return nil, nil }

func (c *Codec) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

// Decode drains the next complete client message as a neutral event.
// Multi-packet messages are reassembled until the EOM flag.
func (c *Codec) Decode() (wire.Event, error) {
	for {
		b := c.buf.Bytes()
		if len(b) < headerSize {
			return nil, wire.ErrIncomplete
		}
		ptype := b[0]
		status := b[1]
		length := int(binary.BigEndian.Uint16(b[2:4]))
		if length < headerSize || length > maxPacketLen {
			return nil, wire.NewProtocolError(wire.DialectMSSQL, "invalid packet length %d", length)
		}
		if len(b) < length {
			return nil, wire.ErrIncomplete
		}

		payload := make([]byte, length-headerSize)
		copy(payload, b[headerSize:length])
		c.buf.Next(length)

		if c.assembling != nil && ptype != c.assemblingType {
			return nil, wire.NewProtocolError(wire.DialectMSSQL, "interleaved packet type 0x%02x during 0x%02x message", ptype, c.assemblingType)
		}
		c.assembling = append(c.assembling, payload...)
		c.assemblingType = ptype

		if status&statusEOM == 0 {
			continue // more fragments follow
		}

		msg := c.assembling
		c.assembling = nil
		return c.decodeMessage(ptype, msg)
	}
}

func (c *Codec) decodeMessage(ptype byte, payload []byte) (wire.Event, error) {
	switch {
	case ptype == packetPrelogin && c.phase == phasePrelogin:
		c.phase = phaseLogin
		return wire.HandshakeRequest{}, nil
	case ptype == packetLogin7 && c.phase == phaseLogin:
		login, err := parseLogin7(payload)
		if err != nil {
			return nil, err
		}
		c.phase = phaseCommand
		return login, nil
	case ptype == packetSQLBatch && c.phase == phaseCommand:
		text, err := parseSQLBatch(payload)
		if err != nil {
			return nil, err
		}
		return wire.CommandQuery{Text: text}, nil
	default:
		return nil, wire.NewProtocolError(wire.DialectMSSQL, "unexpected packet type 0x%02x in phase %d", ptype, c.phase)
	}
}

// VerifyPassword compares the plaintext password recovered from the LOGIN7
// record.
func (c *Codec) VerifyPassword(login *wire.LoginRequest, password string) bool {
	return login.Password == password
}

// Encode renders a response event as framed response packets.
func (c *Codec) Encode(ev wire.Event) ([]byte, error) {
	switch ev := ev.(type) {
	case wire.HandshakeAck:
		return c.frame(packetResponse, preloginResponse()), nil
	case wire.AuthOK:
		return c.frame(packetResponse, loginAckStream()), nil
	case wire.OKResult:
		return c.frame(packetResponse, doneStream(ev.AffectedRows, doneCount)), nil
	case wire.ResultSet:
		return c.frame(packetResponse, resultStream(&ev)), nil
	case wire.ErrorPacket:
		return c.frame(packetResponse, errorStream(&ev)), nil
	default:
		return nil, fmt.Errorf("tds: cannot encode %T", ev)
	}
}

// frame wraps a token stream in one or more response packets.
func (c *Codec) frame(ptype byte, payload []byte) []byte {
	// Responses fit comfortably in single packets at our sizes, but split
	// defensively at the conventional 4096-byte boundary.
	const bodyMax = 4096 - headerSize
	var out []byte
	for {
		chunk := payload
		status := byte(statusEOM)
		if len(chunk) > bodyMax {
			chunk = payload[:bodyMax]
			status = 0
		}
		hdr := [headerSize]byte{ptype, status}
		binary.BigEndian.PutUint16(hdr[2:4], uint16(headerSize+len(chunk)))
		// spid stays zero; window is unused.
		hdr[6] = c.packetID
		c.packetID++
		out = append(out, hdr[:]...)
		out = append(out, chunk...)
		payload = payload[len(chunk):]
		if status == statusEOM {
			return out
		}
	}
}

var _ wire.Codec = (*Codec)(nil)
