// Package mysql implements the server side of the MySQL client/server
// protocol: the initial handshake, native-password authentication, the
// text command phase, and text-protocol result sets.
package mysql

import (
	"encoding/binary"
	"fmt"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

type phase int

const (
	phaseLogin phase = iota
	phaseCommand
)

// Codec frames the MySQL protocol for one client connection.
type Codec struct {
	connID uint32
	salt   []byte
	phase  phase

	frames frameBuffer

	// seq is the sequence id of the next packet to send. Each command
	// cycle restarts from the client packet's sequence id plus one.
	seq byte

	capability uint32
	status     uint16
}

// NewCodec creates a codec for one accepted connection. connID appears in
// the greeting and should be unique per live connection.
func NewCodec(connID uint32) (*Codec, error) {
	salt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("generating auth challenge: %w", err)
	}
	return &Codec{
		connID: connID,
		salt:   salt,
		status: serverStatusAutocommit,
	}, nil
}

func (c *Codec) Dialect() wire.Dialect { return wire.DialectMySQL }

// Greet returns the HandshakeV10 greeting. MySQL servers speak first.
func (c *Codec) Greet() ([]byte, error) {
	p := make([]byte, 0, 128)
	p = append(p, protocolVersion)
	p = append(p, ServerVersion...)
	p = append(p, 0)

	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], c.connID)
	p = append(p, id[:]...)

	// Auth plugin data part 1, filler.
	p = append(p, c.salt[0:8]...)
	p = append(p, 0)

	p = append(p, byte(defaultCapability&0xff), byte(defaultCapability>>8&0xff))
	p = append(p, charsetUTF8)
	p = append(p, byte(c.status), byte(c.status>>8))
	p = append(p, byte(defaultCapability>>16), byte(defaultCapability>>24))

	// Auth plugin data length, 10 reserved bytes, part 2 with terminator.
	p = append(p, 21)
	p = append(p, make([]byte, 10)...)
	p = append(p, c.salt[8:20]...)
	p = append(p, 0)
	p = append(p, nativePasswordPlugin...)
	p = append(p, 0)

	out := appendFrame(nil, 0, p)
	c.seq = 1
	return out, nil
}

func (c *Codec) Write(p []byte) (int, error) {
	return c.frames.Write(p)
}

// Decode drains the next complete client packet as a neutral event.
func (c *Codec) Decode() (wire.Event, error) {
	payload, seq, err := c.frames.nextPacket()
	if err != nil {
		return nil, err
	}
	c.seq = seq + 1

	if c.phase == phaseLogin {
		return c.decodeLogin(payload)
	}
	return c.decodeCommand(payload)
}

// decodeLogin parses a HandshakeResponse41 packet.
func (c *Codec) decodeLogin(payload []byte) (wire.Event, error) {
	if len(payload) < 32 {
		return nil, wire.NewProtocolError(wire.DialectMySQL, "handshake response too short: %d bytes", len(payload))
	}
	c.capability = binary.LittleEndian.Uint32(payload[0:4])
	if c.capability&clientProtocol41 == 0 {
		return nil, wire.NewProtocolError(wire.DialectMySQL, "client does not support protocol 4.1")
	}

	// Skip max packet size (4), charset (1), reserved (23).
	pos := 32

	user, pos, ok := readNullTerminated(payload, pos)
	if !ok {
		return nil, wire.NewProtocolError(wire.DialectMySQL, "truncated username in handshake response")
	}

	var auth []byte
	if c.capability&clientSecureConn != 0 {
		if pos >= len(payload) {
			return nil, wire.NewProtocolError(wire.DialectMySQL, "truncated auth response length")
		}
		authLen := int(payload[pos])
		pos++
		if pos+authLen > len(payload) {
			return nil, wire.NewProtocolError(wire.DialectMySQL, "truncated auth response")
		}
		auth = payload[pos : pos+authLen]
		pos += authLen
	} else {
		auth, pos, ok = readNullTerminated(payload, pos)
		if !ok {
			return nil, wire.NewProtocolError(wire.DialectMySQL, "truncated auth response")
		}
	}

	var database []byte
	if c.capability&clientConnectWithDB != 0 && pos < len(payload) {
		database, _, ok = readNullTerminated(payload, pos)
		if !ok {
			// Some clients omit the terminator on the final field.
			database = payload[pos:]
		}
	}

	c.phase = phaseCommand
	return wire.LoginRequest{
		Username:     string(user),
		Database:     string(database),
		AuthResponse: append([]byte(nil), auth...),
	}, nil
}

func (c *Codec) decodeCommand(payload []byte) (wire.Event, error) {
	if len(payload) == 0 {
		return nil, wire.NewProtocolError(wire.DialectMySQL, "empty command packet")
	}
	cmd, data := payload[0], payload[1:]
	switch cmd {
	case comQuit:
		return wire.CommandQuit{}, nil
	case comPing:
		return wire.CommandPing{}, nil
	case comInitDB:
		return wire.CommandInitDB{Schema: string(data)}, nil
	case comQuery:
		return wire.CommandQuery{Text: string(data)}, nil
	case comFieldList:
		table, _, _ := readNullTerminated(data, 0)
		return wire.CommandFieldList{Table: string(table)}, nil
	case comStmtPrepare, comStmtExecute, comStmtClose, comSetOption:
		return nil, wire.NewProtocolError(wire.DialectMySQL, "unsupported command 0x%02x (binary protocol)", cmd)
	default:
		return nil, wire.NewProtocolError(wire.DialectMySQL, "unknown command 0x%02x", cmd)
	}
}

// VerifyPassword checks the native-password scramble from a LoginRequest.
// An empty auth response matches only an empty password.
func (c *Codec) VerifyPassword(login *wire.LoginRequest, password string) bool {
	if len(login.AuthResponse) == 0 {
		return password == ""
	}
	return checkNativePassword(c.salt, login.AuthResponse, password)
}

// Encode renders a response event as one or more framed packets.
func (c *Codec) Encode(ev wire.Event) ([]byte, error) {
	switch ev := ev.(type) {
	case wire.AuthOK:
		return c.encodeOK(0, 0, false), nil
	case wire.OKResult:
		return c.encodeOK(ev.AffectedRows, ev.LastInsertID, ev.InTransaction), nil
	case wire.ResultSet:
		return c.encodeResultSet(&ev), nil
	case wire.ErrorPacket:
		return c.encodeErr(&ev), nil
	default:
		return nil, fmt.Errorf("mysql: cannot encode %T", ev)
	}
}

func (c *Codec) txStatus(inTx bool) uint16 {
	status := c.status
	if inTx {
		status |= serverStatusInTrans
	}
	return status
}

func (c *Codec) encodeOK(affected, insertID uint64, inTx bool) []byte {
	p := make([]byte, 0, 16)
	p = append(p, okHeader)
	p = appendLenencInt(p, affected)
	p = appendLenencInt(p, insertID)
	status := c.txStatus(inTx)
	p = append(p, byte(status), byte(status>>8))
	p = append(p, 0, 0) // warnings
	out := appendFrame(nil, c.seq, p)
	c.seq++
	return out
}

func (c *Codec) encodeErr(e *wire.ErrorPacket) []byte {
	state := e.SQLState
	if len(state) != 5 {
		state = "HY000"
	}
	p := make([]byte, 0, 16+len(e.Message))
	p = append(p, errHeader)
	p = append(p, byte(e.Code), byte(e.Code>>8))
	p = append(p, '#')
	p = append(p, state...)
	p = append(p, e.Message...)
	out := appendFrame(nil, c.seq, p)
	c.seq++
	return out
}

func (c *Codec) encodeEOF(inTx bool) []byte {
	status := c.txStatus(inTx)
	p := []byte{eofHeader, 0, 0, byte(status), byte(status >> 8)}
	out := appendFrame(nil, c.seq, p)
	c.seq++
	return out
}

// encodeResultSet emits the text-protocol packet train: column count,
// column definitions, EOF, rows, EOF.
func (c *Codec) encodeResultSet(rs *wire.ResultSet) []byte {
	// A column-less result set only arises from COM_FIELD_LIST, which is
	// answered with a bare EOF.
	if len(rs.Columns) == 0 && len(rs.Rows) == 0 {
		return c.encodeEOF(rs.InTransaction)
	}

	var out []byte

	count := appendLenencInt(nil, uint64(len(rs.Columns)))
	out = appendFrame(out, c.seq, count)
	c.seq++

	for _, col := range rs.Columns {
		out = appendFrame(out, c.seq, encodeColumnDef(col.Name))
		c.seq++
	}
	out = append(out, c.encodeEOF(rs.InTransaction)...)

	for _, row := range rs.Rows {
		p := make([]byte, 0, 64)
		for _, val := range row {
			if val == nil {
				p = append(p, nullMarker)
			} else {
				p = appendLenencString(p, val)
			}
		}
		out = appendFrame(out, c.seq, p)
		c.seq++
	}
	out = append(out, c.encodeEOF(rs.InTransaction)...)
	return out
}

// encodeColumnDef builds a ColumnDefinition41 payload. Every column is
// reported as a nullable VAR_STRING since values cross the proxy as text.
func encodeColumnDef(name string) []byte {
	p := make([]byte, 0, 32+len(name))
	p = appendLenencString(p, []byte("def")) // catalog
	p = appendLenencString(p, nil)           // schema
	p = appendLenencString(p, nil)           // table
	p = appendLenencString(p, nil)           // org_table
	p = appendLenencString(p, []byte(name))
	p = appendLenencString(p, nil) // org_name
	p = append(p, 0x0c)            // fixed-length field block
	p = append(p, charsetUTF8, 0x00)
	p = append(p, 0xff, 0xff, 0xff, 0xff) // column length
	p = append(p, fieldTypeVarString)
	p = append(p, 0x00, 0x00) // flags
	p = append(p, 0x00)       // decimals
	p = append(p, 0x00, 0x00) // filler
	return p
}

var _ wire.Codec = (*Codec)(nil)
