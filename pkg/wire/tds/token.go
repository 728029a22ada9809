package tds

import (
	"encoding/binary"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// Token identifiers.
const (
	tokenColMetadata = 0x81
	tokenError       = 0xAA
	tokenLoginAck    = 0xAD
	tokenRow         = 0xD1
	tokenEnvChange   = 0xE3
	tokenDone        = 0xFD
)

// DONE status flags.
const (
	doneFinal = 0x00
	doneCount = 0x10
	doneError = 0x02
)

// Column type: NVARCHAR. All proxy results are text.
const typeNVarChar = 0xE7

// preloginResponse builds the PRELOGIN reply: version option, encryption
// not supported, terminator.
func preloginResponse() []byte {
	// Option table: token(1) offset(2 BE) length(2 BE), then 0xFF, then data.
	const optsLen = 2*5 + 1
	var p []byte
	// VERSION (0x00): 6 bytes.
	p = append(p, 0x00, 0x00, byte(optsLen), 0x00, 0x06)
	// ENCRYPTION (0x01): 1 byte.
	p = append(p, 0x01, 0x00, byte(optsLen+6), 0x00, 0x01)
	p = append(p, 0xFF)
	// Version 16.0.1000, sub-build 0.
	p = append(p, 16, 0, 0x03, 0xE8, 0, 0)
	// ENCRYPT_NOT_SUP.
	p = append(p, 0x02)
	return p
}

// loginAckStream builds the successful-login token stream:
// LOGINACK then a final DONE.
func loginAckStream() []byte {
	var p []byte

	progName := stringToUCS2("pgmasq")
	ack := make([]byte, 0, 16+len(progName))
	ack = append(ack, 1)                      // interface: SQL
	ack = append(ack, 0x74, 0x00, 0x00, 0x04) // TDS version 7.4
	ack = append(ack, byte(len(progName)/2))
	ack = append(ack, progName...)
	ack = append(ack, 16, 0, 1000&0xff, 1000>>8) // server version

	p = append(p, tokenLoginAck)
	p = appendUint16(p, uint16(len(ack)))
	p = append(p, ack...)

	p = append(p, doneToken(doneFinal, 0)...)
	return p
}

// doneStream builds a DONE-only response for row-less statements.
func doneStream(rowCount uint64, status uint16) []byte {
	return doneToken(status, rowCount)
}

func doneToken(status uint16, rowCount uint64) []byte {
	p := make([]byte, 0, 13)
	p = append(p, tokenDone)
	p = appendUint16(p, status)
	p = appendUint16(p, 0) // current command
	var rc [8]byte
	binary.LittleEndian.PutUint64(rc[:], rowCount)
	return append(p, rc[:]...)
}

// resultStream builds COLMETADATA, ROW tokens, and a counting DONE.
func resultStream(rs *wire.ResultSet) []byte {
	var p []byte

	p = append(p, tokenColMetadata)
	p = appendUint16(p, uint16(len(rs.Columns)))
	for _, col := range rs.Columns {
		p = appendUint32(p, 0) // usertype
		p = appendUint16(p, 1) // flags: nullable
		p = append(p, typeNVarChar)
		p = appendUint16(p, 4000*2)                 // max length in bytes
		p = append(p, 0x09, 0x04, 0xD0, 0x00, 0x34) // collation
		name := stringToUCS2(col.Name)
		p = append(p, byte(len(name)/2))
		p = append(p, name...)
	}

	for _, row := range rs.Rows {
		p = append(p, tokenRow)
		for _, val := range row {
			if val == nil {
				p = appendUint16(p, 0xFFFF) // CHARBIN_NULL
				continue
			}
			data := stringToUCS2(string(val))
			p = appendUint16(p, uint16(len(data)))
			p = append(p, data...)
		}
	}

	p = append(p, doneToken(doneCount, uint64(len(rs.Rows)))...)
	return p
}

// errorStream builds an ERROR token followed by a DONE flagged with error.
func errorStream(e *wire.ErrorPacket) []byte {
	msg := stringToUCS2(e.Message)
	server := stringToUCS2("pgmasq")

	body := make([]byte, 0, 16+len(msg)+len(server))
	body = appendUint32(body, e.Code)
	body = append(body, 1)  // state
	body = append(body, 16) // class: user-correctable error
	body = appendUint16(body, uint16(len(msg)/2))
	body = append(body, msg...)
	body = append(body, byte(len(server)/2))
	body = append(body, server...)
	body = append(body, 0)       // proc name length
	body = appendUint32(body, 0) // line number

	var p []byte
	p = append(p, tokenError)
	p = appendUint16(p, uint16(len(body)))
	p = append(p, body...)
	p = append(p, doneToken(doneError, 0)...)
	return p
}

func appendUint16(p []byte, v uint16) []byte {
	return append(p, byte(v), byte(v>>8))
}

func appendUint32(p []byte, v uint32) []byte {
	return append(p, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
