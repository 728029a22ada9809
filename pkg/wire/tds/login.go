package tds

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// LOGIN7 fixed header length up to the variable-field offset table.
const login7FixedLen = 36

// Offset/length table entries we care about, as indexes into the table.
// Each entry is a uint16 offset (from the start of the LOGIN7 record) and
// a uint16 length in characters.
const (
	fieldHostname = iota
	fieldUsername
	fieldPassword
	fieldAppName
	fieldServerName
	fieldUnused
	fieldLibrary
	fieldLanguage
	fieldDatabase
	fieldCount
)

// parseLogin7 extracts credentials from a LOGIN7 record.
func parseLogin7(b []byte) (wire.LoginRequest, error) {
	if len(b) < login7FixedLen+fieldCount*4 {
		return wire.LoginRequest{}, wire.NewProtocolError(wire.DialectMSSQL, "LOGIN7 record too short: %d bytes", len(b))
	}
	totalLen := int(binary.LittleEndian.Uint32(b[0:4]))
	if totalLen > len(b) {
		return wire.LoginRequest{}, wire.NewProtocolError(wire.DialectMSSQL, "LOGIN7 length %d exceeds payload %d", totalLen, len(b))
	}

	readField := func(idx int) ([]byte, error) {
		base := login7FixedLen + idx*4
		off := int(binary.LittleEndian.Uint16(b[base : base+2]))
		chars := int(binary.LittleEndian.Uint16(b[base+2 : base+4]))
		end := off + chars*2
		if chars == 0 {
			return nil, nil
		}
		if off < login7FixedLen || end > len(b) {
			return nil, wire.NewProtocolError(wire.DialectMSSQL, "LOGIN7 field %d out of bounds (offset %d, %d chars)", idx, off, chars)
		}
		return b[off:end], nil
	}

	user, err := readField(fieldUsername)
	if err != nil {
		return wire.LoginRequest{}, err
	}
	pass, err := readField(fieldPassword)
	if err != nil {
		return wire.LoginRequest{}, err
	}
	database, err := readField(fieldDatabase)
	if err != nil {
		return wire.LoginRequest{}, err
	}

	return wire.LoginRequest{
		Username: ucs2ToString(user),
		Password: ucs2ToString(deobfuscatePassword(pass)),
		Database: ucs2ToString(database),
	}, nil
}

// deobfuscatePassword reverses the LOGIN7 password transform: each byte is
// nibble-swapped then XORed with 0xA5.
func deobfuscatePassword(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		c ^= 0xA5
		out[i] = c<<4 | c>>4
	}
	return out
}

// obfuscatePassword applies the LOGIN7 password transform. Used by tests
// to build valid login records.
func obfuscatePassword(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = (c<<4 | c>>4) ^ 0xA5
	}
	return out
}

// parseSQLBatch decodes the UCS-2 batch text, skipping the ALL_HEADERS
// preamble when present.
func parseSQLBatch(b []byte) (string, error) {
	if len(b) >= 4 {
		// ALL_HEADERS: uint32 total length including itself. Present in
		// TDS 7.2+ batches; absent in older clients, where the first four
		// bytes are already UCS-2 text and decode as an implausible size.
		total := int(binary.LittleEndian.Uint32(b[0:4]))
		if total >= 4 && total <= len(b) {
			b = b[total:]
		}
	}
	if len(b)%2 != 0 {
		return "", wire.NewProtocolError(wire.DialectMSSQL, "SQL batch has odd byte length %d", len(b))
	}
	return ucs2ToString(b), nil
}

// ucs2ToString converts little-endian UCS-2 bytes to a Go string.
func ucs2ToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u))
}

// stringToUCS2 converts a Go string to little-endian UCS-2 bytes.
func stringToUCS2(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, len(u)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[i*2:], c)
	}
	return b
}
