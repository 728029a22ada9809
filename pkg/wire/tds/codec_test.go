package tds

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// framePacket wraps a payload in a client packet header.
func framePacket(ptype, status byte, payload []byte) []byte {
	hdr := [headerSize]byte{ptype, status}
	binary.BigEndian.PutUint16(hdr[2:4], uint16(headerSize+len(payload)))
	return append(hdr[:], payload...)
}

// buildLogin7 assembles a LOGIN7 record with the given credentials.
func buildLogin7(user, password, database string) []byte {
	fields := make([][]byte, fieldCount)
	fields[fieldHostname] = stringToUCS2("client-host")
	fields[fieldUsername] = stringToUCS2(user)
	fields[fieldPassword] = obfuscatePassword(stringToUCS2(password))
	fields[fieldAppName] = stringToUCS2("sqlcmd")
	fields[fieldDatabase] = stringToUCS2(database)

	fixed := make([]byte, login7FixedLen)
	table := make([]byte, fieldCount*4)

	off := login7FixedLen + len(table)
	var variable []byte
	for i, f := range fields {
		binary.LittleEndian.PutUint16(table[i*4:], uint16(off+len(variable)))
		binary.LittleEndian.PutUint16(table[i*4+2:], uint16(len(f)/2))
		variable = append(variable, f...)
	}

	record := append(fixed, table...)
	record = append(record, variable...)
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(record)))
	return record
}

func loginCodec(t *testing.T) *Codec {
	t.Helper()
	c := NewCodec()
	_, err := c.Write(framePacket(packetPrelogin, statusEOM, []byte{0xFF}))
	require.NoError(t, err)
	ev, err := c.Decode()
	require.NoError(t, err)
	require.IsType(t, wire.HandshakeRequest{}, ev)
	return c
}

func TestPreloginThenLogin(t *testing.T) {
	c := loginCodec(t)

	_, err := c.Write(framePacket(packetLogin7, statusEOM, buildLogin7("sa", "s3cret", "appdb")))
	require.NoError(t, err)

	ev, err := c.Decode()
	require.NoError(t, err)
	login, ok := ev.(wire.LoginRequest)
	require.True(t, ok, "expected LoginRequest, got %T", ev)
	assert.Equal(t, "sa", login.Username)
	assert.Equal(t, "s3cret", login.Password)
	assert.Equal(t, "appdb", login.Database)

	assert.True(t, c.VerifyPassword(&login, "s3cret"))
	assert.False(t, c.VerifyPassword(&login, "other"))
}

func TestPasswordObfuscationRoundTrip(t *testing.T) {
	plain := stringToUCS2("pa$$w0rd")
	assert.Equal(t, plain, deobfuscatePassword(obfuscatePassword(plain)))
	assert.NotEqual(t, plain, obfuscatePassword(plain))
}

func commandCodec(t *testing.T) *Codec {
	t.Helper()
	c := loginCodec(t)
	_, err := c.Write(framePacket(packetLogin7, statusEOM, buildLogin7("sa", "x", "db")))
	require.NoError(t, err)
	_, err = c.Decode()
	require.NoError(t, err)
	return c
}

func sqlBatchPayload(text string) []byte {
	// ALL_HEADERS preamble: total length, one transaction-descriptor header.
	hdr := make([]byte, 22)
	binary.LittleEndian.PutUint32(hdr[0:4], 22)
	binary.LittleEndian.PutUint32(hdr[4:8], 18)
	binary.LittleEndian.PutUint16(hdr[8:10], 2) // header type
	return append(hdr, stringToUCS2(text)...)
}

func TestDecode_SQLBatch(t *testing.T) {
	c := commandCodec(t)
	_, err := c.Write(framePacket(packetSQLBatch, statusEOM, sqlBatchPayload("SELECT TOP 5 * FROM t")))
	require.NoError(t, err)

	ev, err := c.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.CommandQuery{Text: "SELECT TOP 5 * FROM t"}, ev)
}

func TestDecode_SQLBatchWithoutHeaders(t *testing.T) {
	// Older clients send the batch text with no ALL_HEADERS preamble.
	c := commandCodec(t)
	_, err := c.Write(framePacket(packetSQLBatch, statusEOM, stringToUCS2("SELECT 1")))
	require.NoError(t, err)

	ev, err := c.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.CommandQuery{Text: "SELECT 1"}, ev)
}

func TestDecode_MultiPacketReassembly(t *testing.T) {
	c := commandCodec(t)

	payload := sqlBatchPayload("SELECT a, b, c FROM big_table WHERE id > 100")
	half := len(payload) / 2
	_, err := c.Write(framePacket(packetSQLBatch, 0, payload[:half]))
	require.NoError(t, err)
	_, err = c.Decode()
	require.ErrorIs(t, err, wire.ErrIncomplete)

	_, err = c.Write(framePacket(packetSQLBatch, statusEOM, payload[half:]))
	require.NoError(t, err)
	ev, err := c.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.CommandQuery{Text: "SELECT a, b, c FROM big_table WHERE id > 100"}, ev)
}

func TestDecode_PartialHeader(t *testing.T) {
	c := commandCodec(t)
	packet := framePacket(packetSQLBatch, statusEOM, stringToUCS2("SELECT 1"))

	_, err := c.Write(packet[:3])
	require.NoError(t, err)
	_, err = c.Decode()
	require.ErrorIs(t, err, wire.ErrIncomplete)

	_, err = c.Write(packet[3:])
	require.NoError(t, err)
	_, err = c.Decode()
	require.NoError(t, err)
}

func TestDecode_BatchBeforeLogin(t *testing.T) {
	c := NewCodec()
	_, err := c.Write(framePacket(packetSQLBatch, statusEOM, stringToUCS2("SELECT 1")))
	require.NoError(t, err)

	_, err = c.Decode()
	var perr *wire.ProtocolError
	require.ErrorAs(t, err, &perr)
}

// tokens splits a response packet's payload into token-level slices for
// inspection. It understands only the tokens the codec emits.
func tokens(t *testing.T, packet []byte) map[byte][]byte {
	t.Helper()
	require.GreaterOrEqual(t, len(packet), headerSize)
	assert.Equal(t, byte(packetResponse), packet[0])
	assert.Equal(t, byte(statusEOM), packet[1])

	out := map[byte][]byte{}
	b := packet[headerSize:]
	for len(b) > 0 {
		tok := b[0]
		b = b[1:]
		switch tok {
		case tokenDone:
			out[tok] = b[:12]
			b = b[12:]
		case tokenLoginAck, tokenError:
			n := int(binary.LittleEndian.Uint16(b))
			out[tok] = b[2 : 2+n]
			b = b[2+n:]
		case tokenColMetadata, tokenRow:
			// Variable length; grab the rest. Fine for single-token checks.
			out[tok] = b
			b = nil
		default:
			t.Fatalf("unexpected token 0x%02x", tok)
		}
	}
	return out
}

func TestEncode_LoginAck(t *testing.T) {
	c := NewCodec()
	out, err := c.Encode(wire.AuthOK{})
	require.NoError(t, err)

	toks := tokens(t, out)
	require.Contains(t, toks, byte(tokenLoginAck))
	require.Contains(t, toks, byte(tokenDone))
	assert.Contains(t, string(toks[tokenLoginAck]), string(stringToUCS2("pgmasq")))
}

func TestEncode_Done(t *testing.T) {
	c := NewCodec()
	out, err := c.Encode(wire.OKResult{AffectedRows: 7})
	require.NoError(t, err)

	toks := tokens(t, out)
	done := toks[tokenDone]
	require.Len(t, done, 12)
	assert.Equal(t, uint16(doneCount), binary.LittleEndian.Uint16(done[0:2]))
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(done[4:12]))
}

func TestEncode_Error(t *testing.T) {
	c := NewCodec()
	out, err := c.Encode(wire.ErrorPacket{Code: 208, SQLState: "42S02", Message: "Invalid object name 'users'"})
	require.NoError(t, err)

	toks := tokens(t, out)
	body := toks[tokenError]
	require.NotEmpty(t, body)
	assert.Equal(t, uint32(208), binary.LittleEndian.Uint32(body[0:4]))
	assert.Contains(t, string(body), string(stringToUCS2("Invalid object name 'users'")))

	done := toks[tokenDone]
	assert.Equal(t, uint16(doneError), binary.LittleEndian.Uint16(done[0:2]))
}

func TestEncode_ResultSet(t *testing.T) {
	c := NewCodec()
	out, err := c.Encode(wire.ResultSet{
		Columns: []wire.Column{{Name: "name"}},
		Rows:    [][][]byte{{[]byte("alice")}, {nil}},
	})
	require.NoError(t, err)

	payload := out[headerSize:]
	require.Equal(t, byte(tokenColMetadata), payload[0])
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(payload[1:3]))
	assert.Contains(t, string(payload), string(stringToUCS2("name")))
	assert.Contains(t, string(payload), string(stringToUCS2("alice")))
	// NULL cell marker.
	assert.Contains(t, string(payload), "\xFF\xFF")
	// Counting DONE trails the stream.
	done := payload[len(payload)-13:]
	assert.Equal(t, byte(tokenDone), done[0])
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(done[5:13]))
}

func TestFrame_SplitsLargePayloads(t *testing.T) {
	c := NewCodec()
	payload := make([]byte, 5000)
	out := c.frame(packetResponse, payload)

	first := int(binary.BigEndian.Uint16(out[2:4]))
	assert.Equal(t, 4096, first)
	assert.Equal(t, byte(0), out[1], "first packet not EOM")

	second := out[first:]
	assert.Equal(t, byte(statusEOM), second[1])
	assert.Equal(t, len(payload)+2*headerSize, len(out))

	// Packet ids increment across the split.
	assert.Equal(t, out[6]+1, second[6])
}
