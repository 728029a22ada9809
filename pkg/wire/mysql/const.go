package mysql

// Server version reported in the greeting. Clients key feature detection
// off this string, so it must look like a real MySQL release.
const ServerVersion = "8.0.36-pgmasq"

// Protocol version of the initial handshake packet.
const protocolVersion = 10

// Command bytes (first payload byte of a client command packet).
const (
	comQuit        = 0x01
	comInitDB      = 0x02
	comQuery       = 0x03
	comFieldList   = 0x04
	comPing        = 0x0e
	comStmtPrepare = 0x16
	comStmtExecute = 0x17
	comStmtClose   = 0x19
	comSetOption   = 0x1a
)

// Capability flags.
const (
	clientLongPassword   = 0x00000001
	clientFoundRows      = 0x00000002
	clientLongFlag       = 0x00000004
	clientConnectWithDB  = 0x00000008
	clientProtocol41     = 0x00000200
	clientTransactions   = 0x00002000
	clientSecureConn     = 0x00008000
	clientPluginAuth     = 0x00080000
	clientDeprecateEOF   = 0x01000000
)

// defaultCapability is advertised in the greeting.
const defaultCapability = clientLongPassword |
	clientFoundRows |
	clientLongFlag |
	clientConnectWithDB |
	clientProtocol41 |
	clientTransactions |
	clientSecureConn |
	clientPluginAuth

// Server status flags.
const (
	serverStatusInTrans    = 0x0001
	serverStatusAutocommit = 0x0002
)

// Character set id sent in the greeting and column definitions
// (utf8_general_ci).
const charsetUTF8 = 33

// Column type for text-protocol result sets. All values cross the proxy as
// text, so every column is reported as VAR_STRING.
const fieldTypeVarString = 0xfd

// Packet marker bytes.
const (
	okHeader   = 0x00
	errHeader  = 0xff
	eofHeader  = 0xfe
	nullMarker = 0xfb
)

// maxPacketSize is the largest payload one framed packet may carry.
const maxPacketSize = 1<<24 - 1

const nativePasswordPlugin = "mysql_native_password"
