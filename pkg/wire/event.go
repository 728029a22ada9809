// Package wire defines the protocol-neutral events exchanged between a
// dialect codec and the session state machine, plus the codec contract
// every dialect implements.
package wire

// Dialect identifies one emulated source protocol.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectMSSQL  Dialect = "mssql"
	DialectOracle Dialect = "oracle"
)

// ParseDialect returns the Dialect for a config string.
func ParseDialect(s string) (Dialect, bool) {
	switch Dialect(s) {
	case DialectMySQL, DialectMSSQL, DialectOracle:
		return Dialect(s), true
	}
	return "", false
}

// Event is a protocol-neutral message decoded from or encoded to the wire.
type Event interface {
	event()
}

// HandshakeRequest is a pre-login negotiation message (TDS PRELOGIN,
// TNS CONNECT). MySQL has no client-initiated handshake; the server
// greeting is produced by Codec.Greet instead.
type HandshakeRequest struct {
	// ServiceName is the requested service/database, when the
	// negotiation message carries one.
	ServiceName string
}

// HandshakeAck accepts a HandshakeRequest.
type HandshakeAck struct{}

// LoginRequest carries the credentials presented by the client.
type LoginRequest struct {
	Username string
	Database string

	// Password is the plaintext password for dialects whose login record
	// carries one (TDS, TNS). Empty for MySQL.
	Password string

	// AuthResponse is the dialect-specific credential proof (the MySQL
	// native-password scramble). Verified via Codec.VerifyPassword.
	AuthResponse []byte
}

// AuthOK tells the client authentication succeeded.
type AuthOK struct{}

// CommandQuery is a SQL statement submitted by the client.
type CommandQuery struct {
	Text string
}

// CommandInitDB switches the session's default schema (MySQL COM_INIT_DB).
type CommandInitDB struct {
	Schema string
}

// CommandPing is a liveness probe answered without touching the backend.
type CommandPing struct{}

// CommandQuit is an orderly client disconnect.
type CommandQuit struct{}

// CommandFieldList is the deprecated MySQL COM_FIELD_LIST table-completion
// command. Answered with an empty ResultSet so drivers fall back to
// information_schema.
type CommandFieldList struct {
	Table string
}

// OKResult reports successful execution of a statement that returns no rows.
type OKResult struct {
	AffectedRows  uint64
	LastInsertID  uint64
	InTransaction bool
}

// Column describes one result-set column. Values cross the proxy as text,
// so the neutral representation needs only a name.
type Column struct {
	Name string
}

// ResultSet is a complete query result. Row values are the backend's text
// representation; nil marks SQL NULL.
type ResultSet struct {
	Columns       []Column
	Rows          [][][]byte
	InTransaction bool
}

// ErrorPacket is a dialect-ready error: Code and SQLState are already the
// source dialect's values, produced by the error mapper.
type ErrorPacket struct {
	Code     uint32
	SQLState string
	Message  string

	// Fatal errors terminate the session after the packet is sent.
	Fatal bool
}

func (HandshakeRequest) event() {}
func (HandshakeAck) event()     {}
func (LoginRequest) event()     {}
func (AuthOK) event()           {}
func (CommandQuery) event()     {}
func (CommandInitDB) event()    {}
func (CommandPing) event()      {}
func (CommandQuit) event()      {}
func (CommandFieldList) event() {}
func (OKResult) event()         {}
func (ResultSet) event()        {}
func (ErrorPacket) event()      {}
