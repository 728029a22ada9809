package wire

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Codec.Decode when the buffered bytes do not
// yet contain a full logical message. The caller should feed more network
// bytes via Write and retry.
var ErrIncomplete = errors.New("wire: incomplete message")

// ProtocolError reports malformed client bytes. Framing can no longer be
// trusted, so a ProtocolError is always fatal to the session and no
// response is sent.
type ProtocolError struct {
	Dialect Dialect
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %s", e.Dialect, e.Reason)
}

// NewProtocolError builds a ProtocolError for the given dialect.
func NewProtocolError(d Dialect, format string, args ...any) *ProtocolError {
	return &ProtocolError{Dialect: d, Reason: fmt.Sprintf(format, args...)}
}

// Codec frames one dialect's wire protocol.
//
// Raw network bytes are fed in with Write; Decode drains complete logical
// messages as neutral events, returning ErrIncomplete when the buffer holds
// a partial message. A single Write may complete zero, one, or several
// messages, so callers drain Decode until ErrIncomplete. Malformed input
// yields a *ProtocolError and the codec must not be used afterwards.
//
// Encode produces the exact dialect bytes for a response event, advancing
// sequence/packet ids per the dialect's own rules.
type Codec interface {
	Dialect() Dialect

	// Greet returns the bytes the server speaks first on accept. Dialects
	// where the client speaks first return nil.
	Greet() ([]byte, error)

	// Write feeds raw bytes from the client socket into the decode buffer.
	Write(p []byte) (int, error)

	// Decode returns the next complete event, ErrIncomplete, or a
	// *ProtocolError.
	Decode() (Event, error)

	// Encode renders a response event as dialect-correct bytes.
	Encode(ev Event) ([]byte, error)

	// VerifyPassword checks a LoginRequest's credential proof against the
	// known plaintext password.
	VerifyPassword(login *LoginRequest, password string) bool
}
