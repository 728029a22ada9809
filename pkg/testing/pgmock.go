// Package testing runs backend-facing tests against a scripted
// PostgreSQL server. The proxy's backend layer speaks real pgconn, so
// pinning down its behavior (result shaping, error surfacing,
// transaction status) needs a server that answers with exact protocol
// messages; pgmock provides the script engine and this package the step
// sequences pgmasq tests commonly need.
package testing

import (
	"net"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// MockServer runs one pgmock script over a loopback listener.
type MockServer struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// NewMockServer listens on an ephemeral loopback port and prepares the
// given script. Call Serve in a goroutine before dialing.
func NewMockServer(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	return &MockServer{
		Script: &pgmock.Script{
			Steps: steps,
		},
		Listener: listener,
		t:        t,
	}
}

// Addr returns the host:port to dial.
func (m *MockServer) Addr() string {
	return m.Listener.Addr().String()
}

// Serve accepts a single connection and runs the script against it.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return m.Script.Run(backend)
}

// Close closes the listener.
func (m *MockServer) Close() error {
	return m.Listener.Close()
}

// AcceptConnSteps scripts the startup exchange for a connection with no
// authentication, the baseline for every backend test.
func AcceptConnSteps() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

// ExpectQuery scripts receipt of one simple-protocol query.
func ExpectQuery(query string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: query})
}

// SendRowDescription scripts the column metadata preceding data rows.
func SendRowDescription(fields []pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// SendDataRow scripts one row of text-format values.
func SendDataRow(values [][]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// SendCommandComplete scripts a statement's command tag.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery scripts end-of-response with the given transaction
// status: 'I' idle, 'T' in transaction, 'E' failed transaction.
func SendReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// SendError scripts an ErrorResponse; code is the SQLSTATE the error
// mapper keys on.
func SendError(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// WaitForClose scripts the client hanging up.
func WaitForClose() pgmock.Step {
	return pgmock.WaitForClose()
}

// TextColumn builds the field description for a text-format column. The
// proxy reduces every result to text, so tests rarely need anything else.
func TextColumn(name string) pgproto3.FieldDescription {
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  25, // text
		DataTypeSize: -1,
		TypeModifier: -1,
	}
}

// SimpleQuerySteps scripts a row-less statement: expect the query, answer
// with a command tag, return to idle.
func SimpleQuerySteps(query string, tag string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	}
}

// SimpleSelectSteps scripts a single-row SELECT. An empty rows slice
// scripts a description-only result.
func SimpleSelectSteps(query string, fields []pgproto3.FieldDescription, rows [][]byte, tag string) []pgmock.Step {
	steps := []pgmock.Step{
		ExpectQuery(query),
		SendRowDescription(fields),
	}
	if len(rows) > 0 {
		steps = append(steps, SendDataRow(rows))
	}
	steps = append(steps,
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	)
	return steps
}
