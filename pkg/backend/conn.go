// Package backend manages the PostgreSQL side of the proxy: a small
// connection abstraction over pgconn and a bounded pool that leases
// connections to client sessions for the duration of a transaction.
package backend

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

// Result is the outcome of one executed statement, already reduced to
// the shape the wire codecs render. All values are text format.
type Result struct {
	Columns      []string
	Rows         [][][]byte
	AffectedRows uint64
}

// HasRows reports whether the statement produced a row description,
// which decides between a result set and an OK packet on the wire.
func (r *Result) HasRows() bool { return len(r.Columns) > 0 }

// Conn is one backend connection. Implemented by pgconn in production
// and by fakes in pool tests.
type Conn interface {
	// Exec runs one statement and returns its final result.
	Exec(ctx context.Context, sql string) (*Result, error)

	// InTransaction reports whether the server considers the connection
	// inside a transaction block, failed or not.
	InTransaction() bool

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	Close(ctx context.Context) error
}

// Connector opens a new backend connection.
type Connector func(ctx context.Context) (Conn, error)

// pgConn adapts *pgconn.PgConn to Conn.
type pgConn struct {
	conn *pgconn.PgConn
}

// PgConnector returns a Connector that dials PostgreSQL with the given
// connection string (URL or DSN keyword form).
func PgConnector(connString string) (Connector, error) {
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgconn.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &pgConn{conn: conn}, nil
	}, nil
}

func (c *pgConn) Exec(ctx context.Context, sql string) (*Result, error) {
	results, err := c.conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, err
	}

	// A simple-protocol Exec can carry multiple statements; the last
	// result with a row description wins, matching what clients of the
	// legacy protocols see for multi-statement batches.
	out := &Result{}
	for _, r := range results {
		if len(r.FieldDescriptions) > 0 {
			out.Columns = make([]string, len(r.FieldDescriptions))
			for j, fd := range r.FieldDescriptions {
				out.Columns[j] = fd.Name
			}
			out.Rows = r.Rows
		}
		if r.CommandTag.String() != "" {
			out.AffectedRows = uint64(r.CommandTag.RowsAffected())
		}
	}
	return out, nil
}

func (c *pgConn) InTransaction() bool {
	status := c.conn.TxStatus()
	return status == 'T' || status == 'E'
}

func (c *pgConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
