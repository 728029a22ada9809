package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmasq/pgmasq/pkg/errmap"
	pgtest "github.com/pgmasq/pgmasq/pkg/testing"
	"github.com/pgmasq/pgmasq/pkg/wire"
)

// mockBackend starts a scripted PostgreSQL server and dials it through
// PgConnector, so these tests exercise the same pgconn path production
// uses. The returned channel carries the script's verdict once the
// connection closes.
func mockBackend(t *testing.T, steps []pgmock.Step) (Conn, chan error) {
	t.Helper()

	all := pgtest.AcceptConnSteps()
	all = append(all, steps...)
	all = append(all, pgtest.WaitForClose())

	server := pgtest.NewMockServer(t, all...)
	t.Cleanup(func() { server.Close() })

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	connector, err := PgConnector("postgres://pgmasq@" + server.Addr() + "/appdb?sslmode=disable")
	require.NoError(t, err)
	conn, err := connector(context.Background())
	require.NoError(t, err)
	return conn, errCh
}

func finishScript(t *testing.T, conn Conn, errCh chan error) {
	t.Helper()
	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, <-errCh, "mock server script did not complete")
}

func TestPgConn_ExecSelectRows(t *testing.T) {
	const query = `SELECT datname AS "Database" FROM pg_database`
	conn, errCh := mockBackend(t, pgtest.SimpleSelectSteps(
		query,
		[]pgproto3.FieldDescription{pgtest.TextColumn("Database")},
		[][]byte{[]byte("appdb")},
		"SELECT 1",
	))

	result, err := conn.Exec(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, []string{"Database"}, result.Columns)
	assert.Equal(t, [][][]byte{{[]byte("appdb")}}, result.Rows)
	assert.True(t, result.HasRows())
	assert.False(t, conn.InTransaction())

	finishScript(t, conn, errCh)
}

func TestPgConn_ExecCommandTag(t *testing.T) {
	conn, errCh := mockBackend(t, pgtest.SimpleQuerySteps(
		"DELETE FROM sessions WHERE expired", "DELETE 3",
	))

	result, err := conn.Exec(context.Background(), "DELETE FROM sessions WHERE expired")
	require.NoError(t, err)
	assert.False(t, result.HasRows())
	assert.Equal(t, uint64(3), result.AffectedRows)

	finishScript(t, conn, errCh)
}

func TestPgConn_ExecErrorCarriesSQLState(t *testing.T) {
	conn, errCh := mockBackend(t, []pgmock.Step{
		pgtest.ExpectQuery("SELECT * FROM missing"),
		pgtest.SendError("ERROR", "42P01", `relation "missing" does not exist`),
		pgtest.SendReadyForQuery('I'),
	})

	_, err := conn.Exec(context.Background(), "SELECT * FROM missing")
	require.Error(t, err)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "42P01", pgErr.Code)

	// The SQLSTATE is what the error mapper keys on downstream.
	packet := errmap.New(wire.DialectMySQL).MapError(err)
	assert.Equal(t, uint32(1146), packet.Code)

	finishScript(t, conn, errCh)
}

func TestPgConn_InTransactionTracksTxStatus(t *testing.T) {
	conn, errCh := mockBackend(t, []pgmock.Step{
		pgtest.ExpectQuery("BEGIN"),
		pgtest.SendCommandComplete("BEGIN"),
		pgtest.SendReadyForQuery('T'),
		pgtest.ExpectQuery("ROLLBACK"),
		pgtest.SendCommandComplete("ROLLBACK"),
		pgtest.SendReadyForQuery('I'),
	})
	ctx := context.Background()

	_, err := conn.Exec(ctx, "BEGIN")
	require.NoError(t, err)
	assert.True(t, conn.InTransaction())

	_, err = conn.Exec(ctx, "ROLLBACK")
	require.NoError(t, err)
	assert.False(t, conn.InTransaction())

	finishScript(t, conn, errCh)
}
