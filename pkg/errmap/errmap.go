// Package errmap converts PostgreSQL error states into the error codes
// each legacy dialect's clients expect, so drivers keyed on vendor codes
// keep their retry and reporting behavior.
package errmap

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// dialectError is one dialect's rendering of a SQLSTATE class.
type dialectError struct {
	code     uint32
	sqlState string
}

// Generic fallbacks for SQLSTATEs with no specific mapping.
var genericErrors = map[wire.Dialect]dialectError{
	wire.DialectMySQL:  {1105, "HY000"}, // ER_UNKNOWN_ERROR
	wire.DialectMSSQL:  {50000, "S0001"},
	wire.DialectOracle: {600, ""}, // ORA-00600 internal error
}

var mysqlErrors = map[string]dialectError{
	pgerrcode.UndefinedTable:          {1146, "42S02"}, // ER_NO_SUCH_TABLE
	pgerrcode.UndefinedColumn:         {1054, "42S22"}, // ER_BAD_FIELD_ERROR
	pgerrcode.UniqueViolation:         {1062, "23000"}, // ER_DUP_ENTRY
	pgerrcode.ForeignKeyViolation:     {1452, "23000"}, // ER_NO_REFERENCED_ROW_2
	pgerrcode.NotNullViolation:        {1048, "23000"}, // ER_BAD_NULL_ERROR
	pgerrcode.SyntaxError:             {1064, "42000"}, // ER_PARSE_ERROR
	pgerrcode.InvalidPassword:         {1045, "28000"}, // ER_ACCESS_DENIED_ERROR
	pgerrcode.InvalidCatalogName:      {1049, "42000"}, // ER_BAD_DB_ERROR
	pgerrcode.DuplicateTable:          {1050, "42S01"}, // ER_TABLE_EXISTS_ERROR
	pgerrcode.InsufficientPrivilege:   {1142, "42000"}, // ER_TABLEACCESS_DENIED_ERROR
	pgerrcode.DivisionByZero:          {1365, "22012"}, // ER_DIVISION_BY_ZERO
	pgerrcode.NumericValueOutOfRange:  {1264, "22003"}, // ER_WARN_DATA_OUT_OF_RANGE
	pgerrcode.DeadlockDetected:        {1213, "40001"}, // ER_LOCK_DEADLOCK
	pgerrcode.LockNotAvailable:        {1205, "HY000"}, // ER_LOCK_WAIT_TIMEOUT
	pgerrcode.QueryCanceled:           {1317, "70100"}, // ER_QUERY_INTERRUPTED
	pgerrcode.SerializationFailure:    {1213, "40001"},
	pgerrcode.InFailedSQLTransaction:  {1792, "25000"}, // closest: ER_CANT_EXECUTE_IN_READ_ONLY_TRANSACTION
	pgerrcode.TooManyConnections:      {1040, "08004"}, // ER_CON_COUNT_ERROR
	pgerrcode.AdminShutdown:           {1053, "08S01"}, // ER_SERVER_SHUTDOWN
	pgerrcode.CheckViolation:          {3819, "HY000"}, // ER_CHECK_CONSTRAINT_VIOLATED
	pgerrcode.StringDataRightTruncationDataException: {1406, "22001"}, // ER_DATA_TOO_LONG
}

var mssqlErrors = map[string]dialectError{
	pgerrcode.UndefinedTable:         {208, "42S02"},   // Invalid object name
	pgerrcode.UndefinedColumn:        {207, "42S22"},   // Invalid column name
	pgerrcode.UniqueViolation:        {2627, "23000"},  // Violation of UNIQUE KEY constraint
	pgerrcode.ForeignKeyViolation:    {547, "23000"},   // FK constraint conflict
	pgerrcode.NotNullViolation:       {515, "23000"},   // Cannot insert NULL
	pgerrcode.SyntaxError:            {102, "42000"},   // Incorrect syntax
	pgerrcode.InvalidPassword:        {18456, "28000"}, // Login failed
	pgerrcode.InvalidCatalogName:     {4060, "42000"},  // Cannot open database
	pgerrcode.DuplicateTable:         {2714, "42S01"},  // Already an object named
	pgerrcode.InsufficientPrivilege:  {229, "42000"},   // Permission denied
	pgerrcode.DivisionByZero:         {8134, "22012"},
	pgerrcode.NumericValueOutOfRange: {8115, "22003"},  // Arithmetic overflow
	pgerrcode.DeadlockDetected:       {1205, "40001"},  // Deadlock victim
	pgerrcode.LockNotAvailable:       {1222, "HY000"},  // Lock request timeout
	pgerrcode.QueryCanceled:          {3617, "70100"},
	pgerrcode.SerializationFailure:   {1205, "40001"},
	pgerrcode.InFailedSQLTransaction: {3998, "25000"}, // Uncommittable transaction
	pgerrcode.TooManyConnections:     {17809, "08004"},
	pgerrcode.AdminShutdown:          {6005, "08S01"}, // SHUTDOWN in progress
	pgerrcode.CheckViolation:         {547, "23000"},  // Constraint conflict
	pgerrcode.StringDataRightTruncationDataException: {8152, "22001"}, // String or binary data truncated
}

var oracleErrors = map[string]dialectError{
	pgerrcode.UndefinedTable:         {942, ""},   // ORA-00942 table or view does not exist
	pgerrcode.UndefinedColumn:        {904, ""},   // ORA-00904 invalid identifier
	pgerrcode.UniqueViolation:        {1, ""},     // ORA-00001 unique constraint violated
	pgerrcode.ForeignKeyViolation:    {2291, ""},  // ORA-02291 integrity constraint violated
	pgerrcode.NotNullViolation:       {1400, ""},  // ORA-01400 cannot insert NULL
	pgerrcode.SyntaxError:            {900, ""},   // ORA-00900 invalid SQL statement
	pgerrcode.InvalidPassword:        {1017, ""},  // ORA-01017 invalid username/password
	pgerrcode.InvalidCatalogName:     {12514, ""}, // ORA-12514 service not known
	pgerrcode.DuplicateTable:         {955, ""},   // ORA-00955 name already used
	pgerrcode.InsufficientPrivilege:  {1031, ""},  // ORA-01031 insufficient privileges
	pgerrcode.DivisionByZero:         {1476, ""},  // ORA-01476 divisor is equal to zero
	pgerrcode.NumericValueOutOfRange: {1426, ""},  // ORA-01426 numeric overflow
	pgerrcode.DeadlockDetected:       {60, ""},    // ORA-00060 deadlock detected
	pgerrcode.LockNotAvailable:       {54, ""},    // ORA-00054 resource busy
	pgerrcode.QueryCanceled:          {1013, ""},  // ORA-01013 user requested cancel
	pgerrcode.SerializationFailure:   {8177, ""},  // ORA-08177 can't serialize access
	pgerrcode.InFailedSQLTransaction: {2091, ""},  // ORA-02091 transaction rolled back
	pgerrcode.TooManyConnections:     {20, ""},    // ORA-00020 maximum processes exceeded
	pgerrcode.AdminShutdown:          {1089, ""},  // ORA-01089 immediate shutdown in progress
	pgerrcode.CheckViolation:         {2290, ""},  // ORA-02290 check constraint violated
	pgerrcode.StringDataRightTruncationDataException: {12899, ""}, // ORA-12899 value too large for column
}

var dialectTables = map[wire.Dialect]map[string]dialectError{
	wire.DialectMySQL:  mysqlErrors,
	wire.DialectMSSQL:  mssqlErrors,
	wire.DialectOracle: oracleErrors,
}

// Mapper translates backend errors for one dialect.
type Mapper struct {
	dialect wire.Dialect
	table   map[string]dialectError
	generic dialectError
}

// New returns the mapper for a dialect.
func New(dialect wire.Dialect) *Mapper {
	return &Mapper{
		dialect: dialect,
		table:   dialectTables[dialect],
		generic: genericErrors[dialect],
	}
}

// MapSQLState renders a SQLSTATE and message as a dialect error packet.
// Unmapped states fall back to the dialect's generic error; the original
// message always passes through so nothing diagnostic is lost.
func (m *Mapper) MapSQLState(sqlState, message string) wire.ErrorPacket {
	de, ok := m.table[sqlState]
	if !ok {
		de = m.generic
	}
	return wire.ErrorPacket{
		Code:     de.code,
		SQLState: de.sqlState,
		Message:  message,
	}
}

// MapError renders any backend error. PostgreSQL errors map by SQLSTATE;
// timeouts and connectivity failures get stable dialect codes of their own.
func (m *Mapper) MapError(err error) wire.ErrorPacket {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return m.MapSQLState(pgErr.Code, pgErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return m.MapSQLState(pgerrcode.QueryCanceled, err.Error())
	}
	if pgconn.Timeout(err) {
		return m.MapSQLState(pgerrcode.QueryCanceled, err.Error())
	}
	return m.Unavailable(err.Error())
}

// Unavailable reports a backend that cannot serve the request right
// now, such as a refused dial. Not fatal: the session stays open so the
// client can retry once the backend recovers. Callers that cannot
// proceed without a backend, like the login probe, set Fatal themselves.
func (m *Mapper) Unavailable(message string) wire.ErrorPacket {
	var de dialectError
	switch m.dialect {
	case wire.DialectMySQL:
		de = dialectError{1053, "08S01"} // ER_SERVER_SHUTDOWN
	case wire.DialectMSSQL:
		de = dialectError{10054, "08S01"}
	case wire.DialectOracle:
		de = dialectError{12537, ""} // ORA-12537 connection closed
	default:
		de = m.generic
	}
	return wire.ErrorPacket{
		Code:     de.code,
		SQLState: de.sqlState,
		Message:  message,
	}
}

// Busy reports that no backend connection could be leased. Not fatal;
// the client may retry once a transaction completes.
func (m *Mapper) Busy(message string) wire.ErrorPacket {
	return m.MapSQLState(pgerrcode.TooManyConnections, message)
}

// AccessDenied reports failed authentication in the dialect's own code.
func (m *Mapper) AccessDenied(message string) wire.ErrorPacket {
	p := m.MapSQLState(pgerrcode.InvalidPassword, message)
	p.Fatal = true
	return p
}

// BadSchema reports an unknown database or service name.
func (m *Mapper) BadSchema(message string) wire.ErrorPacket {
	return m.MapSQLState(pgerrcode.InvalidCatalogName, message)
}

// Unsupported reports a client feature the proxy does not implement,
// such as the binary prepared-statement commands.
func (m *Mapper) Unsupported(message string) wire.ErrorPacket {
	return m.MapSQLState(pgerrcode.FeatureNotSupported, message)
}
