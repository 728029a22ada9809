package translate

import (
	"regexp"
	"strings"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// Column headers in introspection results mirror what the MySQL server
// itself returns so that tooling keyed on header names keeps working.
const (
	mysqlShowTablesQuery  = `SELECT table_name AS "Tables" FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`
	mysqlShowColumnsQuery = `SELECT column_name AS "Field", data_type AS "Type", is_nullable AS "Null", column_default AS "Default" FROM information_schema.columns WHERE table_name = '$1' ORDER BY ordinal_position`
)

func mysqlEngine() *Engine {
	return &Engine{
		dialect: wire.DialectMySQL,
		statements: []statementRule{
			replaceStatement("show-databases",
				`SHOW\s+DATABASES`,
				`SELECT datname AS "Database" FROM pg_database WHERE datistemplate = false ORDER BY datname`),
			replaceStatement("show-tables",
				`SHOW\s+(?:FULL\s+)?TABLES`,
				mysqlShowTablesQuery),
			replaceStatement("show-columns",
				`SHOW\s+(?:FULL\s+)?COLUMNS\s+FROM\s+`+"`?(\\w+)`?",
				mysqlShowColumnsQuery),
			replaceStatement("describe",
				`(?:DESCRIBE|DESC)\s+`+"`?(\\w+)`?",
				mysqlShowColumnsQuery),
			compileStatement("show-variables",
				`SHOW\s+(?:GLOBAL\s+|SESSION\s+)?VARIABLES(?:\s+LIKE\s+'([^']*)')?`,
				mysqlShowVariables),
			replaceStatement("select-database",
				`SELECT\s+DATABASE\(\)`,
				`SELECT current_database()`),
		},
		substitutions: []substitution{
			// Pagination before anything that could touch the numbers:
			// LIMIT offset, count normalizes to LIMIT count OFFSET offset.
			compileSubstitution("limit-offset",
				`\bLIMIT\s+(\d+)\s*,\s*(\d+)`,
				"LIMIT $2 OFFSET $1"),
			compileSubstitution("now", `\bNOW\s*\(\s*\)`, "CURRENT_TIMESTAMP"),
			compileSubstitution("curdate", `\bCURDATE\s*\(\s*\)`, "CURRENT_DATE"),
			compileSubstitution("curtime", `\bCURTIME\s*\(\s*\)`, "CURRENT_TIME"),
			compileSubstitution("rand", `\bRAND\s*\(\s*\)`, "RANDOM()"),
			compileSubstitution("ifnull", `\bIFNULL\s*\(`, "COALESCE("),
			compileSubstitution("backticks", "`([^`]*)`", `"$1"`),
		},
		rewriteSet: mysqlRewriteSet,
	}
}

// mysqlShowVariables maps SHOW VARIABLES onto pg_settings, carrying the
// LIKE pattern through as a filter on the setting name. pg_settings
// names are lowercase, so the pattern is lowered to keep MySQL's
// case-insensitive matching.
func mysqlShowVariables(m []string) string {
	q := `SELECT name AS "Variable_name", setting AS "Value" FROM pg_settings`
	if m[1] != "" {
		q += ` WHERE name LIKE '` + strings.ToLower(m[1]) + `'`
	}
	return q + ` ORDER BY name`
}

var (
	mysqlSetAutocommit = regexp.MustCompile(`(?i)^SET\s+(?:GLOBAL\s+|SESSION\s+)?(?:@@(?:session\.|global\.)?)?autocommit\s*=\s*(0|1|ON|OFF|TRUE|FALSE)$`)
	mysqlSetNames      = regexp.MustCompile(`(?i)^SET\s+NAMES\s+['"]?([\w]+)['"]?(?:\s+COLLATE\s+\S+)?$`)
	mysqlSetIsolation  = regexp.MustCompile(`(?i)^SET\s+(?:GLOBAL\s+|SESSION\s+)?TRANSACTION\s+ISOLATION\s+LEVEL\s+(.+)$`)
	mysqlSetVariable   = regexp.MustCompile(`(?i)^SET\s+(?:GLOBAL\s+|SESSION\s+)?@?@?([\w.]+)\s*=\s*(.+)$`)
)

// mysqlCharsets maps MySQL character set names to PostgreSQL encodings.
var mysqlCharsets = map[string]string{
	"utf8":    "UTF8",
	"utf8mb3": "UTF8",
	"utf8mb4": "UTF8",
	"latin1":  "LATIN1",
	"ascii":   "SQL_ASCII",
}

func mysqlRewriteSet(stmt string) (*SetResult, bool) {
	if !hasPrefixFold(stmt, "SET ") {
		return nil, false
	}

	if m := mysqlSetAutocommit.FindStringSubmatch(stmt); m != nil {
		v := strings.ToUpper(m[1])
		on := v == "1" || v == "ON" || v == "TRUE"
		return &SetResult{
			Variable:   "autocommit",
			Value:      m[1],
			Autocommit: &on,
		}, true
	}

	if m := mysqlSetNames.FindStringSubmatch(stmt); m != nil {
		encoding, ok := mysqlCharsets[strings.ToLower(m[1])]
		if !ok {
			return &SetResult{Variable: "names", Value: m[1], Dropped: true}, true
		}
		return &SetResult{
			Statements: []string{"SET client_encoding TO '" + encoding + "'"},
			Variable:   "names",
			Value:      m[1],
		}, true
	}

	if m := mysqlSetIsolation.FindStringSubmatch(stmt); m != nil {
		// PostgreSQL accepts the same isolation level syntax.
		return &SetResult{
			Statements: []string{"SET TRANSACTION ISOLATION LEVEL " + m[1]},
			Variable:   "transaction_isolation",
			Value:      m[1],
		}, true
	}

	if m := mysqlSetVariable.FindStringSubmatch(stmt); m != nil {
		// No PostgreSQL equivalent for arbitrary server variables.
		return &SetResult{Variable: m[1], Value: m[2], Dropped: true}, true
	}

	return &SetResult{Dropped: true}, true
}
