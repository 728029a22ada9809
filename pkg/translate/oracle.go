package translate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

const oracleDescribeQuery = `SELECT column_name AS "NAME", data_type AS "TYPE", is_nullable AS "NULLABLE" FROM information_schema.columns WHERE lower(table_name) = lower('$1') ORDER BY ordinal_position`

func oracleEngine() *Engine {
	return &Engine{
		dialect: wire.DialectOracle,
		statements: []statementRule{
			replaceStatement("select-user-tables",
				`SELECT\s+(?:\*|table_name)\s+FROM\s+user_tables`,
				`SELECT table_name AS "TABLE_NAME" FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`),
			replaceStatement("select-all-tables",
				`SELECT\s+(?:\*|table_name)\s+FROM\s+all_tables`,
				`SELECT table_name AS "TABLE_NAME" FROM information_schema.tables ORDER BY table_name`),
			replaceStatement("describe",
				`(?:DESCRIBE|DESC)\s+"?(\w+)"?`,
				oracleDescribeQuery),
			replaceStatement("select-dual-sysdate",
				`SELECT\s+SYSDATE\s+FROM\s+DUAL`,
				`SELECT CURRENT_TIMESTAMP`),
			compileStatement("rownum-limit",
				`(SELECT\s+.+?)\s+WHERE\s+ROWNUM\s*(<=|<)\s*(\d+)`,
				rewriteRownum),
		},
		prepass: []substitution{
			// TO_DATE's arguments are string literals, so the rule has to
			// see the whole statement before literal masking.
			compileSubstitution("to-date",
				`\bTO_DATE\s*\(\s*('(?:[^']|'')*')\s*,\s*('(?:[^']|'')*')\s*\)`,
				"to_timestamp($1, $2)"),
		},
		substitutions: []substitution{
			compileSubstitution("from-dual", `\s+FROM\s+DUAL\b`, ""),
			compileSubstitution("sysdate", `\bSYSDATE\b`, "CURRENT_TIMESTAMP"),
			compileSubstitution("systimestamp", `\bSYSTIMESTAMP\b`, "CURRENT_TIMESTAMP"),
			compileSubstitution("nvl", `\bNVL\s*\(`, "COALESCE("),
		},
		rewriteSet: oracleRewriteSet,
	}
}

// rewriteRownum converts a trailing ROWNUM predicate to LIMIT. A strict
// bound keeps one row fewer than its operand.
func rewriteRownum(m []string) string {
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return m[0]
	}
	if m[2] == "<" {
		n--
	}
	if n < 0 {
		n = 0
	}
	return m[1] + " LIMIT " + strconv.Itoa(n)
}

var oracleAlterSession = regexp.MustCompile(`(?i)^ALTER\s+SESSION\s+SET\s+(\w+)\s*=\s*(.+)$`)

func oracleRewriteSet(stmt string) (*SetResult, bool) {
	m := oracleAlterSession.FindStringSubmatch(stmt)
	if m == nil {
		return nil, false
	}
	variable := strings.ToLower(m[1])
	value := strings.Trim(m[2], `'"`)

	switch variable {
	case "time_zone":
		return &SetResult{
			Statements: []string{"SET TIME ZONE '" + value + "'"},
			Variable:   variable,
			Value:      value,
		}, true
	case "current_schema":
		return &SetResult{
			Statements: []string{"SET search_path TO " + value},
			Variable:   variable,
			Value:      value,
		}, true
	default:
		// NLS formats and the rest have no PostgreSQL counterpart.
		return &SetResult{Variable: variable, Value: value, Dropped: true}, true
	}
}
