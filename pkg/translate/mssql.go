package translate

import (
	"regexp"
	"strings"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

func mssqlEngine() *Engine {
	return &Engine{
		dialect: wire.DialectMSSQL,
		statements: []statementRule{
			replaceStatement("sp-tables",
				`(?:EXEC(?:UTE)?\s+)?sp_tables`,
				`SELECT table_name AS "TABLE_NAME", table_type AS "TABLE_TYPE" FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`),
			replaceStatement("sp-columns",
				`(?:EXEC(?:UTE)?\s+)?sp_columns\s+(?:@table_name\s*=\s*)?'?(\w+)'?`,
				`SELECT column_name AS "COLUMN_NAME", data_type AS "TYPE_NAME", is_nullable AS "IS_NULLABLE" FROM information_schema.columns WHERE table_name = '$1' ORDER BY ordinal_position`),
			replaceStatement("select-db-name",
				`SELECT\s+DB_NAME\(\)`,
				`SELECT current_database()`),
			replaceStatement("select-version",
				`SELECT\s+@@VERSION`,
				`SELECT version()`),
		},
		prepass: []substitution{
			// TOP moves to a trailing LIMIT, so it has to see the whole
			// statement rather than one masked segment.
			compileSubstitution("top",
				`(?s)^SELECT\s+TOP\s*\(?(\d+)\)?\s+(.+)$`,
				"SELECT $2 LIMIT $1"),
		},
		substitutions: []substitution{
			compileSubstitution("offset-fetch",
				`\bOFFSET\s+(\d+)\s+ROWS?\s+FETCH\s+(?:FIRST|NEXT)\s+(\d+)\s+ROWS?\s+ONLY`,
				"LIMIT $2 OFFSET $1"),
			compileSubstitution("getdate", `\bGETDATE\s*\(\s*\)`, "CURRENT_TIMESTAMP"),
			compileSubstitution("sysdatetime", `\bSYSDATETIME\s*\(\s*\)`, "CURRENT_TIMESTAMP"),
			compileSubstitution("isnull", `\bISNULL\s*\(`, "COALESCE("),
			compileSubstitution("len", `\bLEN\s*\(`, "LENGTH("),
			compileSubstitution("brackets", `\[([^\]]+)\]`, `"$1"`),
		},
		rewriteSet: mssqlRewriteSet,
	}
}

var (
	mssqlSetNocount   = regexp.MustCompile(`(?i)^SET\s+NOCOUNT\s+(ON|OFF)$`)
	mssqlSetIsolation = regexp.MustCompile(`(?i)^SET\s+TRANSACTION\s+ISOLATION\s+LEVEL\s+(.+)$`)
	mssqlSetGeneric   = regexp.MustCompile(`(?i)^SET\s+(\w+)\s+(.+)$`)
)

func mssqlRewriteSet(stmt string) (*SetResult, bool) {
	if !hasPrefixFold(stmt, "SET ") {
		return nil, false
	}

	if m := mssqlSetNocount.FindStringSubmatch(stmt); m != nil {
		// Row-count suppression is a client nicety with no backend effect.
		return &SetResult{Variable: "nocount", Value: strings.ToUpper(m[1]), Dropped: true}, true
	}

	if m := mssqlSetIsolation.FindStringSubmatch(stmt); m != nil {
		level := strings.ToUpper(strings.TrimSpace(m[1]))
		if level == "SNAPSHOT" {
			level = "REPEATABLE READ"
		}
		return &SetResult{
			Statements: []string{"SET TRANSACTION ISOLATION LEVEL " + level},
			Variable:   "transaction_isolation",
			Value:      level,
		}, true
	}

	if m := mssqlSetGeneric.FindStringSubmatch(stmt); m != nil {
		return &SetResult{Variable: strings.ToLower(m[1]), Value: m[2], Dropped: true}, true
	}

	return &SetResult{Dropped: true}, true
}
