// Package translate rewrites statements from a source SQL dialect into
// PostgreSQL-compatible SQL using declarative, ordered rule tables
// compiled once at startup.
package translate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pgmasq/pgmasq/pkg/wire"
)

// statementRule replaces an entire statement when its anchored pattern
// matches. First match wins; rules are ordered most-specific-first so a
// longer pattern can never be shadowed by a shorter prefix.
type statementRule struct {
	name    string
	pattern *regexp.Regexp
	rewrite func(m []string) string
}

// substitution rewrites fragments in place. Patterns use word boundaries
// so a rule never fires inside a larger identifier, and substitutions are
// applied only outside string literals.
type substitution struct {
	name    string
	pattern *regexp.Regexp
	// replace is a ReplaceAllString template unless rewrite is set.
	replace string
	rewrite func(m []string) string
}

// SetResult describes how a session-variable statement maps to PostgreSQL.
type SetResult struct {
	// Statements to execute on the backend. Empty when the variable has
	// no PostgreSQL equivalent.
	Statements []string

	// Variable and Value are recorded in the session's variable table.
	Variable string
	Value    string

	// Autocommit is non-nil when the statement toggles autocommit.
	Autocommit *bool

	// Dropped is true when the statement is discarded (logged, not fatal).
	Dropped bool
}

// Engine translates one source dialect. Immutable after New.
type Engine struct {
	dialect    wire.Dialect
	statements []statementRule
	// prepass runs against the whole statement before literal masking,
	// for rules that move clauses across the statement.
	prepass       []substitution
	substitutions []substitution
	rewriteSet    func(stmt string) (*SetResult, bool)
}

// New compiles the rule table for a dialect.
func New(dialect wire.Dialect) (*Engine, error) {
	switch dialect {
	case wire.DialectMySQL:
		return mysqlEngine(), nil
	case wire.DialectOracle:
		return oracleEngine(), nil
	case wire.DialectMSSQL:
		return mssqlEngine(), nil
	default:
		return nil, fmt.Errorf("translate: unknown dialect %q", dialect)
	}
}

// Dialect returns the engine's source dialect.
func (e *Engine) Dialect() wire.Dialect { return e.dialect }

// Translate rewrites one statement into an ordered sequence of PostgreSQL
// statements. Statements matching no rule pass through unchanged; that is
// the intended fallback since much SQL is dialect-neutral.
func (e *Engine) Translate(stmt string) []string {
	stmt = Normalize(stmt)
	if stmt == "" {
		return nil
	}

	for _, rule := range e.statements {
		if m := rule.pattern.FindStringSubmatch(stmt); m != nil {
			return []string{rule.rewrite(m)}
		}
	}

	return []string{e.substitute(stmt)}
}

// RewriteSet maps a session-variable statement. Returns false when the
// statement is not a session-variable assignment for this dialect.
func (e *Engine) RewriteSet(stmt string) (*SetResult, bool) {
	return e.rewriteSet(Normalize(stmt))
}

// substitute applies every substitution rule, masking string literals so
// no rule fires inside one.
func (e *Engine) substitute(stmt string) string {
	for _, sub := range e.prepass {
		stmt = sub.pattern.ReplaceAllString(stmt, sub.replace)
	}

	segments := splitLiterals(stmt)
	for i := range segments {
		if segments[i].literal {
			continue
		}
		s := segments[i].text
		for _, sub := range e.substitutions {
			if sub.rewrite != nil {
				s = sub.pattern.ReplaceAllStringFunc(s, func(match string) string {
					return sub.rewrite(sub.pattern.FindStringSubmatch(match))
				})
			} else {
				s = sub.pattern.ReplaceAllString(s, sub.replace)
			}
		}
		segments[i].text = s
	}

	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.text)
	}
	return b.String()
}

// Normalize trims whitespace and a trailing semicolon.
func Normalize(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	stmt = strings.TrimSuffix(stmt, ";")
	return strings.TrimSpace(stmt)
}

type segment struct {
	text    string
	literal bool
}

// splitLiterals splits a statement into literal and non-literal segments.
// Single-quoted literals use '' escaping.
func splitLiterals(s string) []segment {
	var segments []segment
	start := 0
	for i := 0; i < len(s); {
		if s[i] != '\'' {
			i++
			continue
		}
		// Literal begins: close the preceding segment.
		if i > start {
			segments = append(segments, segment{text: s[start:i]})
		}
		j := i + 1
		for j < len(s) {
			if s[j] == '\'' {
				if j+1 < len(s) && s[j+1] == '\'' {
					j += 2 // escaped quote
					continue
				}
				j++
				break
			}
			j++
		}
		segments = append(segments, segment{text: s[i:j], literal: true})
		start = j
		i = j
	}
	if start < len(s) {
		segments = append(segments, segment{text: s[start:]})
	}
	return segments
}

func compileStatement(name, pattern string, rewrite func(m []string) string) statementRule {
	return statementRule{
		name:    name,
		pattern: regexp.MustCompile("(?is)^" + pattern + "$"),
		rewrite: rewrite,
	}
}

func replaceStatement(name, pattern, replacement string) statementRule {
	re := regexp.MustCompile("(?is)^" + pattern + "$")
	return statementRule{
		name:    name,
		pattern: re,
		rewrite: func(m []string) string {
			out := replacement
			for i := 1; i < len(m); i++ {
				out = strings.ReplaceAll(out, fmt.Sprintf("$%d", i), m[i])
			}
			return out
		},
	}
}

func compileSubstitution(name, pattern, replace string) substitution {
	return substitution{
		name:    name,
		pattern: regexp.MustCompile("(?i)" + pattern),
		replace: replace,
	}
}
