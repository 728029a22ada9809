package translate

import (
	"regexp"
	"strings"
)

// Class buckets a statement for session routing.
type Class int

const (
	// ClassRead is a query expected to produce rows.
	ClassRead Class = iota
	// ClassModify changes data or schema and participates in the
	// implicit-autocommit rule.
	ClassModify
	// ClassBegin, ClassCommit, ClassRollback are transaction control.
	ClassBegin
	ClassCommit
	ClassRollback
	// ClassSet is a session-variable assignment.
	ClassSet
	// ClassUse switches the default schema.
	ClassUse
	// ClassOther is anything unrecognized; executed as a read.
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassRead:
		return "read"
	case ClassModify:
		return "modify"
	case ClassBegin:
		return "begin"
	case ClassCommit:
		return "commit"
	case ClassRollback:
		return "rollback"
	case ClassSet:
		return "set"
	case ClassUse:
		return "use"
	default:
		return "other"
	}
}

var (
	beginPattern    = regexp.MustCompile(`(?i)^(BEGIN(\s+(WORK|TRAN(SACTION)?))?|START\s+TRANSACTION)$`)
	commitPattern   = regexp.MustCompile(`(?i)^COMMIT(\s+(WORK|TRAN(SACTION)?))?$`)
	rollbackPattern = regexp.MustCompile(`(?i)^ROLLBACK(\s+(WORK|TRAN(SACTION)?))?$`)
)

var modifyKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "REPLACE": true,
	"MERGE": true, "CREATE": true, "DROP": true, "ALTER": true,
	"TRUNCATE": true, "GRANT": true, "REVOKE": true,
}

var readKeywords = map[string]bool{
	"SELECT": true, "SHOW": true, "DESCRIBE": true, "DESC": true,
	"EXPLAIN": true, "WITH": true, "VALUES": true, "TABLE": true,
}

// Classify buckets a normalized statement by its leading keyword.
// ALTER SESSION is a session-variable statement (Oracle), not DDL.
func Classify(stmt string) Class {
	stmt = Normalize(stmt)
	if stmt == "" {
		return ClassOther
	}

	switch {
	case beginPattern.MatchString(stmt):
		return ClassBegin
	case commitPattern.MatchString(stmt):
		return ClassCommit
	case rollbackPattern.MatchString(stmt):
		return ClassRollback
	}

	first, _, _ := strings.Cut(stmt, " ")
	keyword := strings.ToUpper(first)

	switch {
	case keyword == "SET":
		return ClassSet
	case keyword == "ALTER" && hasPrefixFold(stmt, "ALTER SESSION"):
		return ClassSet
	case keyword == "USE":
		return ClassUse
	case modifyKeywords[keyword]:
		return ClassModify
	case readKeywords[keyword]:
		return ClassRead
	default:
		return ClassOther
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
