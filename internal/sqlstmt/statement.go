// Package sqlstmt models a candidate mutating SQL statement and the security
// rules every statement must pass before it is classified or executed.
package sqlstmt

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind is the destructive verb of a statement.
type Kind string

const (
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindInsert Kind = "INSERT"
)

func (k Kind) Valid() bool {
	switch k {
	case KindUpdate, KindDelete, KindInsert:
		return true
	}
	return false
}

// Statement is immutable once built: methods never modify it.
type Statement struct {
	SQL    string   `json:"sql"`
	Kind   Kind     `json:"kind"`
	Tables []string `json:"tables"`
}

var (
	wherePattern    = regexp.MustCompile(`\bWHERE\b`)
	limitPattern    = regexp.MustCompile(`\bLIMIT\s+(\d+)`)
	idMatchPattern  = regexp.MustCompile(`\bID\s*=`)
	subqueryPattern = regexp.MustCompile(`\(\s*SELECT\b`)
	valuesPattern   = regexp.MustCompile(`\bVALUES\b`)

	updateTarget = regexp.MustCompile(`^UPDATE\s+(?:ONLY\s+)?([\w."]+)`)
	deleteTarget = regexp.MustCompile(`^DELETE\s+FROM\s+(?:ONLY\s+)?([\w."]+)`)
	insertTarget = regexp.MustCompile(`^INSERT\s+INTO\s+([\w."]+)`)
	joinedTables = regexp.MustCompile(`\b(?:FROM|JOIN|USING)\s+([\w."]+)`)
)

// Parse infers kind and tables from raw SQL and validates the result.
func Parse(sql string) (Statement, error) {
	norm, err := normalize(sql)
	if err != nil {
		return Statement{}, invalid(err.Error())
	}
	stmt := Statement{SQL: strings.TrimSpace(sql), Kind: leadingKind(norm)}
	stmt.Tables = tablesIn(norm, stmt.Kind)
	if err := Validate(stmt); err != nil {
		return Statement{}, err
	}
	return stmt, nil
}

// HasWhere reports whether the statement carries a WHERE clause outside
// string literals.
func (s Statement) HasWhere() bool {
	norm, err := normalize(s.SQL)
	if err != nil {
		return false
	}
	return wherePattern.MatchString(norm)
}

// Unbounded is true for UPDATE and DELETE statements without WHERE.
func (s Statement) Unbounded() bool {
	return (s.Kind == KindUpdate || s.Kind == KindDelete) && !s.HasWhere()
}

func (s Statement) MatchesSingleID() bool {
	norm, err := normalize(s.SQL)
	return err == nil && idMatchPattern.MatchString(norm)
}

func (s Statement) HasSubquery() bool {
	norm, err := normalize(s.SQL)
	return err == nil && subqueryPattern.MatchString(norm)
}

// Limit returns the LIMIT value if one is present.
func (s Statement) Limit() (int64, bool) {
	norm, err := normalize(s.SQL)
	if err != nil {
		return 0, false
	}
	m := limitPattern.FindStringSubmatch(norm)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// InsertRows counts VALUES tuples of an INSERT. It returns 0 when the row
// count cannot be read from the text (INSERT ... SELECT).
func (s Statement) InsertRows() int {
	norm, err := normalize(s.SQL)
	if err != nil || s.Kind != KindInsert {
		return 0
	}
	loc := valuesPattern.FindStringIndex(norm)
	if loc == nil {
		return 0
	}
	rows, depth := 0, 0
	for _, r := range norm[loc[1]:] {
		switch r {
		case '(':
			if depth == 0 {
				rows++
			}
			depth++
		case ')':
			depth--
		}
	}
	return rows
}

// Touches reports whether name is among the statement's tables.
func (s Statement) Touches(name string) bool {
	name = canonicalTable(name)
	for _, t := range s.Tables {
		if canonicalTable(t) == name {
			return true
		}
	}
	return false
}

func leadingKind(norm string) Kind {
	word := norm
	if i := strings.IndexAny(norm, " ("); i >= 0 {
		word = norm[:i]
	}
	return Kind(word)
}

func targetTable(norm string, kind Kind) string {
	var re *regexp.Regexp
	switch kind {
	case KindUpdate:
		re = updateTarget
	case KindDelete:
		re = deleteTarget
	case KindInsert:
		re = insertTarget
	default:
		return ""
	}
	m := re.FindStringSubmatch(norm)
	if m == nil {
		return ""
	}
	return canonicalTable(m[1])
}

func tablesIn(norm string, kind Kind) []string {
	var tables []string
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		tables = append(tables, name)
	}
	add(targetTable(norm, kind))
	for _, m := range joinedTables.FindAllStringSubmatch(norm, -1) {
		add(canonicalTable(m[1]))
	}
	return tables
}

// canonicalTable lower-cases and unquotes a possibly schema-qualified name.
func canonicalTable(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), `"`, ""))
}
