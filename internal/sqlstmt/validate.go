package sqlstmt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationError lists every rule a statement broke. It is never retried.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "invalid statement: " + strings.Join(e.Reasons, "; ")
}

func invalid(reasons ...string) *ValidationError {
	return &ValidationError{Reasons: reasons}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var (
	dangerousKeyword = regexp.MustCompile(`\b(DROP|TRUNCATE|ALTER|CREATE|GRANT|REVOKE)\b`)
	tableName        = regexp.MustCompile(`^[\w."]+$`)
)

// Validate applies the security rules shared by the builder-side check and
// the executor's re-check.
func Validate(s Statement) error {
	if strings.TrimSpace(s.SQL) == "" {
		return invalid("statement is empty")
	}
	norm, err := normalize(s.SQL)
	if err != nil {
		return invalid(err.Error())
	}

	var reasons []string
	if !s.Kind.Valid() {
		reasons = append(reasons, fmt.Sprintf("unsupported operation kind %q", s.Kind))
	} else if lead := leadingKind(norm); lead != s.Kind {
		reasons = append(reasons, fmt.Sprintf("declared kind %s does not match statement %s", s.Kind, lead))
	}
	for _, m := range dangerousKeyword.FindAllString(norm, -1) {
		reasons = append(reasons, "dangerous operation detected: "+m)
	}
	if strings.Contains(norm, "--") || strings.Contains(norm, "/*") {
		reasons = append(reasons, "comments are not allowed")
	}
	if strings.Contains(strings.TrimRight(norm, "; "), ";") {
		reasons = append(reasons, "multiple statements are not allowed")
	}
	for _, name := range s.Tables {
		if !tableName.MatchString(name) {
			reasons = append(reasons, fmt.Sprintf("invalid table name %q", name))
		}
	}
	if len(s.Tables) == 0 {
		reasons = append(reasons, "no target table declared")
	} else {
		target := targetTable(norm, s.Kind)
		if target != "" && !s.Touches(target) {
			reasons = append(reasons, fmt.Sprintf("declared tables do not include target %s", target))
		}
		for _, name := range tablesIn(norm, s.Kind) {
			if name != target && !s.Touches(name) {
				reasons = append(reasons, fmt.Sprintf("table %s is referenced but not declared", name))
			}
		}
	}

	if len(reasons) > 0 {
		return invalid(reasons...)
	}
	return nil
}
