package sqlstmt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	errUnterminatedLiteral = errors.New("unterminated string literal")

	plainIdentifier = regexp.MustCompile(`^\w+$`)
	bracketContent  = regexp.MustCompile(`^[\w\s:+\-*]*$`)
	dollarTagChars  = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// normalize upper-cases the statement, blanks the contents of every string
// literal and collapses whitespace, so keyword checks never match inside
// literals. It understands '...' with doubled quotes, E'...' with backslash
// escapes, "..." identifiers and $tag$...$tag$ bodies. Anything it cannot
// scan unambiguously is an error, never a pass.
func normalize(sql string) (string, error) {
	src := []rune(sql)
	var b strings.Builder
	b.Grow(len(sql))

	for i := 0; i < len(src); {
		r := src[i]
		switch {
		case r == '\'':
			end, err := scanString(src, i+1, false)
			if err != nil {
				return "", err
			}
			b.WriteString("'?'")
			i = end

		case (r == 'E' || r == 'e') && i+1 < len(src) && src[i+1] == '\'' && !identRuneBefore(src, i):
			end, err := scanString(src, i+2, true)
			if err != nil {
				return "", err
			}
			b.WriteString("'?'")
			i = end

		case r == '"':
			name, end, err := scanIdentifier(src, i+1)
			if err != nil {
				return "", err
			}
			b.WriteString(`"` + name + `"`)
			i = end

		case r == '$' && !identRuneBefore(src, i):
			if i+1 < len(src) && unicode.IsDigit(src[i+1]) {
				// Positional parameter such as $1.
				b.WriteRune(r)
				i++
				continue
			}
			end, err := scanDollarQuoted(src, i)
			if err != nil {
				return "", err
			}
			b.WriteString("'?'")
			i = end

		case r == '`':
			return "", errors.New("backquoted identifiers are not supported")

		case r == '[':
			end := indexRune(src, i+1, ']')
			if end < 0 || !bracketContent.MatchString(string(src[i+1:end])) {
				return "", errors.New("unsupported bracket expression")
			}
			b.WriteString(string(src[i : end+1]))
			i = end + 1

		default:
			b.WriteRune(r)
			i++
		}
	}
	return strings.Join(strings.Fields(strings.ToUpper(b.String())), " "), nil
}

// scanString returns the index just past the closing quote of a literal
// whose body starts at start. A backslash before a quote in a standard
// literal is refused: its meaning depends on standard_conforming_strings.
func scanString(src []rune, start int, backslashEscapes bool) (int, error) {
	for j := start; j < len(src); j++ {
		switch src[j] {
		case '\\':
			if backslashEscapes {
				j++
				continue
			}
			if j+1 < len(src) && src[j+1] == '\'' {
				return 0, errors.New("backslash before quote in string literal is ambiguous")
			}
		case '\'':
			if j+1 < len(src) && src[j+1] == '\'' {
				j++
				continue
			}
			return j + 1, nil
		}
	}
	return 0, errUnterminatedLiteral
}

// scanIdentifier reads a double-quoted identifier body. Only plain word
// characters are accepted so the name can be matched against table lists.
func scanIdentifier(src []rune, start int) (string, int, error) {
	var name strings.Builder
	for j := start; j < len(src); j++ {
		if src[j] != '"' {
			name.WriteRune(src[j])
			continue
		}
		if j+1 < len(src) && src[j+1] == '"' {
			name.WriteRune('"')
			j++
			continue
		}
		if !plainIdentifier.MatchString(name.String()) {
			return "", 0, fmt.Errorf("quoted identifier %q is not supported", name.String())
		}
		return name.String(), j + 1, nil
	}
	return "", 0, errors.New("unterminated quoted identifier")
}

// scanDollarQuoted handles $$...$$ and $tag$...$tag$ starting at src[start].
func scanDollarQuoted(src []rune, start int) (int, error) {
	tagEnd := indexRune(src, start+1, '$')
	if tagEnd < 0 {
		return 0, errors.New("unsupported $ token")
	}
	tag := string(src[start+1 : tagEnd])
	if tag != "" && !dollarTagChars.MatchString(tag) {
		return 0, errors.New("unsupported $ token")
	}
	delim := "$" + tag + "$"
	body := string(src[tagEnd+1:])
	idx := strings.Index(body, delim)
	if idx < 0 {
		return 0, errors.New("unterminated dollar-quoted string")
	}
	return tagEnd + 1 + len([]rune(body[:idx])) + len([]rune(delim)), nil
}

func identRuneBefore(src []rune, i int) bool {
	if i == 0 {
		return false
	}
	r := src[i-1]
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func indexRune(src []rune, start int, r rune) int {
	for j := start; j < len(src); j++ {
		if src[j] == r {
			return j
		}
	}
	return -1
}
