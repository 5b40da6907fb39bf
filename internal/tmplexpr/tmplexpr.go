// Package tmplexpr implements the one template grammar shared by the
// Compiler's static I/O wiring check (§4.2 step 5) and the Engine's
// Template Binder (§4.4): ${ path } where
// path = ident ("." ident | "[" integer_or_quoted_string "]")*.
//
// Parsing is implemented once, here; neither the compiler nor the engine
// re-implements placeholder scanning. Parsed Placeholders are not cached:
// the compiler scans each template at compile time, and the engine's
// binder scans a binding's raw source expression again on every bind.
package tmplexpr

import (
	"fmt"
	"regexp"
	"strings"
)

// Placeholder is one ${...} occurrence found inside a larger string.
type Placeholder struct {
	Raw       string   // full match, e.g. "${n1.field}"
	Expr      string   // inner text, e.g. "n1.field"
	Root      string   // leading identifier, e.g. "n1"
	Segments  []string // remaining path segments, e.g. ["field"]
}

var placeholderPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// FindAll scans s for every ${...} occurrence and parses each one's inner
// expression into a Placeholder. A malformed inner expression is returned
// as an error alongside any placeholders successfully parsed before it,
// so callers can report every problem in one pass rather than stopping
// at the first one.
func FindAll(s string) ([]Placeholder, []error) {
	matches := placeholderPattern.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return nil, nil
	}
	var out []Placeholder
	var errs []error
	for _, m := range matches {
		root, segs, err := ParsePath(m[1])
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", m[0], err))
			continue
		}
		out = append(out, Placeholder{Raw: m[0], Expr: m[1], Root: root, Segments: segs})
	}
	return out, errs
}

// IsBarePlaceholder reports whether s is exactly one ${...} placeholder
// with no surrounding text, in which case binding should preserve the
// resolved value's native type instead of stringifying it.
func IsBarePlaceholder(s string) (Placeholder, bool) {
	m := placeholderPattern.FindStringSubmatch(s)
	if m == nil || m[0] != s {
		return Placeholder{}, false
	}
	root, segs, err := ParsePath(m[1])
	if err != nil {
		return Placeholder{}, false
	}
	return Placeholder{Raw: m[0], Expr: m[1], Root: root, Segments: segs}, true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// ParsePath parses `ident ("." ident | "[" integer_or_quoted_string "]")*`
// and returns the root identifier plus the remaining path segments
// (array indices and quoted keys are unquoted into plain strings so
// callers can join them into a gjson-style dotted path).
func ParsePath(expr string) (root string, segments []string, err error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", nil, fmt.Errorf("empty path expression")
	}
	i, n := 0, len(expr)

	if !isIdentStart(expr[0]) {
		return "", nil, fmt.Errorf("invalid path %q: must start with an identifier", expr)
	}
	start := i
	for i < n && isIdentChar(expr[i]) {
		i++
	}
	root = expr[start:i]

	for i < n {
		switch expr[i] {
		case '.':
			i++
			start = i
			for i < n && isIdentChar(expr[i]) {
				i++
			}
			if i == start {
				return "", nil, fmt.Errorf("invalid path %q: expected identifier after '.'", expr)
			}
			segments = append(segments, expr[start:i])
		case '[':
			i++
			start = i
			for i < n && expr[i] != ']' {
				i++
			}
			if i >= n {
				return "", nil, fmt.Errorf("invalid path %q: unterminated '['", expr)
			}
			tok := strings.Trim(expr[start:i], `"'`)
			if tok == "" {
				return "", nil, fmt.Errorf("invalid path %q: empty index", expr)
			}
			i++ // consume ']'
			segments = append(segments, tok)
		default:
			return "", nil, fmt.Errorf("invalid path %q: unexpected character %q", expr, expr[i])
		}
	}
	return root, segments, nil
}

// GJSONPath joins segments into a dotted path gjson.GetBytes understands.
func GJSONPath(segments []string) string {
	return strings.Join(segments, ".")
}
