// Package ident validates and normalizes the database, table and column names
// that end up interpolated into SQL text.
//
// Placeholders can only bind values, so every identifier spliced into a
// statement must first become a Name through Parse. The SQL builders in this
// module accept Name, never string, for identifiers.
package ident

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLength is the longest identifier accepted (PostgreSQL NAMEDATALEN - 1).
const MaxLength = 63

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Name is an identifier that passed Parse.
type Name string

// String returns the raw identifier.
func (n Name) String() string { return string(n) }

// InvalidIdentifierError is returned when a name is empty, starts with a digit,
// is too long or contains characters outside [A-Za-z0-9_].
type InvalidIdentifierError struct {
	Kind   string
	Name   string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "identifier"
	}
	return fmt.Sprintf("invalid %s %q: %s", kind, e.Name, e.Reason)
}

// Parse validates s against the safe identifier grammar.
func Parse(s string) (Name, error) {
	return ParseKind("identifier", s)
}

// ParseKind is Parse with the kind of name ("database", "table", "column")
// recorded in the error.
func ParseKind(kind, s string) (Name, error) {
	switch {
	case s == "":
		return "", &InvalidIdentifierError{Kind: kind, Name: s, Reason: "must not be empty"}
	case len(s) > MaxLength:
		return "", &InvalidIdentifierError{Kind: kind, Name: s, Reason: fmt.Sprintf("must be at most %d characters", MaxLength)}
	case s[0] >= '0' && s[0] <= '9':
		return "", &InvalidIdentifierError{Kind: kind, Name: s, Reason: "must not start with a digit"}
	case !validName.MatchString(s):
		return "", &InvalidIdentifierError{Kind: kind, Name: s, Reason: "may only contain letters, digits and underscores"}
	}
	return Name(s), nil
}

// MustParse is Parse for compile-time constants.
func MustParse(s string) Name {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ParseAll parses every name, stopping at the first invalid one.
func ParseAll(kind string, names []string) ([]Name, error) {
	out := make([]Name, 0, len(names))
	for _, s := range names {
		n, err := ParseKind(kind, s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Clean turns free-form header text into identifier shape: a leading BOM and
// surrounding space are dropped, the result is lower-cased, every character
// outside [a-z0-9_] becomes '_' and a leading digit gets a '_' prefix.
// Output is cut to MaxLength. Clean may return ""; callers still Parse.
func Clean(raw string) string {
	raw = strings.TrimPrefix(raw, "\uFEFF")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw) + 1)
	for _, r := range strings.ToLower(raw) {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}

	out := b.String()
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	if len(out) > MaxLength {
		out = out[:MaxLength]
	}
	return out
}

// Strings converts names back to plain strings.
func Strings(names []Name) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}
