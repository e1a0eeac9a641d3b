// Package wildcard compiles the "*"-only glob patterns used throughout the
// repository/package orchestrators (find-by-pattern, companion/dependency
// matching) into anchored matchers, the same way
// internal/repository/credentials.go matches auth entries against remote
// URLs: via github.com/gobwas/glob, which already implements anchored
// substring-free matching with an optional separator class.
package wildcard

import (
	"strings"

	"github.com/gobwas/glob"
)

// Matcher tests whole strings against a compiled pattern.
type Matcher struct {
	g glob.Glob
}

// Compile compiles p, whose only metacharacter is "*", into a Matcher.
// When sep is empty, "*" matches one or more of any character ("*" ≡
// ".+"); when sep is non-empty, "*" matches one or more characters not in
// sep, so wildcards cannot cross a separator (used by the package
// orchestrator to keep "name@repo" patterns from letting a "*" in the name
// half bleed into the repository half, and vice versa).
func Compile(p string, sep ...rune) (*Matcher, error) {
	parts := strings.Split(p, "*")
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	// glob's "*" also matches the empty string; "?*" requires at least one
	// character, and both honor the separator class.
	g, err := glob.Compile(strings.Join(parts, "?*"), sep...)
	if err != nil {
		return nil, err
	}
	return &Matcher{g: g}, nil
}

// MustCompile is Compile but panics on error, for patterns known at
// compile time.
func MustCompile(p string, sep ...rune) *Matcher {
	m, err := Compile(p, sep...)
	if err != nil {
		panic(err)
	}
	return m
}

// Matches reports whether s satisfies the compiled pattern in full.
func (m *Matcher) Matches(s string) bool {
	return m.g.Match(s)
}
