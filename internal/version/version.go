// Package version parses module versions and steps auto-increment expressions.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Placeholder marks the component of a version expression that is
// auto-incremented from the previously known version.
const Placeholder = "X"

var (
	// ErrMalformed is returned for versions or expressions that cannot be parsed.
	ErrMalformed = errors.New("malformed version")
	// ErrRegression is returned when the computed version would be lower than
	// the previously known one.
	ErrRegression = errors.New("version regression")
)

// Version is a dotted numeric version with two to four components.
type Version []int

// Parse parses a version like "1.2.3" or "1.2.3.4". A prerelease suffix
// ("1.2.3-preview1") is ignored.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	v := make(Version, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		v[i] = n
	}
	return v, nil
}

// String renders v in dotted form.
func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Compare returns -1, 0 or 1. Missing trailing components count as zero.
func Compare(a, b Version) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// Expr is a parsed version expression. Slot is the index of the placeholder
// component, or -1 when the expression is a literal version.
type Expr struct {
	Parts []int
	Slot  int
	raw   string
}

// ParseExpr parses an expression such as "2.3.X" or "1.0.0".
func ParseExpr(s string) (Expr, error) {
	raw := strings.TrimSpace(s)
	parts := strings.Split(raw, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return Expr{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	e := Expr{Parts: make([]int, len(parts)), Slot: -1, raw: raw}
	for i, p := range parts {
		if strings.EqualFold(p, Placeholder) {
			if e.Slot >= 0 {
				return Expr{}, fmt.Errorf("%w: %q has more than one placeholder", ErrMalformed, s)
			}
			e.Slot = i
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Expr{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		e.Parts[i] = n
	}
	if e.Slot >= 0 {
		for i := e.Slot + 1; i < len(parts); i++ {
			if e.Parts[i] != 0 {
				return Expr{}, fmt.Errorf("%w: %q has fixed components after the placeholder", ErrMalformed, s)
			}
		}
	}
	return e, nil
}

// Validate reports whether s is a well-formed expression.
func Validate(s string) error {
	_, err := ParseExpr(s)
	return err
}

// Next computes the concrete version for expr given the previously known
// version (empty when there is none). A literal expression is returned
// unchanged. For a placeholder expression the placeholder becomes
// previous[slot]+1 when every component before it matches previous, and 0
// when the expression starts a new series.
func Next(expr, previous string) (string, error) {
	e, err := ParseExpr(expr)
	if err != nil {
		return "", err
	}
	if e.Slot < 0 {
		return e.raw, nil
	}

	next := make(Version, len(e.Parts))
	copy(next, e.Parts)
	if strings.TrimSpace(previous) == "" {
		return next.String(), nil
	}

	prev, err := Parse(previous)
	if err != nil {
		return "", fmt.Errorf("previous version: %w", err)
	}

	prefix := Version(e.Parts[:e.Slot])
	prevPrefix := make(Version, e.Slot)
	for i := 0; i < e.Slot && i < len(prev); i++ {
		prevPrefix[i] = prev[i]
	}

	switch Compare(prefix, prevPrefix) {
	case 0:
		if e.Slot < len(prev) {
			next[e.Slot] = prev[e.Slot] + 1
		} else {
			next[e.Slot] = 1
		}
	case -1:
		return "", fmt.Errorf("%w: %s is below previous %s", ErrRegression, expr, previous)
	}

	if Compare(next, prev) <= 0 {
		return "", fmt.Errorf("%w: %s does not advance past %s", ErrRegression, next, previous)
	}
	return next.String(), nil
}
