// Package filter matches message routing keys against output filter
// patterns. Patterns are dot-separated: "*" matches exactly one segment,
// "#" (final segment only) matches any remaining suffix, and anything else
// matches literally. The empty pattern matches every key.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter is a compiled routing-key pattern.
type Filter struct {
	pattern string
	re      *regexp.Regexp
}

// Compile builds a filter from a pattern.
func Compile(pattern string) (*Filter, error) {
	clean := strings.TrimSpace(pattern)
	if clean == "" {
		return &Filter{}, nil
	}

	var b strings.Builder
	b.WriteString("^")
	segs := strings.Split(clean, ".")
	for i, seg := range segs {
		if i > 0 {
			b.WriteString(`\.`)
		}
		switch seg {
		case "*":
			b.WriteString(`[^.]+`)
		case "#":
			if i != len(segs)-1 {
				return nil, fmt.Errorf("filter %q: # is only valid as the final segment", pattern)
			}
			b.WriteString(`.+`)
		default:
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", pattern, err)
	}
	return &Filter{pattern: clean, re: re}, nil
}

// Match reports whether the routing key matches the pattern.
// A nil or empty filter matches everything.
func (f *Filter) Match(key string) bool {
	if f == nil || f.re == nil {
		return true
	}
	return f.re.MatchString(key)
}

// Pattern returns the original pattern.
func (f *Filter) Pattern() string {
	if f == nil {
		return ""
	}
	return f.pattern
}
