// Package exclude implements the pattern sets that keep paths out of a sync.
//
// A pattern is either a plain path relative to the collection root, or a
// doublestar glob. A Set can match either the path itself, or the path and
// everything beneath it.
package exclude

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/registry"
)

// Set is an unordered collection of path patterns.
type Set struct {
	patterns []string

	// recursive makes a match on a directory cover its contents as well.
	recursive bool
}

// NewSet returns a Set that matches paths that equal one of the patterns.
func NewSet(patterns ...string) (*Set, error) {
	return newSet(patterns, false)
}

// NewRecursiveSet returns a Set that matches paths that equal one of the
// patterns, or that are beneath a path that does.
func NewRecursiveSet(patterns ...string) (*Set, error) {
	return newSet(patterns, true)
}

func newSet(patterns []string, recursive bool) (*Set, error) {
	set := &Set{recursive: recursive}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		pattern = registry.Canonical(pattern)
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.New("invalid pattern %q", pattern)
		}
		set.patterns = append(set.patterns, pattern)
	}
	return set, nil
}

// Patterns returns the patterns in the set.
func (s *Set) Patterns() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.patterns...)
}

// Len returns the number of patterns.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

// Match returns whether `p` is covered by the set. A nil Set matches nothing.
func (s *Set) Match(p string) bool {
	if s == nil || len(s.patterns) == 0 {
		return false
	}

	p = registry.Canonical(p)
	if s.matchOne(p) {
		return true
	}

	if s.recursive {
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if s.matchOne(dir) {
				return true
			}
		}
	}
	return false
}

func (s *Set) matchOne(p string) bool {
	for _, pattern := range s.patterns {
		if pattern == "." || pattern == p {
			return true
		}

		// Patterns were validated when the set was created.
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}
