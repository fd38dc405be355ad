package hush

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrBadPattern is returned for patterns doublestar cannot compile.
var ErrBadPattern = errors.New("invalid suppression pattern")

// pattern is a compiled gitignore-style path pattern.
type pattern struct {
	glob     string
	negated  bool
	dirOnly  bool
	anchored bool // leading "/" matches from the repository root only
}

// NormalizePattern trims whitespace and a leading "./" and converts
// separators, giving the form patterns are stored under.
func NormalizePattern(raw string) string {
	raw = filepath.ToSlash(strings.TrimSpace(raw))
	return strings.TrimPrefix(raw, "./")
}

func compile(raw string) (pattern, error) {
	line := NormalizePattern(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return pattern{}, fmt.Errorf("%w: %q", ErrBadPattern, raw)
	}

	var p pattern
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}

	// Patterns without a slash match the basename at any depth.
	if !p.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}
	if !doublestar.ValidatePattern(line) {
		return pattern{}, fmt.Errorf("%w: %q", ErrBadPattern, raw)
	}
	p.glob = line
	return p, nil
}

// match reports whether the file at path is covered by p, ignoring negation.
func (p pattern) match(path string) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	if p.dirOnly {
		parts := strings.Split(path, "/")
		for i := 1; i < len(parts); i++ {
			if matchGlob(p.glob, strings.Join(parts[:i], "/")) {
				return true
			}
		}
		return false
	}
	return matchGlob(p.glob, path)
}

func matchGlob(glob, path string) bool {
	if ok, _ := doublestar.Match(glob, path); ok {
		return true
	}
	// A directory pattern also covers everything below it.
	if !strings.HasSuffix(glob, "/**") {
		ok, _ := doublestar.Match(glob+"/**", path)
		return ok
	}
	return false
}
