// Package fsx implements the platform-neutral path value and filesystem
// memo used as the engine's invalidation criterion (spec §4.A).
package fsx

import (
	"fmt"
	"sort"
	"strings"
)

// Anchor describes how a Path's first component encodes absoluteness.
type Anchor int

const (
	// AnchorRelative is the empty first component: a relative path.
	AnchorRelative Anchor = iota
	// AnchorPOSIXRoot is a single leading "/".
	AnchorPOSIXRoot
	// AnchorPOSIXDoubleRoot is a leading "//", a second POSIX-standardized anchor.
	AnchorPOSIXDoubleRoot
)

// Path is a sequence of components. The first component encodes
// absoluteness; the rest contain no separator and no NUL byte.
type Path struct {
	anchor     Anchor
	components []string // excludes the anchor pseudo-component
	isDir      bool
}

// ParseError reports a syntactically invalid path string or component list.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Input, e.Reason)
}

// New builds a Path from a canonical-form string such as "a/b/c/" or
// "/a/b" or "." (the empty relative path). is_dir is inferred from a
// trailing slash, or forced true for "." and "..".
func New(s string) (Path, error) {
	if s == "" {
		return Path{}, &ParseError{Input: s, Reason: "empty path"}
	}

	anchor := AnchorRelative
	rest := s
	switch {
	case strings.HasPrefix(s, "//"):
		anchor = AnchorPOSIXDoubleRoot
		rest = s[2:]
	case strings.HasPrefix(s, "/"):
		anchor = AnchorPOSIXRoot
		rest = s[1:]
	}

	isDir := strings.HasSuffix(rest, "/") || rest == "" || rest == "."
	rest = strings.TrimSuffix(rest, "/")

	var comps []string
	if rest == "." {
		comps = nil
	} else if rest != "" {
		for _, c := range strings.Split(rest, "/") {
			if c == "" {
				return Path{}, &ParseError{Input: s, Reason: "empty component (repeated slash)"}
			}
			if strings.ContainsRune(c, 0) {
				return Path{}, &ParseError{Input: s, Reason: "component contains NUL"}
			}
			comps = append(comps, c)
		}
	}

	if len(comps) > 0 && comps[len(comps)-1] == ".." {
		isDir = true
	}

	return Path{anchor: anchor, components: comps, isDir: isDir}, nil
}

// FromComponents builds a Path from an explicit component slice plus
// absoluteness and is_dir flags.
func FromComponents(anchor Anchor, components []string, isDir bool) (Path, error) {
	for _, c := range components {
		if c == "" || strings.ContainsRune(c, '/') || strings.ContainsRune(c, 0) {
			return Path{}, &ParseError{Input: strings.Join(components, "/"), Reason: "invalid component " + c}
		}
	}
	cp := append([]string(nil), components...)
	if len(cp) > 0 && cp[len(cp)-1] == ".." {
		isDir = true
	}
	return Path{anchor: anchor, components: cp, isDir: isDir}, nil
}

// MustNew is New but panics on error; intended for static path literals.
func MustNew(s string) Path {
	p, err := New(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsAbsolute reports whether the path is rooted at a POSIX anchor.
func (p Path) IsAbsolute() bool { return p.anchor != AnchorRelative }

// IsDir reports whether the path denotes a directory.
func (p Path) IsDir() bool { return p.isDir }

// Components returns the path's components, excluding the anchor.
func (p Path) Components() []string { return append([]string(nil), p.components...) }

// IsNormalized reports the absence of "." components and of ".." components
// that are not a normalized leading run (a relative path may start with one
// or more ".." segments and still be considered normalized).
func (p Path) IsNormalized() bool {
	seenNonDotDot := false
	for _, c := range p.components {
		if c == "." {
			return false
		}
		if c == ".." {
			if seenNonDotDot {
				return false
			}
			continue
		}
		seenNonDotDot = true
	}
	return true
}

// WithIsDir returns a copy of p with is_dir set, failing only the spec's
// narrowing rule: is_dir can only be cleared (set false) if the final
// component is a proper name (the path is non-empty and its final
// component is not "..").
func (p Path) WithIsDir(isDir bool) (Path, error) {
	if !isDir {
		if len(p.components) == 0 {
			return Path{}, &ParseError{Input: p.AsString(), Reason: "cannot clear is_dir on the empty path"}
		}
		if p.components[len(p.components)-1] == ".." {
			return Path{}, &ParseError{Input: p.AsString(), Reason: "cannot clear is_dir when final component is '..'"}
		}
	}
	cp := p
	cp.isDir = isDir
	return cp, nil
}

// Join appends b to a. Fails unless a.IsDir() and b is relative.
func (a Path) Join(b Path) (Path, error) {
	if !a.isDir {
		return Path{}, &ParseError{Input: a.AsString(), Reason: "cannot join onto a non-directory path"}
	}
	if b.IsAbsolute() {
		return Path{}, &ParseError{Input: b.AsString(), Reason: "cannot join an absolute path"}
	}
	return Path{anchor: a.anchor, components: append(append([]string(nil), a.components...), b.components...), isDir: b.isDir}, nil
}

// Slice returns the sub-path of components [start:stop), preserving anchor
// only when start == 0.
func (p Path) Slice(start, stop int) (Path, error) {
	if start < 0 || stop > len(p.components) || start > stop {
		return Path{}, &ParseError{Input: p.AsString(), Reason: "slice out of range"}
	}
	anchor := AnchorRelative
	if start == 0 {
		anchor = p.anchor
	}
	isDir := p.isDir
	if stop != len(p.components) {
		isDir = true
	}
	return Path{anchor: anchor, components: append([]string(nil), p.components[start:stop]...), isDir: isDir}, nil
}

// RelativeTo returns p expressed relative to base. If collapsable is true,
// ".." segments introduced by a non-prefix match are allowed; otherwise base
// must be a literal component prefix of p.
func (p Path) RelativeTo(base Path, collapsable bool) (Path, error) {
	if p.anchor != base.anchor {
		return Path{}, &ParseError{Input: p.AsString(), Reason: "differing anchors"}
	}
	common := 0
	for common < len(p.components) && common < len(base.components) && p.components[common] == base.components[common] {
		common++
	}
	if common < len(base.components) && !collapsable {
		return Path{}, &ParseError{Input: p.AsString(), Reason: "not a descendant of base"}
	}
	var comps []string
	for i := common; i < len(base.components); i++ {
		comps = append(comps, "..")
	}
	comps = append(comps, p.components[common:]...)
	return Path{anchor: AnchorRelative, components: comps, isDir: p.isDir}, nil
}

// AsString renders the canonical string form: trailing "/" iff is_dir.
func (p Path) AsString() string {
	var b strings.Builder
	switch p.anchor {
	case AnchorPOSIXRoot:
		b.WriteString("/")
	case AnchorPOSIXDoubleRoot:
		b.WriteString("//")
	}
	if len(p.components) == 0 {
		if p.anchor == AnchorRelative {
			return "."
		}
		return b.String()
	}
	b.WriteString(strings.Join(p.components, "/"))
	if p.isDir {
		b.WriteString("/")
	}
	return b.String()
}

// AsNative renders the path using the host's native separator. On Windows
// that is "\\"; elsewhere it is identical to AsString.
func (p Path) AsNative(sep string) string {
	s := p.AsString()
	if sep == "/" {
		return s
	}
	return strings.ReplaceAll(s, "/", sep)
}

// Less implements the lexicographic order on (components, is_dir).
func (p Path) Less(other Path) bool {
	n := len(p.components)
	if len(other.components) < n {
		n = len(other.components)
	}
	for i := 0; i < n; i++ {
		if p.components[i] != other.components[i] {
			return p.components[i] < other.components[i]
		}
	}
	if len(p.components) != len(other.components) {
		return len(p.components) < len(other.components)
	}
	if p.isDir != other.isDir {
		return !p.isDir && other.isDir
	}
	return false
}

// Equal reports whether two paths have the same anchor, components, and
// is_dir flag.
func (p Path) Equal(other Path) bool {
	if p.anchor != other.anchor || p.isDir != other.isDir || len(p.components) != len(other.components) {
		return false
	}
	for i := range p.components {
		if p.components[i] != other.components[i] {
			return false
		}
	}
	return true
}

// Key is a hashable representation of the path suitable for use as a map key.
func (p Path) Key() string {
	return fmt.Sprintf("%d\x00%s\x00%v", p.anchor, strings.Join(p.components, "\x00"), p.isDir)
}

// SortPaths sorts a slice of Path in place per the lexicographic order.
func SortPaths(paths []Path) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].Less(paths[j]) })
}
