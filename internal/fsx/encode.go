package fsx

import "strings"

// EncodePathKey renders p as the canonical database path key: the
// canonical string with a trailing "/" and no leading "./"; the empty
// relative path encodes as the empty string.
func EncodePathKey(p Path) (string, error) {
	if p.IsAbsolute() {
		return "", &ParseError{Input: p.AsString(), Reason: "database path keys must be relative"}
	}
	if !p.IsNormalized() {
		return "", &ParseError{Input: p.AsString(), Reason: "database path keys must be normalized"}
	}
	s := p.AsString()
	if s == "." {
		return "", nil
	}
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	if strings.HasPrefix(s, "./") {
		s = s[2:]
	}
	return s, nil
}

// IsEncodedPathKey reports whether s has the shape produced by
// EncodePathKey: the empty string, or a string ending in "/" that does not
// start with "./".
func IsEncodedPathKey(s string) bool {
	if s == "" {
		return true
	}
	return strings.HasSuffix(s, "/") && !strings.HasPrefix(s, "./")
}

// DecodePathKey decodes a key of the form EncodePathKey produces. It fails
// on keys IsEncodedPathKey rejects, and also on keys that pass it but hold
// an empty, "." or ".." segment (so a path with a ".." component does not
// round-trip).
func DecodePathKey(s string) (Path, error) {
	if s == "" {
		return Path{anchor: AnchorRelative, isDir: true}, nil
	}
	if !IsEncodedPathKey(s) {
		return Path{}, &ParseError{Input: s, Reason: "not a valid encoded path key"}
	}
	full := "/" + s
	if strings.Contains(full, "//") || strings.Contains(full, "/../") || strings.Contains(full, "/./") {
		return Path{}, &ParseError{Input: s, Reason: "encoded key contains an unnormalized segment"}
	}
	return New(s)
}
