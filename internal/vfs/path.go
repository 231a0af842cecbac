package vfs

import "strings"

// MaxNameLen is the longest accepted path segment, in bytes.
const MaxNameLen = 255

// SplitPath breaks a slash-separated path into its segments. Leading,
// trailing and repeated slashes are ignored, so "", "/" and "//" all name the
// root and yield no segments. Segments "." and "..", names containing NUL
// and names longer than MaxNameLen are rejected with ErrInvalidArgument.
func SplitPath(p string) ([]string, error) {
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if err := ValidateName(seg); err != nil {
			return nil, err
		}
		parts = append(parts, seg)
	}
	return parts, nil
}

// ValidateName checks a single path segment.
func ValidateName(name string) error {
	switch {
	case name == "":
		return ErrInvalidArgument
	case name == "." || name == "..":
		return ErrInvalidArgument
	case len(name) > MaxNameLen:
		return ErrInvalidArgument
	case strings.ContainsRune(name, 0):
		return ErrInvalidArgument
	}
	return nil
}

// SplitParent splits a path into its parent segments and leaf name.
// The root has no leaf and yields ErrInvalidArgument.
func SplitParent(p string) (parent []string, leaf string, err error) {
	parts, err := SplitPath(p)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", ErrInvalidArgument
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

// JoinPath renders segments back into an absolute path.
func JoinPath(parts []string) string {
	return "/" + strings.Join(parts, "/")
}

// SameParent reports whether two paths name entries in the same directory.
// Both paths must be valid and non-root.
func SameParent(a, b string) (bool, error) {
	pa, _, err := SplitParent(a)
	if err != nil {
		return false, err
	}
	pb, _, err := SplitParent(b)
	if err != nil {
		return false, err
	}
	return JoinPath(pa) == JoinPath(pb), nil
}
