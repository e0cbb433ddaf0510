package api

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

var ErrInvalidPath = errors.New("api: invalid object path")

// ObjectPath is a slash-delimited object identifier in canonical form.
// Values produced by ParseObjectPath are always canonical; the zero value
// is not a valid path.
type ObjectPath string

const RootPath ObjectPath = "/"

// ParseObjectPath validates s and returns its canonical form: repeated
// delimiters collapse to one and a trailing delimiter is dropped (except for
// the root path).
func ParseObjectPath(s string) (ObjectPath, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if s[0] != '/' {
		return "", fmt.Errorf("%w: %q must begin with /", ErrInvalidPath, s)
	}
	parts := strings.Split(s, "/")
	elems := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !validElement(p) {
			return "", fmt.Errorf("%w: %q has invalid element %q", ErrInvalidPath, s, p)
		}
		elems = append(elems, p)
	}
	if len(elems) == 0 {
		return RootPath, nil
	}
	return ObjectPath("/" + strings.Join(elems, "/")), nil
}

// MustObjectPath is ParseObjectPath for constants; it panics on bad input.
func MustObjectPath(s string) ObjectPath {
	p, err := ParseObjectPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func validElement(e string) bool {
	for _, r := range e {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func (p ObjectPath) String() string { return string(p) }

// DBus converts p to the godbus path type.
func (p ObjectPath) DBus() dbus.ObjectPath { return dbus.ObjectPath(p) }

// Parent returns the enclosing path; the root is its own parent.
func (p ObjectPath) Parent() ObjectPath {
	if p == RootPath || p == "" {
		return RootPath
	}
	i := strings.LastIndexByte(string(p), '/')
	if i <= 0 {
		return RootPath
	}
	return p[:i]
}

// Children returns the names of the direct child nodes of p found in paths,
// including intermediate nodes that have no object of their own. The result
// is sorted and deduplicated.
func (p ObjectPath) Children(paths []ObjectPath) []string {
	prefix := string(p)
	if p != RootPath {
		prefix += "/"
	}
	seen := make(map[string]struct{})
	for _, c := range paths {
		s := string(c)
		if c == p || !strings.HasPrefix(s, prefix) {
			continue
		}
		rest := s[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
