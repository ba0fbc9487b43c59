// Package version parses and orders component versions.
//
// Versions are strict major.minor.patch triples with an optional
// pre-release tag ("2.53.0", "v3.0.1", "1.8.2-rc.1"). Numeric fields are
// compared numerically; when they are equal the pre-release tags are
// compared lexically.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
)

// Ordering is the result of comparing two versions.
type Ordering int

// Ordering values.
const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Less:
		return "LESS"
	case Equal:
		return "EQUAL"
	case Greater:
		return "GREATER"
	default:
		return "UNKNOWN"
	}
}

var (
	strictPattern = regexp.MustCompile(`^v?(0|[1-9][0-9]{0,8})\.(0|[1-9][0-9]{0,8})\.(0|[1-9][0-9]{0,8})(?:-([0-9A-Za-z][0-9A-Za-z.-]{0,63}))?$`)

	// embeddedPattern finds a version inside tool output such as
	// "node_exporter, version 1.7.0 (branch: HEAD, ...)".
	embeddedPattern = regexp.MustCompile(`(?:^|[^0-9A-Za-z.])v?([0-9]{1,9}\.[0-9]{1,9}\.[0-9]{1,9}(?:-[0-9A-Za-z][0-9A-Za-z.-]{0,63})?)(?:[^0-9A-Za-z.-]|$)`)
)

// Version is a parsed semantic version.
type Version struct {
	Major int
	Minor int
	Patch int
	Pre   string
}

// Parse parses a strict version string. A leading "v" is accepted.
func Parse(s string) (Version, error) {
	m := strictPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, &uperrors.InvalidVersionError{Output: s}
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch, Pre: m[4]}, nil
}

// MustParse is like Parse but panics on error. For constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Extract finds the first version in arbitrary probe output and validates
// it strictly. Output without a recognizable version is an
// InvalidVersionError; the raw string is never propagated as a version.
func Extract(output string) (Version, error) {
	for _, line := range strings.Split(output, "\n") {
		m := embeddedPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return Parse(m[1])
	}
	return Version{}, &uperrors.InvalidVersionError{Output: strings.TrimSpace(output)}
}

// String renders the version without a leading "v".
func (v Version) String() string {
	if v.Pre != "" {
		return fmt.Sprintf("%d.%d.%d-%s", v.Major, v.Minor, v.Patch, v.Pre)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsZero reports whether v is the zero value.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare orders a relative to b.
func Compare(a, b Version) Ordering {
	if c := cmpInt(a.Major, b.Major); c != Equal {
		return c
	}
	if c := cmpInt(a.Minor, b.Minor); c != Equal {
		return c
	}
	if c := cmpInt(a.Patch, b.Patch); c != Equal {
		return c
	}
	switch strings.Compare(a.Pre, b.Pre) {
	case -1:
		return Less
	case 1:
		return Greater
	default:
		return Equal
	}
}

// CompareStrings parses and compares two version strings.
func CompareStrings(a, b string) (Ordering, error) {
	va, err := Parse(a)
	if err != nil {
		return Equal, err
	}
	vb, err := Parse(b)
	if err != nil {
		return Equal, err
	}
	return Compare(va, vb), nil
}

// Less reports whether v orders before other.
func (v Version) Less(other Version) bool {
	return Compare(v, other) == Less
}

func cmpInt(a, b int) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}
