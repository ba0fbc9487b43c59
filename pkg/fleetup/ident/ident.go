// Package ident validates untrusted identifiers (component names, modes,
// checkpoint names) against a strict allow-list before they reach any
// path, state document, or process argument.
package ident

import (
	"regexp"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
)

// MaxLen bounds identifier length.
const MaxLen = 64

var pattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate returns a ValidationError if value is empty, too long, or
// contains anything outside [A-Za-z0-9_-]. Path separators, dots, quotes,
// whitespace and shell metacharacters are all rejected by construction.
func Validate(field, value string) error {
	switch {
	case value == "":
		return &uperrors.ValidationError{Field: field, Value: value, Rule: "must not be empty"}
	case len(value) > MaxLen:
		return &uperrors.ValidationError{Field: field, Value: value[:MaxLen], Rule: "must be at most 64 characters"}
	case !pattern.MatchString(value):
		return &uperrors.ValidationError{Field: field, Value: value, Rule: "must match [A-Za-z0-9_-]+"}
	}
	return nil
}

// Valid reports whether value passes Validate.
func Valid(value string) bool {
	return Validate("", value) == nil
}
