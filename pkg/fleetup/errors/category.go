// Package errors holds the upgrade failure types and decides how far each
// failure reaches: one retry, one component, the session, or the operator.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category is the blast radius of a failure.
type Category int

const (
	// CategoryTransient failures may clear on their own: a probe timing
	// out, a service still binding its port.
	CategoryTransient Category = iota

	// CategoryPermanent failures stop the current component only.
	CategoryPermanent

	// CategoryFatal failures end the session (corrupt state, lost lock).
	CategoryFatal

	// CategoryOperator failures leave a host in a state nobody should
	// touch automatically, such as a rollback that did not come back healthy.
	CategoryOperator
)

var categoryNames = [...]string{
	CategoryTransient: "transient",
	CategoryPermanent: "permanent",
	CategoryFatal:     "fatal",
	CategoryOperator:  "operator_required",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// CategorizedError pins a category on err, overriding what Categorize
// would infer from its type.
type CategorizedError struct {
	Err      error
	Category Category
	Retries  int    // tries made before giving up
	Context  string // the operation that failed, if known
}

func (e *CategorizedError) Error() string {
	msg := e.Err.Error()
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	if e.Retries > 0 {
		return fmt.Sprintf("%s [%s after %d tries]", msg, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Category)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: op}
}

// Permanent marks err as final for the component it was raised for.
func Permanent(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: op}
}

// typeCategories maps typed failures to their category. First match wins,
// so rollback failures are checked before anything they might wrap.
var typeCategories = []struct {
	match    func(error) bool
	category Category
}{
	{asType[*RollbackFailedError], CategoryOperator},
	{asType[*CorruptStateError], CategoryFatal},
	{asType[*LockTimeoutError], CategoryFatal},
	{asType[*TimeoutError], CategoryTransient},
	{func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }, CategoryTransient},
}

func asType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// Categorize reports the category of err. An explicit CategorizedError
// anywhere in the chain wins. Validation, security, version and health
// errors, and anything unrecognised, are Permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	var pinned *CategorizedError
	if errors.As(err, &pinned) {
		return pinned.Category
	}
	for _, tc := range typeCategories {
		if tc.match(err) {
			return tc.category
		}
	}
	return CategoryPermanent
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsFatal reports whether err must stop the session.
func IsFatal(err error) bool {
	c := Categorize(err)
	return c == CategoryFatal || c == CategoryOperator
}

// NeedsOperator reports whether a human must intervene.
func NeedsOperator(err error) bool {
	return Categorize(err) == CategoryOperator
}
