// Package relerr defines the semantic error kinds shared across relq's
// packages (schema, ast, dialect, query, session). Every kind wraps with
// github.com/pkg/errors so a caller can both errors.Is against the sentinel
// and print a stack-annotated message during development.
package relerr

import "github.com/pkg/errors"

// Kind is one of the named error categories relq's packages classify their
// failures under. Kind implements error so it can serve as an errors.Is
// target; Of and Wrap attach a Kind to a message to produce a reportable
// error.
type Kind struct {
	name string
}

func (k Kind) Error() string { return k.name }

var (
	InvalidSchema           = Kind{"invalid schema"}
	UnknownRelation         = Kind{"unknown relation"}
	InvalidSetOperand       = Kind{"invalid set operand"}
	UnsupportedDialectFeature = Kind{"unsupported dialect feature"}
	AliasCollision          = Kind{"alias collision"}
	CompileFailure          = Kind{"compile failure"}
	ExecutorFailure         = Kind{"executor failure"}
	TransactionAborted      = Kind{"transaction aborted"}
)

// Of wraps kind with a formatted message; the returned error's Is method
// matches kind, so errors.Is(err, relerr.InvalidSchema) keeps working.
func Of(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrap attaches kind to an existing error (e.g. one returned by an
// executor), keeping the original error as the proximate cause.
func Wrap(kind Kind, err error, context string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, context)}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.kind.name + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.kind
}
