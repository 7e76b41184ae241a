package errors

import (
	baseerrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return baseerrors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return baseerrors.Is(err, target)
}

// As finds the first error in err's chain matching target.
func As(err error, target interface{}) bool {
	return baseerrors.As(err, target)
}

type contextError struct {
	context string
	err     error
}

// WithContext annotates err with a description of the operation that
// produced it, preserving the chain for Is/As.
func WithContext(err error, context string) error {
	return contextError{context: context, err: err}
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %v", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}
