// Package errors provides error constructors and a MultiError container.
package errors

import (
	"errors"
	"fmt"
)

func New(text string) error {
	return errors.New(text)
}

func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// PrefixError wraps the error with a prefix message.
func PrefixError(err error, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, err)
}

func PrefixErrorf(err error, format string, a ...any) error {
	return PrefixError(err, fmt.Sprintf(format, a...))
}
