package errors

import (
	"strings"
	"sync"
)

// MultiError is a goroutine-safe container for zero or more errors.
type MultiError interface {
	error
	Len() int
	Append(errs ...error)
	AppendWithPrefix(err error, prefix string)
	WrappedErrors() []error
	ErrorOrNil() error
	Unwrap() []error
}

type multiError struct {
	lock *sync.Mutex
	errs []error
}

func NewMultiError() MultiError {
	return &multiError{lock: &sync.Mutex{}}
}

func (e *multiError) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.errs)
}

func (e *multiError) Append(errs ...error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, err := range errs {
		if err != nil {
			e.errs = append(e.errs, err)
		}
	}
}

func (e *multiError) AppendWithPrefix(err error, prefix string) {
	e.Append(PrefixError(err, prefix))
}

func (e *multiError) WrappedErrors() []error {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

func (e *multiError) Unwrap() []error {
	return e.WrappedErrors()
}

func (e *multiError) ErrorOrNil() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}

func (e *multiError) Error() string {
	errs := e.WrappedErrors()
	switch len(errs) {
	case 0:
		return ""
	case 1:
		return errs[0].Error()
	default:
		var out strings.Builder
		out.WriteString(errs[0].Error())
		for _, err := range errs[1:] {
			out.WriteString("; ")
			out.WriteString(err.Error())
		}
		return out.String()
	}
}
