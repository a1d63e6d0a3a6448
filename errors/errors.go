package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(2), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(2), fmt.Sprintf(format, a...), err)
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// Is, As, Join and Unwrap mirror the standard library so callers only need
// to import this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }
