// Package errors provides error wrapping utilities and the error kinds shared
// by the image, pack, unpack and sync layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error kinds. Typed errors in the other packages match one of these through
// errors.Is so callers can branch on the kind without importing every package.
var (
	ErrConfig = stderrors.New("invalid configuration")
	ErrFormat = stderrors.New("format failed")
	ErrPack   = stderrors.New("pack failed")
	ErrUnpack = stderrors.New("unpack failed")
	ErrSync   = stderrors.New("sync failed")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf is Wrap with a formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New, Is, As and Join re-export the standard library helpers so callers only
// need one errors import.
func New(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
