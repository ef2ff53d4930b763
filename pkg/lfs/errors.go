package lfs

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/fly-io/littlefs-tool/pkg/errors"
)

// Engine-level failures, mapped from whatever the backend reports.
var (
	ErrNotFound    = errors.New("lfs: no such file or directory")
	ErrExists      = errors.New("lfs: entry already exists")
	ErrNotDir      = errors.New("lfs: not a directory")
	ErrIsDir       = errors.New("lfs: is a directory")
	ErrNotEmpty    = errors.New("lfs: directory not empty")
	ErrNoSpace     = errors.New("lfs: no space left on image")
	ErrNameTooLong = errors.New("lfs: file name too long")
	ErrCorrupt     = errors.New("lfs: corrupted")
	ErrInvalid     = errors.New("lfs: invalid parameter")

	ErrNotMounted        = errors.New("lfs: filesystem is not mounted")
	ErrAlreadyMounted    = errors.New("lfs: image is already mounted")
	ErrConsumed          = errors.New("lfs: image data has been taken")
	ErrEngineUnavailable = errors.New("lfs: littlefs engine requires cgo")
)

// ConfigError reports an invalid geometry field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid image config: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == errors.ErrConfig }

// FormatError reports a buffer that could not be formatted.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format: %s: %v", e.Reason, e.Err)
	}
	return "format: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == errors.ErrFormat }

var engineErrors = []struct {
	sentinel error
	needles  []string
}{
	{ErrNotFound, []string{"no such file", "no directory entry", "noent", "not found", "does not exist"}},
	{ErrExists, []string{"already exists", "file exists"}},
	{ErrNotDir, []string{"not a directory", "is not a dir", "notdir"}},
	{ErrIsDir, []string{"is a directory", "is a dir", "isdir"}},
	{ErrNotEmpty, []string{"not empty", "notempty"}},
	{ErrNoSpace, []string{"no space", "nospc"}},
	{ErrNameTooLong, []string{"name too long", "nametoolong"}},
	{ErrCorrupt, []string{"corrupt"}},
	{ErrInvalid, []string{"invalid"}},
}

// mapError translates a backend error into one of the sentinels above while
// keeping the original message. Engines that know their error codes wrap the
// sentinel themselves; anything else falls back to matching the text.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	for _, e := range engineErrors {
		if errors.Is(err, e.sentinel) {
			return err
		}
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %v", ErrExists, err)
	}
	msg := strings.ToLower(err.Error())
	for _, e := range engineErrors {
		for _, n := range e.needles {
			if strings.Contains(msg, n) {
				return fmt.Errorf("%w: %v", e.sentinel, err)
			}
		}
	}
	return err
}
