package pack

import (
	"fmt"

	"github.com/fly-io/littlefs-tool/pkg/errors"
)

var (
	// ErrPathTooLong is returned when a path element is longer than the
	// image's name limit.
	ErrPathTooLong = errors.New("path element exceeds the image name limit")
	// ErrUnsupportedEntry marks symlinks, devices and other special files.
	// It only ever appears in Report.Warnings.
	ErrUnsupportedEntry = errors.New("unsupported entry kind")
)

// Error is a failure to pack one entry.
type Error struct {
	// Op is one of "walk", "read", "mkdir" or "write".
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pack %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == errors.ErrPack }

// host reports whether the failure came from the host side, which the
// Continue policy may skip.
func (e *Error) host() bool {
	return e.Op == "walk" || e.Op == "read" || errors.Is(e.Err, ErrPathTooLong)
}

// Warning is a non-fatal condition recorded during a pack.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %v", w.Path, w.Err)
}
