// Package unpack recreates the contents of a mounted image on the host.
//
// Output is not transactional: when Unpack fails, everything extracted before
// the failing entry stays on disk.
package unpack

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/security"
)

var (
	// ErrDestinationExists is returned when a file would be overwritten
	// without Options.Overwrite, or when a host entry's kind differs from
	// the image entry at the same path.
	ErrDestinationExists = errors.New("destination exists")
	// ErrUnsafePath is returned for image entries whose names could escape
	// the destination.
	ErrUnsafePath = errors.New("unsafe path in image")
)

// Error is a failure to extract one entry.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("unpack %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == errors.ErrUnpack }

// Options controls an unpack run.
type Options struct {
	// Overwrite replaces existing host files. Existing directories are
	// always reused.
	Overwrite bool
	// Guard, when set, validates entry names and extracted sizes.
	Guard *security.Validator
	// Progress receives one line per extracted file.
	Progress io.Writer
}

// Report summarises an unpack run.
type Report struct {
	Dirs  int
	Files int
	Bytes int64
}

// Unpack walks fsys from its root and recreates every directory and file
// under dest, which is created if missing.
func Unpack(fsys *lfs.FS, dest string, opts Options) (*Report, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Path: dest, Err: err}
	}
	if opts.Guard != nil {
		opts.Guard.Reset()
	}

	report := &Report{}
	for entry, err := range fsys.Walk("/") {
		if err != nil {
			return report, &Error{Op: "read", Path: lfs.Clean(entry.Path), Err: err}
		}
		if err := extract(fsys, dest, entry, opts, report); err != nil {
			slog.Error("unpack_failed", "path", entry.Path, "error", err)
			return report, err
		}
	}
	slog.Info("unpack_complete", "dest", dest, "dirs", report.Dirs, "files", report.Files, "bytes", report.Bytes)
	return report, nil
}

func extract(fsys *lfs.FS, dest string, e lfs.DirEntry, opts Options, report *Report) error {
	src := lfs.Clean(e.Path)
	if err := checkPath(opts.Guard, e.Path); err != nil {
		return &Error{Op: "validate", Path: src, Err: err}
	}
	host := filepath.Join(dest, filepath.FromSlash(e.Path))

	if e.IsDir() {
		if err := os.MkdirAll(host, 0o755); err != nil {
			if typeConflict(err) {
				err = ErrDestinationExists
			}
			return &Error{Op: "mkdir", Path: host, Err: err}
		}
		report.Dirs++
		return nil
	}

	if opts.Guard != nil {
		if err := opts.Guard.ValidateFileSize(int64(e.Size)); err != nil {
			return &Error{Op: "validate", Path: src, Err: err}
		}
		if err := opts.Guard.AddExtractedSize(int64(e.Size)); err != nil {
			return &Error{Op: "validate", Path: src, Err: err}
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !opts.Overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(host, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) || typeConflict(err) {
			err = ErrDestinationExists
		}
		return &Error{Op: "create", Path: host, Err: err}
	}

	n, err := fsys.ReadTo(src, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &Error{Op: "write", Path: host, Err: err}
	}

	if opts.Progress != nil {
		fmt.Fprintf(opts.Progress, "  extract %s (%d bytes)\n", host, n)
	}
	slog.Debug("unpack_file_written", "path", host, "bytes", n)
	report.Files++
	report.Bytes += n
	return nil
}

// typeConflict reports a host entry whose kind differs from the image's: a
// directory where a file goes, or a file on the path of a directory.
func typeConflict(err error) bool {
	return errors.Is(err, syscall.EISDIR) || errors.Is(err, syscall.ENOTDIR)
}

// checkPath rejects names the host could interpret as traversal. The image
// side never produces them, but a crafted image can.
func checkPath(guard *security.Validator, rel string) error {
	if guard == nil {
		guard = defaultGuard
	}
	if err := guard.ValidatePath(rel); err != nil {
		return errors.Join(ErrUnsafePath, err)
	}
	base := rel
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		base = rel[i+1:]
	}
	if err := guard.ValidateEntryName(base); err != nil {
		return errors.Join(ErrUnsafePath, err)
	}
	return nil
}

var defaultGuard = security.NewValidator(0, 0, 0)
