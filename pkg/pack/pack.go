// Package pack replays a host directory tree into a mounted image.
package pack

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

// ErrorPolicy decides what happens after a host-side failure.
type ErrorPolicy int

const (
	// Abort stops at the first failure. This is the default.
	Abort ErrorPolicy = iota
	// Continue records the failure in Report.Failed and moves on. Image
	// errors such as running out of space still abort.
	Continue
)

// Options controls a pack run.
type Options struct {
	OnError ErrorPolicy
	// Walker selects and orders the host entries. Nil walks root unfiltered.
	Walker *walk.Walker
	// ChunkSize is the size of each write call. Zero uses the image write
	// size.
	ChunkSize int
	// Progress receives one line per directory and file.
	Progress io.Writer
	// Engine overrides the filesystem engine used by Build.
	Engine lfs.Engine
}

// Report summarises a pack run.
type Report struct {
	Dirs     int
	Files    int
	Bytes    int64
	Warnings []Warning
	Failed   []*Error
}

// openHost is replaced in tests to simulate unreadable files.
var openHost = func(name string) (io.ReadCloser, error) { return os.Open(name) }

// Pack walks root and recreates every directory and regular file in fsys.
// On failure the image holds everything written before the failing entry.
func Pack(fsys *lfs.FS, root string, opts Options) (*Report, error) {
	w := opts.Walker
	if w == nil {
		var err error
		if w, err = walk.New(root, walk.Options{}); err != nil {
			return nil, &Error{Op: "walk", Path: root, Err: err}
		}
	}
	p := &packer{fsys: fsys, opts: opts, report: &Report{}}
	if p.opts.ChunkSize <= 0 {
		p.opts.ChunkSize = int(fsys.Config().WriteSize)
	}

	slog.Debug("pack_start", "root", w.Root(), "chunk_size", p.opts.ChunkSize)
	for entry, err := range w.Entries() {
		if err != nil {
			if ferr := p.fail(&Error{Op: "walk", Path: entry.HostPath, Err: err}); ferr != nil {
				return p.report, ferr
			}
			continue
		}
		if err := p.entry(entry); err != nil {
			return p.report, err
		}
	}
	slog.Info("pack_complete", "root", w.Root(), "dirs", p.report.Dirs, "files", p.report.Files, "bytes", p.report.Bytes)
	return p.report, nil
}

type packer struct {
	fsys   *lfs.FS
	opts   Options
	report *Report
}

// fail applies the error policy. It returns nil when the failure was
// recorded and packing may go on.
func (p *packer) fail(e *Error) error {
	if p.opts.OnError == Continue && e.host() {
		slog.Warn("pack_entry_failed", "op", e.Op, "path", e.Path, "error", e.Err)
		p.report.Failed = append(p.report.Failed, e)
		return nil
	}
	slog.Error("pack_failed", "op", e.Op, "path", e.Path, "error", e.Err)
	return e
}

func (p *packer) progress(format string, args ...any) {
	if p.opts.Progress != nil {
		fmt.Fprintf(p.opts.Progress, format+"\n", args...)
	}
}

func (p *packer) entry(e walk.Entry) error {
	target := lfs.Clean(e.Path)
	switch e.Kind {
	case walk.Dir:
		if err := p.checkNames(target); err != nil {
			return p.fail(&Error{Op: "mkdir", Path: target, Err: err})
		}
		p.progress("  mkdir  %s", target)
		if err := p.fsys.CreateDirAll(target); err != nil {
			return p.fail(&Error{Op: "mkdir", Path: target, Err: err})
		}
		p.report.Dirs++
	case walk.File:
		if err := p.checkNames(target); err != nil {
			return p.fail(&Error{Op: "write", Path: target, Err: err})
		}
		return p.file(e, target)
	default:
		slog.Warn("pack_entry_skipped", "path", e.HostPath, "mode", e.Mode.String())
		p.report.Warnings = append(p.report.Warnings, Warning{Path: e.HostPath, Err: ErrUnsupportedEntry})
	}
	return nil
}

func (p *packer) checkNames(target string) error {
	limit := p.fsys.Config().NameMax
	if limit == 0 {
		limit = lfs.DefaultNameMax
	}
	for _, part := range strings.Split(strings.TrimPrefix(target, "/"), "/") {
		if uint32(len(part)) > limit {
			return fmt.Errorf("%q is %d bytes, limit %d: %w", part, len(part), limit, ErrPathTooLong)
		}
	}
	return nil
}

func (p *packer) file(e walk.Entry, target string) error {
	f, err := openHost(e.HostPath)
	if err != nil {
		return p.fail(&Error{Op: "read", Path: e.HostPath, Err: err})
	}
	defer f.Close()

	src := &hostReader{r: f}
	n, err := p.fsys.WriteFrom(target, src, p.opts.ChunkSize)
	if src.err != nil {
		// Leave no half-written file behind for the Continue policy.
		if rerr := p.fsys.Remove(target); rerr != nil && !errors.Is(rerr, lfs.ErrNotFound) {
			return p.fail(&Error{Op: "write", Path: target, Err: rerr})
		}
		return p.fail(&Error{Op: "read", Path: e.HostPath, Err: src.err})
	}
	if err != nil {
		return p.fail(&Error{Op: "write", Path: target, Err: err})
	}

	p.progress("  write  %s (%d bytes)", target, n)
	slog.Debug("pack_file_written", "path", target, "bytes", n)
	p.report.Files++
	p.report.Bytes += n
	return nil
}

// hostReader remembers read failures so they can be told apart from
// image write failures.
type hostReader struct {
	r   io.Reader
	err error
}

func (h *hostReader) Read(b []byte) (int, error) {
	n, err := h.r.Read(b)
	if err != nil && err != io.EOF {
		h.err = err
	}
	return n, err
}

// Build creates a fresh image for cfg, packs root into it and returns the
// raw buffer.
func Build(root string, cfg lfs.ImageConfig, opts Options) ([]byte, *Report, error) {
	var imgOpts []lfs.Option
	if opts.Engine != nil {
		imgOpts = append(imgOpts, lfs.WithEngine(opts.Engine))
	}
	img, err := lfs.New(cfg, imgOpts...)
	if err != nil {
		return nil, nil, err
	}
	if err := img.Format(); err != nil {
		return nil, nil, err
	}

	var report *Report
	err = img.MountAndThen(func(fsys *lfs.FS) error {
		var perr error
		report, perr = Pack(fsys, root, opts)
		return perr
	})
	if err != nil {
		return nil, report, err
	}

	data, err := img.IntoData()
	if err != nil {
		return nil, report, err
	}
	return data, report, nil
}
