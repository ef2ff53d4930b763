// Package walk traverses a host directory tree in the deterministic order the
// packer and the fingerprint rely on: depth-first, each directory sorted by
// name, with optional hidden, gitignore and glob filtering.
package walk

import (
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/gobwas/glob"
)

// Kind classifies a host entry.
type Kind uint8

const (
	File Kind = iota + 1
	Dir
	// Other covers symlinks, devices, sockets and pipes.
	Other
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Dir:
		return "dir"
	default:
		return "other"
	}
}

// Entry is one host path below the walk root.
type Entry struct {
	// Path is relative to the root and slash separated.
	Path     string
	HostPath string
	Kind     Kind
	// Size is zero for anything but regular files.
	Size int64
	Mode fs.FileMode
}

// Name is the last element of Path.
func (e Entry) Name() string {
	if i := strings.LastIndexByte(e.Path, '/'); i >= 0 {
		return e.Path[i+1:]
	}
	return e.Path
}

// Depth is the number of path elements, so children of the root are at 1.
func (e Entry) Depth() int {
	return strings.Count(e.Path, "/") + 1
}

// Options controls filtering. The zero value walks everything.
type Options struct {
	// MaxDepth limits how deep entries are reported; children of the root
	// are at depth 1. Zero or negative means unlimited.
	MaxDepth      int
	IgnoreHidden  bool
	GitIgnore     bool
	RepoGitIgnore bool
	// Ignores are glob patterns matched against the entry name and its
	// relative path.
	Ignores []string
	// Includes rescue entries dropped by any other filter when their name
	// matches. Missing parent directories of a rescued entry are emitted too.
	Includes []string
}

// Walker is a reusable, restartable traversal of one root.
type Walker struct {
	root     string
	opts     Options
	ignores  []glob.Glob
	includes []glob.Glob
	repo     *repoIgnores
}

// New compiles the options for root. Bad glob patterns fail here rather than
// during the walk.
func New(root string, opts Options) (*Walker, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve walk root")
	}
	w := &Walker{root: abs, opts: opts}

	if w.ignores, err = compileAll(opts.Ignores); err != nil {
		return nil, errors.Wrap(err, "glob_ignores")
	}
	if w.includes, err = compileAll(opts.Includes); err != nil {
		return nil, errors.Wrap(err, "glob_includes")
	}
	if opts.RepoGitIgnore {
		w.repo = loadRepoIgnores(abs)
	}
	return w, nil
}

// Root returns the absolute walk root.
func (w *Walker) Root() string { return w.root }

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(err, "compile %q", p)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, name, rel string) bool {
	for _, g := range globs {
		if g.Match(name) || g.Match(rel) {
			return true
		}
	}
	return false
}

// Entries yields every reported entry below the root. Errors reading a
// directory are yielded with that directory's entry and the walk continues
// with its siblings if the consumer keeps iterating.
func (w *Walker) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		info, err := os.Stat(w.root)
		if err != nil {
			yield(Entry{HostPath: w.root, Kind: Dir}, errors.Wrap(err, "walk root"))
			return
		}
		if !info.IsDir() {
			yield(Entry{HostPath: w.root}, errors.Wrapf(errNotDir, "walk root %s", w.root))
			return
		}
		t := &traversal{w: w, yield: yield}
		var rules []ignoreRule
		if w.repo != nil {
			rules = w.repo.rules
		}
		t.dir(w.root, "", true, rules)
	}
}

// Collect drains the walk into a slice, stopping at the first error.
func (w *Walker) Collect() ([]Entry, error) {
	var out []Entry
	for e, err := range w.Entries() {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

var errNotDir = errors.New("not a directory")

type traversal struct {
	w       *Walker
	yield   func(Entry, error) bool
	pending []Entry
	stopped bool
}

func (t *traversal) emit(e Entry, err error) bool {
	if t.stopped {
		return false
	}
	if !t.yield(e, err) {
		t.stopped = true
	}
	return !t.stopped
}

// flush emits directories that were skipped by the filters but now hold a
// rescued entry.
func (t *traversal) flush() bool {
	for _, p := range t.pending {
		if !t.emit(p, nil) {
			return false
		}
	}
	t.pending = t.pending[:0]
	return true
}

// dir visits hostDir. active is false once an ancestor was filtered out; the
// subtree is then only searched for include matches.
func (t *traversal) dir(hostDir, rel string, active bool, rules []ignoreRule) bool {
	if active && t.w.opts.GitIgnore {
		rules = appendTreeIgnores(rules, hostDir, t.w.repoParts(rel))
	}

	des, err := os.ReadDir(hostDir)
	if err != nil {
		return t.emit(Entry{Path: rel, HostPath: hostDir, Kind: Dir}, errors.Wrapf(err, "read dir %s", hostDir))
	}
	sort.Slice(des, func(i, j int) bool { return des[i].Name() < des[j].Name() })

	for _, de := range des {
		name := de.Name()
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		entry, err := t.w.entry(filepath.Join(hostDir, name), childRel, de)
		if err != nil {
			if !t.emit(entry, err) {
				return false
			}
			continue
		}

		depth, limit := entry.Depth(), t.w.opts.MaxDepth
		if limit > 0 && depth > limit {
			continue
		}
		canDescend := entry.Kind == Dir && (limit <= 0 || depth < limit)

		if active && t.w.keep(entry, rules) {
			if !t.emit(entry, nil) {
				return false
			}
			if canDescend && !t.dir(entry.HostPath, childRel, true, rules) {
				return false
			}
			continue
		}

		if len(t.w.includes) == 0 {
			continue
		}
		rescued := entry.Kind != Other && matchAny(t.w.includes, name, childRel)
		if rescued {
			if !t.flush() || !t.emit(entry, nil) {
				return false
			}
		}
		if canDescend {
			mark := len(t.pending)
			if !rescued {
				t.pending = append(t.pending, entry)
			}
			if !t.dir(entry.HostPath, childRel, false, nil) {
				return false
			}
			if len(t.pending) > mark {
				t.pending = t.pending[:mark]
			}
		}
	}
	return true
}

func (w *Walker) entry(hostPath, rel string, de fs.DirEntry) (Entry, error) {
	e := Entry{Path: rel, HostPath: hostPath}
	info, err := de.Info()
	if err != nil {
		e.Kind = Other
		return e, errors.Wrapf(err, "stat %s", hostPath)
	}
	e.Mode = info.Mode()
	switch {
	case info.Mode().IsRegular():
		e.Kind = File
		e.Size = info.Size()
	case info.IsDir():
		e.Kind = Dir
	default:
		e.Kind = Other
	}
	return e, nil
}

func (w *Walker) keep(e Entry, rules []ignoreRule) bool {
	name := e.Name()
	if w.opts.IgnoreHidden && strings.HasPrefix(name, ".") {
		return false
	}
	if matchAny(w.ignores, name, e.Path) {
		return false
	}
	if len(rules) > 0 && ignored(rules, w.repoParts(e.Path), e.Kind == Dir) {
		return false
	}
	return true
}

// repoParts turns a root-relative path into path elements relative to the
// base the gitignore patterns were parsed against.
func (w *Walker) repoParts(rel string) []string {
	var parts []string
	if w.repo != nil {
		parts = append(parts, w.repo.prefix...)
	}
	if rel != "" {
		parts = append(parts, strings.Split(rel, "/")...)
	}
	return parts
}
