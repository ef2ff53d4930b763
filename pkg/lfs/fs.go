package lfs

import (
	"bytes"
	"io"
	"iter"
	"path"
	"sort"
	"strings"

	"github.com/fly-io/littlefs-tool/pkg/errors"
)

// FS is the mounted view of an Image. It is only valid inside the
// MountAndThen call that produced it.
type FS struct {
	vol Volume
	cfg ImageConfig
}

// Config returns the geometry of the mounted image.
func (f *FS) Config() ImageConfig { return f.cfg }

func (f *FS) volume() (Volume, error) {
	if f == nil || f.vol == nil {
		return nil, ErrNotMounted
	}
	return f.vol, nil
}

// Clean turns p into the absolute, slash separated form engines expect.
func Clean(p string) string {
	return path.Clean("/" + strings.TrimLeft(p, "/"))
}

// Join builds an absolute image path from a directory and a child name.
func Join(dir, name string) string {
	return Clean(path.Join(dir, name))
}

// CreateDir creates a single directory. The parent must exist.
func (f *FS) CreateDir(p string) error {
	vol, err := f.volume()
	if err != nil {
		return err
	}
	return errors.Wrap(mapError(vol.Mkdir(Clean(p))), "mkdir "+Clean(p))
}

// CreateDirAll creates p and any missing parents. Existing directories are
// not an error.
func (f *FS) CreateDirAll(p string) error {
	vol, err := f.volume()
	if err != nil {
		return err
	}
	cur := ""
	for _, part := range strings.Split(strings.Trim(Clean(p), "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		if err := mapError(vol.Mkdir(cur)); err != nil && !errors.Is(err, ErrExists) {
			return errors.Wrap(err, "mkdir "+cur)
		}
	}
	return nil
}

// WriteFile creates or truncates p and writes data in write-size chunks.
func (f *FS) WriteFile(p string, data []byte) error {
	_, err := f.WriteFrom(p, bytes.NewReader(data), int(f.cfg.WriteSize))
	return err
}

// WriteFrom creates or truncates p and copies r into it in chunk-sized
// writes. The last write may be short. An empty reader produces an empty
// file without any write calls.
func (f *FS) WriteFrom(p string, r io.Reader, chunk int) (int64, error) {
	vol, err := f.volume()
	if err != nil {
		return 0, err
	}
	if chunk <= 0 {
		chunk = int(f.cfg.WriteSize)
	}
	p = Clean(p)

	w, err := vol.Create(p)
	if err != nil {
		return 0, errors.Wrap(mapError(err), "create "+p)
	}

	buf := make([]byte, chunk)
	var written int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr == nil && m < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				w.Close()
				return written, errors.Wrap(mapError(werr), "write "+p)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			w.Close()
			return written, rerr
		}
	}

	if err := w.Close(); err != nil {
		return written, errors.Wrap(mapError(err), "close "+p)
	}
	return written, nil
}

// ReadFile returns the full content of p.
func (f *FS) ReadFile(p string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.ReadTo(p, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadTo streams the content of p into w.
func (f *FS) ReadTo(p string, w io.Writer) (int64, error) {
	vol, err := f.volume()
	if err != nil {
		return 0, err
	}
	p = Clean(p)
	r, err := vol.Open(p)
	if err != nil {
		return 0, errors.Wrap(mapError(err), "open "+p)
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	if err != nil {
		return n, errors.Wrap(mapError(err), "read "+p)
	}
	return n, nil
}

// ReadDir lists the children of p sorted by name, without "." and "..".
func (f *FS) ReadDir(p string) ([]EntryInfo, error) {
	vol, err := f.volume()
	if err != nil {
		return nil, err
	}
	p = Clean(p)
	raw, err := vol.ReadDir(p)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "readdir "+p)
	}
	entries := make([]EntryInfo, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Walk yields every entry below root depth-first, each directory's children
// in name order. Directories are listed lazily as the sequence advances, so
// stopping early does not read the rest of the tree. Paths are relative to
// root. Calling Walk again restarts the traversal.
func (f *FS) Walk(root string) iter.Seq2[DirEntry, error] {
	return func(yield func(DirEntry, error) bool) {
		f.walk(Clean(root), "", yield)
	}
}

func (f *FS) walk(dir, rel string, yield func(DirEntry, error) bool) bool {
	entries, err := f.ReadDir(dir)
	if err != nil {
		return yield(DirEntry{Path: rel, Kind: KindDir}, err)
	}
	for _, e := range entries {
		childRel := e.Name
		if rel != "" {
			childRel = rel + "/" + e.Name
		}
		entry := DirEntry{Path: childRel, Kind: e.Kind}
		if e.Kind == KindFile {
			entry.Size = e.Size
		}
		if !yield(entry, nil) {
			return false
		}
		if e.Kind == KindDir {
			if !f.walk(Join(dir, e.Name), childRel, yield) {
				return false
			}
		}
	}
	return true
}

// Remove deletes a file or an empty directory.
func (f *FS) Remove(p string) error {
	vol, err := f.volume()
	if err != nil {
		return err
	}
	return errors.Wrap(mapError(vol.Remove(Clean(p))), "remove "+Clean(p))
}

// Rename moves oldPath to newPath.
func (f *FS) Rename(oldPath, newPath string) error {
	vol, err := f.volume()
	if err != nil {
		return err
	}
	return errors.Wrap(mapError(vol.Rename(Clean(oldPath), Clean(newPath))), "rename "+Clean(oldPath))
}

// Stat reports the kind and size of p.
func (f *FS) Stat(p string) (EntryInfo, error) {
	vol, err := f.volume()
	if err != nil {
		return EntryInfo{}, err
	}
	info, err := vol.Stat(Clean(p))
	if err != nil {
		return EntryInfo{}, errors.Wrap(mapError(err), "stat "+Clean(p))
	}
	return info, nil
}

// Exists reports whether p is present.
func (f *FS) Exists(p string) (bool, error) {
	_, err := f.Stat(p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Usage returns the engine's block accounting.
func (f *FS) Usage() (Usage, error) {
	vol, err := f.volume()
	if err != nil {
		return Usage{}, err
	}
	u, err := vol.Usage()
	if err != nil {
		return Usage{}, errors.Wrap(mapError(err), "usage")
	}
	if u.TotalBlocks == 0 {
		u.TotalBlocks = f.cfg.BlockCount
	}
	return u, nil
}

// UsedBlocks is the number of blocks currently allocated.
func (f *FS) UsedBlocks() (uint32, error) {
	u, err := f.Usage()
	return u.UsedBlocks, err
}
