// Package inspect reads a mounted image without materialising its files.
package inspect

import (
	"fmt"
	"io"
	"iter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/fly-io/littlefs-tool/pkg/lfs"
)

// List yields every entry in the image depth-first with each directory
// sorted by name. Each range over the result starts a fresh traversal.
func List(fsys *lfs.FS) iter.Seq2[lfs.DirEntry, error] {
	return fsys.Walk("/")
}

// Info is the block accounting of an image.
type Info struct {
	BlockSize   uint32
	TotalBlocks uint32
	UsedBlocks  uint32
	FreeBlocks  uint32
	ImageSize   uint64
	UsedBytes   uint64
	FreeBytes   uint64
}

// Stat queries the engine's usage accounting. It never writes to the image.
func Stat(fsys *lfs.FS) (Info, error) {
	cfg := fsys.Config()
	usage, err := fsys.Usage()
	if err != nil {
		return Info{}, err
	}
	total := usage.TotalBlocks
	used := usage.UsedBlocks
	free := uint32(0)
	if total > used {
		free = total - used
	}
	bs := uint64(cfg.BlockSize)
	return Info{
		BlockSize:   cfg.BlockSize,
		TotalBlocks: total,
		UsedBlocks:  used,
		FreeBlocks:  free,
		ImageSize:   uint64(total) * bs,
		UsedBytes:   uint64(used) * bs,
		FreeBytes:   uint64(free) * bs,
	}, nil
}

// WriteInfo prints the five-line summary. With human set, byte counts are
// shown in IEC units.
func WriteInfo(w io.Writer, info Info, human bool) error {
	size := func(n uint64) string {
		if human {
			return humanize.IBytes(n)
		}
		return fmt.Sprintf("%d bytes", n)
	}
	_, err := fmt.Fprintf(w,
		"Image size:   %s\nBlock size:   %s\nBlock count:  %d\nBlocks used:  %d (%s)\nBlocks free:  %d (%s)\n",
		size(info.ImageSize),
		size(uint64(info.BlockSize)),
		info.TotalBlocks,
		info.UsedBlocks, size(info.UsedBytes),
		info.FreeBlocks, size(info.FreeBytes),
	)
	return err
}

var dirColor = color.New(color.FgBlue, color.Bold)

const (
	branch     = "├── "
	lastBranch = "╰── "
	pipe       = "│   "
	blank      = "    "
)

// WriteTree renders the image as a tree rooted at "/".
func WriteTree(w io.Writer, fsys *lfs.FS) error {
	if _, err := fmt.Fprintln(w, "/"); err != nil {
		return err
	}
	return writeDir(w, fsys, "/", "")
}

func writeDir(w io.Writer, fsys *lfs.FS, dir, prefix string) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return err
	}
	for i, e := range entries {
		connector, childPrefix := branch, pipe
		if i == len(entries)-1 {
			connector, childPrefix = lastBranch, blank
		}
		if e.Kind == lfs.KindDir {
			if _, err := fmt.Fprintf(w, "%s%s%s\n", prefix, connector, dirColor.Sprint(e.Name+"/")); err != nil {
				return err
			}
			if err := writeDir(w, fsys, lfs.Join(dir, e.Name), prefix+childPrefix); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s%s%s (%d bytes)\n", prefix, connector, e.Name, e.Size); err != nil {
			return err
		}
	}
	return nil
}
