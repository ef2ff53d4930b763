package lfs

import "io"

// Geometry is the resolved parameter set handed to an Engine.
type Geometry struct {
	BlockSize     uint32
	BlockCount    uint32
	ReadSize      uint32
	ProgSize      uint32
	CacheSize     uint32
	LookaheadSize uint32
	BlockCycles   int32
	NameMax       uint32
}

// Device is the block-addressed buffer an engine formats and mounts.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Erase resets count blocks starting at block to the erased state.
	Erase(block, count uint32) error
	Size() int64
}

// Engine is the filesystem implementation the image layer drives. The
// allocation, metadata and wear-leveling logic all live behind it.
type Engine interface {
	Format(dev Device, geo Geometry) error
	Mount(dev Device, geo Geometry) (Volume, error)
}

// Volume is a mounted filesystem. Paths are absolute and slash separated.
type Volume interface {
	Mkdir(path string) error
	// Create opens path for writing, creating it and truncating any
	// previous content.
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Stat(path string) (EntryInfo, error)
	// ReadDir lists the children of path. Order and the presence of "."
	// and ".." are backend specific.
	ReadDir(path string) ([]EntryInfo, error)
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Usage() (Usage, error)
	Unmount() error
}

// EntryInfo is what an engine reports for a single path.
type EntryInfo struct {
	Name string
	Kind EntryKind
	Size uint64
}

// Usage is the engine's block accounting.
type Usage struct {
	UsedBlocks  uint32
	TotalBlocks uint32
}

// EntryKind distinguishes files from directories.
type EntryKind uint8

const (
	KindFile EntryKind = iota + 1
	KindDir
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// DirEntry is one result of a traversal over a mounted image. Path is
// relative to the traversal root and slash separated; Size is zero for
// directories.
type DirEntry struct {
	Path string
	Kind EntryKind
	Size uint64
}

// IsDir reports whether the entry is a directory.
func (e DirEntry) IsDir() bool { return e.Kind == KindDir }
