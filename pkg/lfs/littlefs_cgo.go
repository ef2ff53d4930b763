//go:build cgo

package lfs

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fly-io/littlefs-tool/pkg/errors"

	"tinygo.org/x/tinyfs"
	"tinygo.org/x/tinyfs/littlefs"
)

// LittleFS drives the littlefs C library through the tinyfs binding.
//
// The binding derives read_size and prog_size from a single write unit, so
// the device reports the configured write size for both. Read size only
// affects caching, not the on-flash layout.
type LittleFS struct{}

// DefaultEngine returns the littlefs C library engine.
func DefaultEngine() Engine { return LittleFS{} }

func (LittleFS) open(dev Device, geo Geometry) *littlefs.LFS {
	return littlefs.New(&blockDevice{dev: dev, geo: geo}).Configure(&littlefs.Config{
		CacheSize:     geo.CacheSize,
		LookaheadSize: geo.LookaheadSize,
		BlockCycles:   geo.BlockCycles,
	})
}

// Format implements Engine.
func (e LittleFS) Format(dev Device, geo Geometry) error {
	slog.Debug("littlefs_format", "block_size", geo.BlockSize, "block_count", geo.BlockCount)
	return translate(e.open(dev, geo).Format())
}

// Mount implements Engine.
func (e LittleFS) Mount(dev Device, geo Geometry) (Volume, error) {
	fs := e.open(dev, geo)
	if err := fs.Mount(); err != nil {
		return nil, translate(err)
	}
	return &littlefsVolume{fs: fs, geo: geo}, nil
}

type littlefsVolume struct {
	fs  *littlefs.LFS
	geo Geometry
}

func (v *littlefsVolume) Mkdir(path string) error {
	return translate(v.fs.Mkdir(path, 0o755))
}

func (v *littlefsVolume) Create(path string) (io.WriteCloser, error) {
	f, err := v.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, translate(err)
	}
	if f.IsDir() {
		f.Close()
		return nil, ErrIsDir
	}
	return &littlefsFile{f: f}, nil
}

func (v *littlefsVolume) Open(path string) (io.ReadCloser, error) {
	f, err := v.fs.OpenFile(path, os.O_RDONLY)
	if err != nil {
		return nil, translate(err)
	}
	if f.IsDir() {
		f.Close()
		return nil, ErrIsDir
	}
	return &littlefsFile{f: f}, nil
}

func (v *littlefsVolume) Stat(path string) (EntryInfo, error) {
	fi, err := v.fs.Stat(path)
	if err != nil {
		return EntryInfo{}, translate(err)
	}
	return infoFromFileInfo(fi), nil
}

func (v *littlefsVolume) ReadDir(path string) ([]EntryInfo, error) {
	dir, err := v.fs.Open(path)
	if err != nil {
		return nil, translate(err)
	}
	defer dir.Close()
	if !dir.IsDir() {
		return nil, ErrNotDir
	}

	infos, err := dir.Readdir(0)
	if err != nil && err != io.EOF {
		return nil, translate(err)
	}
	out := make([]EntryInfo, 0, len(infos))
	for _, fi := range infos {
		out = append(out, infoFromFileInfo(fi))
	}
	return out, nil
}

func (v *littlefsVolume) Remove(path string) error {
	return translate(v.fs.Remove(path))
}

func (v *littlefsVolume) Rename(oldPath, newPath string) error {
	return translate(v.fs.Rename(oldPath, newPath))
}

func (v *littlefsVolume) Usage() (Usage, error) {
	used, err := v.fs.Size()
	if err != nil {
		return Usage{}, translate(err)
	}
	return Usage{UsedBlocks: uint32(used), TotalBlocks: v.geo.BlockCount}, nil
}

func (v *littlefsVolume) Unmount() error {
	return translate(v.fs.Unmount())
}

// littlefsFile translates the binding's error codes on every call.
type littlefsFile struct {
	f tinyfs.File
}

func (f *littlefsFile) Read(p []byte) (int, error) {
	n, err := f.f.Read(p)
	if err == io.EOF {
		return n, err
	}
	return n, translate(err)
}

func (f *littlefsFile) Write(p []byte) (int, error) {
	n, err := f.f.Write(p)
	return n, translate(err)
}

func (f *littlefsFile) Close() error { return translate(f.f.Close()) }

// lfsCodes maps the C library's negative error codes onto the package
// sentinels. The binding keeps its named constants unexported.
var lfsCodes = map[littlefs.Error]error{
	-2:  ErrNotFound,    // LFS_ERR_NOENT
	-17: ErrExists,      // LFS_ERR_EXIST
	-20: ErrNotDir,      // LFS_ERR_NOTDIR
	-21: ErrIsDir,       // LFS_ERR_ISDIR
	-22: ErrInvalid,     // LFS_ERR_INVAL
	-28: ErrNoSpace,     // LFS_ERR_NOSPC
	-36: ErrNameTooLong, // LFS_ERR_NAMETOOLONG
	-39: ErrNotEmpty,    // LFS_ERR_NOTEMPTY
	-84: ErrCorrupt,     // LFS_ERR_CORRUPT
}

// translate wraps a binding error with its sentinel, keeping the library's
// message. Codes without a sentinel pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var code littlefs.Error
	if !errors.As(err, &code) {
		return err
	}
	if sentinel, ok := lfsCodes[code]; ok {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}

func infoFromFileInfo(fi os.FileInfo) EntryInfo {
	if fi.IsDir() {
		return EntryInfo{Name: fi.Name(), Kind: KindDir}
	}
	return EntryInfo{Name: fi.Name(), Kind: KindFile, Size: uint64(fi.Size())}
}

// blockDevice adapts a Device to the tinyfs.BlockDevice contract.
type blockDevice struct {
	dev Device
	geo Geometry
}

var _ tinyfs.BlockDevice = (*blockDevice)(nil)

func (d *blockDevice) ReadAt(p []byte, off int64) (int, error)  { return d.dev.ReadAt(p, off) }
func (d *blockDevice) WriteAt(p []byte, off int64) (int, error) { return d.dev.WriteAt(p, off) }
func (d *blockDevice) Size() int64                              { return d.dev.Size() }
func (d *blockDevice) WriteBlockSize() int64                    { return int64(d.geo.ProgSize) }
func (d *blockDevice) EraseBlockSize() int64                    { return int64(d.geo.BlockSize) }

func (d *blockDevice) EraseBlocks(start, length int64) error {
	return d.dev.Erase(uint32(start), uint32(length))
}
