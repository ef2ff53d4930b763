// Package lfstest provides an in-memory lfs.Engine for tests.
//
// The engine keeps a directory tree while mounted and serialises it into the
// image buffer (CBOR behind a small header) on unmount, so formatting,
// persistence across mounts and IntoData/FromData round trips behave like the
// real engine without cgo. The byte layout is private to this package and
// is not LittleFS.
package lfstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fxamacker/cbor/v2"
)

var magic = [4]byte{'L', 'F', 'T', '1'}

const headerSize = 8

// Engine is a fake lfs.Engine. The zero value is ready to use. Its counters
// span every mount made through it.
type Engine struct {
	Formats  int
	Mounts   int
	Unmounts int

	// UnmountErr, when set, is returned by every Unmount after the tree
	// has been flushed.
	UnmountErr error

	writes map[string][]int
}

// New returns an empty engine.
func New() *Engine { return &Engine{} }

// WriteCalls returns the length of every Write call made to path since the
// engine was created, in order.
func (e *Engine) WriteCalls(p string) []int {
	return e.writes[lfs.Clean(p)]
}

type node struct {
	Dir  bool   `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint,omitempty"`
}

type snapshot struct {
	BlockSize  uint32          `cbor:"1,keyasint"`
	BlockCount uint32          `cbor:"2,keyasint"`
	Nodes      map[string]node `cbor:"3,keyasint"`
}

// Format implements lfs.Engine.
func (e *Engine) Format(dev lfs.Device, geo lfs.Geometry) error {
	e.Formats++
	if err := dev.Erase(0, geo.BlockCount); err != nil {
		return err
	}
	snap := snapshot{
		BlockSize:  geo.BlockSize,
		BlockCount: geo.BlockCount,
		Nodes:      map[string]node{"/": {Dir: true}},
	}
	return store(dev, snap)
}

// Mount implements lfs.Engine.
func (e *Engine) Mount(dev lfs.Device, geo lfs.Geometry) (lfs.Volume, error) {
	snap, err := load(dev)
	if err != nil {
		return nil, err
	}
	if snap.BlockSize != geo.BlockSize || snap.BlockCount != geo.BlockCount {
		return nil, fmt.Errorf("geometry mismatch: %w", lfs.ErrCorrupt)
	}
	if snap.Nodes == nil {
		snap.Nodes = map[string]node{"/": {Dir: true}}
	}
	e.Mounts++
	if e.writes == nil {
		e.writes = make(map[string][]int)
	}
	return &volume{engine: e, dev: dev, geo: geo, nodes: snap.Nodes}, nil
}

func load(dev lfs.Device) (snapshot, error) {
	var snap snapshot
	header := make([]byte, headerSize)
	if _, err := dev.ReadAt(header, 0); err != nil {
		return snap, fmt.Errorf("read header: %w", lfs.ErrCorrupt)
	}
	if !bytes.Equal(header[:4], magic[:]) {
		return snap, fmt.Errorf("no filesystem found: %w", lfs.ErrCorrupt)
	}
	n := binary.LittleEndian.Uint32(header[4:])
	if int64(n)+headerSize > dev.Size() {
		return snap, fmt.Errorf("header length %d: %w", n, lfs.ErrCorrupt)
	}
	body := make([]byte, n)
	if _, err := dev.ReadAt(body, headerSize); err != nil {
		return snap, fmt.Errorf("read body: %w", lfs.ErrCorrupt)
	}
	if err := cbor.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("decode: %v: %w", err, lfs.ErrCorrupt)
	}
	return snap, nil
}

func encode(snap snapshot) ([]byte, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(snap)
}

func store(dev lfs.Device, snap snapshot) error {
	body, err := encode(snap)
	if err != nil {
		return err
	}
	if int64(len(body))+headerSize > dev.Size() {
		return lfs.ErrNoSpace
	}
	out := make([]byte, headerSize+len(body))
	copy(out, magic[:])
	binary.LittleEndian.PutUint32(out[4:], uint32(len(body)))
	copy(out[headerSize:], body)
	_, err = dev.WriteAt(out, 0)
	return err
}

type volume struct {
	engine *Engine
	dev    lfs.Device
	geo    lfs.Geometry
	nodes  map[string]node
}

func (v *volume) snapshot() snapshot {
	return snapshot{BlockSize: v.geo.BlockSize, BlockCount: v.geo.BlockCount, Nodes: v.nodes}
}

func (v *volume) checkName(p string) error {
	if uint32(len(path.Base(p))) > v.geo.NameMax {
		return lfs.ErrNameTooLong
	}
	return nil
}

func (v *volume) parentDir(p string) error {
	parent, ok := v.nodes[path.Dir(p)]
	if !ok {
		return lfs.ErrNotFound
	}
	if !parent.Dir {
		return lfs.ErrNotDir
	}
	return nil
}

func (v *volume) Mkdir(p string) error {
	if _, ok := v.nodes[p]; ok {
		return lfs.ErrExists
	}
	if err := v.checkName(p); err != nil {
		return err
	}
	if err := v.parentDir(p); err != nil {
		return err
	}
	v.nodes[p] = node{Dir: true}
	return nil
}

func (v *volume) Create(p string) (io.WriteCloser, error) {
	if n, ok := v.nodes[p]; ok && n.Dir {
		return nil, lfs.ErrIsDir
	}
	if err := v.checkName(p); err != nil {
		return nil, err
	}
	if err := v.parentDir(p); err != nil {
		return nil, err
	}
	prev, existed := v.nodes[p]
	v.nodes[p] = node{}
	return &writer{vol: v, path: p, prev: prev, existed: existed}, nil
}

func (v *volume) Open(p string) (io.ReadCloser, error) {
	n, ok := v.nodes[p]
	if !ok {
		return nil, lfs.ErrNotFound
	}
	if n.Dir {
		return nil, lfs.ErrIsDir
	}
	return io.NopCloser(bytes.NewReader(n.Data)), nil
}

func (v *volume) Stat(p string) (lfs.EntryInfo, error) {
	n, ok := v.nodes[p]
	if !ok {
		return lfs.EntryInfo{}, lfs.ErrNotFound
	}
	return info(p, n), nil
}

func (v *volume) ReadDir(p string) ([]lfs.EntryInfo, error) {
	n, ok := v.nodes[p]
	if !ok {
		return nil, lfs.ErrNotFound
	}
	if !n.Dir {
		return nil, lfs.ErrNotDir
	}
	// Report dot entries like littlefs does; callers filter them.
	out := []lfs.EntryInfo{{Name: ".", Kind: lfs.KindDir}, {Name: "..", Kind: lfs.KindDir}}
	for child, cn := range v.nodes {
		if child != "/" && path.Dir(child) == p {
			out = append(out, info(child, cn))
		}
	}
	return out, nil
}

func (v *volume) Remove(p string) error {
	n, ok := v.nodes[p]
	if !ok {
		return lfs.ErrNotFound
	}
	if p == "/" {
		return lfs.ErrInvalid
	}
	if n.Dir {
		for child := range v.nodes {
			if child != p && strings.HasPrefix(child, p+"/") {
				return lfs.ErrNotEmpty
			}
		}
	}
	delete(v.nodes, p)
	return nil
}

func (v *volume) Rename(oldPath, newPath string) error {
	n, ok := v.nodes[oldPath]
	if !ok {
		return lfs.ErrNotFound
	}
	if err := v.parentDir(newPath); err != nil {
		return err
	}
	if _, ok := v.nodes[newPath]; ok {
		if err := v.Remove(newPath); err != nil {
			return err
		}
	}
	moved := map[string]node{newPath: n}
	for child, cn := range v.nodes {
		if strings.HasPrefix(child, oldPath+"/") {
			moved[newPath+strings.TrimPrefix(child, oldPath)] = cn
			delete(v.nodes, child)
		}
	}
	delete(v.nodes, oldPath)
	for k, cn := range moved {
		v.nodes[k] = cn
	}
	return nil
}

// Usage counts the two superblock blocks plus one block per started block
// of encoded tree.
func (v *volume) Usage() (lfs.Usage, error) {
	body, err := encode(v.snapshot())
	if err != nil {
		return lfs.Usage{}, err
	}
	bs := int(v.geo.BlockSize)
	used := uint32(2 + (len(body)+headerSize+bs-1)/bs)
	return lfs.Usage{UsedBlocks: min(used, v.geo.BlockCount), TotalBlocks: v.geo.BlockCount}, nil
}

func (v *volume) Unmount() error {
	v.engine.Unmounts++
	if err := store(v.dev, v.snapshot()); err != nil {
		return err
	}
	return v.engine.UnmountErr
}

type writer struct {
	vol     *volume
	path    string
	buf     bytes.Buffer
	prev    node
	existed bool
}

func (w *writer) Write(p []byte) (int, error) {
	w.vol.engine.writes[w.path] = append(w.vol.engine.writes[w.path], len(p))
	return w.buf.Write(p)
}

// Close commits the file, failing with lfs.ErrNoSpace when the tree no
// longer fits in the image.
func (w *writer) Close() error {
	w.vol.nodes[w.path] = node{Data: bytes.Clone(w.buf.Bytes())}
	body, err := encode(w.vol.snapshot())
	if err != nil {
		return err
	}
	if int64(len(body))+headerSize > w.vol.dev.Size() {
		if w.existed {
			w.vol.nodes[w.path] = w.prev
		} else {
			delete(w.vol.nodes, w.path)
		}
		return lfs.ErrNoSpace
	}
	return nil
}

func info(p string, n node) lfs.EntryInfo {
	name := path.Base(p)
	if n.Dir {
		return lfs.EntryInfo{Name: name, Kind: lfs.KindDir}
	}
	return lfs.EntryInfo{Name: name, Kind: lfs.KindFile, Size: uint64(len(n.Data))}
}
