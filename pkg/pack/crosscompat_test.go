//go:build cgo

package pack_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/pack"
	"github.com/fly-io/littlefs-tool/pkg/unpack"
)

// Geometry shared with the C++ mklittlefs runs.
const (
	blockSize = 4096
	pageSize  = 256
	imageSize = 131072
)

func crossConfig(bs, ps, size uint32) lfs.ImageConfig {
	return lfs.NewImageConfig(bs, size/bs, ps, ps)
}

// mklittlefs returns the C++ reference tool or skips the test.
func mklittlefs(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("MKLITTLEFS_CPP"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	p, err := exec.LookPath("mklittlefs")
	if err != nil {
		t.Skip("C++ mklittlefs not found (set MKLITTLEFS_CPP or add it to PATH)")
	}
	return p
}

func createFixture(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "fixture")
	blob := make([]byte, 2048)
	for i := range blob {
		blob[i] = byte(i)
	}
	files := map[string][]byte{
		"hello.txt":           []byte("Hello from cross-compat test!\n"),
		"blob.bin":            blob,
		"empty.dat":           {},
		"sub/readme.md":       []byte("# Readme\n"),
		"sub/nested/deep.txt": []byte("deep content\n"),
		"ten.bin":             []byte("0123456789"),
		"repeated.txt":        bytes.Repeat([]byte("littlefs\n"), 600),
	}
	for rel, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func readTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || p == root {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			out[rel+"/"] = nil
			return nil
		}
		data, err := os.ReadFile(p)
		out[rel] = data
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func assertTreesMatch(t *testing.T, expected, actual string) {
	t.Helper()
	a, b := readTree(t, expected), readTree(t, actual)
	for p, data := range a {
		got, ok := b[p]
		if !ok {
			t.Errorf("%s missing in unpacked output", p)
			continue
		}
		if !bytes.Equal(data, got) {
			t.Errorf("%s content mismatch (expected %d bytes, got %d bytes)", p, len(data), len(got))
		}
	}
	for p := range b {
		if _, ok := a[p]; !ok {
			t.Errorf("unexpected extra entry %s in unpacked output", p)
		}
	}
}

func goPack(t *testing.T, src, image string, cfg lfs.ImageConfig) {
	t.Helper()
	data, _, err := pack.Build(src, cfg, pack.Options{})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if err := os.WriteFile(image, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func goUnpack(t *testing.T, image, dest string, cfg lfs.ImageConfig) {
	t.Helper()
	data, err := os.ReadFile(image)
	if err != nil {
		t.Fatal(err)
	}
	img, err := lfs.FromData(cfg, data)
	if err != nil {
		t.Fatal(err)
	}
	err = img.MountAndThen(func(fsys *lfs.FS) error {
		_, err := unpack.Unpack(fsys, dest, unpack.Options{})
		return err
	})
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
}

func goList(t *testing.T, image string, cfg lfs.ImageConfig) string {
	t.Helper()
	data, err := os.ReadFile(image)
	if err != nil {
		t.Fatal(err)
	}
	img, err := lfs.FromData(cfg, data)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	err = img.MountAndThen(func(fsys *lfs.FS) error {
		for e, err := range fsys.Walk("/") {
			if err != nil {
				return err
			}
			names = append(names, e.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return strings.Join(names, "\n")
}

func geometryArgs(bs, ps, size uint32) []string {
	return []string{
		"-b", strconv.Itoa(int(bs)),
		"-p", strconv.Itoa(int(ps)),
		"-s", strconv.Itoa(int(size)),
	}
}

func run(t *testing.T, name string, args ...string) string {
	t.Helper()
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
	return string(out)
}

var fixtureNames = []string{
	"hello.txt", "blob.bin", "empty.dat", "sub", "deep.txt", "readme.md", "ten.bin", "repeated.txt",
}

func TestCrossCompat_SelfRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	fixture := createFixture(t)
	image := filepath.Join(tmp, "image.bin")
	unpacked := filepath.Join(tmp, "unpacked")
	cfg := crossConfig(blockSize, pageSize, imageSize)

	goPack(t, fixture, image, cfg)
	goUnpack(t, image, unpacked, cfg)
	assertTreesMatch(t, fixture, unpacked)
}

func TestCrossCompat_CppPackGoUnpack(t *testing.T) {
	cpp := mklittlefs(t)
	tmp := t.TempDir()
	fixture := createFixture(t)
	image := filepath.Join(tmp, "image.bin")
	unpacked := filepath.Join(tmp, "unpacked")

	args := append([]string{"-c", fixture}, geometryArgs(blockSize, pageSize, imageSize)...)
	run(t, cpp, append(args, image)...)
	goUnpack(t, image, unpacked, crossConfig(blockSize, pageSize, imageSize))
	assertTreesMatch(t, fixture, unpacked)
}

func TestCrossCompat_GoPackCppUnpack(t *testing.T) {
	cpp := mklittlefs(t)
	tmp := t.TempDir()
	fixture := createFixture(t)
	image := filepath.Join(tmp, "image.bin")
	unpacked := filepath.Join(tmp, "unpacked")
	if err := os.MkdirAll(unpacked, 0o755); err != nil {
		t.Fatal(err)
	}

	goPack(t, fixture, image, crossConfig(blockSize, pageSize, imageSize))
	args := append([]string{"-u", unpacked}, geometryArgs(blockSize, pageSize, imageSize)...)
	run(t, cpp, append(args, image)...)
	assertTreesMatch(t, fixture, unpacked)
}

func TestCrossCompat_Listings(t *testing.T) {
	cpp := mklittlefs(t)
	cfg := crossConfig(blockSize, pageSize, imageSize)

	t.Run("cpp pack, go list", func(t *testing.T) {
		image := filepath.Join(t.TempDir(), "image.bin")
		args := append([]string{"-c", createFixture(t)}, geometryArgs(blockSize, pageSize, imageSize)...)
		run(t, cpp, append(args, image)...)
		listing := goList(t, image, cfg)
		for _, name := range fixtureNames {
			if !strings.Contains(listing, name) {
				t.Errorf("%q not found in listing:\n%s", name, listing)
			}
		}
	})

	t.Run("go pack, cpp list", func(t *testing.T) {
		image := filepath.Join(t.TempDir(), "image.bin")
		goPack(t, createFixture(t), image, cfg)
		args := append([]string{"-l"}, geometryArgs(blockSize, pageSize, imageSize)...)
		listing := run(t, cpp, append(args, image)...)
		for _, name := range fixtureNames {
			if !strings.Contains(listing, name) {
				t.Errorf("%q not found in listing:\n%s", name, listing)
			}
		}
	})
}

func TestCrossCompat_SmallBlocks(t *testing.T) {
	cpp := mklittlefs(t)
	const bs, ps, size = 256, 64, 256 * 256
	cfg := crossConfig(bs, ps, size)

	tmp := t.TempDir()
	fixture := createFixture(t)
	image := filepath.Join(tmp, "image.bin")
	unpacked := filepath.Join(tmp, "unpacked")
	if err := os.MkdirAll(unpacked, 0o755); err != nil {
		t.Fatal(err)
	}

	goPack(t, fixture, image, cfg)
	args := append([]string{"-u", unpacked}, geometryArgs(bs, ps, size)...)
	run(t, cpp, append(args, image)...)
	assertTreesMatch(t, fixture, unpacked)
}
