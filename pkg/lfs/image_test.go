package lfs_test

import (
	"bytes"
	"slices"
	"testing"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/lfs/lfstest"
)

func newFormatted(t *testing.T, cfg lfs.ImageConfig) (*lfs.Image, *lfstest.Engine) {
	t.Helper()
	engine := lfstest.New()
	img, err := lfs.New(cfg, lfs.WithEngine(engine))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := img.Format(); err != nil {
		t.Fatalf("Format() error: %v", err)
	}
	return img, engine
}

func TestNew_ErasedBuffer(t *testing.T) {
	img, err := lfs.New(lfs.NewImageConfig(128, 4, 16, 16), lfs.WithEngine(lfstest.New()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	data := img.Data()
	if len(data) != 512 {
		t.Fatalf("len(Data()) = %d, want 512", len(data))
	}
	for i, b := range data {
		if b != lfs.ErasedByte {
			t.Fatalf("byte %d = %#x, want %#x", i, b, lfs.ErasedByte)
		}
	}
	if img.IsMountable() {
		t.Error("unformatted image should not be mountable")
	}
}

func TestNew_InvalidGeometry(t *testing.T) {
	_, err := lfs.New(lfs.NewImageConfig(4096, 32, 256, 300))
	if !errors.Is(err, errors.ErrConfig) {
		t.Fatalf("New() = %v, want config error", err)
	}
}

func TestFormat_TooFewBlocks(t *testing.T) {
	img, err := lfs.New(lfs.NewImageConfig(4096, 1, 256, 256), lfs.WithEngine(lfstest.New()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	err = img.Format()
	var ferr *lfs.FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("Format() = %v, want *FormatError", err)
	}
	if !errors.Is(err, errors.ErrFormat) {
		t.Error("format error should match errors.ErrFormat")
	}
}

func TestFormat_Mountable(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	if !img.IsMountable() {
		t.Fatal("formatted image should be mountable")
	}
	if !img.IsMountable() {
		t.Error("IsMountable() should leave the image mountable")
	}
}

func TestMountAndThen_ClosureErrorAndUnmount(t *testing.T) {
	img, engine := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	sentinel := errors.New("closure failed")

	var kept *lfs.FS
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		kept = fsys
		if err := fsys.WriteFile("/a.txt", []byte("a")); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("MountAndThen() = %v, want the closure error unchanged", err)
	}
	if engine.Unmounts != engine.Mounts {
		t.Errorf("unmounts = %d, mounts = %d, want equal", engine.Unmounts, engine.Mounts)
	}
	if _, err := kept.ReadFile("/a.txt"); !errors.Is(err, lfs.ErrNotMounted) {
		t.Errorf("FS used after the closure = %v, want ErrNotMounted", err)
	}

	// The image can be mounted again after a failed closure.
	if err := img.MountAndThen(func(*lfs.FS) error { return nil }); err != nil {
		t.Fatalf("second mount: %v", err)
	}
}

func TestMountAndThen_UnmountError(t *testing.T) {
	img, engine := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	unmountErr := errors.New("flush failed")
	engine.UnmountErr = unmountErr

	err := img.MountAndThen(func(*lfs.FS) error { return nil })
	if !errors.Is(err, unmountErr) {
		t.Errorf("MountAndThen() = %v, want the unmount error", err)
	}

	closureErr := errors.New("closure failed")
	err = img.MountAndThen(func(*lfs.FS) error { return closureErr })
	if err != closureErr {
		t.Errorf("MountAndThen() = %v, want the closure error to win", err)
	}
}

func TestMountAndThen_NestedMount(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	err := img.MountAndThen(func(*lfs.FS) error {
		return img.MountAndThen(func(*lfs.FS) error { return nil })
	})
	if !errors.Is(err, lfs.ErrAlreadyMounted) {
		t.Errorf("nested mount = %v, want ErrAlreadyMounted", err)
	}
}

func TestWithMount(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	got, err := lfs.WithMount(img, func(fsys *lfs.FS) (string, error) {
		if err := fsys.WriteFile("/v", []byte("value")); err != nil {
			return "", err
		}
		data, err := fsys.ReadFile("/v")
		return string(data), err
	})
	if err != nil {
		t.Fatalf("WithMount() error: %v", err)
	}
	if got != "value" {
		t.Errorf("got %q, want %q", got, "value")
	}
}

func TestFS_PersistsAcrossMounts(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		if err := fsys.CreateDirAll("/a/b/c"); err != nil {
			return err
		}
		return fsys.WriteFile("/a/b/c/file.txt", []byte("persisted"))
	})
	if err != nil {
		t.Fatalf("write mount: %v", err)
	}

	err = img.MountAndThen(func(fsys *lfs.FS) error {
		data, err := fsys.ReadFile("/a/b/c/file.txt")
		if err != nil {
			return err
		}
		if string(data) != "persisted" {
			t.Errorf("got %q, want %q", data, "persisted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read mount: %v", err)
	}
}

func TestFS_CreateDirAllIdempotent(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		for range 2 {
			if err := fsys.CreateDirAll("x/y"); err != nil {
				return err
			}
		}
		info, err := fsys.Stat("/x/y")
		if err != nil {
			return err
		}
		if info.Kind != lfs.KindDir {
			t.Errorf("kind = %v, want dir", info.Kind)
		}
		if err := fsys.CreateDir("/x"); !errors.Is(err, lfs.ErrExists) {
			t.Errorf("CreateDir on existing = %v, want ErrExists", err)
		}
		if err := fsys.CreateDir("/missing/child"); !errors.Is(err, lfs.ErrNotFound) {
			t.Errorf("CreateDir without parent = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFS_WriteChunking(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		wantCalls []int
	}{
		{"empty", 0, nil},
		{"one short", 10, []int{10}},
		{"exact", 256, []int{256}},
		{"one under", 255, []int{255}},
		{"two and a bit", 600, []int{256, 256, 88}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, engine := newFormatted(t, lfs.NewImageConfig(4096, 32, 16, 256))
			data := bytes.Repeat([]byte{'z'}, tt.size)
			err := img.MountAndThen(func(fsys *lfs.FS) error {
				if err := fsys.WriteFile("/f", data); err != nil {
					return err
				}
				got, err := fsys.ReadFile("/f")
				if err != nil {
					return err
				}
				if !bytes.Equal(got, data) {
					t.Errorf("read back %d bytes, want %d", len(got), len(data))
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := engine.WriteCalls("/f"); !slices.Equal(got, tt.wantCalls) {
				t.Errorf("write calls = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

func TestFS_ReadDirSorted(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		for _, name := range []string{"/c", "/a", "/b"} {
			if err := fsys.WriteFile(name, nil); err != nil {
				return err
			}
		}
		if err := fsys.CreateDir("/d"); err != nil {
			return err
		}
		entries, err := fsys.ReadDir("/")
		if err != nil {
			return err
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name)
		}
		if want := []string{"a", "b", "c", "d"}; !slices.Equal(names, want) {
			t.Errorf("names = %v, want %v", names, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFS_Walk(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		if err := fsys.CreateDirAll("/sub/nested"); err != nil {
			return err
		}
		if err := fsys.CreateDir("/empty"); err != nil {
			return err
		}
		files := map[string]string{
			"/hello.txt":           "hi",
			"/sub/readme.md":       "# Readme\n",
			"/sub/nested/deep.txt": "deep",
		}
		for p, content := range files {
			if err := fsys.WriteFile(p, []byte(content)); err != nil {
				return err
			}
		}

		var got []string
		for e, err := range fsys.Walk("/") {
			if err != nil {
				return err
			}
			got = append(got, e.Path)
		}
		want := []string{"empty", "hello.txt", "sub", "sub/nested", "sub/nested/deep.txt", "sub/readme.md"}
		if !slices.Equal(got, want) {
			t.Errorf("walk = %v, want %v", got, want)
		}

		// A second traversal restarts from the beginning.
		var first string
		for e := range fsys.Walk("/") {
			first = e.Path
			break
		}
		if first != "empty" {
			t.Errorf("restarted walk began at %q, want %q", first, "empty")
		}

		var sizes []uint64
		for e, err := range fsys.Walk("/sub") {
			if err != nil {
				return err
			}
			if !e.IsDir() {
				sizes = append(sizes, e.Size)
			}
		}
		if want := []uint64{4, 9}; !slices.Equal(sizes, want) {
			t.Errorf("sizes = %v, want %v", sizes, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFS_RemoveRename(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		if err := fsys.CreateDir("/d"); err != nil {
			return err
		}
		if err := fsys.WriteFile("/d/f", []byte("x")); err != nil {
			return err
		}
		if err := fsys.Remove("/d"); !errors.Is(err, lfs.ErrNotEmpty) {
			t.Errorf("Remove(non-empty) = %v, want ErrNotEmpty", err)
		}
		if err := fsys.Rename("/d/f", "/g"); err != nil {
			return err
		}
		if ok, err := fsys.Exists("/d/f"); err != nil || ok {
			t.Errorf("Exists(/d/f) = %v, %v, want false", ok, err)
		}
		if ok, err := fsys.Exists("/g"); err != nil || !ok {
			t.Errorf("Exists(/g) = %v, %v, want true", ok, err)
		}
		return fsys.Remove("/d")
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFS_NameTooLong(t *testing.T) {
	cfg := lfs.NewImageConfig(4096, 32, 256, 256)
	cfg.NameMax = 8
	img, _ := newFormatted(t, cfg)
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		return fsys.WriteFile("/a-very-long-name", []byte("x"))
	})
	if !errors.Is(err, lfs.ErrNameTooLong) {
		t.Errorf("WriteFile() = %v, want ErrNameTooLong", err)
	}
}

func TestFS_NoSpace(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(128, 4, 16, 16))
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		return fsys.WriteFile("/big", make([]byte, 4096))
	})
	if !errors.Is(err, lfs.ErrNoSpace) {
		t.Errorf("WriteFile() = %v, want ErrNoSpace", err)
	}
}

func TestFS_Usage(t *testing.T) {
	img, _ := newFormatted(t, lfs.NewImageConfig(4096, 32, 256, 256))
	err := img.MountAndThen(func(fsys *lfs.FS) error {
		before, err := fsys.UsedBlocks()
		if err != nil {
			return err
		}
		if before == 0 {
			t.Error("a formatted image should use some blocks")
		}
		if err := fsys.WriteFile("/big", make([]byte, 3*4096)); err != nil {
			return err
		}
		u, err := fsys.Usage()
		if err != nil {
			return err
		}
		if u.UsedBlocks <= before {
			t.Errorf("used blocks = %d after write, want more than %d", u.UsedBlocks, before)
		}
		if u.TotalBlocks != 32 {
			t.Errorf("total blocks = %d, want 32", u.TotalBlocks)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestIntoDataFromData(t *testing.T) {
	cfg := lfs.NewImageConfig(4096, 32, 256, 256)
	img, engine := newFormatted(t, cfg)
	if err := img.MountAndThen(func(fsys *lfs.FS) error {
		return fsys.WriteFile("/kept", []byte("round trip"))
	}); err != nil {
		t.Fatal(err)
	}

	data, err := img.IntoData()
	if err != nil {
		t.Fatalf("IntoData() error: %v", err)
	}
	if len(data) != cfg.ImageSize() {
		t.Fatalf("len(data) = %d, want %d", len(data), cfg.ImageSize())
	}
	if _, err := img.IntoData(); !errors.Is(err, lfs.ErrConsumed) {
		t.Errorf("second IntoData() = %v, want ErrConsumed", err)
	}
	if err := img.MountAndThen(func(*lfs.FS) error { return nil }); !errors.Is(err, lfs.ErrConsumed) {
		t.Errorf("mount after IntoData() = %v, want ErrConsumed", err)
	}

	reopened, err := lfs.FromData(cfg, data, lfs.WithEngine(engine))
	if err != nil {
		t.Fatalf("FromData() error: %v", err)
	}
	got, err := lfs.WithMount(reopened, func(fsys *lfs.FS) ([]byte, error) {
		return fsys.ReadFile("/kept")
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "round trip" {
		t.Errorf("got %q, want %q", got, "round trip")
	}
}

func TestFromData_LengthMismatch(t *testing.T) {
	cfg := lfs.NewImageConfig(4096, 32, 256, 256)
	_, err := lfs.FromData(cfg, make([]byte, cfg.ImageSize()-1))
	var cerr *lfs.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("FromData() = %v, want *ConfigError", err)
	}
}

func TestFromData_Unformatted(t *testing.T) {
	cfg := lfs.NewImageConfig(4096, 4, 256, 256)
	data := bytes.Repeat([]byte{lfs.ErasedByte}, cfg.ImageSize())
	img, err := lfs.FromData(cfg, data, lfs.WithEngine(lfstest.New()))
	if err != nil {
		t.Fatal(err)
	}
	err = img.MountAndThen(func(*lfs.FS) error { return nil })
	if !errors.Is(err, lfs.ErrCorrupt) {
		t.Errorf("mount of erased buffer = %v, want ErrCorrupt", err)
	}
}
