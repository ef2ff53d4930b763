package pack

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/lfs/lfstest"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

func testConfig() lfs.ImageConfig {
	return lfs.NewImageConfig(4096, 16, 256, 256)
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(p, 0o755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// withImage formats a fresh image on the fake engine and runs fn inside a
// mount.
func withImage(t *testing.T, cfg lfs.ImageConfig, fn func(*lfs.FS) error) *lfstest.Engine {
	t.Helper()
	engine := lfstest.New()
	img, err := lfs.New(cfg, lfs.WithEngine(engine))
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Format(); err != nil {
		t.Fatal(err)
	}
	if err := img.MountAndThen(fn); err != nil {
		t.Fatal(err)
	}
	return engine
}

func TestPack_Structure(t *testing.T) {
	root := writeTree(t, map[string]string{
		"index.html":    "<html>hello</html>",
		"css/style.css": "body {}",
		"js/app.js":     "console.log('hi')",
		"empty/":        "",
	})

	var progress bytes.Buffer
	withImage(t, testConfig(), func(fsys *lfs.FS) error {
		report, err := Pack(fsys, root, Options{Progress: &progress})
		if err != nil {
			return err
		}
		if report.Dirs != 3 || report.Files != 3 {
			t.Errorf("report = %d dirs, %d files, want 3 and 3", report.Dirs, report.Files)
		}
		if want := int64(18 + 7 + 17); report.Bytes != want {
			t.Errorf("report bytes = %d, want %d", report.Bytes, want)
		}

		for p, want := range map[string]string{
			"/index.html":    "<html>hello</html>",
			"/css/style.css": "body {}",
			"/js/app.js":     "console.log('hi')",
		} {
			got, err := fsys.ReadFile(p)
			if err != nil {
				return err
			}
			if string(got) != want {
				t.Errorf("%s = %q, want %q", p, got, want)
			}
		}
		info, err := fsys.Stat("/empty")
		if err != nil {
			return err
		}
		if info.Kind != lfs.KindDir {
			t.Errorf("/empty kind = %v, want dir", info.Kind)
		}
		return nil
	})

	wantLines := []string{
		"  mkdir  /css",
		"  write  /css/style.css (7 bytes)",
		"  mkdir  /empty",
		"  write  /index.html (18 bytes)",
		"  mkdir  /js",
		"  write  /js/app.js (17 bytes)",
	}
	got := strings.Split(strings.TrimSuffix(progress.String(), "\n"), "\n")
	if !slices.Equal(got, wantLines) {
		t.Errorf("progress =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(wantLines, "\n"))
	}
}

func TestPack_WriteCalls(t *testing.T) {
	cfg := testConfig()
	root := writeTree(t, map[string]string{
		"empty.dat":   "",
		"short.bin":   strings.Repeat("s", int(cfg.WriteSize)-1),
		"aligned.bin": strings.Repeat("a", 2*int(cfg.WriteSize)),
		"ten.bin":     "0123456789",
	})

	engine := withImage(t, cfg, func(fsys *lfs.FS) error {
		_, err := Pack(fsys, root, Options{})
		return err
	})

	tests := map[string][]int{
		"/empty.dat":   nil,
		"/short.bin":   {255},
		"/aligned.bin": {256, 256},
		"/ten.bin":     {10},
	}
	for p, want := range tests {
		if got := engine.WriteCalls(p); !slices.Equal(got, want) {
			t.Errorf("%s write calls = %v, want %v", p, got, want)
		}
	}
}

func TestPack_CustomChunkSize(t *testing.T) {
	root := writeTree(t, map[string]string{"f": strings.Repeat("x", 100)})
	engine := withImage(t, testConfig(), func(fsys *lfs.FS) error {
		_, err := Pack(fsys, root, Options{ChunkSize: 64})
		return err
	})
	if got, want := engine.WriteCalls("/f"), []int{64, 36}; !slices.Equal(got, want) {
		t.Errorf("write calls = %v, want %v", got, want)
	}
}

func TestPack_PathTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.NameMax = 16
	root := writeTree(t, map[string]string{
		"ok.txt":                     "fine",
		"this-name-is-far-too-long/": "",
	})

	tests := []struct {
		name   string
		policy ErrorPolicy
	}{
		{"abort", Abort},
		{"continue", Continue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withImage(t, cfg, func(fsys *lfs.FS) error {
				report, err := Pack(fsys, root, Options{OnError: tt.policy})
				if tt.policy == Abort {
					if !errors.Is(err, ErrPathTooLong) {
						t.Errorf("Pack() = %v, want ErrPathTooLong", err)
					}
					if !errors.Is(err, errors.ErrPack) {
						t.Error("pack error should match errors.ErrPack")
					}
					return nil
				}
				if err != nil {
					t.Fatalf("Pack() error: %v", err)
				}
				if len(report.Failed) != 1 {
					t.Fatalf("failed = %v, want one entry", report.Failed)
				}
				if ok, _ := fsys.Exists("/ok.txt"); !ok {
					t.Error("/ok.txt should still be packed")
				}
				return nil
			})
		})
	}
}

func TestPack_SkipsSpecialFiles(t *testing.T) {
	root := writeTree(t, map[string]string{"target.txt": "t"})
	if err := os.Symlink("target.txt", filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	withImage(t, testConfig(), func(fsys *lfs.FS) error {
		report, err := Pack(fsys, root, Options{})
		if err != nil {
			return err
		}
		if len(report.Warnings) != 1 {
			t.Fatalf("warnings = %v, want one", report.Warnings)
		}
		if !errors.Is(report.Warnings[0].Err, ErrUnsupportedEntry) {
			t.Errorf("warning = %v, want ErrUnsupportedEntry", report.Warnings[0].Err)
		}
		if ok, _ := fsys.Exists("/link"); ok {
			t.Error("symlink should not be packed")
		}
		return nil
	})
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("device went away")
	}
	n := min(len(p), f.after)
	for i := range p[:n] {
		p[i] = 'x'
	}
	f.after -= n
	return n, nil
}

func (f *failingReader) Close() error { return nil }

func TestPack_UnreadableFile(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":   "a",
		"bad.bin": strings.Repeat("b", 1000),
		"c.txt":   "c",
	})

	orig := openHost
	openHost = func(name string) (io.ReadCloser, error) {
		if filepath.Base(name) == "bad.bin" {
			return &failingReader{after: 300}, nil
		}
		return orig(name)
	}
	t.Cleanup(func() { openHost = orig })

	t.Run("abort", func(t *testing.T) {
		withImage(t, testConfig(), func(fsys *lfs.FS) error {
			_, err := Pack(fsys, root, Options{})
			var perr *Error
			if !errors.As(err, &perr) || perr.Op != "read" {
				t.Fatalf("Pack() = %v, want a read *Error", err)
			}
			if ok, _ := fsys.Exists("/c.txt"); ok {
				t.Error("abort should stop before /c.txt")
			}
			return nil
		})
	})

	t.Run("continue", func(t *testing.T) {
		withImage(t, testConfig(), func(fsys *lfs.FS) error {
			report, err := Pack(fsys, root, Options{OnError: Continue})
			if err != nil {
				t.Fatalf("Pack() error: %v", err)
			}
			if len(report.Failed) != 1 || report.Failed[0].Op != "read" {
				t.Fatalf("failed = %v, want one read failure", report.Failed)
			}
			if ok, _ := fsys.Exists("/bad.bin"); ok {
				t.Error("partially written file should be removed")
			}
			if ok, _ := fsys.Exists("/c.txt"); !ok {
				t.Error("/c.txt should be packed after the failure")
			}
			return nil
		})
	})
}

func TestPack_FilteredWalker(t *testing.T) {
	root := writeTree(t, map[string]string{
		"index.html":       "hi",
		".hidden":          "secret",
		"build/output.bin": "bin",
	})
	w, err := walk.New(root, walk.Options{IgnoreHidden: true, Ignores: []string{"build"}})
	if err != nil {
		t.Fatal(err)
	}
	withImage(t, testConfig(), func(fsys *lfs.FS) error {
		if _, err := Pack(fsys, root, Options{Walker: w}); err != nil {
			return err
		}
		entries, err := fsys.ReadDir("/")
		if err != nil {
			return err
		}
		if len(entries) != 1 || entries[0].Name != "index.html" {
			t.Errorf("root entries = %v, want only index.html", entries)
		}
		return nil
	})
}

func TestPack_NoSpace(t *testing.T) {
	root := writeTree(t, map[string]string{"big.bin": strings.Repeat("x", 64*1024)})
	withImage(t, lfs.NewImageConfig(4096, 4, 256, 256), func(fsys *lfs.FS) error {
		_, err := Pack(fsys, root, Options{OnError: Continue})
		if !errors.Is(err, lfs.ErrNoSpace) {
			t.Errorf("Pack() = %v, want ErrNoSpace even under Continue", err)
		}
		return nil
	})
}

func TestBuild_Deterministic(t *testing.T) {
	root := writeTree(t, map[string]string{
		"hello.txt":           "Hello\n",
		"sub/nested/deep.txt": "deep content\n",
		"empty/":              "",
	})
	cfg := testConfig()

	first, report, err := Build(root, cfg, Options{Engine: lfstest.New()})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(first) != cfg.ImageSize() {
		t.Fatalf("image is %d bytes, want %d", len(first), cfg.ImageSize())
	}
	if report.Files != 2 {
		t.Errorf("files = %d, want 2", report.Files)
	}
	second, _, err := Build(root, cfg, Options{Engine: lfstest.New()})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two builds of the same tree differ")
	}
}

func TestBuild_InvalidGeometry(t *testing.T) {
	root := t.TempDir()
	_, _, err := Build(root, lfs.NewImageConfig(4096, 16, 256, 300), Options{Engine: lfstest.New()})
	if !errors.Is(err, errors.ErrConfig) {
		t.Errorf("Build() = %v, want config error", err)
	}
	_, _, err = Build(root, lfs.NewImageConfig(4096, 1, 256, 256), Options{Engine: lfstest.New()})
	if !errors.Is(err, errors.ErrFormat) {
		t.Errorf("Build() = %v, want format error", err)
	}
}
