package fingerprint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

func compute(t *testing.T, root string, cfg lfs.ImageConfig) string {
	t.Helper()
	w, err := walk.New(root, walk.Options{})
	if err != nil {
		t.Fatal(err)
	}
	d, err := Compute(w, cfg)
	if err != nil {
		t.Fatalf("Compute() error: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("invalid digest %q: %v", d, err)
	}
	return d.String()
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCompute(t *testing.T) {
	cfg := lfs.NewImageConfig(4096, 32, 256, 256)

	tests := []struct {
		name    string
		mutate  func(t *testing.T, root string)
		changed bool
	}{
		{"no change", func(*testing.T, string) {}, false},
		{"touch only", func(t *testing.T, root string) {
			future := time.Now().Add(time.Hour)
			if err := os.Chtimes(filepath.Join(root, "a.txt"), future, future); err != nil {
				t.Fatal(err)
			}
		}, false},
		{"content", func(t *testing.T, root string) { write(t, root, "a.txt", "A") }, true},
		{"new file", func(t *testing.T, root string) { write(t, root, "b.txt", "") }, true},
		{"empty dir", func(t *testing.T, root string) {
			if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
				t.Fatal(err)
			}
		}, true},
		{"rename", func(t *testing.T, root string) {
			if err := os.Rename(filepath.Join(root, "a.txt"), filepath.Join(root, "c.txt")); err != nil {
				t.Fatal(err)
			}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			write(t, root, "a.txt", "a")
			write(t, root, "sub/x.bin", "xyz")

			before := compute(t, root, cfg)
			tt.mutate(t, root)
			after := compute(t, root, cfg)

			if got := before != after; got != tt.changed {
				t.Errorf("changed = %v, want %v", got, tt.changed)
			}
		})
	}
}

func TestCompute_GeometrySensitive(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "a")

	a := compute(t, root, lfs.NewImageConfig(4096, 32, 256, 256))
	b := compute(t, root, lfs.NewImageConfig(4096, 64, 256, 256))
	if a == b {
		t.Error("fingerprint should change with the geometry")
	}
}

func TestImage(t *testing.T) {
	if Image([]byte("x")) == Image([]byte("y")) {
		t.Error("different buffers produced the same digest")
	}
	if Image([]byte("x")) != Image([]byte("x")) {
		t.Error("digest is not deterministic")
	}
}
