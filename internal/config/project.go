package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

// ProjectFile is the conventional project file name.
const ProjectFile = "littlefs.toml"

// ProjectErrorKind classifies project file failures.
type ProjectErrorKind string

const (
	KindIo                 ProjectErrorKind = "io"
	KindParse              ProjectErrorKind = "parse"
	KindBothSizingMethods  ProjectErrorKind = "both_sizing_methods"
	KindNoSizingMethod     ProjectErrorKind = "no_sizing_method"
	KindImageSizeAlignment ProjectErrorKind = "image_size_alignment"
	KindMissingSize        ProjectErrorKind = "missing_size"
	KindRootNotFound       ProjectErrorKind = "root_not_found"
	KindEmit               ProjectErrorKind = "emit"
)

// ProjectError is a failure to load, validate or emit a project file. It
// matches errors.ErrConfig.
type ProjectError struct {
	Kind  ProjectErrorKind
	Path  string
	Field string
	Err   error
}

func (e *ProjectError) Error() string {
	switch e.Kind {
	case KindIo:
		return fmt.Sprintf("failed to read %s: %v", e.Path, e.Err)
	case KindParse:
		return fmt.Sprintf("failed to parse %s: %v", e.Path, e.Err)
	case KindBothSizingMethods:
		return "specify block_count or image_size, not both"
	case KindNoSizingMethod:
		return "specify either block_count or image_size"
	case KindImageSizeAlignment:
		return fmt.Sprintf("image_size must be a multiple of block_size: %v", e.Err)
	case KindMissingSize:
		if e.Field == "read_size" || e.Field == "write_size" {
			return fmt.Sprintf("%s is required when page_size is not set", e.Field)
		}
		return fmt.Sprintf("%s is required", e.Field)
	case KindRootNotFound:
		return fmt.Sprintf("root directory not found at: %s", e.Path)
	case KindEmit:
		return fmt.Sprintf("failed to write generated config to %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("project %s: %v", e.Kind, e.Err)
}

func (e *ProjectError) Unwrap() error { return e.Err }

func (e *ProjectError) Is(target error) bool { return target == errors.ErrConfig }

// Project is a parsed littlefs.toml.
type Project struct {
	Image     Image     `toml:"image"`
	Directory Directory `toml:"directory"`
	Sync      Sync      `toml:"sync"`

	path    string
	baseDir string
}

// Image is the [image] table. Optional keys are pointers so an absent key
// can be told apart from zero.
type Image struct {
	BlockSize   uint32  `toml:"block_size"`
	BlockCount  *uint32 `toml:"block_count"`
	ImageSize   *uint64 `toml:"image_size"`
	PageSize    *uint32 `toml:"page_size"`
	ReadSize    *uint32 `toml:"read_size"`
	WriteSize   *uint32 `toml:"write_size"`
	BlockCycles *int32  `toml:"block_cycles"`
	NameMax     *uint32 `toml:"name_max"`
}

// Directory is the [directory] table.
type Directory struct {
	Root          string   `toml:"root"`
	Depth         int      `toml:"depth"`
	IgnoreHidden  bool     `toml:"ignore_hidden"`
	GitIgnore     bool     `toml:"gitignore"`
	RepoGitIgnore bool     `toml:"repo_gitignore"`
	GlobIgnores   []string `toml:"glob_ignores"`
	GlobIncludes  []string `toml:"glob_includes"`
}

// Sync is the [sync] table.
type Sync struct {
	Target string `toml:"target"`
	Name   string `toml:"name"`
}

func defaultProject() Project {
	return Project{
		Directory: Directory{Root: ".", Depth: -1, IgnoreHidden: true},
	}
}

// LoadProject reads and validates the project file at path. The directory
// root is resolved against the file's directory and must exist.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ProjectError{Kind: KindIo, Path: path, Err: err}
	}
	p, err := parseProject(data, path)
	if err != nil {
		return nil, err
	}
	if _, err := p.Root(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseProject(data []byte, path string) (*Project, error) {
	p := defaultProject()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, &ProjectError{Kind: KindParse, Path: path, Err: err}
	}
	p.path = path
	p.baseDir = filepath.Dir(path)

	if err := p.Image.validate(); err != nil {
		return nil, err
	}
	if p.Directory.Depth == 0 || p.Directory.Depth < -1 {
		return nil, &ProjectError{Kind: KindParse, Path: path, Field: "depth",
			Err: fmt.Errorf("depth must be -1 or positive, got %d", p.Directory.Depth)}
	}
	return &p, nil
}

// Path returns the file the project was loaded from.
func (p *Project) Path() string { return p.path }

// Root resolves the directory root against the project file's directory.
func (p *Project) Root() (string, error) {
	root := p.Directory.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(p.baseDir, root)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", &ProjectError{Kind: KindRootNotFound, Path: root, Err: err}
	}
	return root, nil
}

// SyncName is the state key for this project: [sync] name, or the name of
// the directory holding the project file.
func (p *Project) SyncName() string {
	if p.Sync.Name != "" {
		return p.Sync.Name
	}
	abs, err := filepath.Abs(p.baseDir)
	if err != nil {
		return filepath.Base(p.baseDir)
	}
	return filepath.Base(abs)
}

func (img Image) validate() error {
	if img.BlockSize == 0 {
		return &ProjectError{Kind: KindMissingSize, Field: "block_size"}
	}
	if img.ReadSize == nil && img.PageSize == nil {
		return &ProjectError{Kind: KindMissingSize, Field: "read_size"}
	}
	if img.WriteSize == nil && img.PageSize == nil {
		return &ProjectError{Kind: KindMissingSize, Field: "write_size"}
	}
	switch {
	case img.BlockCount != nil && img.ImageSize != nil:
		return &ProjectError{Kind: KindBothSizingMethods}
	case img.BlockCount == nil && img.ImageSize == nil:
		return &ProjectError{Kind: KindNoSizingMethod}
	case img.ImageSize != nil && *img.ImageSize%uint64(img.BlockSize) != 0:
		return &ProjectError{Kind: KindImageSizeAlignment,
			Err: fmt.Errorf("image_size (%d), block_size (%d)", *img.ImageSize, img.BlockSize)}
	}
	return nil
}

// Config resolves the table into an image geometry.
func (img Image) Config() lfs.ImageConfig {
	cfg := lfs.NewImageConfig(img.BlockSize, 0, 0, 0)
	if img.BlockCount != nil {
		cfg.BlockCount = *img.BlockCount
	} else if img.ImageSize != nil {
		cfg.BlockCount = uint32(*img.ImageSize / uint64(img.BlockSize))
	}
	cfg.ReadSize = firstOf(img.ReadSize, img.PageSize)
	cfg.WriteSize = firstOf(img.WriteSize, img.PageSize)
	if img.BlockCycles != nil {
		cfg.BlockCycles = *img.BlockCycles
	}
	if img.NameMax != nil {
		cfg.NameMax = *img.NameMax
	}
	return cfg
}

func firstOf[T any](vals ...*T) T {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	var zero T
	return zero
}

// WalkOptions maps the table onto host traversal options.
func (d Directory) WalkOptions() walk.Options {
	opts := walk.Options{
		IgnoreHidden:  d.IgnoreHidden,
		GitIgnore:     d.GitIgnore,
		RepoGitIgnore: d.RepoGitIgnore,
		Ignores:       d.GlobIgnores,
		Includes:      d.GlobIncludes,
	}
	if d.Depth > 0 {
		opts.MaxDepth = d.Depth
	}
	return opts
}
