package config

import (
	"bytes"
	"fmt"
	"go/format"
	"go/token"
	"os"
	"path/filepath"

	"github.com/fly-io/littlefs-tool/pkg/lfs"
)

// EmitFile is the name of the generated geometry file.
const EmitFile = "littlefs_config.go"

// EmitGo writes the geometry as Go constants into outDir/littlefs_config.go
// so firmware can mount the image with matching parameters. It returns the
// written path.
func EmitGo(cfg lfs.ImageConfig, outDir, pkg string) (string, error) {
	path := filepath.Join(outDir, EmitFile)
	if !token.IsIdentifier(pkg) {
		return "", &ProjectError{Kind: KindEmit, Path: path, Err: fmt.Errorf("invalid package name %q", pkg)}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Code generated by littlefs config emit-go. DO NOT EDIT.\n\n")
	fmt.Fprintf(&buf, "package %s\n\n", pkg)
	fmt.Fprintf(&buf, "// LittleFS geometry of the packed image.\n")
	fmt.Fprintf(&buf, "const (\n")
	fmt.Fprintf(&buf, "BlockSize = %d\n", cfg.BlockSize)
	fmt.Fprintf(&buf, "BlockCount = %d\n", cfg.BlockCount)
	fmt.Fprintf(&buf, "ReadSize = %d\n", cfg.ReadSize)
	fmt.Fprintf(&buf, "WriteSize = %d\n", cfg.WriteSize)
	fmt.Fprintf(&buf, "BlockCycles = %d\n", cfg.BlockCycles)
	fmt.Fprintf(&buf, "NameMax = %d\n", cfg.NameMax)
	fmt.Fprintf(&buf, ")\n")

	src, err := format.Source(buf.Bytes())
	if err != nil {
		return "", &ProjectError{Kind: KindEmit, Path: path, Err: err}
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", &ProjectError{Kind: KindEmit, Path: path, Err: err}
	}
	if err := os.WriteFile(path, src, 0o644); err != nil {
		return "", &ProjectError{Kind: KindEmit, Path: path, Err: err}
	}
	return path, nil
}
