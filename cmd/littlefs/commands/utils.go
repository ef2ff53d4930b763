package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fly-io/littlefs-tool/internal/config"
	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/imagefile"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/storage"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(stateDB, fsmDBPath, workDir string) error {
	if err := os.MkdirAll(filepath.Dir(stateDB), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Only sync needs the FSM and work directories
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// addGeometryFlags registers the image geometry flags on cmd.
func addGeometryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint32P("block-size", "b", 0, "Filesystem block (erase unit) size in bytes")
	f.Uint32P("page-size", "p", 0, "Page size in bytes; sets read and write size unless given")
	f.Uint32P("block-count", "c", 0, "Total number of blocks")
	f.Uint64P("image-size", "s", 0, "Total image size in bytes (alternative to --block-count)")
	f.Uint32("read-size", 0, "Minimum read size in bytes")
	f.Uint32("write-size", 0, "Minimum program size in bytes")
	f.Int32("block-cycles", lfs.DefaultBlockCycles, "Erase cycles before wear leveling moves a block (-1 disables)")
	f.Uint32("name-max", lfs.DefaultNameMax, "Maximum file name length")
	cmd.MarkFlagsMutuallyExclusive("block-count", "image-size")
}

// geometryFlags collects the geometry flags the user actually set.
func geometryFlags(cmd *cobra.Command) (config.GeometryFlags, error) {
	f := cmd.Flags()
	var g config.GeometryFlags
	var err error
	u32 := func(name string) *uint32 {
		if err != nil || !f.Changed(name) {
			return nil
		}
		var v uint32
		v, err = f.GetUint32(name)
		return &v
	}
	g.BlockSize = u32("block-size")
	g.PageSize = u32("page-size")
	g.BlockCount = u32("block-count")
	g.ReadSize = u32("read-size")
	g.WriteSize = u32("write-size")
	g.NameMax = u32("name-max")
	if err == nil && f.Changed("image-size") {
		var v uint64
		v, err = f.GetUint64("image-size")
		g.ImageSize = &v
	}
	if err == nil && f.Changed("block-cycles") {
		var v int32
		v, err = f.GetInt32("block-cycles")
		g.BlockCycles = &v
	}
	return g, err
}

// loadProject returns the project given with -f, or nil.
func loadProject() (*config.Project, error) {
	if projectPath == "" {
		return nil, nil
	}
	return config.LoadProject(projectPath)
}

func s3Factory() storage.Factory {
	return storage.DefaultFactory(settings.S3Region, settings.S3Anonymous)
}

// readImage loads an image and resolves the geometry needed to mount it.
func readImage(ctx context.Context, cmd *cobra.Command, src string) (*lfs.Image, error) {
	project, err := loadProject()
	if err != nil {
		return nil, err
	}
	flags, err := geometryFlags(cmd)
	if err != nil {
		return nil, err
	}

	data, err := imagefile.Read(ctx, src, imagefile.Options{
		Guard:   settings.Guard(),
		MaxSize: settings.MaxFileSize,
		S3:      s3Factory(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image '%s'", src)
	}

	cfg, err := config.ResolveForRead(project, flags, len(data))
	if err != nil {
		return nil, err
	}
	return lfs.FromData(cfg, data)
}
