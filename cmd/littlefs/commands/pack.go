package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fly-io/littlefs-tool/internal/config"
	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/imagefile"
	"github.com/fly-io/littlefs-tool/pkg/pack"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Pack a directory into a LittleFS image",
	Long: `Pack a host directory into a new LittleFS image.

With --config the geometry and directory filters come from littlefs.toml and
flags override them. Without it --block-size, --page-size (or --read-size and
--write-size) and --block-count or --image-size are required. An output path
ending in .zst is zstd compressed; s3://bucket/key uploads the image.`,
	RunE: runPack,
}

func init() {
	packCmd.Flags().StringP("pack-directory", "d", "", "Directory to pack (defaults to the project root)")
	packCmd.Flags().StringP("output", "o", "", "Output image path or s3:// URI")
	packCmd.Flags().Bool("continue-on-error", false, "Skip unreadable host files instead of aborting")
	packCmd.MarkFlagRequired("output")
	addGeometryFlags(packCmd)
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir, _ := cmd.Flags().GetString("pack-directory")
	output, _ := cmd.Flags().GetString("output")
	keepGoing, _ := cmd.Flags().GetBool("continue-on-error")

	project, err := loadProject()
	if err != nil {
		return err
	}
	flags, err := geometryFlags(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.ResolveForPack(project, flags)
	if err != nil {
		return err
	}

	// The project's filters apply even when -d picks another directory;
	// without a project the tree is packed unfiltered.
	var walkOpts walk.Options
	if project != nil {
		walkOpts = project.Directory.WalkOptions()
		if dir == "" {
			if dir, err = project.Root(); err != nil {
				return err
			}
		}
	}
	if dir == "" {
		return errors.New("--pack-directory is required without --config")
	}

	w, err := walk.New(dir, walkOpts)
	if err != nil {
		return err
	}
	opts := pack.Options{Walker: w, Progress: os.Stdout}
	if keepGoing {
		opts.OnError = pack.Continue
	}

	data, report, err := pack.Build(dir, cfg, opts)
	if err != nil {
		return errors.Wrapf(err, "failed to pack '%s'", dir)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(os.Stderr, "warning: skipped %v\n", f)
	}

	if err := imagefile.Write(ctx, output, data, imagefile.Options{S3: s3Factory()}); err != nil {
		return errors.Wrapf(err, "failed to write image to '%s'", output)
	}

	fmt.Printf("Packed '%s' -> '%s' (%d bytes, %d blocks x %d bytes)\n",
		dir, output, len(data), cfg.BlockCount, cfg.BlockSize)
	return nil
}
