package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/unpack"
)

var unpackCmd = &cobra.Command{
	Use:   "unpack",
	Short: "Unpack a LittleFS image into a directory",
	RunE:  runUnpack,
}

func init() {
	unpackCmd.Flags().StringP("image", "i", "", "Image path or s3:// URI")
	unpackCmd.Flags().StringP("unpack-directory", "d", "", "Destination directory")
	unpackCmd.Flags().Bool("overwrite", false, "Replace existing files in the destination")
	unpackCmd.MarkFlagRequired("image")
	unpackCmd.MarkFlagRequired("unpack-directory")
	addGeometryFlags(unpackCmd)
	rootCmd.AddCommand(unpackCmd)
}

func runUnpack(cmd *cobra.Command, args []string) error {
	src, _ := cmd.Flags().GetString("image")
	dest, _ := cmd.Flags().GetString("unpack-directory")
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	img, err := readImage(cmd.Context(), cmd, src)
	if err != nil {
		return err
	}

	opts := unpack.Options{
		Overwrite: overwrite,
		Guard:     settings.Guard(),
		Progress:  os.Stdout,
	}
	err = img.MountAndThen(func(fsys *lfs.FS) error {
		_, err := unpack.Unpack(fsys, dest, opts)
		return err
	})
	if err != nil {
		// Files extracted before the failure are left in place.
		return errors.Wrapf(err, "failed to unpack into '%s' (partial output may remain)", dest)
	}

	fmt.Printf("Unpacked '%s' -> '%s'\n", src, dest)
	return nil
}
