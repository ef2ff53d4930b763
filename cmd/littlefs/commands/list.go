package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fly-io/littlefs-tool/pkg/inspect"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List files in a LittleFS image",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringP("image", "i", "", "Image path or s3:// URI")
	listCmd.MarkFlagRequired("image")
	addGeometryFlags(listCmd)
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	src, _ := cmd.Flags().GetString("image")

	img, err := readImage(cmd.Context(), cmd, src)
	if err != nil {
		return err
	}
	return img.MountAndThen(func(fsys *lfs.FS) error {
		return inspect.WriteTree(os.Stdout, fsys)
	})
}
