package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fly-io/littlefs-tool/pkg/inspect"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print block usage of a LittleFS image",
	RunE:  runInfo,
}

func init() {
	infoCmd.Flags().StringP("image", "i", "", "Image path or s3:// URI")
	infoCmd.Flags().BoolP("human", "H", false, "Print sizes in IEC units")
	infoCmd.MarkFlagRequired("image")
	addGeometryFlags(infoCmd)
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	src, _ := cmd.Flags().GetString("image")
	human, _ := cmd.Flags().GetBool("human")

	img, err := readImage(cmd.Context(), cmd, src)
	if err != nil {
		return err
	}
	info, err := lfs.WithMount(img, inspect.Stat)
	if err != nil {
		return err
	}
	return inspect.WriteInfo(os.Stdout, info, human)
}
