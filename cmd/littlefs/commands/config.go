package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/littlefs-tool/internal/config"
	"github.com/fly-io/littlefs-tool/pkg/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with littlefs.toml project files",
}

var emitGoCmd = &cobra.Command{
	Use:   "emit-go",
	Short: "Write the image geometry as Go constants for firmware",
	RunE:  runEmitGo,
}

func init() {
	emitGoCmd.Flags().StringP("output", "o", ".", "Directory to write littlefs_config.go into")
	emitGoCmd.Flags().String("package", "main", "Package name of the generated file")
	addGeometryFlags(emitGoCmd)
	configCmd.AddCommand(emitGoCmd)
	rootCmd.AddCommand(configCmd)
}

func runEmitGo(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("output")
	pkg, _ := cmd.Flags().GetString("package")

	if projectPath == "" {
		return errors.New("emit-go needs a project file (-f littlefs.toml)")
	}
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

	path, err := config.EmitGo(cfg, out, pkg)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%s)\n", path, cfg)
	return nil
}
