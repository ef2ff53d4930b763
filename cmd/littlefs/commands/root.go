package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fly-io/littlefs-tool/internal/config"
	"github.com/fly-io/littlefs-tool/pkg/errors"
)

// LogLevel is raised to debug by --verbose.
var LogLevel = new(slog.LevelVar)

var (
	// projectPath is the littlefs.toml given with -f.
	projectPath string
	settings    *config.Settings
)

var rootCmd = &cobra.Command{
	Use:           "littlefs",
	Short:         "Create, unpack, inspect and sync LittleFS images",
	Long:          `Builds LittleFS v2 images from host directories, reads them back, and keeps devices in sync with a source tree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "config load failed")
		}
		if err := s.Validate(); err != nil {
			return errors.Wrap(err, "config invalid")
		}
		if s.Verbose {
			LogLevel.Set(slog.LevelDebug)
		}
		settings = s
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectPath, "config", "f", "", "Path to a littlefs.toml project file")
	rootCmd.PersistentFlags().String("state-db", ".littlefs/state.db", "SQLite sync state database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".littlefs/fsm", "FSM database directory")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().Bool("s3-anonymous", false, "Use unsigned S3 requests")
	rootCmd.PersistentFlags().Int64("max-file-size", 1024*1024*1024, "Max decoded image and extracted file size in bytes")
	rootCmd.PersistentFlags().Int64("max-total-size", 4*1024*1024*1024, "Max total extraction size")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	viper.BindPFlag("state-db", rootCmd.PersistentFlags().Lookup("state-db"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("s3-anonymous", rootCmd.PersistentFlags().Lookup("s3-anonymous"))
	viper.BindPFlag("max-file-size", rootCmd.PersistentFlags().Lookup("max-file-size"))
	viper.BindPFlag("max-total-size", rootCmd.PersistentFlags().Lookup("max-total-size"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}
