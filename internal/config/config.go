// Package config loads application settings through viper and the
// littlefs.toml project file that describes an image.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/security"
)

// Settings holds all application configuration
type Settings struct {
	// Sync state
	StateDB   string `mapstructure:"state-db"`
	FSMDBPath string `mapstructure:"fsm-db-path"`
	WorkDir   string `mapstructure:"work-dir"`

	// FSM configuration
	MaxRetries int `mapstructure:"max-retries"`

	// S3 configuration
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Image and unpack limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	Verbose bool `mapstructure:"verbose"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Settings, error) {
	viper.SetDefault("state-db", ".littlefs/state.db")
	viper.SetDefault("fsm-db-path", ".littlefs/fsm")
	viper.SetDefault("work-dir", ".littlefs/work")
	viper.SetDefault("max-retries", 5)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("max-file-size", 1024*1024*1024)
	viper.SetDefault("max-total-size", 4*1024*1024*1024)
	// Erased flash compresses far beyond any sane bomb ratio, so the ratio
	// check is off unless configured. max-file-size bounds decoding.
	viper.SetDefault("max-compression-ratio", 0)
	viper.SetDefault("verbose", false)

	// Environment variables (LITTLEFS_STATE_DB, etc.)
	viper.SetEnvPrefix("LITTLEFS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("littlefs-tool")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.littlefs")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &s, nil
}

// Validate checks configuration for errors
func (s *Settings) Validate() error {
	if s.StateDB == "" {
		return fmt.Errorf("state-db cannot be empty")
	}
	if s.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if s.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if s.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be positive")
	}
	if s.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if s.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if s.MaxCompressionRatio < 0 {
		return fmt.Errorf("max-compression-ratio cannot be negative")
	}
	return nil
}

// Guard builds the validator applied to images read from disk or S3 and to
// unpacked trees.
func (s *Settings) Guard() *security.Validator {
	return security.NewValidator(s.MaxFileSize, s.MaxTotalSize, s.MaxCompressionRatio)
}
