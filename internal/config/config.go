package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for the build service
type Config struct {
	// Server configuration
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Storage configuration
	DataDir   string `mapstructure:"data_dir"`
	ISODir    string `mapstructure:"iso_dir"`    // base ISO downloads and per-job workspaces
	OutputDir string `mapstructure:"output_dir"` // finished images
	CacheDir  string `mapstructure:"cache_dir"`

	// Database configuration
	DatabasePath string `mapstructure:"database_path"`

	// Base image source
	BaseISOURL    string `mapstructure:"base_iso_url"`
	BaseISOSHA256 string `mapstructure:"base_iso_sha256"`

	// AnswerBaseURL is advertised inside built images so the installer
	// can fetch its answer file over HTTP (http boot mode).
	AnswerBaseURL string `mapstructure:"answer_base_url"`

	// Build configuration
	MaxJobs           int  `mapstructure:"max_jobs"`
	JobTimeoutSeconds int  `mapstructure:"job_timeout_seconds"`
	ZstdLevel         int  `mapstructure:"zstd_level"`
	RootfsStage       bool `mapstructure:"rootfs_stage"`

	// CompanionDir is copied into the root filesystem image when the
	// rootfs stage is enabled.
	CompanionDir string `mapstructure:"companion_dir"`

	// Authoring tool binaries
	XorrisoPath    string `mapstructure:"xorriso_path"`
	UnsquashfsPath string `mapstructure:"unsquashfs_path"`
	MksquashfsPath string `mapstructure:"mksquashfs_path"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig loads configuration from environment and config file
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("SAFEPC")

	// Try to read config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/safe-pc/")
	v.AddConfigPath("$HOME/.safe-pc")
	v.AddConfigPath(".")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths
	if err := config.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 33007)

	// Storage defaults
	v.SetDefault("data_dir", "./data")
	v.SetDefault("iso_dir", "./data/isos")
	v.SetDefault("output_dir", "./data/isos")
	v.SetDefault("cache_dir", "./data/cached_answers")

	// Database defaults
	v.SetDefault("database_path", "./data/history.db")

	// Base image defaults
	v.SetDefault("base_iso_url", "")
	v.SetDefault("base_iso_sha256", "")

	v.SetDefault("answer_base_url", "http://localhost:33007")

	// Build defaults
	v.SetDefault("max_jobs", 5)
	v.SetDefault("job_timeout_seconds", 3600)
	v.SetDefault("zstd_level", 19)
	v.SetDefault("rootfs_stage", false)
	v.SetDefault("companion_dir", "")

	// Tool defaults
	v.SetDefault("xorriso_path", "xorriso")
	v.SetDefault("unsquashfs_path", "unsquashfs")
	v.SetDefault("mksquashfs_path", "mksquashfs")

	// Logging
	v.SetDefault("log_level", "info")
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.DataDir,
		&c.ISODir,
		&c.OutputDir,
		&c.CacheDir,
		&c.DatabasePath,
		&c.CompanionDir,
	} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	// Expand home directory
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}

	// Get absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return absPath, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}

	if c.MaxJobs < 1 {
		return fmt.Errorf("max_jobs must be at least 1")
	}

	if c.ZstdLevel < 1 || c.ZstdLevel > 22 {
		return fmt.Errorf("zstd_level must be between 1 and 22")
	}

	if c.RootfsStage && c.CompanionDir == "" {
		return fmt.Errorf("companion_dir is required when rootfs_stage is enabled")
	}

	if c.AnswerBaseURL == "" {
		return fmt.Errorf("answer_base_url is required")
	}

	return nil
}
