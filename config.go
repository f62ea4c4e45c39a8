package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const DEFAULT_CONFIG_FILE string = "config.yaml"
const DEFAULT_DRIVE string = "/dev/nst0"
const DEFAULT_DB string = "remote.db"
const DEFAULT_LOG_FILE string = "git-annex-remote-tape.log"
const DEFAULT_CACHE string = "cache"
const DEFAULT_REGION string = "us-east-1"
const DEFAULT_CARTRIDGE string = "TAPE00"
const DEFAULT_BLOCK_SIZE int = 64 * 1024
const DEFAULT_COST int = 1100
const DEFAULT_SCHEDULE string = "@every 1h"
const DEFAULT_METRICS string = ":9477"

// Config is the run configuration. Relative paths are taken relative to the
// state directory inside the repository's git dir.
type Config struct {
	Drive        string `mapstructure:"drive"`
	Simulate     string `mapstructure:"simulate"`
	Cartridge    string `mapstructure:"cartridge"`
	Library      string `mapstructure:"library"`
	LibraryDrive int    `mapstructure:"library_drive"`
	Database     string `mapstructure:"database"`
	Log          string `mapstructure:"log"`
	Debug        bool   `mapstructure:"debug"`
	BlockSize    int    `mapstructure:"blocksize"`
	Cache        string `mapstructure:"cache"`
	Region       string `mapstructure:"region"`
	Cost         int    `mapstructure:"cost"`
	Schedule     string `mapstructure:"schedule"`
	Metrics      string `mapstructure:"metrics"`
}

// stateDir is where the database, log and spool files live by default.
func stateDir() string {
	gitDir := os.Getenv("GIT_DIR")
	if gitDir == "" {
		gitDir = ".git"
	}
	return filepath.Join(gitDir, "annex", "tape")
}

// loadConfig reads the config file at path, then TAPE_* environment
// variables, then the overrides given on the command line. A missing file
// is only an error if it was asked for explicitly.
func loadConfig(path string, explicit bool, overrides map[string]interface{}) (*Config, error) {
	v := viper.New()
	v.SetDefault("drive", DEFAULT_DRIVE)
	v.SetDefault("simulate", "")
	v.SetDefault("cartridge", DEFAULT_CARTRIDGE)
	v.SetDefault("library", "")
	v.SetDefault("library_drive", 0)
	v.SetDefault("database", DEFAULT_DB)
	v.SetDefault("log", DEFAULT_LOG_FILE)
	v.SetDefault("debug", false)
	v.SetDefault("blocksize", DEFAULT_BLOCK_SIZE)
	v.SetDefault("cache", DEFAULT_CACHE)
	v.SetDefault("region", DEFAULT_REGION)
	v.SetDefault("cost", DEFAULT_COST)
	v.SetDefault("schedule", DEFAULT_SCHEDULE)
	v.SetDefault("metrics", DEFAULT_METRICS)

	v.SetEnvPrefix("TAPE")
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil || explicit {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if cfg.BlockSize <= 0 {
		return nil, errors.Errorf("invalid block size %d", cfg.BlockSize)
	}

	dir := stateDir()
	cfg.Database = resolve(dir, cfg.Database)
	cfg.Log = resolve(dir, cfg.Log)
	cfg.Cache = resolve(dir, cfg.Cache)
	if cfg.Simulate != "" {
		cfg.Simulate = resolve(dir, cfg.Simulate)
	}
	return cfg, nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
