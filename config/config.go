// Package config loads the buffer pool's tunables from the environment.
// Variables already set in the process environment take precedence; a
// local .env file only supplies the ones that are not set.
package config

import (
	"os"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/finchdb/bufcore/bufferpool"
	"github.com/finchdb/bufcore/storage/disk"
)

// PoolConfig holds everything needed to construct a bufferpool.Pool and its
// backing disk.Manager.
type PoolConfig struct {
	PoolSize   int    `envconfig:"POOL_SIZE" required:"true"`
	ReplacerK  int    `envconfig:"REPLACER_K" default:"2"`
	BucketSize int    `envconfig:"BUCKET_SIZE" default:"64"`
	DataPath   string `envconfig:"DATA_PATH" required:"true"`
}

// Load reads a .env file if one is present (missing is not an error) and
// then populates a PoolConfig from BUFCORE_-prefixed environment variables.
func Load() (PoolConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return PoolConfig{}, errors.Wrap(err, "config: load .env file")
	}

	var cfg PoolConfig
	if err := envconfig.Process("BUFCORE", &cfg); err != nil {
		return PoolConfig{}, errors.Wrap(err, "config: process environment")
	}

	if cfg.PoolSize <= 0 {
		return PoolConfig{}, errors.New("config: POOL_SIZE must be positive")
	}
	if cfg.ReplacerK <= 0 {
		return PoolConfig{}, errors.New("config: REPLACER_K must be positive")
	}
	if cfg.BucketSize <= 0 {
		return PoolConfig{}, errors.New("config: BUCKET_SIZE must be positive")
	}

	return cfg, nil
}

// Build wires a PoolConfig into a running Pool over a real OS filesystem.
func (cfg PoolConfig) Build(log *zap.SugaredLogger) (*bufferpool.Pool, error) {
	diskManager, err := disk.New(afero.NewOsFs(), cfg.DataPath, log)
	if err != nil {
		return nil, errors.Wrap(err, "config: build disk manager")
	}

	return bufferpool.New(cfg.PoolSize, cfg.ReplacerK, cfg.BucketSize, diskManager, log), nil
}
