// Package config loads ck configuration from file, environment, and
// defaults, in that order of increasing precedence for the environment.
//
// The config file is config.yaml in the data directory (default
// ~/.coinkeep). Every key can be overridden with a CK_-prefixed
// environment variable, e.g. CK_API_BASE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all ck settings.
type Config struct {
	// DataDir holds the database, the kick file, and the daemon log.
	DataDir string `mapstructure:"data_dir"`

	// APIBaseURL is the root of the remote finance API.
	APIBaseURL string `mapstructure:"api_base_url"`

	// APIToken is the bearer token attached to API requests. Token
	// issuance and refresh belong to an external collaborator; ck only
	// carries the token.
	APIToken string `mapstructure:"api_token"`

	// ConflictStrategy is the default strategy attached to enqueued
	// mutations: client_wins, server_wins, newest_wins, merge, manual.
	ConflictStrategy string `mapstructure:"conflict_strategy"`

	// BatchSize is the number of queue items per drain pass.
	BatchSize int `mapstructure:"batch_size"`

	// MaxPasses bounds a single drain.
	MaxPasses int `mapstructure:"max_passes"`

	// StaleTimeout is the in_progress age treated as a crashed run.
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`

	// RefreshMaxAge is how long a collection is served from cache
	// before a read triggers a remote refresh.
	RefreshMaxAge time.Duration `mapstructure:"refresh_max_age"`

	// SyncInterval is the daemon's periodic drain interval.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// ProbeInterval is how often connectivity is probed.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// DashboardPort is the WebSocket dashboard listen port.
	DashboardPort int `mapstructure:"dashboard_port"`
}

// Load reads configuration. A missing config file is not an error; the
// defaults plus environment are used.
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v.SetDefault("data_dir", filepath.Join(home, ".coinkeep"))
	v.SetDefault("api_base_url", "http://localhost:8000/wp-json/coinkeep/v1")
	v.SetDefault("api_token", "")
	v.SetDefault("conflict_strategy", "server_wins")
	v.SetDefault("batch_size", 10)
	v.SetDefault("max_passes", 20)
	v.SetDefault("stale_timeout", 5*time.Minute)
	v.SetDefault("refresh_max_age", 5*time.Minute)
	v.SetDefault("sync_interval", time.Minute)
	v.SetDefault("probe_interval", 15*time.Second)
	v.SetDefault("dashboard_port", 8080)

	v.SetEnvPrefix("CK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(v.GetString("data_dir"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "coinkeep.db")
}

// LogPath returns the daemon log location.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "daemon.log")
}
