// Package config loads tsync settings with viper.
//
// Settings come from, in increasing precedence: built-in defaults, a
// tsync.yaml file (current directory, then $HOME/.tsync), TSYNC_* environment
// variables and command-line flags bound by the CLI. Nested keys map to
// environment variables with dots replaced by underscores, so
// pull.max_limit is TSYNC_PULL_MAX_LIMIT.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/beyondessential/tamanu-sync/internal/batch"
	"github.com/beyondessential/tamanu-sync/internal/central"
	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TSYNC"

// Config is the typed view of every setting.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Device   DeviceConfig   `mapstructure:"device"`

	Pull batch.Settings `mapstructure:"pull"`
	Push batch.Settings `mapstructure:"push"`

	Persist  PersistConfig  `mapstructure:"persist"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Log      LogConfig      `mapstructure:"log"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	Driver      string        `mapstructure:"driver"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	// Manifest is a model manifest file. Empty uses the built-in one.
	Manifest string `mapstructure:"manifest"`
}

type ServerConfig struct {
	URL           string        `mapstructure:"url"`
	ClientVersion string        `mapstructure:"client_version"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PullTimeout   time.Duration `mapstructure:"pull_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
}

type DeviceConfig struct {
	File string `mapstructure:"file"`
	// FacilityIDs override the facilities stored in the device file.
	FacilityIDs []string `mapstructure:"facility_ids"`
}

type PersistConfig struct {
	MaxParams       int `mapstructure:"max_params"`
	InsertBatchSize int `mapstructure:"insert_batch_size"`
	UpdateBatchSize int `mapstructure:"update_batch_size"`
}

type SnapshotConfig struct {
	SpillThreshold int    `mapstructure:"spill_threshold"`
	SpillDir       string `mapstructure:"spill_dir"`
}

type LogConfig struct {
	// File rotates logs through lumberjack. Empty logs to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DaemonConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
	WatchDatabase bool          `mapstructure:"watch_database"`
	DashboardPort int           `mapstructure:"dashboard_port"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	pull := batch.DefaultPullSettings()
	push := batch.DefaultPushSettings()
	client := central.DefaultConfig()

	v.SetDefault("database.path", "tamanu.db")
	v.SetDefault("database.driver", db.DriverNcruces)
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("database.manifest", "")

	v.SetDefault("server.url", "")
	v.SetDefault("server.client_version", "")
	v.SetDefault("server.timeout", client.Timeout)
	v.SetDefault("server.pull_timeout", client.PullTimeout)
	v.SetDefault("server.max_attempts", client.MaxAttempts)
	v.SetDefault("server.poll_timeout", client.PollTimeout)

	v.SetDefault("device.file", "device.toml")
	v.SetDefault("device.facility_ids", []string{})

	for prefix, s := range map[string]batch.Settings{"pull": pull, "push": push} {
		v.SetDefault(prefix+".initial_limit", s.InitialLimit)
		v.SetDefault(prefix+".min_limit", s.MinLimit)
		v.SetDefault(prefix+".max_limit", s.MaxLimit)
		v.SetDefault(prefix+".optimal_time_per_page", s.OptimalTimePerPage)
		v.SetDefault(prefix+".max_limit_change_per_page", s.MaxLimitChangePerPage)
	}

	v.SetDefault("persist.max_params", batch.DefaultMaxParams)
	v.SetDefault("persist.insert_batch_size", 500)
	v.SetDefault("persist.update_batch_size", 200)

	v.SetDefault("snapshot.spill_threshold", 10000)
	v.SetDefault("snapshot.spill_dir", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("daemon.interval", 5*time.Minute)
	v.SetDefault("daemon.debounce", 2*time.Second)
	v.SetDefault("daemon.watch_database", true)
	v.SetDefault("daemon.dashboard_port", 0)
}

// New returns a viper instance with defaults, env binding and the config
// search path set. An explicit file replaces the search path.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName("tsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".tsync"))
	}
	return v
}

// Load reads the config file if there is one and decodes v. A missing file
// is not an error when it was found by search.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Pull = cfg.Pull.Normalize(batch.DefaultPullSettings())
	cfg.Push = cfg.Push.Normalize(batch.DefaultPushSettings())
	return &cfg, nil
}

// ConfigFile returns the file v was read from, or "" if none.
func ConfigFile(v *viper.Viper) string {
	return v.ConfigFileUsed()
}

// ValidateForSync checks the settings a sync cannot run without.
func (c *Config) ValidateForSync() error {
	if c.Server.URL == "" {
		return syncerr.NewConfigurationError("server.url is not set (TSYNC_SERVER_URL or tsync.yaml)")
	}
	if c.Server.ClientVersion == "" {
		return syncerr.NewConfigurationError("server.client_version is not set")
	}
	switch c.Database.Driver {
	case db.DriverNcruces, db.DriverModernc:
	default:
		return syncerr.NewConfigurationError("database.driver must be %q or %q, got %q", db.DriverNcruces, db.DriverModernc, c.Database.Driver)
	}
	return nil
}
