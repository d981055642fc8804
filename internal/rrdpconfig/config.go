// Package rrdpconfig loads the worker's configuration the way dittofs's
// pkg/config does: viper layers RRDPWORKER_* environment variables over
// a YAML file, defaults fill what is still unset, and the result is
// decoded into a struct with mapstructure tags and checked with
// go-playground/validator. No CLI flags are bound into the
// configuration.
package rrdpconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RepositoryConfig names one RRDP repository this worker synchronizes.
type RepositoryConfig struct {
	// Label is the persistence key under which session/serial state is
	// stored. Labels must be unique across repositories; neither the
	// Scheduler nor serve reads the repository list.
	Label string `mapstructure:"label" validate:"required" yaml:"label"`

	// NotifyURI is the repository's notification.xml URL.
	NotifyURI string `mapstructure:"notify_uri" validate:"required,url" yaml:"notify_uri"`
}

// StorageConfig selects and configures the durable state backend.
type StorageConfig struct {
	// Backend is "bolt" or "postgres".
	Backend string `mapstructure:"backend" validate:"required,oneof=bolt postgres" yaml:"backend"`

	// BoltPath is the database file path when Backend is "bolt".
	BoltPath string `mapstructure:"bolt_path" yaml:"bolt_path,omitempty"`

	// PostgresDSN is the connection string when Backend is "postgres".
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn,omitempty"`
}

// LoggingConfig controls rrdplog.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// SchedulerConfig bounds how the Scheduler runs the sessions it drives.
type SchedulerConfig struct {
	// MaxSessions caps how many repositories are fetched concurrently.
	MaxSessions int `mapstructure:"max_sessions" validate:"required,gt=0" yaml:"max_sessions"`

	// RequestTimeout is a per-fetch time limit. It is loaded, defaulted
	// and validated, but the Scheduler does not read it: no fetch is
	// timed out by the worker.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"required,gt=0" yaml:"request_timeout"`

	// PollInterval is a delay between syncs of one repository. It is
	// loaded, defaulted and validated, but the Scheduler does not read
	// it: the worker only syncs repositories a parent STARTs.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0" yaml:"poll_interval"`
}

// ControlConfig configures the framed control channel the Scheduler
// listens on for a parent process.
type ControlConfig struct {
	// Listen is the Unix socket path serve accepts a parent connection
	// on. serve refuses to start when it is empty; an in-process caller
	// can instead hand the Scheduler a wire.WorkerSide directly.
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
}

// AppConfig is the worker's full configuration.
//
// Precedence, highest to lowest:
//  1. Environment variables (RRDPWORKER_*)
//  2. Configuration file (YAML)
//  3. Defaults
//
// Load applies environment variables only when a configuration file
// was read.
type AppConfig struct {
	Repositories []RepositoryConfig `mapstructure:"repositories" validate:"required,min=1,dive" yaml:"repositories"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	Control      ControlConfig      `mapstructure:"control" yaml:"control"`
}

// Load reads configuration from file, environment, and defaults.
// configPath == "" searches the default location.
func Load(configPath string) (*AppConfig, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &AppConfig{}
	if found {
		hook := mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeDurationHookFunc())
		if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
			return nil, fmt.Errorf("rrdpconfig: unmarshal: %w", err)
		}
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("rrdpconfig: invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration, producing an actionable error when no
// file exists at an explicitly requested path.
func MustLoad(configPath string) (*AppConfig, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}
	return Load(configPath)
}

// SaveConfig writes cfg as YAML to path, creating parent directories.
func SaveConfig(cfg *AppConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("rrdpconfig: create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("rrdpconfig: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("rrdpconfig: write config file: %w", err)
	}
	return nil
}

// Validate checks cfg against its struct tags and the cross-field rules
// a tag alone cannot express (storage backend implies a matching DSN).
func Validate(cfg *AppConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	switch cfg.Storage.Backend {
	case "bolt":
		if cfg.Storage.BoltPath == "" {
			return fmt.Errorf("storage.bolt_path is required when storage.backend is \"bolt\"")
		}
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required when storage.backend is \"postgres\"")
		}
	}
	labels := make(map[string]bool, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		if labels[r.Label] {
			return fmt.Errorf("duplicate repository label %q", r.Label)
		}
		labels[r.Label] = true
	}
	return nil
}

// ApplyDefaults fills unset fields with the worker's defaults.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "bolt"
	}
	if cfg.Storage.Backend == "bolt" && cfg.Storage.BoltPath == "" {
		cfg.Storage.BoltPath = filepath.Join(getStateDir(), "rrdpworker.db")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Scheduler.MaxSessions == 0 {
		cfg.Scheduler.MaxSessions = 8
	}
	if cfg.Scheduler.RequestTimeout == 0 {
		cfg.Scheduler.RequestTimeout = 2 * time.Minute
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = 10 * time.Minute
	}
}

// GetDefaultConfig returns an AppConfig with defaults applied and no
// repositories configured.
func GetDefaultConfig() *AppConfig {
	cfg := &AppConfig{}
	ApplyDefaults(cfg)
	return cfg
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("RRDPWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("rrdpconfig: read config file: %w", err)
	}
	return true, nil
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rrdpworker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "rrdpworker")
}

func getStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "rrdpworker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state", "rrdpworker")
}

// GetDefaultConfigPath returns where Load looks when configPath is "".
func GetDefaultConfigPath() string { return filepath.Join(getConfigDir(), "config.yaml") }

// DefaultConfigExists reports whether a file exists at GetDefaultConfigPath.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
