// Package config provides configuration management for OVPN Launcher.
// It handles loading, saving, and validating application settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/yllada/ovpn-launcher/common"
)

// Config represents the application configuration.
// Values from the config file are layered over DefaultConfig.
type Config struct {
	// DataDir holds the profile store and credential fallback file.
	// Empty means the platform data directory.
	DataDir string          `koanf:"data_dir" yaml:"data_dir"`
	Log     LogSettings     `koanf:"log" yaml:"log"`
	Fetch   FetchSettings   `koanf:"fetch" yaml:"fetch"`
	Session SessionSettings `koanf:"session" yaml:"session"`
	Profile ProfileSettings `koanf:"profile" yaml:"profile"`
	Store   StoreSettings   `koanf:"store" yaml:"store"`
	Engine  EngineSettings  `koanf:"engine" yaml:"engine"`
	Network NetworkSettings `koanf:"network" yaml:"network"`
	Health  HealthSettings  `koanf:"health" yaml:"health"`
}

type LogSettings struct {
	Level      string `koanf:"level" yaml:"level"`
	File       bool   `koanf:"file" yaml:"file"`
	Path       string `koanf:"path" yaml:"path"`
	MaxSizeMB  int    `koanf:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `koanf:"compress" yaml:"compress"`
}

// FetchSettings bounds remote configuration downloads.
type FetchSettings struct {
	ConnectTimeout time.Duration `koanf:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `koanf:"read_timeout" yaml:"read_timeout"`
	// Retries is the number of extra attempts after a failed request.
	Retries   int    `koanf:"retries" yaml:"retries"`
	MaxBytes  int64  `koanf:"max_bytes" yaml:"max_bytes"`
	UserAgent string `koanf:"user_agent" yaml:"user_agent"`
}

type SessionSettings struct {
	BindTimeout    time.Duration `koanf:"bind_timeout" yaml:"bind_timeout"`
	StopTimeout    time.Duration `koanf:"stop_timeout" yaml:"stop_timeout"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" yaml:"connect_timeout"`
}

// ProfileSettings controls how acquired profiles are stamped.
type ProfileSettings struct {
	// DefaultName names every acquired profile. Empty means the device model.
	DefaultName         string `koanf:"default_name" yaml:"default_name"`
	PlaceholderUsername string `koanf:"placeholder_username" yaml:"placeholder_username"`
	PlaceholderPassword string `koanf:"placeholder_password" yaml:"placeholder_password"`
}

type StoreSettings struct {
	// Backend is "yaml" or "sqlite".
	Backend string `koanf:"backend" yaml:"backend"`
	// Watch reloads the YAML store when another process edits it.
	Watch bool `koanf:"watch" yaml:"watch"`
}

type EngineSettings struct {
	Binary string `koanf:"binary" yaml:"binary"`
	// Elevate is prepended to the engine command line, e.g. "pkexec".
	Elevate        string `koanf:"elevate" yaml:"elevate"`
	ManagementHost string `koanf:"management_host" yaml:"management_host"`
	Verb           int    `koanf:"verb" yaml:"verb"`
}

type NetworkSettings struct {
	// Precheck refuses remote fetches while the machine is offline.
	Precheck bool `koanf:"precheck" yaml:"precheck"`
}

type HealthSettings struct {
	Enabled          bool          `koanf:"enabled" yaml:"enabled"`
	Interval         time.Duration `koanf:"interval" yaml:"interval"`
	FailureThreshold int           `koanf:"failure_threshold" yaml:"failure_threshold"`
	Hosts            []string      `koanf:"hosts" yaml:"hosts"`
}

// DefaultConfig returns the default configuration.
// These are sensible defaults for most users.
func DefaultConfig() *Config {
	return &Config{
		Log: LogSettings{
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 5,
		},
		Fetch: FetchSettings{
			ConnectTimeout: common.FetchConnectTimeout,
			ReadTimeout:    common.FetchReadTimeout,
			MaxBytes:       common.MaxConfigSize,
			UserAgent:      common.ConfigDirName,
		},
		Session: SessionSettings{
			BindTimeout:    common.BindTimeout,
			StopTimeout:    common.StopTimeout,
			ConnectTimeout: common.ConnectionTimeout,
		},
		Profile: ProfileSettings{
			PlaceholderUsername: common.PlaceholderUsername,
			PlaceholderPassword: common.PlaceholderPassword,
		},
		Store: StoreSettings{
			Backend: common.StoreBackendYAML,
		},
		Engine: EngineSettings{
			Binary:         "openvpn",
			ManagementHost: "127.0.0.1",
			Verb:           3,
		},
		Network: NetworkSettings{
			Precheck: true,
		},
		Health: HealthSettings{
			Interval:         common.HealthInterval,
			FailureThreshold: 3,
			Hosts:            []string{"1.1.1.1:443", "8.8.8.8:443"},
		},
	}
}

// Load loads the configuration from path, or from the default location when
// path is empty. A missing default file is created with default values.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if explicit {
			return nil, fmt.Errorf("%w: %s does not exist", common.ErrConfigLoad, path)
		}
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error opening configuration: %w", err)
	}
	return Parse(raw, parserFor(path))
}

// Parse layers raw configuration bytes over the defaults.
func Parse(raw []byte, parser koanf.Parser) (*Config, error) {
	k := koanf.New(".")
	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("error serializing defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), YAMLParser()); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(raw), parser); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfigLoad, err)
	}

	var cfg Config
	err = k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			ErrorUnused:      true, // reject unknown fields
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	cfg.validate()
	return &cfg, nil
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Parser()
	}
	return YAMLParser()
}

// validate resets out-of-range values to their defaults.
func (c *Config) validate() {
	def := DefaultConfig()

	if _, ok := common.ParseLogLevel(c.Log.Level); !ok {
		c.Log.Level = def.Log.Level
	}
	if c.Fetch.ConnectTimeout <= 0 {
		c.Fetch.ConnectTimeout = def.Fetch.ConnectTimeout
	}
	if c.Fetch.ReadTimeout <= 0 {
		c.Fetch.ReadTimeout = def.Fetch.ReadTimeout
	}
	if c.Fetch.Retries < 0 {
		c.Fetch.Retries = 0
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = def.Fetch.MaxBytes
	}
	if c.Session.BindTimeout <= 0 {
		c.Session.BindTimeout = def.Session.BindTimeout
	}
	if c.Session.StopTimeout <= 0 {
		c.Session.StopTimeout = def.Session.StopTimeout
	}
	if c.Session.ConnectTimeout < 0 {
		c.Session.ConnectTimeout = 0
	}
	switch c.Store.Backend {
	case common.StoreBackendYAML, common.StoreBackendSQLite:
	default:
		c.Store.Backend = def.Store.Backend
	}
	if c.Engine.Binary == "" {
		c.Engine.Binary = def.Engine.Binary
	}
	if c.Engine.ManagementHost == "" {
		c.Engine.ManagementHost = def.Engine.ManagementHost
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = def.Health.Interval
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = def.Health.FailureThreshold
	}
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := common.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}
	return nil
}

// ResolveDataDir returns DataDir, falling back to the platform data directory.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		if err := common.EnsureDir(c.DataDir); err != nil {
			return "", common.WrapError(err, "failed to create data directory")
		}
		return c.DataDir, nil
	}
	return common.GetDataDir()
}

// LogConfig translates the log section for common.InitLogger.
func (c *Config) LogConfig() common.LogConfig {
	level, _ := common.ParseLogLevel(c.Log.Level)
	return common.LogConfig{
		Level:      level,
		EnableFile: c.Log.File,
		FilePath:   c.Log.Path,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// DefaultPath returns ~/.config/ovpn-launcher/config.yaml, creating the
// directory if needed.
func DefaultPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
