// Package config loads the cloudfs YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cloudfs/internal/artifacts"
)

// Dir returns the config directory path.
// Uses CLOUDFS_CONFIG_DIR env var if set, otherwise defaults to ~/.cloudfs.
// This is computed dynamically to support test isolation.
func Dir() string {
	if dir := os.Getenv("CLOUDFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cloudfs")
}

// Path returns the default config file path.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Bundle binds a top-level directory to a cloud container.
type Bundle struct {
	Container     string `yaml:"container"`
	ContainerType string `yaml:"container_type"`
}

// ReadAhead tunes the remote read-ahead heuristic.
type ReadAhead struct {
	ProbeSize int `yaml:"probe_size"` // read size that triggers a window fetch
	Window    int `yaml:"window"`     // bytes fetched per window
}

// RecordCache tunes the remote metadata cache.
type RecordCache struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

// Config is the mount configuration.
type Config struct {
	StorageRoot  string            `yaml:"storage_root"`
	Catalog      string            `yaml:"catalog"`
	LogLevel     string            `yaml:"log_level"` // trace, debug, info, warn, none (case insensitive)
	LogFile      string            `yaml:"log_file"`
	ReadTimeout  time.Duration     `yaml:"read_timeout"`
	ReadWorkers  int               `yaml:"read_workers"`
	ReadAhead    ReadAhead         `yaml:"read_ahead"`
	EntryTimeout time.Duration     `yaml:"entry_timeout"`
	AttrTimeout  time.Duration     `yaml:"attr_timeout"`
	AllowOther   bool              `yaml:"allow_other"`
	RecordCache  RecordCache       `yaml:"record_cache"`
	MetricsAddr  string            `yaml:"metrics_addr"`
	Hide         []string          `yaml:"hide"`
	Bundles      map[string]Bundle `yaml:"bundles"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = filepath.Join(Dir(), "storage")
	}
	if cfg.Catalog == "" {
		cfg.Catalog = filepath.Join(Dir(), "catalog")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ReadWorkers == 0 {
		cfg.ReadWorkers = 16
	}
	if cfg.ReadAhead.ProbeSize == 0 {
		cfg.ReadAhead.ProbeSize = 4096
	}
	if cfg.ReadAhead.Window == 0 {
		cfg.ReadAhead.Window = 512 * 1024
	}
	if cfg.EntryTimeout == 0 {
		cfg.EntryTimeout = time.Second
	}
	if cfg.AttrTimeout == 0 {
		cfg.AttrTimeout = time.Second
	}
	if cfg.RecordCache.TTL == 0 {
		cfg.RecordCache.TTL = 30 * time.Second
	}
	if cfg.RecordCache.Size == 0 {
		cfg.RecordCache.Size = 10000
	}
	if cfg.Bundles == nil {
		cfg.Bundles = map[string]Bundle{}
	}
	cfg.StorageRoot = expandHome(cfg.StorageRoot)
	cfg.Catalog = expandHome(cfg.Catalog)
	if cfg.LogFile != "" {
		cfg.LogFile = expandHome(cfg.LogFile)
	}
}

// Validate reports the first invalid setting.
func (cfg *Config) Validate() error {
	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must be positive")
	}
	if cfg.ReadWorkers < 0 {
		return fmt.Errorf("read_workers must be positive")
	}
	if cfg.ReadAhead.Window < cfg.ReadAhead.ProbeSize {
		return fmt.Errorf("read_ahead.window (%d) is smaller than read_ahead.probe_size (%d)",
			cfg.ReadAhead.Window, cfg.ReadAhead.ProbeSize)
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "", "none", "off", "trace", "debug", "info", "warn":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	for name, b := range cfg.Bundles {
		if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
			return fmt.Errorf("invalid bundle name %q", name)
		}
		if b.Container == "" {
			return fmt.Errorf("bundle %q has no container", name)
		}
	}
	return nil
}

// LoggingEnabled returns whether logging is enabled (any level other than "none" or empty).
func (cfg *Config) LoggingEnabled() bool {
	level := strings.ToLower(cfg.LogLevel)
	return level != "" && level != "none" && level != "off"
}

// Default returns the embedded default configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	cfg.ApplyDefaults()
	return &cfg
}

// Load reads the config file at path over the embedded defaults.
// A missing file yields the defaults; an empty path means Path().
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded default config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Init writes the default config file if none exists.
func Init() (string, error) {
	if err := os.MkdirAll(Dir(), 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	path := Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, artifacts.DefaultConfig, 0600); err != nil {
			return "", fmt.Errorf("failed to create default config: %w", err)
		}
	}
	return path, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
