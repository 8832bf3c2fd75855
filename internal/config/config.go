// ABOUTME: Configuration loading and parsing for the spendsense console
// ABOUTME: Supports TOML or YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvConfigPath = "SPENDSENSE_CONFIG"
	EnvGatewayURL = "SPENDSENSE_GATEWAY_URL"
	EnvToken      = "SPENDSENSE_TOKEN"
)

// Credential backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config represents the complete console configuration
type Config struct {
	Gateway    GatewayConfig    `toml:"gateway" yaml:"gateway"`
	Credential CredentialConfig `toml:"credential" yaml:"credential"`
	Cache      CacheConfig      `toml:"cache" yaml:"cache"`
	Access     AccessConfig     `toml:"access" yaml:"access"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`

	// Token is an explicit credential from SPENDSENSE_TOKEN. When set it is
	// installed in place of whatever the store holds.
	Token string `toml:"-" yaml:"-"`
}

// GatewayConfig holds backend connection settings
type GatewayConfig struct {
	URL       string        `toml:"url" yaml:"url"`
	LoginPath string        `toml:"login_path" yaml:"login_path"`
	Timeout   time.Duration `toml:"-" yaml:"-"`

	TimeoutRaw string `toml:"timeout" yaml:"timeout"`
}

// CredentialConfig selects where the credential slot lives
type CredentialConfig struct {
	Backend string      `toml:"backend" yaml:"backend"`
	Path    string      `toml:"path" yaml:"path"` // file or sqlite path
	Redis   RedisConfig `toml:"redis" yaml:"redis"`
}

// RedisConfig holds settings for the redis credential backend
type RedisConfig struct {
	Addr     string        `toml:"addr" yaml:"addr"`
	Password string        `toml:"password" yaml:"password"`
	DB       int           `toml:"db" yaml:"db"`
	Key      string        `toml:"key" yaml:"key"`
	TTL      time.Duration `toml:"-" yaml:"-"`

	TTLRaw string `toml:"ttl" yaml:"ttl"`
}

// CacheConfig bounds the consent cache
type CacheConfig struct {
	MaxEntries int           `toml:"max_entries" yaml:"max_entries"`
	MaxAge     time.Duration `toml:"-" yaml:"-"`

	MaxAgeRaw string `toml:"max_age" yaml:"max_age"`
}

// AccessConfig holds route gate settings
type AccessConfig struct {
	// StewardOnSubjectRoutes is "redirect" (default) or "allow".
	StewardOnSubjectRoutes string `toml:"steward_on_subject_routes" yaml:"steward_on_subject_routes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:       "http://localhost:8000",
			LoginPath: "/login",
			Timeout:   15 * time.Second,
		},
		Credential: CredentialConfig{
			Backend: BackendFile,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "spendsense:credential",
			},
		},
		Cache: CacheConfig{
			MaxEntries: 256,
		},
		Access: AccessConfig{
			StewardOnSubjectRoutes: "redirect",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/spendsense/console.toml, falling back
// to ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "spendsense", "console.toml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "spendsense", "console.toml")
}

// LoadDefault loads from SPENDSENSE_CONFIG if set, otherwise DefaultPath.
// A missing default file yields Default with env overrides applied.
func LoadDefault() (*Config, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return Load(p)
	}
	cfg, err := Load(DefaultPath())
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		applyEnv(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .yaml or .yml are YAML; everything else is TOML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvGatewayURL); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Token = strings.TrimSpace(v)
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("gateway.url must be an http(s) URL, got %q", c.Gateway.URL)
	}
	if !strings.HasPrefix(c.Gateway.LoginPath, "/") {
		return fmt.Errorf("gateway.login_path must start with /")
	}

	switch c.Credential.Backend {
	case BackendFile, BackendMemory:
	case BackendSQLite:
		if c.Credential.Path == "" {
			return fmt.Errorf("credential.path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Credential.Redis.Addr == "" {
			return fmt.Errorf("credential.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("credential.backend must be one of file, sqlite, redis, memory; got %q", c.Credential.Backend)
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}

	switch c.Access.StewardOnSubjectRoutes {
	case "redirect", "allow":
	default:
		return fmt.Errorf("access.steward_on_subject_routes must be redirect or allow; got %q", c.Access.StewardOnSubjectRoutes)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.TimeoutRaw != "" {
		cfg.Gateway.Timeout, err = time.ParseDuration(cfg.Gateway.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing gateway.timeout %q: %w", cfg.Gateway.TimeoutRaw, err)
		}
	}

	if cfg.Credential.Redis.TTLRaw != "" {
		cfg.Credential.Redis.TTL, err = time.ParseDuration(cfg.Credential.Redis.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing credential.redis.ttl %q: %w", cfg.Credential.Redis.TTLRaw, err)
		}
	}

	if cfg.Cache.MaxAgeRaw != "" {
		cfg.Cache.MaxAge, err = time.ParseDuration(cfg.Cache.MaxAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing cache.max_age %q: %w", cfg.Cache.MaxAgeRaw, err)
		}
	}

	return nil
}
