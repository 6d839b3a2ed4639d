package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the quota monitor configuration.
type Config struct {
	Credentials   CredentialsConfig   `yaml:"credentials"`
	OAuth         OAuthConfig         `yaml:"oauth"`
	API           APIConfig           `yaml:"api"`
	Polling       PollingConfig       `yaml:"polling"`
	Notifications NotificationsConfig `yaml:"notifications"`
	History       HistoryConfig       `yaml:"history"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CredentialsConfig selects where the OAuth credentials live.
type CredentialsConfig struct {
	Source       string `yaml:"source"`        // local, external (default: local)
	ExternalPath string `yaml:"external_path"` // used when source is external
}

type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	AuthorizeURL string   `yaml:"authorize_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
}

type APIConfig struct {
	UsageURL   string `yaml:"usage_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type PollingConfig struct {
	IntervalSec int   `yaml:"interval_sec"`
	Adaptive    *bool `yaml:"adaptive"`
}

type NotificationsConfig struct {
	Enabled  *bool   `yaml:"enabled"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	Command  string  `yaml:"command"` // e.g. "notify-send -u {urgency} {title} {body}"
}

type HistoryConfig struct {
	Capacity int    `yaml:"capacity"`
	Driver   string `yaml:"driver"` // memory, sqlite (default: sqlite)
	Path     string `yaml:"path"`
}

type SecretsConfig struct {
	Driver     string      `yaml:"driver"` // file, redis (default: file)
	Dir        string      `yaml:"dir"`
	Passphrase string      `yaml:"passphrase"` // empty: a generated key file in the data dir
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ServerConfig controls the local control API. An empty addr disables it.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Env   string `yaml:"env"`   // production, development (default: production)
	Level string `yaml:"level"` // debug, info, warn, error
}

const (
	DefaultClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultAuthorizeURL = "https://claude.ai/oauth/authorize"
	DefaultTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	DefaultRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	DefaultUsageURL     = "https://api.anthropic.com/api/oauth/usage"

	DefaultIntervalSec = 300
	MinIntervalSec     = 15
	DefaultWarning     = 75.0
	DefaultCritical    = 90.0
	DefaultCapacity    = 1000
)

var DefaultScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// Load reads the YAML file at path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		data = expandEnvVars(data)
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Credentials.Source == "" {
		c.Credentials.Source = "local"
	}
	if c.Credentials.ExternalPath == "" {
		c.Credentials.ExternalPath = "~/.claude/.credentials.json"
	}
	c.Credentials.ExternalPath = ExpandPath(c.Credentials.ExternalPath)
	if c.OAuth.ClientID == "" {
		c.OAuth.ClientID = DefaultClientID
	}
	if c.OAuth.AuthorizeURL == "" {
		c.OAuth.AuthorizeURL = DefaultAuthorizeURL
	}
	if c.OAuth.TokenURL == "" {
		c.OAuth.TokenURL = DefaultTokenURL
	}
	if c.OAuth.RedirectURI == "" {
		c.OAuth.RedirectURI = DefaultRedirectURI
	}
	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.API.UsageURL == "" {
		c.API.UsageURL = DefaultUsageURL
	}
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = 30
	}
	if c.Polling.IntervalSec <= 0 {
		c.Polling.IntervalSec = DefaultIntervalSec
	}
	if c.Polling.Adaptive == nil {
		c.Polling.Adaptive = boolPtr(true)
	}
	if c.Notifications.Enabled == nil {
		c.Notifications.Enabled = boolPtr(true)
	}
	if c.Notifications.Warning == 0 && c.Notifications.Critical == 0 {
		c.Notifications.Warning = DefaultWarning
		c.Notifications.Critical = DefaultCritical
	}
	if c.History.Capacity <= 0 {
		c.History.Capacity = DefaultCapacity
	}
	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(HomeDir(), "history.db")
	}
	c.History.Path = ExpandPath(c.History.Path)
	if c.Secrets.Driver == "" {
		c.Secrets.Driver = "file"
	}
	if c.Secrets.Dir == "" {
		c.Secrets.Dir = filepath.Join(HomeDir(), "secrets")
	}
	c.Secrets.Dir = ExpandPath(c.Secrets.Dir)
	if c.Secrets.Redis.Addr == "" {
		c.Secrets.Redis.Addr = "localhost:6379"
	}
	if c.Secrets.Redis.Prefix == "" {
		c.Secrets.Redis.Prefix = "quota-monitor:secret:"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "production"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Credentials.Source {
	case "local", "external":
	default:
		return fmt.Errorf("credentials.source must be \"local\" or \"external\", got %q", c.Credentials.Source)
	}
	if c.Polling.IntervalSec < MinIntervalSec {
		return fmt.Errorf("polling.interval_sec must be at least %d, got %d", MinIntervalSec, c.Polling.IntervalSec)
	}
	if err := ValidateThresholds(c.Notifications.Warning, c.Notifications.Critical); err != nil {
		return fmt.Errorf("notifications: %w", err)
	}
	switch c.History.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("history.driver must be \"memory\" or \"sqlite\", got %q", c.History.Driver)
	}
	switch c.Secrets.Driver {
	case "file", "redis":
	default:
		return fmt.Errorf("secrets.driver must be \"file\" or \"redis\", got %q", c.Secrets.Driver)
	}
	switch c.Logging.Env {
	case "production", "development":
	default:
		return fmt.Errorf("logging.env must be \"production\" or \"development\", got %q", c.Logging.Env)
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// DefaultSettings derives the runtime settings used until the user changes them.
func (c *Config) DefaultSettings() Settings {
	return Settings{
		RefreshIntervalSec:   c.Polling.IntervalSec,
		Adaptive:             *c.Polling.Adaptive,
		Warning:              c.Notifications.Warning,
		Critical:             c.Notifications.Critical,
		NotificationsEnabled: *c.Notifications.Enabled,
	}
}

func boolPtr(v bool) *bool { return &v }

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
