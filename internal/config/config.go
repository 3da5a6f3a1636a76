package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort           = 8082
	DefaultHost           = "0.0.0.0"
	DefaultTimeoutSecs    = 90
	DefaultMaxRetries     = 2
	DefaultMaxTokensLimit = 4096
	DefaultMinTokensLimit = 100
	DefaultDBFile         = "cc.db"

	ProviderTypeOpenAI    = "openai"
	ProviderTypeAnthropic = "anthropic"
)

// Provider declares one upstream and the concrete models it can answer
// with, split by tier.
type Provider struct {
	Name         string   `toml:"name"`
	BaseURL      string   `toml:"base_url"`
	APIKey       string   `toml:"api_key"`
	EnvKey       string   `toml:"env_key"`
	ProviderType string   `toml:"provider_type"`
	BigModels    []string `toml:"big_models"`
	MiddleModels []string `toml:"middle_models"`
	SmallModels  []string `toml:"small_models"`
}

// IsAnthropic reports whether the upstream speaks the native protocol, in
// which case translation is skipped entirely.
func (p *Provider) IsAnthropic() bool {
	return strings.EqualFold(p.ProviderType, ProviderTypeAnthropic)
}

// ResolveAPIKey returns the key to use against the upstream. env_key wins
// over the literal api_key when both are set.
func (p *Provider) ResolveAPIKey() string {
	if p.EnvKey != "" {
		if v := os.Getenv(p.EnvKey); v != "" {
			return v
		}
	}
	return p.APIKey
}

// ModelsForTier returns the provider's model list for a tier name.
func (p *Provider) ModelsForTier(tier string) []string {
	switch tier {
	case "big":
		return p.BigModels
	case "middle":
		return p.MiddleModels
	case "small":
		return p.SmallModels
	}
	return nil
}

// TransformerConfig enables a transformer for matching providers/models.
// Providers and Models accept globs; an empty list means the transformer's
// built-in default predicate applies.
type TransformerConfig struct {
	Enabled   *bool    `toml:"enabled"`
	Providers []string `toml:"providers"`
	Models    []string `toml:"models"`

	// transformer-specific options
	MaxOutput    int            `toml:"max_output"`
	CacheControl map[string]any `toml:"cache_control"`
	Reminder     string         `toml:"reminder"`
}

func (tc TransformerConfig) IsEnabled() bool {
	if tc.Enabled == nil {
		return true
	}
	return *tc.Enabled
}

// Server holds the [config] table of the TOML file.
type Server struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	APIKey         string `toml:"api_key"` // shared client secret, empty accepts any token
	RequestTimeout int    `toml:"request_timeout"`
	MaxRetries     int    `toml:"max_retries"`
	MaxTokensLimit int    `toml:"max_tokens_limit"`
	MinTokensLimit int    `toml:"min_tokens_limit"`
	DBFile         string `toml:"db_file"`
	BigModel       string `toml:"big_model"`
	MiddleModel    string `toml:"middle_model"`
	SmallModel     string `toml:"small_model"`
}

type Config struct {
	Server       Server                       `toml:"config"`
	Providers    []Provider                   `toml:"provider"`
	Transformers map[string]TransformerConfig `toml:"transformers"`
}

// FindProvider looks a provider up by name, case-insensitively.
func (c *Config) FindProvider(name string) *Provider {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i]
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = DefaultTimeoutSecs
	}
	if c.Server.MaxRetries == 0 {
		c.Server.MaxRetries = DefaultMaxRetries
	}
	if c.Server.MaxTokensLimit == 0 {
		c.Server.MaxTokensLimit = DefaultMaxTokensLimit
	}
	if c.Server.MinTokensLimit == 0 {
		c.Server.MinTokensLimit = DefaultMinTokensLimit
	}
	if c.Server.DBFile == "" {
		c.Server.DBFile = DefaultDBFile
	}
	if c.Transformers == nil {
		c.Transformers = map[string]TransformerConfig{}
	}
}

// applyEnv lets a handful of environment variables override file values,
// matching the original deployment knobs.
func (c *Config) applyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Server.APIKey == "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Server.RequestTimeout = secs
		}
	}
	if v := os.Getenv("DB_FILE"); v != "" {
		c.Server.DBFile = v
	}
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no [[provider]] tables configured")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.Name)
		}
		switch strings.ToLower(p.ProviderType) {
		case "", ProviderTypeOpenAI, ProviderTypeAnthropic:
		default:
			return fmt.Errorf("provider %q: unknown provider_type %q", p.Name, p.ProviderType)
		}
	}
	return nil
}

// Manager loads the TOML file and hands out the parsed value. The stored
// config is immutable; Load replaces it atomically.
type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(configPath string) *Manager {
	return &Manager{configPath: configPath}
}

func (m *Manager) Load() (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(m.configPath, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", m.configPath, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}
	cfg, err := m.Load()
	if err != nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}
	return cfg
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}
