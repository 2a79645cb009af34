// Package config loads and validates the assignsync configuration file.
// Validation is fail-fast: a malformed or contradictory configuration is
// rejected before any cycle starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Duration wraps time.Duration so YAML can carry values like "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type SourceConfig struct {
	PlatformType   string `yaml:"platform_type"`
	ClassID        string `yaml:"class_id"`
	BaseURL        string `yaml:"base_url"`
	CredentialsRef string `yaml:"credentials_ref"`
	Enabled        *bool  `yaml:"enabled"`
}

func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type SinkConfig struct {
	SinkType       string `yaml:"sink_type"`
	SinkID         string `yaml:"sink_id"`
	BaseURL        string `yaml:"base_url"`
	CredentialsRef string `yaml:"credentials_ref"`
	Enabled        *bool  `yaml:"enabled"`
}

func (s SinkConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type Config struct {
	RunFrequency          Duration       `yaml:"run_frequency"`
	StateDSN              string         `yaml:"state_dsn"`
	ListenAddr            string         `yaml:"listen_addr"`
	APITokenRef           string         `yaml:"api_token_ref"`
	RemovalDebounceCycles int            `yaml:"removal_debounce_cycles"`
	MaxSourceConcurrency  int            `yaml:"max_source_concurrency"`
	SourceTimeout         Duration       `yaml:"source_timeout"`
	RetryMaxAttempts      int            `yaml:"retry_max_attempts"`
	RetryBaseDelay        Duration       `yaml:"retry_base_delay"`
	RetryMaxDelay         Duration       `yaml:"retry_max_delay"`
	Sources               []SourceConfig `yaml:"sources"`
	Sinks                 []SinkConfig   `yaml:"sinks"`
}

// Load reads, schema-validates, decodes, and semantically checks the file
// at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML configuration bytes.
func Parse(data []byte) (Config, error) {
	if err := validateSchema(data); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RunFrequency <= 0 {
		c.RunFrequency = Duration(30 * time.Minute)
	}
	if strings.TrimSpace(c.StateDSN) == "" {
		c.StateDSN = "file://.assignsync/state.json"
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8080"
	}
	if c.RemovalDebounceCycles <= 0 {
		c.RemovalDebounceCycles = 3
	}
	if c.MaxSourceConcurrency <= 0 {
		c.MaxSourceConcurrency = 4
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = Duration(60 * time.Second)
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = Duration(100 * time.Millisecond)
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = Duration(5 * time.Second)
	}
	for i := range c.Sinks {
		if strings.TrimSpace(c.Sinks[i].SinkID) == "" {
			c.Sinks[i].SinkID = strings.ToLower(strings.TrimSpace(c.Sinks[i].SinkType))
		}
	}
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("%w: at least one source is required", ErrInvalidConfig)
	}
	seenSources := map[string]struct{}{}
	for i, src := range c.Sources {
		if strings.TrimSpace(src.PlatformType) == "" {
			return fmt.Errorf("%w: sources[%d]: platform_type is required", ErrInvalidConfig, i)
		}
		if strings.TrimSpace(src.ClassID) == "" {
			return fmt.Errorf("%w: sources[%d]: class_id is required", ErrInvalidConfig, i)
		}
		if strings.TrimSpace(src.BaseURL) == "" {
			return fmt.Errorf("%w: sources[%d]: base_url is required", ErrInvalidConfig, i)
		}
		key := strings.ToLower(src.PlatformType) + "/" + strings.ToLower(src.ClassID)
		if _, dup := seenSources[key]; dup {
			return fmt.Errorf("%w: duplicate source %s", ErrInvalidConfig, key)
		}
		seenSources[key] = struct{}{}
	}
	seenSinks := map[string]struct{}{}
	for i, sink := range c.Sinks {
		if strings.TrimSpace(sink.SinkType) == "" {
			return fmt.Errorf("%w: sinks[%d]: sink_type is required", ErrInvalidConfig, i)
		}
		if strings.TrimSpace(sink.BaseURL) == "" {
			return fmt.Errorf("%w: sinks[%d]: base_url is required", ErrInvalidConfig, i)
		}
		if _, dup := seenSinks[sink.SinkID]; dup {
			return fmt.Errorf("%w: duplicate sink id %q", ErrInvalidConfig, sink.SinkID)
		}
		seenSinks[sink.SinkID] = struct{}{}
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("%w: retry_max_delay is below retry_base_delay", ErrInvalidConfig)
	}
	return nil
}

// ResolveCredential dereferences a credentials_ref. Refs are environment
// variable names; the credential material itself never lives in the file.
func ResolveCredential(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	return os.Getenv(ref)
}
