package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	FileName = "jia.yml"
	// TOMLFileName is read when jia.yml is absent.
	TOMLFileName = "jia.toml"
)

// Config models jia.yml.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Compute    ComputeConfig    `yaml:"compute" toml:"compute"`
	Precompute PrecomputeConfig `yaml:"precompute" toml:"precompute"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Webhooks   []WebhookConfig  `yaml:"webhooks" toml:"webhooks"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	BasePath string `yaml:"base_path" toml:"base_path"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// AllowActorHeader accepts X-Actor-Id without a key, for local use.
	AllowActorHeader bool `yaml:"allow_actor_header" toml:"allow_actor_header"`
}

// ComputeConfig locates the compute service that runs precompute tasks.
type ComputeConfig struct {
	// Mode is "http" or "memory". Memory keeps tasks in process.
	Mode           string `yaml:"mode" toml:"mode"`
	URL            string `yaml:"url" toml:"url"`
	APIKey         string `yaml:"api_key" toml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

type PrecomputeConfig struct {
	ContinueOnError bool `yaml:"continue_on_error" toml:"continue_on_error"`
	Parallelism     int  `yaml:"parallelism" toml:"parallelism"`
	// PartialSave persists a board even when some precompute calls failed.
	PartialSave bool `yaml:"partial_save" toml:"partial_save"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" toml:"url"`
	Events         []string `yaml:"events" toml:"events"`
	Secret         string   `yaml:"secret" toml:"secret"`
	Enabled        *bool    `yaml:"enabled" toml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// IsEnabled treats an unset enabled flag as true.
func (w WebhookConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

const (
	ComputeModeHTTP   = "http"
	ComputeModeMemory = "memory"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Compute.Mode {
	case ComputeModeMemory:
	case ComputeModeHTTP:
		if c.Compute.URL == "" {
			return fmt.Errorf("config.compute.url is required when mode is http")
		}
		u, err := url.Parse(c.Compute.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.compute.url %q is not an absolute url", c.Compute.URL)
		}
	default:
		return fmt.Errorf("config.compute.mode must be 'http' or 'memory', got %q", c.Compute.Mode)
	}
	if c.Compute.TimeoutSeconds < 0 {
		return fmt.Errorf("config.compute.timeout_seconds must not be negative")
	}
	if c.Precompute.Parallelism < 0 {
		return fmt.Errorf("config.precompute.parallelism must not be negative")
	}
	if c.Log.Level != "" && !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error, fatal", c.Log.Level)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace: jia.yml, or jia.toml
// when only that one exists.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	yml := filepath.Join(workspace, FileName)
	if _, err := os.Stat(yml); os.IsNotExist(err) {
		tml := filepath.Join(workspace, TOMLFileName)
		if _, err := os.Stat(tml); err == nil {
			return tml
		}
	}
	return yml
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with jia config init", path)
	}
	return cfg, err
}

// LoadOrDefault returns the default config if the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML is FromYAML for TOML documents.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from path, as TOML when it ends in .toml and as
// YAML otherwise.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8152
  base_path: ""

auth:
  jwt_secret: ""
  allow_actor_header: true

compute:
  # http talks to the compute service at url; memory runs tasks in process.
  mode: memory
  url: ""
  api_key: ""
  timeout_seconds: 10

precompute:
  continue_on_error: false
  parallelism: 1
  partial_save: false

log:
  level: info

webhooks: []
`
