package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "b2sync.yaml"

// Config represents the complete b2sync configuration
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Sync      SyncConfig      `yaml:"sync"`
	Serve     ServeConfig     `yaml:"serve"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RemoteConfig configures the remote content store
type RemoteConfig struct {
	Endpoint  string        `yaml:"endpoint" validate:"required,url"`
	TokenFile string        `yaml:"token_file"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
}

// WorkspaceConfig configures the local workspace
type WorkspaceConfig struct {
	Root string `yaml:"root" validate:"required"`
	// Entries restricts the workspace to these remote entries. Empty means all.
	Entries []string `yaml:"entries" validate:"unique,dive,required"`
}

// SyncConfig configures pull behavior
type SyncConfig struct {
	BatchSize    int   `yaml:"batch_size" validate:"min=1,max=1000"`
	Concurrency  int   `yaml:"concurrency" validate:"min=1,max=16"`
	Prune        bool  `yaml:"prune"`
	RequireClean *bool `yaml:"require_clean"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ListenAddr        string        `yaml:"listen_addr"`
	WebhookSecretFile string        `yaml:"webhook_secret_file"`
	Debounce          time.Duration `yaml:"debounce" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint of the webhook server
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

var validate = validator.New()

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.Endpoint = os.ExpandEnv(c.Remote.Endpoint)
	c.Remote.TokenFile = os.ExpandEnv(c.Remote.TokenFile)
	c.Workspace.Root = os.ExpandEnv(c.Workspace.Root)
	for i, e := range c.Workspace.Entries {
		c.Workspace.Entries[i] = os.ExpandEnv(e)
	}
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
	c.Metrics.Path = os.ExpandEnv(c.Metrics.Path)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.RequireClean == nil {
		requireClean := true
		c.Sync.RequireClean = &requireClean
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":8080"
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 2 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	u, err := url.Parse(c.Remote.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote.endpoint must be an http or https URL: %s", c.Remote.Endpoint)
	}

	if !filepath.IsAbs(c.Workspace.Root) {
		return fmt.Errorf("workspace.root must be an absolute path: %s", c.Workspace.Root)
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.WebhookSecretFile == "" {
			return fmt.Errorf("serve.webhook_secret_file is required when serve is enabled")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/': %s", c.Metrics.Path)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// RequireCleanTree reports whether pulls refuse to run on a dirty git work tree.
func (c *Config) RequireCleanTree() bool {
	return c.Sync.RequireClean == nil || *c.Sync.RequireClean
}

// Token reads the bearer token for the remote store. No token file means
// anonymous access.
func (c *Config) Token() (string, error) {
	if c.Remote.TokenFile == "" {
		return "", nil
	}
	token, err := readSecret(c.Remote.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read remote token: %w", err)
	}
	return token, nil
}

// WebhookSecret reads the shared secret used to sign webhook notifications.
func (c *Config) WebhookSecret() ([]byte, error) {
	secret, err := readSecret(c.Serve.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret file %s is empty", c.Serve.WebhookSecretFile)
	}
	return []byte(secret), nil
}

// LockPath returns the path of the workspace lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.Workspace.Root, ".b2sync.lock")
}

// AllowsEntry reports whether the named remote entry belongs to the workspace.
func (c *Config) AllowsEntry(name string) bool {
	if len(c.Workspace.Entries) == 0 {
		return true
	}
	for _, e := range c.Workspace.Entries {
		if e == name {
			return true
		}
	}
	return false
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
