// internal/config/config.go
//
// This package handles configuration and the .certbox directory structure.
// Every execution root gets a .certbox/ folder holding config, sessions,
// the manifest and logs.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// CertboxDir is the name of the directory we create in each execution root.
	CertboxDir = ".certbox"

	defaultAgentHost = "127.0.0.1"
	defaultAgentPort = 18871
)

const defaultProjectConfigYAML = `# certbox configuration
version: 1

# Provider paths: directories (or single files) of YAML unit definitions.
# Relative paths resolve against this execution root.
providers:
  - providers

# Default test plan used when "certbox run" is invoked without a selector.
# default_plan: com.example.cert::full

remote:
  host: 127.0.0.1
  port: 18871
  # How long a controller keeps retrying after losing the agent, e.g.
  # across a reboot job.
  reconnect_window: 3m
  retry_interval: 2s
`

// Duration wraps time.Duration so config files can say "3m" or "45s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RemoteConfig holds the agent listener address and the controller's
// reconnect policy.
type RemoteConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReconnectWindow Duration `yaml:"reconnect_window"`
	RetryInterval   Duration `yaml:"retry_interval"`
}

// ProjectConfig models .certbox/config.yaml.
type ProjectConfig struct {
	Version     int          `yaml:"version"`
	Providers   []string     `yaml:"providers"`
	DefaultPlan string       `yaml:"default_plan,omitempty"`
	Remote      RemoteConfig `yaml:"remote"`
}

// Config holds the runtime configuration for certbox.
type Config struct {
	// RootDir is the execution root, usually the directory certbox was
	// started from.
	RootDir string

	// CertboxRootDir is RootDir/.certbox.
	CertboxRootDir string

	Project ProjectConfig
}

// InitCertboxDir creates the .certbox directory structure in the given
// execution root.
//
// Structure created:
// .certbox/
// ├── logs/       <- run log
// └── sessions/   <- one directory per session with its checkpoint
func InitCertboxDir(rootDir string) error {
	certboxDir := filepath.Join(rootDir, CertboxDir)
	dirs := []string{
		filepath.Join(certboxDir, "logs"),
		filepath.Join(certboxDir, "sessions"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(certboxDir, "config.yaml"))
}

// NewConfig loads the configuration for an execution root, applying
// CERTBOX_* environment overrides on top of .certbox/config.yaml.
func NewConfig(rootDir string) (*Config, error) {
	cfg := &Config{
		RootDir:        rootDir,
		CertboxRootDir: filepath.Join(rootDir, CertboxDir),
		Project:        defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SessionsDir returns the checkpoint store root.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.CertboxRootDir, "sessions")
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.CertboxRootDir, "logs")
}

// ManifestPath returns the on-disk location of the manifest file.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.CertboxRootDir, "manifest.json")
}

// ProjectConfigPath returns the on-disk location for the config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.CertboxRootDir, "config.yaml")
}

// ProviderPaths returns the configured unit sources, resolved to
// absolute paths.
func (c *Config) ProviderPaths() []string {
	return c.Project.Providers
}

// AgentAddr renders the configured agent listen address.
func (c *Config) AgentAddr() string {
	return fmt.Sprintf("%s:%d", c.Project.Remote.Host, c.Project.Remote.Port)
}

// SetDefaultPlan updates the default test plan selector and persists the
// value back to .certbox/config.yaml.
func (c *Config) SetDefaultPlan(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("config: test plan id is required")
	}
	c.Project.DefaultPlan = id
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.RootDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

// applyEnvOverrides lets deployment scripts adjust a checked-in config
// without editing it: CERTBOX_PROVIDERS (path list), CERTBOX_DEFAULT_PLAN,
// CERTBOX_AGENT_HOST, CERTBOX_AGENT_PORT, CERTBOX_RECONNECT_WINDOW and
// CERTBOX_RETRY_INTERVAL.
func (c *Config) applyEnvOverrides() error {
	if raw := os.Getenv("CERTBOX_PROVIDERS"); raw != "" {
		var providers []string
		for _, entry := range filepath.SplitList(raw) {
			if path := resolvePath(c.RootDir, entry); path != "" {
				providers = append(providers, path)
			}
		}
		c.Project.Providers = providers
	}
	if plan := strings.TrimSpace(os.Getenv("CERTBOX_DEFAULT_PLAN")); plan != "" {
		c.Project.DefaultPlan = plan
	}
	if host := strings.TrimSpace(os.Getenv("CERTBOX_AGENT_HOST")); host != "" {
		c.Project.Remote.Host = host
	}
	if raw := strings.TrimSpace(os.Getenv("CERTBOX_AGENT_PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: CERTBOX_AGENT_PORT: %w", err)
		}
		c.Project.Remote.Port = port
	}
	if raw := strings.TrimSpace(os.Getenv("CERTBOX_RECONNECT_WINDOW")); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: CERTBOX_RECONNECT_WINDOW: %w", err)
		}
		c.Project.Remote.ReconnectWindow = Duration(window)
	}
	if raw := strings.TrimSpace(os.Getenv("CERTBOX_RETRY_INTERVAL")); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: CERTBOX_RETRY_INTERVAL: %w", err)
		}
		c.Project.Remote.RetryInterval = Duration(interval)
	}
	return c.Project.validate()
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Remote: RemoteConfig{
			Host:            defaultAgentHost,
			Port:            defaultAgentPort,
			ReconnectWindow: Duration(3 * time.Minute),
			RetryInterval:   Duration(2 * time.Second),
		},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Remote.Host == "" {
		pc.Remote.Host = defaultAgentHost
	}
	if pc.Remote.Port == 0 {
		pc.Remote.Port = defaultAgentPort
	}
	if pc.Remote.ReconnectWindow == 0 {
		pc.Remote.ReconnectWindow = Duration(3 * time.Minute)
	}
	if pc.Remote.RetryInterval == 0 {
		pc.Remote.RetryInterval = Duration(2 * time.Second)
	}
}

func (pc *ProjectConfig) normalize(base string) {
	resolved := pc.Providers[:0]
	for _, entry := range pc.Providers {
		if path := resolvePath(base, entry); path != "" {
			resolved = append(resolved, path)
		}
	}
	pc.Providers = resolved
	pc.DefaultPlan = strings.TrimSpace(pc.DefaultPlan)
	pc.Remote.Host = strings.TrimSpace(pc.Remote.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Remote.Port < 0 || pc.Remote.Port > 65535 {
		return fmt.Errorf("remote.port %d out of range", pc.Remote.Port)
	}
	if pc.Remote.ReconnectWindow < 0 {
		return fmt.Errorf("remote.reconnect_window must not be negative")
	}
	if pc.Remote.RetryInterval < 0 {
		return fmt.Errorf("remote.retry_interval must not be negative")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.RootDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.CertboxRootDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure certbox dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write config: %w", err)
	}
	return nil
}
