// Package config loads the data-provider configuration document. The
// config path is fixed once, before any agent is constructed; agents then
// load the document through the package-level accessor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrPathNotSet is returned when an agent is constructed before the
// configuration path was fixed. Fatal: there is no default.
var ErrPathNotSet = errors.New("configuration path not set")

// ProviderConfig describes one capture-adapter binding.
type ProviderConfig struct {
	Source        string `yaml:"source" json:"source"`
	URL           string `yaml:"url" json:"url"`
	DBName        string `yaml:"dbName" json:"dbName"`
	WatchChanges  *bool  `yaml:"watchChanges,omitempty" json:"watchChanges,omitempty"`
	HostsProfiles bool   `yaml:"hostsProfiles,omitempty" json:"hostsProfiles,omitempty"`
}

// Watch reports whether change events should be wired for this source.
// Only an explicit false disables watching.
func (p ProviderConfig) Watch() bool {
	return p.WatchChanges == nil || *p.WatchChanges
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// Config is the loaded configuration document. The file is YAML; since
// YAML is a superset of JSON, plain JSON documents load unchanged.
type Config struct {
	DataProviderConfig []ProviderConfig `yaml:"dataProviderConfig" json:"dataProviderConfig"`
	ExistingDataCheck  bool             `yaml:"existingDataCheck,omitempty" json:"existingDataCheck,omitempty"`
	Server             ServerConfig     `yaml:"server,omitempty" json:"server,omitempty"`
}

var setup struct {
	mu   sync.Mutex
	path string
}

// SetPath fixes the configuration path. It must be called exactly once
// before the first agent is constructed; a second call with a different
// path is an error.
func SetPath(path string) error {
	setup.mu.Lock()
	defer setup.mu.Unlock()
	if setup.path != "" && setup.path != path {
		return fmt.Errorf("configuration path already set to %q", setup.path)
	}
	setup.path = path
	return nil
}

// ResetPath clears the fixed path. Tests only.
func ResetPath() {
	setup.mu.Lock()
	defer setup.mu.Unlock()
	setup.path = ""
}

// Load reads and validates the configuration document from the fixed path.
func Load() (*Config, error) {
	setup.mu.Lock()
	path := setup.path
	setup.mu.Unlock()

	if path == "" {
		return nil, ErrPathNotSet
	}
	return LoadFile(path)
}

// LoadFile reads and validates a configuration document from an explicit
// path.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.DataProviderConfig) == 0 {
		return errors.New("configuration lists no data providers")
	}
	seen := make(map[string]bool, len(c.DataProviderConfig))
	for i, p := range c.DataProviderConfig {
		if p.Source == "" {
			return fmt.Errorf("dataProviderConfig[%d]: source is required", i)
		}
		if p.URL == "" || p.DBName == "" {
			return fmt.Errorf("dataProviderConfig[%d] (%s): url and dbName are required", i, p.Source)
		}
		if seen[p.Source] {
			return fmt.Errorf("dataProviderConfig: duplicate source %q", p.Source)
		}
		seen[p.Source] = true
	}
	return nil
}

// ProfilesSource returns the source configured to host profiles, falling
// back to the source named "profiles".
func (c *Config) ProfilesSource() (ProviderConfig, bool) {
	for _, p := range c.DataProviderConfig {
		if p.HostsProfiles {
			return p, true
		}
	}
	for _, p := range c.DataProviderConfig {
		if p.Source == "profiles" {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DSAGENT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4100
	}
}
