// Package config handles daemon configuration from YAML files with
// environment-friendly defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Browser BrowserConfig     `yaml:"browser"`
	Measure MeasureConfig     `yaml:"measure"`
	Pages   []PageConfig      `yaml:"pages"`
	Sinks   []SinkConfig      `yaml:"sinks"`
	HTTP    HTTPConfig        `yaml:"http"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	// Remote is the WebSocket URL of an external Chrome instance. Empty
	// launches a local one.
	Remote string `yaml:"remote"`

	// Headless toggles headless launch. Default true.
	Headless *bool `yaml:"headless"`

	// NavigateTimeout bounds page.Navigate + load. Default 30s.
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
}

// MeasureConfig carries the measurement tunables applied to every page
// unless overridden per page.
type MeasureConfig struct {
	IdleWindow            time.Duration `yaml:"idle_window"`
	NetworkTimeout        time.Duration `yaml:"network_timeout"`
	DisableNetworkTimeout bool          `yaml:"disable_network_timeout"`
	IgnoreIframes         bool          `yaml:"ignore_iframes"`
}

// PageConfig defines a page to measure.
type PageConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`

	// Repeat re-measures the page at this interval; zero measures once.
	Repeat time.Duration `yaml:"repeat"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook | sqlite
	URL  string `yaml:"url"`  // webhook target
	Path string `yaml:"path"` // sqlite database path
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`

	// BasicAuthUser/BasicAuthHash gate the API when both are set. The
	// hash is a bcrypt hash of the password, never the password itself.
	BasicAuthUser string `yaml:"basic_auth_user"`
	BasicAuthHash string `yaml:"basic_auth_hash"`
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the production defaults.
func (c *Config) ApplyDefaults() {
	if c.Browser.Headless == nil {
		v := true
		c.Browser.Headless = &v
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Measure.IdleWindow <= 0 {
		c.Measure.IdleWindow = 200 * time.Millisecond
	}
	if c.Measure.NetworkTimeout <= 0 {
		c.Measure.NetworkTimeout = 60 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8632"
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
}

// Validate rejects configurations that cannot be acted on.
func (c *Config) Validate() error {
	for _, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: page %q has no url", p.ID)
		}
	}
	for _, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: webhook sink has no url")
			}
		case "sqlite":
			if s.Path == "" {
				return fmt.Errorf("config: sqlite sink has no path")
			}
		default:
			return fmt.Errorf("config: unknown sink type %q", s.Type)
		}
	}
	if (c.HTTP.BasicAuthUser == "") != (c.HTTP.BasicAuthHash == "") {
		return fmt.Errorf("config: basic_auth_user and basic_auth_hash must be set together")
	}
	return nil
}
