// Package config handles watchd configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domobs/changewatch"
)

// Watch modes for a target.
const (
	ModeAuto    = "auto"    // native when the page supports it, else polling
	ModeNative  = "native"  // fail the target if the page lacks MutationObserver
	ModePolling = "polling" // always poll
)

// Config is the top-level watchd configuration.
type Config struct {
	Browser BrowserConfig  `yaml:"browser"`
	Targets []TargetConfig `yaml:"targets"`
	Sinks   []SinkConfig   `yaml:"sinks"`
	Admin   AdminConfig    `yaml:"admin"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"` // WebSocket URL; empty launches a local Chrome
	Headful          bool          `yaml:"headful"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
}

// TargetConfig is one watched node.
type TargetConfig struct {
	ID           string                 `yaml:"id"`
	URL          string                 `yaml:"url"`
	Selector     string                 `yaml:"selector"`
	Stealth      *bool                  `yaml:"stealth"`
	Mode         string                 `yaml:"mode"`
	PollInterval time.Duration          `yaml:"poll_interval"`
	Observe      *changewatch.Overrides `yaml:"observe"`
	// Events forwarded to sinks. Empty forwards every event the observe
	// configuration allows.
	Events []changewatch.Event `yaml:"events"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type    string `yaml:"type"`    // stdout | webhook | journal
	URL     string `yaml:"url"`     // webhook
	Retries int    `yaml:"retries"` // webhook
	Path    string `yaml:"path"`    // journal
}

// AdminConfig controls the HTTP admin surface. Empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	for i := range c.Targets {
		c.Targets[i].applyDefaults()
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries <= 0 {
			c.Sinks[i].Retries = 3
		}
	}
}

func (t *TargetConfig) applyDefaults() {
	if t.ID == "" {
		t.ID = t.URL
	}
	if t.Selector == "" {
		t.Selector = "body"
	}
	if t.Stealth == nil {
		t.Stealth = changewatch.Bool(true)
	}
	if t.Mode == "" {
		t.Mode = ModeAuto
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.URL == "" {
			errs = append(errs, fmt.Errorf("config: targets[%d]: url is required", i))
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("config: targets[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
		switch t.Mode {
		case ModeAuto, ModeNative, ModePolling:
		default:
			errs = append(errs, fmt.Errorf("config: targets[%d]: unknown mode %q", i, t.Mode))
		}
		if t.PollInterval < 0 {
			errs = append(errs, fmt.Errorf("config: targets[%d]: negative poll_interval", i))
		}
		observe := changewatch.DefaultConfig().Merge(t.Observe)
		for _, e := range t.Events {
			if !e.Valid() {
				errs = append(errs, fmt.Errorf("config: targets[%d]: unknown event %q", i, e))
			} else if !observe.Allows(e) {
				errs = append(errs, fmt.Errorf("config: targets[%d]: event %q disabled by observe settings", i, e))
			}
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("config: sinks[%d]: webhook needs url", i))
			}
		case "journal":
			if s.Path == "" {
				errs = append(errs, fmt.Errorf("config: sinks[%d]: journal needs path", i))
			}
		default:
			errs = append(errs, fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type))
		}
	}
	return errors.Join(errs...)
}

// ForwardedEvents returns the events of t whose handlers feed the sinks.
// OnChange is always part of the set: listening requires it.
func (t TargetConfig) ForwardedEvents() []changewatch.Event {
	observe := changewatch.DefaultConfig().Merge(t.Observe)
	var out []changewatch.Event
	if len(t.Events) == 0 {
		for _, e := range changewatch.Events() {
			if observe.Allows(e) {
				out = append(out, e)
			}
		}
		return out
	}
	hasChange := false
	for _, e := range t.Events {
		out = append(out, e)
		hasChange = hasChange || e == changewatch.OnChange
	}
	if !hasChange {
		out = append(out, changewatch.OnChange)
	}
	return out
}
