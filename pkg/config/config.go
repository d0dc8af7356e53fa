// Package config loads the threadrelay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/threadrelay/pkg/automation"
	"github.com/entrhq/threadrelay/pkg/browser"
	"github.com/entrhq/threadrelay/pkg/orchestrator"
	"github.com/entrhq/threadrelay/pkg/page"
	"github.com/entrhq/threadrelay/pkg/relay"
	"github.com/entrhq/threadrelay/pkg/source"
)

// Config is the complete threadrelay configuration.
type Config struct {
	Destination DestinationConfig `yaml:"destination" json:"destination"`
	Automation  AutomationConfig  `yaml:"automation" json:"automation"`
	Browser     BrowserConfig     `yaml:"browser" json:"browser"`
	Relay       RelayConfig       `yaml:"relay" json:"relay"`
	Source      SourceConfig      `yaml:"source" json:"source"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// DestinationConfig controls which tab receives the content.
type DestinationConfig struct {
	URL           string        `yaml:"url" json:"url"`
	ReuseExisting bool          `yaml:"reuse_existing" json:"reuse_existing"`
	ReusePattern  string        `yaml:"reuse_pattern" json:"reuse_pattern"`
	LoadTimeout   time.Duration `yaml:"load_timeout" json:"load_timeout"`
	ReplyTimeout  time.Duration `yaml:"reply_timeout" json:"reply_timeout"`
}

// AutomationConfig describes the destination page's input surface.
type AutomationConfig struct {
	InputSelector     string        `yaml:"input_selector" json:"input_selector"`
	SubmitSelector    string        `yaml:"submit_selector" json:"submit_selector"`
	LocateTimeout     time.Duration `yaml:"locate_timeout" json:"locate_timeout"`
	SubmitDelay       time.Duration `yaml:"submit_delay" json:"submit_delay"`
	ObserveDelay      time.Duration `yaml:"observe_delay" json:"observe_delay"`
	CompletionTimeout time.Duration `yaml:"completion_timeout" json:"completion_timeout"`
	SubmitKey         KeyConfig     `yaml:"submit_key" json:"submit_key"`
}

// KeyConfig identifies a keyboard key.
type KeyConfig struct {
	Key     string `yaml:"key" json:"key"`
	Code    string `yaml:"code" json:"code"`
	KeyCode int    `yaml:"key_code" json:"key_code"`
}

// BrowserConfig configures the browser session.
type BrowserConfig struct {
	Headless       bool          `yaml:"headless" json:"headless"`
	ViewportWidth  int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height" json:"viewport_height"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

// RelayConfig selects the relay transport. An empty NATSURL keeps every
// context in process.
type RelayConfig struct {
	NATSURL        string        `yaml:"nats_url" json:"nats_url"`
	QueueGroup     string        `yaml:"queue_group" json:"queue_group"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// SourceConfig configures thread detection and summarisation.
type SourceConfig struct {
	ThreadPattern    string `yaml:"thread_pattern" json:"thread_pattern"`
	MaxSummaryLength int    `yaml:"max_summary_length" json:"max_summary_length"`
}

// MetricsConfig configures the Prometheus endpoint. An empty ListenAddr
// disables it.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls console output: quiet, normal, verbose, debug.
	// Log files always go to ~/.threadrelay/logs or THREADRELAY_LOG_DIR.
	Verbosity string `yaml:"verbosity" json:"verbosity"`
}

// DefaultConfig returns a configuration that opens a new destination tab
// with the known page structure.
func DefaultConfig() *Config {
	auto := automation.DefaultConfig()
	return &Config{
		Destination: DestinationConfig{
			URL:          orchestrator.DefaultURL,
			ReusePattern: orchestrator.DefaultReusePattern,
			LoadTimeout:  orchestrator.DefaultLoadTimeout,
			ReplyTimeout: orchestrator.DefaultReplyTimeout,
		},
		Automation: AutomationConfig{
			InputSelector:     string(auto.InputSelector),
			SubmitSelector:    string(auto.SubmitSelector),
			LocateTimeout:     auto.LocateTimeout,
			SubmitDelay:       auto.SubmitDelay,
			ObserveDelay:      auto.ObserveDelay,
			CompletionTimeout: auto.CompletionTimeout,
			SubmitKey: KeyConfig{
				Key:     auto.SubmitKey.Key,
				Code:    auto.SubmitKey.Code,
				KeyCode: auto.SubmitKey.KeyCode,
			},
		},
		Browser: BrowserConfig{
			ViewportWidth:  browser.DefaultViewportWidth,
			ViewportHeight: browser.DefaultViewportHeight,
			Timeout:        time.Duration(browser.DefaultTimeout) * time.Millisecond,
		},
		Relay: RelayConfig{
			QueueGroup:     relay.DefaultQueue,
			RequestTimeout: source.DefaultRequestTimeout,
		},
		Source: SourceConfig{
			ThreadPattern:    source.DefaultThreadPattern,
			MaxSummaryLength: source.DefaultMaxSummaryLength,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// DefaultPath returns ~/.threadrelay/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".threadrelay", "config.yaml"), nil
}

// Load reads the YAML file at path over DefaultConfig. An empty path loads
// DefaultPath, and a missing default file yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Destination.URL == "" {
		return fmt.Errorf("destination url is required")
	}
	if c.Destination.LoadTimeout < 0 || c.Destination.ReplyTimeout < 0 {
		return fmt.Errorf("destination timeouts cannot be negative")
	}
	if err := c.AutomationConfig().Validate(); err != nil {
		return fmt.Errorf("automation: %w", err)
	}
	if c.Browser.ViewportWidth < 0 || c.Browser.ViewportHeight < 0 {
		return fmt.Errorf("viewport dimensions cannot be negative")
	}
	if c.Relay.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout cannot be negative")
	}
	if c.Source.MaxSummaryLength < 0 {
		return fmt.Errorf("max_summary_length cannot be negative")
	}
	if _, err := source.NewMatcher(c.Source.ThreadPattern); err != nil {
		return err
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}

	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}
	return nil
}

// AutomationConfig converts the automation section.
func (c *Config) AutomationConfig() automation.Config {
	a := c.Automation
	return automation.Config{
		InputSelector:     page.Selector(a.InputSelector),
		SubmitSelector:    page.Selector(a.SubmitSelector),
		LocateTimeout:     a.LocateTimeout,
		SubmitDelay:       a.SubmitDelay,
		ObserveDelay:      a.ObserveDelay,
		CompletionTimeout: a.CompletionTimeout,
		SubmitKey: page.Key{
			Key:     a.SubmitKey.Key,
			Code:    a.SubmitKey.Code,
			KeyCode: a.SubmitKey.KeyCode,
		},
	}
}

// OrchestratorConfig converts the destination section for script.
func (c *Config) OrchestratorConfig(script string) orchestrator.Config {
	d := c.Destination
	return orchestrator.Config{
		URL:           d.URL,
		ReuseExisting: d.ReuseExisting,
		ReusePattern:  d.ReusePattern,
		LoadTimeout:   d.LoadTimeout,
		ReplyTimeout:  d.ReplyTimeout,
		Script:        script,
	}
}

// SessionOptions converts the browser section.
func (c *Config) SessionOptions() browser.SessionOptions {
	b := c.Browser
	opts := browser.SessionOptions{
		Headless: b.Headless,
		Timeout:  float64(b.Timeout.Milliseconds()),
	}
	if b.ViewportWidth > 0 && b.ViewportHeight > 0 {
		opts.Viewport = &browser.Viewport{Width: b.ViewportWidth, Height: b.ViewportHeight}
	}
	return opts
}

// NATSConfig converts the relay section for a NATS relay named name.
func (c *Config) NATSConfig(name string) relay.NATSConfig {
	return relay.NATSConfig{
		URL:     c.Relay.NATSURL,
		Name:    name,
		Timeout: c.Relay.RequestTimeout,
		Queue:   c.Relay.QueueGroup,
	}
}
