// CLAUDE:SUMMARY Defines the recorder configuration groups and parses YAML files with defaults.
// Package config handles domrec configuration from YAML files.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domrec/internal/encoder"
	"github.com/hazyhaar/domrec/internal/lifecycle"
	"github.com/hazyhaar/domrec/internal/redact"
	"github.com/hazyhaar/domrec/internal/rules"
	"github.com/hazyhaar/domrec/internal/snapshot"
	"github.com/hazyhaar/domrec/internal/transport"
)

// Config is the top-level recorder configuration.
type Config struct {
	Session   lifecycle.Config `yaml:"session"`
	Redaction redact.Config    `yaml:"redaction"`
	Rules     []rules.Rule     `yaml:"rules"`
	Transport TransportConfig  `yaml:"transport"`
	Encoder   encoder.Config   `yaml:"encoder"`
	Snapshot  snapshot.Config  `yaml:"snapshot"`
	Frames    FramesConfig     `yaml:"frames"`
	Crypto    CryptoConfig     `yaml:"crypto"`
	Browser   BrowserConfig    `yaml:"browser"`
}

// TransportConfig adds scheduling knobs to the queue configuration.
type TransportConfig struct {
	transport.Config `yaml:",inline"`
	// FlushInterval is the periodic flush tick.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// ResourceURL is the collector root for the resource hash-check.
	// Defaults to the origin of the primary endpoint.
	ResourceURL string `yaml:"resource_url"`
}

// FramesConfig controls the cross-frame handshake.
type FramesConfig struct {
	// Origin is the origin embedded frames must share with the top frame.
	Origin string `yaml:"origin"`
}

// CryptoConfig holds the collector public key.
type CryptoConfig struct {
	// CollectorKey is the base64 Curve25519 public key of the collector.
	// Without it encryption degrades to masking.
	CollectorKey string `yaml:"collector_key"`
}

// Key decodes CollectorKey. It returns nil, nil when no key is set.
func (c CryptoConfig) Key() (*[32]byte, error) {
	if c.CollectorKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(c.CollectorKey)
	if err != nil {
		return nil, fmt.Errorf("config: collector_key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("config: collector_key: %d bytes, want 32", len(raw))
	}
	var k [32]byte
	copy(k[:], raw)
	return &k, nil
}

// BrowserConfig controls the Chrome instance recorded by cmd/domrec.
type BrowserConfig struct {
	Remote   string `yaml:"remote"`
	Headless bool   `yaml:"headless"`
	Stealth  bool   `yaml:"stealth"`
	URL      string `yaml:"url"`
	// StatePath persists the session identifier between runs.
	StatePath string `yaml:"state_path"`
}

// ErrNoEndpoint is returned by Validate without a transport endpoint.
var ErrNoEndpoint = errors.New("config: transport.endpoints is empty")

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks what the recorder cannot run without.
func (c *Config) Validate() error {
	if len(c.Transport.Endpoints) == 0 {
		return ErrNoEndpoint
	}
	for _, ep := range c.Transport.Endpoints {
		if _, err := url.ParseRequestURI(ep); err != nil {
			return fmt.Errorf("config: endpoint %q: %w", ep, err)
		}
	}
	if err := c.Transport.Bandwidth.Validate(); err != nil {
		return fmt.Errorf("config: transport.bandwidth: %w", err)
	}
	if _, err := c.Crypto.Key(); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Transport.FlushInterval <= 0 {
		c.Transport.FlushInterval = 5 * time.Second
	}
	if c.Transport.ResourceURL == "" && len(c.Transport.Endpoints) > 0 {
		if u, err := url.Parse(c.Transport.Endpoints[0]); err == nil && u.Host != "" {
			c.Transport.ResourceURL = u.Scheme + "://" + u.Host
		}
	}
	if c.Frames.Origin == "" && c.Browser.URL != "" {
		if u, err := url.Parse(c.Browser.URL); err == nil && u.Host != "" {
			c.Frames.Origin = u.Scheme + "://" + u.Host
		}
	}
	if !c.Browser.Headless && c.Browser.Remote == "" {
		c.Browser.Headless = true
	}
}
