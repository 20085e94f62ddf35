package domrec

import (
	"github.com/hazyhaar/domrec/internal/config"
)

// Config is the top-level recorder configuration. Re-exported from internal.
type Config = config.Config

// TransportConfig controls delivery.
type TransportConfig = config.TransportConfig

// FramesConfig controls the cross-frame handshake.
type FramesConfig = config.FramesConfig

// CryptoConfig holds the collector public key.
type CryptoConfig = config.CryptoConfig

// BrowserConfig controls the recorded Chrome instance.
type BrowserConfig = config.BrowserConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}
