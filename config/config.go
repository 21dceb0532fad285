// Package config loads settings for the h2duplex command from a YAML file
// and key=value overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/codec"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the h2duplex command.
type Config struct {
	Listen    string `mapstructure:"listen"`
	Path      string `mapstructure:"path"`
	Transport string `mapstructure:"transport"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
	// Insecure skips verification of server certificates when dialing.
	Insecure bool `mapstructure:"insecure"`
	// Backend is a TCP address each served connection is joined to.
	// Without one, connections are echoed.
	Backend string `mapstructure:"backend"`
	// Codec is the encoding the status command asks for.
	Codec string `mapstructure:"codec"`

	HighWaterMark           int           `mapstructure:"high_water_mark"`
	CloseTimeout            time.Duration `mapstructure:"close_timeout"`
	AcceptTimeout           time.Duration `mapstructure:"accept_timeout"`
	DisableFiller           bool          `mapstructure:"disable_filler"`
	DisableRequestStreaming bool          `mapstructure:"disable_request_streaming"`

	MetricsPath string `mapstructure:"metrics_path"`
	StatusPath  string `mapstructure:"status_path"`
	LogLevel    string `mapstructure:"log_level"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Listen:        "127.0.0.1:7000",
		Path:          "/duplex",
		Transport:     "h2c",
		Codec:         "cbor",
		HighWaterMark: 16 << 10,
		CloseTimeout:  time.Second,
		AcceptTimeout: 30 * time.Second,
		MetricsPath:   "/metrics",
		StatusPath:    "/status",
		LogLevel:      "info",
	}
}

// Load returns the defaults overridden by the YAML file at path. An empty
// path loads nothing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Apply(m); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Apply overrides settings from m, keyed by their mapstructure names.
// Durations may be given as strings such as "2s".
func (c *Config) Apply(m map[string]any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           c,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("config: mapstructure: %s", err.Error())
	}
	return nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	switch c.Transport {
	case "h2c", "h2", "quic":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("config: path %q must start with /", c.Path)
	}
	if c.HighWaterMark <= 0 {
		return fmt.Errorf("config: high_water_mark must be positive")
	}
	if c.CertFile != "" && c.KeyFile == "" || c.CertFile == "" && c.KeyFile != "" {
		return fmt.Errorf("config: cert_file and key_file go together")
	}
	for _, p := range []string{c.MetricsPath, c.StatusPath} {
		if p == c.Path {
			return fmt.Errorf("config: %q is already the duplex path", p)
		}
	}
	if codec.Named(c.Codec) == nil {
		return fmt.Errorf("config: unknown codec %q", c.Codec)
	}
	return nil
}
