// Package config loads natpipe configuration from YAML.
//
// Every field is optional; a missing file section keeps the value from
// Default. Durations use Go syntax ("40s", "1m30s").
//
// Example:
//
//	identity_file: "identity.key"
//	identity_passphrase_env: "NATPIPE_PASSPHRASE"
//	trusted_peers:
//	  - "3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29"
//	relay_address: "relay.example.net:7400"
//	stun_servers:
//	  - "stun.l.google.com:19302"
//	log_level: info
//	pipe_open_timeout: 10s
//	punch:
//	  port_min: 1024
//	  port_max: 65535
//	  probes: 750
//	  rate: 25
//	  timeout: 40s
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/natpipe/crypto"
	"github.com/opd-ai/natpipe/pipe"
	"github.com/opd-ai/natpipe/punch"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the top-level natpipe configuration.
type Config struct {
	// IdentityFile holds the long-term identity. Relative paths are resolved
	// against the config file's directory.
	IdentityFile string `yaml:"identity_file"`
	// IdentityPassphraseEnv names the environment variable holding the
	// identity file passphrase. Empty means the file is not sealed.
	IdentityPassphraseEnv string `yaml:"identity_passphrase_env"`

	// TrustedPeers are hex ed25519 keys. Empty means trust on first use.
	TrustedPeers []string `yaml:"trusted_peers"`

	RelayAddress string `yaml:"relay_address"`
	// RelayProxy routes TCP relay connections through a proxy such as
	// socks5://127.0.0.1:9050.
	RelayProxy  string   `yaml:"relay_proxy"`
	STUNServers []string `yaml:"stun_servers"`

	AllowEncryptionDowngrade bool `yaml:"allow_encryption_downgrade"`

	LogLevel        string        `yaml:"log_level"`
	PipeOpenTimeout time.Duration `yaml:"pipe_open_timeout"`

	Punch PunchConfig `yaml:"punch"`
}

// PunchConfig tunes hole punching.
type PunchConfig struct {
	PortMin        uint16        `yaml:"port_min"`
	PortMax        uint16        `yaml:"port_max"`
	Probes         int           `yaml:"probes"`
	Rate           int           `yaml:"rate"`
	Timeout        time.Duration `yaml:"timeout"`
	GroupSize      int           `yaml:"group_size"`
	TTL            int           `yaml:"ttl"`
	SequentialHint bool          `yaml:"sequential_hint"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	s := punch.DefaultSettings()
	return &Config{
		IdentityFile:    "identity.key",
		LogLevel:        "info",
		PipeOpenTimeout: pipe.DefaultOpenTimeout,
		Punch: PunchConfig{
			PortMin:   s.PortMin,
			PortMax:   s.PortMax,
			Probes:    s.Probes,
			Rate:      s.Rate,
			Timeout:   s.Timeout,
			GroupSize: s.GroupSize,
		},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if cfg.IdentityFile != "" && !filepath.IsAbs(cfg.IdentityFile) {
		cfg.IdentityFile = filepath.Join(dir, cfg.IdentityFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
	}).Debug("Configuration loaded")
	return cfg, nil
}

// Parse decodes YAML over Default without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks every field that can be checked without touching the
// network or the file system.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	if c.PipeOpenTimeout <= 0 {
		return fmt.Errorf("%w: pipe_open_timeout must be positive", ErrInvalid)
	}
	if _, err := c.TrustStore(); err != nil {
		return err
	}
	if err := c.PunchSettings().Validate(); err != nil {
		return fmt.Errorf("%w: punch: %w", ErrInvalid, err)
	}
	return nil
}

// PunchSettings converts the punch section.
func (c *Config) PunchSettings() punch.Settings {
	return punch.Settings{
		PortMin:        c.Punch.PortMin,
		PortMax:        c.Punch.PortMax,
		Probes:         c.Punch.Probes,
		Rate:           c.Punch.Rate,
		Timeout:        c.Punch.Timeout,
		GroupSize:      c.Punch.GroupSize,
		TTL:            c.Punch.TTL,
		SequentialHint: c.Punch.SequentialHint,
	}
}

// TrustStore parses TrustedPeers. It returns nil when the list is empty.
func (c *Config) TrustStore() (*crypto.TrustStore, error) {
	if len(c.TrustedPeers) == 0 {
		return nil, nil
	}
	ts := crypto.NewTrustStore()
	for i, s := range c.TrustedPeers {
		key, err := crypto.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted_peers[%d]: %w", ErrInvalid, i, err)
		}
		ts.Add(key)
	}
	return ts, nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Passphrase reads the identity passphrase from the configured environment
// variable. It returns nil when none is configured or the variable is unset.
func (c *Config) Passphrase() []byte {
	if c.IdentityPassphraseEnv == "" {
		return nil
	}
	v, ok := os.LookupEnv(c.IdentityPassphraseEnv)
	if !ok || v == "" {
		return nil
	}
	return []byte(v)
}
