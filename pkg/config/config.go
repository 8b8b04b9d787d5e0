// Package config loads the YAML-driven runtime configuration shared by the
// coordination server CLI and the mesh client CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document. Every field has a default
// applied by Default, so the zero-value document (no file at all) is
// runnable.
type Config struct {
	// Listen is the local UDP address this process binds to.
	Listen string `yaml:"listen"`

	// Server is the coordination server's UDP address.
	Server string `yaml:"server"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// LogPretty switches the logger to human-readable console output.
	LogPretty bool `yaml:"log_pretty"`

	// KeystorePath is where the node's encrypted identity keypair lives.
	KeystorePath string `yaml:"keystore_path"`

	// RedisAddr, if set, switches the coordination server's client registry
	// from the in-memory store to a Redis-backed one at this address.
	RedisAddr string `yaml:"redis_addr"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Jitter    JitterConfig    `yaml:"jitter"`

	// RegistrationTimeout is how long the coordination server keeps a
	// client registered without a heartbeat before evicting it.
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`

	// EvictionInterval is how often the coordination server walks its
	// client map looking for stale entries.
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// HeartbeatConfig controls liveness timers.
type HeartbeatConfig struct {
	// ServerInterval is how often a transport pings the coordination server.
	ServerInterval time.Duration `yaml:"server_interval"`
	// PeerInterval is how often a peer connection sends a Heartbeat absent
	// other outbound traffic.
	PeerInterval time.Duration `yaml:"peer_interval"`
	// IdleTimeout fails a peer connection that has received nothing for
	// this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MissedLimit is how many consecutive missed server heartbeat
	// responses trigger a re-register.
	MissedLimit int `yaml:"missed_limit"`
}

// RotationConfig controls how often a peer connection rotates its epoch key.
type RotationConfig struct {
	Interval   time.Duration `yaml:"interval"`
	ByteLimit  uint64        `yaml:"byte_limit"`
	RetryLimit int           `yaml:"retry_limit"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	OverlapTTL time.Duration `yaml:"overlap_ttl"`
}

// JitterConfig configures the jitter buffer's timing parameters.
type JitterConfig struct {
	TargetDepthMS int `yaml:"target_depth_ms"`
	MaxDelayMS    int `yaml:"max_delay_ms"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Listen:              "0.0.0.0:0",
		Server:              "0.0.0.0:39045",
		LogLevel:            "info",
		LogPretty:           false,
		KeystorePath:        "identity.keystore",
		RegistrationTimeout: 32 * time.Second,
		EvictionInterval:    10 * time.Second,
		Heartbeat: HeartbeatConfig{
			ServerInterval: 10 * time.Second,
			PeerInterval:   5 * time.Second,
			IdleTimeout:    30 * time.Second,
			MissedLimit:    3,
		},
		Rotation: RotationConfig{
			Interval:   5 * time.Minute,
			ByteLimit:  64 << 20,
			RetryLimit: 5,
			RetryDelay: 500 * time.Millisecond,
			OverlapTTL: 2 * time.Second,
		},
		Jitter: JitterConfig{
			TargetDepthMS: 50,
			MaxDelayMS:    200,
		},
	}
}

// Load reads and parses a YAML config file at path, starting from Default
// and overlaying whatever fields the file specifies.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Write serializes cfg as YAML to path, for `config init`-style commands.
func Write(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
