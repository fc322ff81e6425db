package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the hub, loaded from YAML over
// built-in defaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Media     MediaConfig     `yaml:"media"`
	Upload    UploadConfig    `yaml:"upload"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig holds the two listener addresses.
type ServerConfig struct {
	GatewayAddr string `yaml:"gateway_addr"`
	ControlAddr string `yaml:"control_addr"`
}

// MediaConfig points at the RTMP server devices push video to.
type MediaConfig struct {
	RtmpHost string `yaml:"rtmp_host"`
	RtmpPort int    `yaml:"rtmp_port"`
}

// UploadConfig names the host devices upload screenshots against.
type UploadConfig struct {
	Host string `yaml:"host"`
}

// HeartbeatConfig tunes the liveness monitor. Values are seconds.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

func (h HeartbeatConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// AuthConfig controls device token verification. Disabled must be an
// explicit choice; there is no sentinel-secret fallback.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GatewayAddr: ":9000",
			ControlAddr: ":9001",
		},
		Media: MediaConfig{
			RtmpHost: "127.0.0.1",
			RtmpPort: 1935,
		},
		Upload: UploadConfig{
			Host: "127.0.0.1:9001",
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 60,
			TimeoutSeconds:  180,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path yields validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the hub cannot run with.
func (c *Config) Validate() error {
	if c.Server.GatewayAddr == "" {
		return fmt.Errorf("server.gateway_addr must not be empty")
	}
	if c.Server.ControlAddr == "" {
		return fmt.Errorf("server.control_addr must not be empty")
	}
	if c.Media.RtmpHost == "" {
		return fmt.Errorf("media.rtmp_host must not be empty")
	}
	if c.Media.RtmpPort <= 0 || c.Media.RtmpPort > 65535 {
		return fmt.Errorf("media.rtmp_port %d out of range", c.Media.RtmpPort)
	}
	if c.Upload.Host == "" {
		return fmt.Errorf("upload.host must not be empty")
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat.interval_seconds must be positive")
	}
	if c.Heartbeat.TimeoutSeconds <= c.Heartbeat.IntervalSeconds {
		return fmt.Errorf("heartbeat.timeout_seconds must exceed interval_seconds")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth.enabled is true")
	}
	return nil
}
