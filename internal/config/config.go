package config

import (
	"time"

	guildhall "github.com/vovakirdan/guildhall-client"
)

// Config holds client configuration values. Credentials are deliberately
// not part of the file-backed config; the password comes from the
// environment or a flag so it never lands on disk.
type Config struct {
	ServerURL      string        `mapstructure:"server_url" yaml:"server_url"`
	User           string        `mapstructure:"user" yaml:"user"`
	LogLevel       string        `mapstructure:"log_level" yaml:"log_level"`
	ArchivePath    string        `mapstructure:"archive_path" yaml:"archive_path"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	DiscoveryPause time.Duration `mapstructure:"discovery_pause" yaml:"discovery_pause"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		ServerURL:      "http://127.0.0.1:8080",
		LogLevel:       "info",
		ArchivePath:    "guildhall.db",
		ReconnectDelay: guildhall.DefaultReconnectDelay,
		DiscoveryPause: guildhall.DefaultDiscoveryPause,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.ServerURL != "" {
		c.ServerURL = other.ServerURL
	}
	if other.User != "" {
		c.User = other.User
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ArchivePath != "" {
		c.ArchivePath = other.ArchivePath
	}
	if other.ReconnectDelay != 0 {
		c.ReconnectDelay = other.ReconnectDelay
	}
	if other.DiscoveryPause != 0 {
		c.DiscoveryPause = other.DiscoveryPause
	}
}
