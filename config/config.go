// Package config loads reactor settings from a TOML file. Every setting
// has a default, and only keys present in the file override it.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Registry configures optional endpoint publication.
type Registry struct {
	Endpoints     []string
	AdvertiseAddr string
	TTL           int64
}

type Config struct {
	LogLevel        string
	MaxMessageBytes int
	RequestRate     float64 // requests per second, 0 means unlimited
	RequestBurst    int
	MetricsAddr     string // host:port for /metrics, empty disables
	Registry        Registry
}

func Default() Config {
	return Config{
		LogLevel:        "info",
		MaxMessageBytes: 8 << 20,
		RequestBurst:    16,
		Registry:        Registry{TTL: 10},
	}
}

type fileConfig struct {
	LogLevel        string  `toml:"log_level"`
	MaxMessageBytes int     `toml:"max_message_bytes"`
	RequestRate     float64 `toml:"request_rate"`
	RequestBurst    int     `toml:"request_burst"`
	MetricsAddr     string  `toml:"metrics_addr"`
	Registry        struct {
		Endpoints     []string `toml:"endpoints"`
		AdvertiseAddr string   `toml:"advertise_addr"`
		TTL           int64    `toml:"ttl"`
	} `toml:"registry"`
}

// Load reads path and layers it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("request_rate") {
		cfg.RequestRate = raw.RequestRate
	}
	if meta.IsDefined("request_burst") {
		cfg.RequestBurst = raw.RequestBurst
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = raw.Registry.Endpoints
	}
	if meta.IsDefined("registry", "advertise_addr") {
		cfg.Registry.AdvertiseAddr = strings.TrimSpace(raw.Registry.AdvertiseAddr)
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: max_message_bytes must be positive")
	}
	if c.RequestRate < 0 {
		return fmt.Errorf("config: request_rate must not be negative")
	}
	if c.RequestRate > 0 && c.RequestBurst <= 0 {
		return fmt.Errorf("config: request_burst must be positive when request_rate is set")
	}
	if c.Registry.TTL <= 0 {
		return fmt.Errorf("config: registry ttl must be positive")
	}
	return nil
}
