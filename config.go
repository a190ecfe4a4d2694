/*
File: config.go
Version: 1.3.0
Description: Defines configuration structures and handles YAML parsing,
             defaulting and validation.
*/

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// --- Configuration Structures ---

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	ACL       ACLConfig       `yaml:"acl"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stats     StatsConfig     `yaml:"stats"`
}

type ListenerConfig struct {
	Address  StringOrSlice `yaml:"address"`
	Port     IntOrSlice    `yaml:"port"`
	Protocol string        `yaml:"protocol"` // "udp", "tcp", or "dns" (both)
}

type ServerConfig struct {
	ListenAddr string           `yaml:"listen_addr"`
	Port       int              `yaml:"port"`
	Listeners  []ListenerConfig `yaml:"listeners"`
	Timeout    string           `yaml:"timeout"`

	// DropOnFailure drops the query instead of answering SERVFAIL when the
	// upstream is unreachable.
	DropOnFailure bool `yaml:"drop_on_failure"`

	Response struct {
		Minimization bool `yaml:"minimization"`
	} `yaml:"response"`
}

type LoggingConfig struct {
	Level   string   `yaml:"level"`
	Format  string   `yaml:"format"`
	Outputs []string `yaml:"outputs"`

	File struct {
		Path string `yaml:"path"`
	} `yaml:"file"`
}

type UpstreamConfig struct {
	// URL of the DoH endpoint. Schemes: https (HTTP/2), h3 (HTTP/3).
	// An "#ip" suffix pins the endpoint to that address.
	URL       string        `yaml:"url"`
	Format    string        `yaml:"format"` // "wire" (RFC 8484, default) or "json"
	Method    string        `yaml:"method"` // "POST" (default) or "GET"; wire only
	Timeout   string        `yaml:"timeout"`
	Insecure  bool          `yaml:"insecure"`
	Bootstrap StringOrSlice `yaml:"bootstrap"`

	Breaker struct {
		Threshold int    `yaml:"threshold"`
		Cooldown  string `yaml:"cooldown"`

		parsedCooldown time.Duration
	} `yaml:"breaker"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
	MinTTL  int  `yaml:"min_ttl"`
	MaxTTL  int  `yaml:"max_ttl"`
}

type ACLConfig struct {
	Allow StringOrSlice `yaml:"allow"`
}

type RateLimitConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ClientQPS        int    `yaml:"client_qps"`
	ClientBurst      int    `yaml:"client_burst"`
	CleanupInterval  string `yaml:"cleanup_interval"`
	ClientExpiration string `yaml:"client_expiration"`

	parsedCleanupInterval  time.Duration
	parsedClientExpiration time.Duration
}

type StatsConfig struct {
	Interval string `yaml:"interval"`

	parsedInterval time.Duration
}

// StringOrSlice accepts either a single string or a list of strings.
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		*s = []string{single}
		return nil
	}

	var slice []string
	if err := value.Decode(&slice); err != nil {
		return err
	}
	*s = slice
	return nil
}

// IntOrSlice accepts either a single int or a list of ints.
type IntOrSlice []int

func (s *IntOrSlice) UnmarshalYAML(value *yaml.Node) error {
	var single int
	if err := value.Decode(&single); err == nil {
		*s = []int{single}
		return nil
	}

	var slice []int
	if err := value.Decode(&slice); err != nil {
		return err
	}
	*s = slice
	return nil
}

// --- Configuration Loading ---

func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return err
	}

	// Initialize logger as early as possible so validation failures below
	// are logged through the configured outputs.
	if err := InitLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	LogInfo("Upstream: %s (format=%s, method=%s)", cfg.Upstream.URL, cfg.Upstream.Format, cfg.Upstream.Method)
	LogInfo("Cache: enabled=%v, size=%d, min_ttl=%d, max_ttl=%d",
		cfg.Cache.Enabled, cfg.Cache.Size, cfg.Cache.MinTTL, cfg.Cache.MaxTTL)
	if cfg.RateLimit.Enabled {
		LogInfo("Rate limit: client_qps=%d, client_burst=%d", cfg.RateLimit.ClientQPS, cfg.RateLimit.ClientBurst)
	}

	config = cfg
	return nil
}

// parseConfig unmarshals and validates the raw YAML without touching globals.
func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Server defaults
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 53
	}
	if len(cfg.Server.Listeners) == 0 {
		cfg.Server.Listeners = []ListenerConfig{{
			Address:  StringOrSlice{cfg.Server.ListenAddr},
			Port:     IntOrSlice{cfg.Server.Port},
			Protocol: "udp",
		}}
	}
	for i, l := range cfg.Server.Listeners {
		switch strings.ToLower(l.Protocol) {
		case "", "udp":
			cfg.Server.Listeners[i].Protocol = "udp"
		case "tcp", "dns":
			cfg.Server.Listeners[i].Protocol = strings.ToLower(l.Protocol)
		default:
			return nil, fmt.Errorf("unknown listener protocol %q", l.Protocol)
		}
	}
	if cfg.Server.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Server.Timeout); err != nil {
			return nil, fmt.Errorf("invalid server.timeout: %w", err)
		}
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if len(cfg.Logging.Outputs) == 0 {
		cfg.Logging.Outputs = []string{"console"}
	}

	// Upstream defaults
	if cfg.Upstream.URL == "" {
		return nil, fmt.Errorf("upstream.url is required")
	}
	if cfg.Upstream.Format == "" {
		cfg.Upstream.Format = FormatWire
	}
	if len(cfg.Upstream.Bootstrap) == 0 {
		cfg.Upstream.Bootstrap = StringOrSlice{"1.1.1.1:53", "8.8.8.8:53"}
	} else {
		for i, bs := range cfg.Upstream.Bootstrap {
			if !strings.Contains(bs, ":") {
				cfg.Upstream.Bootstrap[i] = bs + ":53"
			}
		}
	}
	if cfg.Upstream.Breaker.Threshold < 0 {
		return nil, fmt.Errorf("upstream.breaker.threshold must not be negative")
	}
	cfg.Upstream.Breaker.parsedCooldown = defaultCBCooldown
	if cfg.Upstream.Breaker.Cooldown != "" {
		d, err := time.ParseDuration(cfg.Upstream.Breaker.Cooldown)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream.breaker.cooldown: %w", err)
		}
		cfg.Upstream.Breaker.parsedCooldown = d
	}

	// Cache defaults
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = 10000
	}
	if cfg.Cache.Size < 0 {
		return nil, fmt.Errorf("cache.size must not be negative")
	}
	if cfg.Cache.MinTTL > cfg.Cache.MaxTTL && cfg.Cache.MaxTTL > 0 {
		return nil, fmt.Errorf("cache.min_ttl (%d) exceeds cache.max_ttl (%d)", cfg.Cache.MinTTL, cfg.Cache.MaxTTL)
	}

	// Rate limit defaults
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.ClientQPS <= 0 {
			cfg.RateLimit.ClientQPS = 100
		}
		if cfg.RateLimit.ClientBurst <= 0 {
			cfg.RateLimit.ClientBurst = cfg.RateLimit.ClientQPS * 2
		}
		if cfg.RateLimit.CleanupInterval == "" {
			cfg.RateLimit.CleanupInterval = "1m"
		}
		if cfg.RateLimit.ClientExpiration == "" {
			cfg.RateLimit.ClientExpiration = "5m"
		}

		var err error
		cfg.RateLimit.parsedCleanupInterval, err = time.ParseDuration(cfg.RateLimit.CleanupInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid rate_limit.cleanup_interval: %w", err)
		}
		cfg.RateLimit.parsedClientExpiration, err = time.ParseDuration(cfg.RateLimit.ClientExpiration)
		if err != nil {
			return nil, fmt.Errorf("invalid rate_limit.client_expiration: %w", err)
		}
	}

	// Stats defaults
	if cfg.Stats.Interval == "" {
		cfg.Stats.Interval = "5m"
	}
	if cfg.Stats.Interval != "off" {
		d, err := time.ParseDuration(cfg.Stats.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid stats.interval: %w", err)
		}
		cfg.Stats.parsedInterval = d
	}

	return &cfg, nil
}
