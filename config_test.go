package main

import (
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte(`
upstream:
  url: https://dns.example.net/dns-query
`))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}

	if len(cfg.Server.Listeners) != 1 {
		t.Fatalf("listeners = %d, want 1 default", len(cfg.Server.Listeners))
	}
	l := cfg.Server.Listeners[0]
	if l.Protocol != "udp" || l.Address[0] != "0.0.0.0" || l.Port[0] != 53 {
		t.Errorf("default listener = %+v, want udp 0.0.0.0:53", l)
	}
	if cfg.Upstream.Format != FormatWire {
		t.Errorf("upstream format = %q, want wire", cfg.Upstream.Format)
	}
	if cfg.Cache.Size != 10000 {
		t.Errorf("cache size = %d, want 10000", cfg.Cache.Size)
	}
	if cfg.Logging.Level != "INFO" || cfg.Logging.Outputs[0] != "console" {
		t.Errorf("logging defaults = %s/%v", cfg.Logging.Level, cfg.Logging.Outputs)
	}
	if cfg.Upstream.Breaker.parsedCooldown != defaultCBCooldown {
		t.Errorf("breaker cooldown = %v, want %v", cfg.Upstream.Breaker.parsedCooldown, defaultCBCooldown)
	}
	if len(cfg.Upstream.Bootstrap) == 0 {
		t.Error("expected default bootstrap servers")
	}
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := parseConfig([]byte(`
server:
  listeners:
    - address: [127.0.0.1, "::1"]
      port: [5301, 5302]
      protocol: dns
  timeout: 3s
upstream:
  url: h3://dns.example.net/resolve#9.9.9.9
  format: json
  bootstrap: 9.9.9.9
  breaker:
    threshold: 10
    cooldown: 30s
cache:
  enabled: true
  size: 500
  min_ttl: 60
  max_ttl: 3600
acl:
  allow:
    - 192.168.0.0/16
rate_limit:
  enabled: true
  client_qps: 50
stats:
  interval: 1m
`))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}

	l := cfg.Server.Listeners[0]
	if len(l.Address) != 2 || len(l.Port) != 2 || l.Protocol != "dns" {
		t.Errorf("listener = %+v", l)
	}
	if cfg.Upstream.Format != FormatJSON {
		t.Errorf("format = %q, want json", cfg.Upstream.Format)
	}
	// Single-value bootstrap is normalized to a slice with default port.
	if len(cfg.Upstream.Bootstrap) != 1 || cfg.Upstream.Bootstrap[0] != "9.9.9.9:53" {
		t.Errorf("bootstrap = %v, want [9.9.9.9:53]", cfg.Upstream.Bootstrap)
	}
	if cfg.Upstream.Breaker.Threshold != 10 || cfg.Upstream.Breaker.parsedCooldown != 30*time.Second {
		t.Errorf("breaker = %d/%v", cfg.Upstream.Breaker.Threshold, cfg.Upstream.Breaker.parsedCooldown)
	}
	if cfg.RateLimit.ClientBurst != 100 {
		t.Errorf("client_burst = %d, want 2x QPS default (100)", cfg.RateLimit.ClientBurst)
	}
	if cfg.RateLimit.parsedCleanupInterval != time.Minute {
		t.Errorf("cleanup interval = %v, want 1m default", cfg.RateLimit.parsedCleanupInterval)
	}
	if cfg.Stats.parsedInterval != time.Minute {
		t.Errorf("stats interval = %v, want 1m", cfg.Stats.parsedInterval)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing upstream url", `server: {}`},
		{"bad listener protocol", "upstream: {url: https://x.example}\nserver:\n  listeners:\n    - {address: 127.0.0.1, port: 53, protocol: sctp}"},
		{"bad breaker cooldown", "upstream:\n  url: https://x.example\n  breaker: {cooldown: soon}"},
		{"min over max ttl", "upstream: {url: https://x.example}\ncache: {min_ttl: 600, max_ttl: 60}"},
		{"bad stats interval", "upstream: {url: https://x.example}\nstats: {interval: often}"},
		{"bad rate limit duration", "upstream: {url: https://x.example}\nrate_limit: {enabled: true, cleanup_interval: zzz}"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseConfig([]byte(tc.yaml)); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}
