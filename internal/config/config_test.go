package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Collector.BatchSize != 50 || cfg.Collector.MaxConcurrent != 10 || cfg.Collector.MaxAttempts != 6 {
		t.Fatalf("unexpected collector defaults: %+v", cfg.Collector)
	}
	wantBackoff := []time.Duration{
		time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second, 30 * time.Second, time.Minute,
	}
	if got := cfg.Collector.Backoff(); !reflect.DeepEqual(got, wantBackoff) {
		t.Fatalf("expected backoff %v, got %v", wantBackoff, got)
	}
	if cfg.Collector.ProcessingGrace != 30*time.Minute {
		t.Fatalf("expected 30m processing grace, got %v", cfg.Collector.ProcessingGrace)
	}
	if cfg.Validator.AcceptThreshold != 0.75 {
		t.Fatalf("expected threshold 0.75, got %v", cfg.Validator.AcceptThreshold)
	}
	if cfg.RateLimit.DefaultInterval() != 2*time.Second {
		t.Fatalf("expected 2s default spacing, got %v", cfg.RateLimit.DefaultInterval())
	}
	hosts := cfg.RateLimit.HostIntervals()
	if hosts["seedsman.com"] != 3*time.Second || hosts["allbud.com"] != 4*time.Second {
		t.Fatalf("unexpected host overrides: %v", hosts)
	}
	if len(cfg.Providers.Direct.UserAgents) != 3 {
		t.Fatalf("expected three user agents, got %d", len(cfg.Providers.Direct.UserAgents))
	}
	if cfg.Discovery.RespectRobots {
		t.Fatal("expected robots to be off by default")
	}
	if cfg.Notify.Enabled() {
		t.Fatal("expected notifications disabled by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
collector:
  batch_size: 5
  max_concurrent: 2
  backoff_seconds: [0, 0.5]
  provider_order: [commercial_B, direct]
  processing_grace: 5m
validator:
  accept_threshold: 0.5
  domain_keywords: [seed]
ratelimit:
  default_interval_seconds: 1.5
  hosts:
    - host: slow.test
      min_interval_seconds: 10
archive:
  backend: local
  local:
    base_dir: /tmp/archive
progress:
  db_path: /tmp/progress.db
notify:
  project_id: proj
  topic: archived
discovery:
  respect_robots: true
  sellers:
    - name: humboldt
      start_urls: ["https://humboldt.test/shop/"]
      product_selectors: ["a.product-link"]
      pagination_pattern: "page/{page}/"
      max_pages: 3
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Collector.BatchSize != 5 || cfg.Collector.MaxConcurrent != 2 {
		t.Fatalf("expected collector overrides to apply: %+v", cfg.Collector)
	}
	if got := cfg.Collector.Backoff(); !reflect.DeepEqual(got, []time.Duration{0, 500 * time.Millisecond}) {
		t.Fatalf("unexpected backoff %v", got)
	}
	if !reflect.DeepEqual(cfg.Collector.ProviderOrder, []string{"commercial_B", "direct"}) {
		t.Fatalf("unexpected provider order %v", cfg.Collector.ProviderOrder)
	}
	if cfg.Collector.ProcessingGrace != 5*time.Minute {
		t.Fatalf("expected 5m grace, got %v", cfg.Collector.ProcessingGrace)
	}
	if got := cfg.RateLimit.HostIntervals(); len(got) != 1 || got["slow.test"] != 10*time.Second {
		t.Fatalf("unexpected host intervals %v", got)
	}
	if cfg.Archive.Backend != BackendLocal || cfg.Archive.Local.BaseDir != "/tmp/archive" {
		t.Fatalf("unexpected archive config %+v", cfg.Archive)
	}
	if err := cfg.Archive.RequireTarget(); err != nil {
		t.Fatalf("RequireTarget() error = %v", err)
	}
	if !cfg.Notify.Enabled() {
		t.Fatal("expected notifications enabled")
	}
	if len(cfg.Discovery.Sellers) != 1 {
		t.Fatalf("expected one seller, got %d", len(cfg.Discovery.Sellers))
	}
	seller := cfg.Discovery.Sellers[0]
	if seller.Name != "humboldt" || seller.PaginationPattern != "page/{page}/" || seller.MaxPages != 3 {
		t.Fatalf("unexpected seller %+v", seller)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRequireTarget(t *testing.T) {
	t.Parallel()

	if err := (ArchiveConfig{Backend: BackendS3}).RequireTarget(); err == nil || !strings.Contains(err.Error(), "archive.bucket") {
		t.Fatalf("expected bucket error, got %v", err)
	}
	if err := (ArchiveConfig{Backend: BackendLocal}).RequireTarget(); err == nil {
		t.Fatal("expected base_dir error")
	}
	if err := (ArchiveConfig{Backend: BackendMemory}).RequireTarget(); err != nil {
		t.Fatalf("memory backend needs no target, got %v", err)
	}
}

func validConfig() Config {
	return Config{
		Collector: CollectorConfig{
			BatchSize:      1,
			MaxConcurrent:  1,
			MaxAttempts:    1,
			Rounds:         1,
			BackoffSeconds: []float64{0},
			ProviderOrder:  []string{"direct"},
		},
		Validator: ValidatorConfig{AcceptThreshold: 0.75, MinBytes: 10, MaxBytes: 100},
		Archive:   ArchiveConfig{Backend: BackendMemory},
		Progress:  ProgressConfig{DBPath: "progress.db"},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"batch size", func(c *Config) { c.Collector.BatchSize = 0 }, "collector.batch_size"},
		{"concurrency", func(c *Config) { c.Collector.MaxConcurrent = 0 }, "collector.max_concurrent"},
		{"attempts", func(c *Config) { c.Collector.MaxAttempts = 0 }, "collector.max_attempts"},
		{"empty backoff", func(c *Config) { c.Collector.BackoffSeconds = nil }, "collector.backoff_seconds"},
		{"negative backoff", func(c *Config) { c.Collector.BackoffSeconds = []float64{-1} }, "collector.backoff_seconds"},
		{"unknown provider", func(c *Config) { c.Collector.ProviderOrder = []string{"curl"} }, "unknown provider"},
		{"duplicate provider", func(c *Config) { c.Collector.ProviderOrder = []string{"direct", "direct"} }, "twice"},
		{"threshold", func(c *Config) { c.Validator.AcceptThreshold = 1.5 }, "validator.accept_threshold"},
		{"max bytes", func(c *Config) { c.Validator.MaxBytes = 5 }, "validator.max_bytes"},
		{"host name", func(c *Config) { c.RateLimit.Hosts = []HostInterval{{MinIntervalSeconds: 1}} }, "ratelimit.hosts[0].host"},
		{"backend", func(c *Config) { c.Archive.Backend = "ftp" }, "archive.backend"},
		{"headless parallel", func(c *Config) { c.Providers.Headless.Enabled = true }, "providers.headless.max_parallel"},
		{"db path", func(c *Config) { c.Progress.DBPath = " " }, "progress.db_path"},
		{"notify pair", func(c *Config) { c.Notify.Topic = "archived" }, "notify.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
