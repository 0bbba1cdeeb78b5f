// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/discovery"
)

// Config captures every collector knob loaded via Viper.
type Config struct {
	Collector CollectorConfig `mapstructure:"collector"`
	Validator ValidatorConfig `mapstructure:"validator"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// CollectorConfig governs the collection driver.
type CollectorConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Rounds          int           `mapstructure:"rounds"`
	BackoffSeconds  []float64     `mapstructure:"backoff_seconds"`
	ProviderOrder   []string      `mapstructure:"provider_order"`
	ProcessingGrace time.Duration `mapstructure:"processing_grace"`
	CatalogPath     string        `mapstructure:"catalog_path"`
	SeedBank        string        `mapstructure:"seed_bank"`
}

// Backoff converts the seconds table to durations.
func (c CollectorConfig) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.BackoffSeconds))
	for _, s := range c.BackoffSeconds {
		out = append(out, seconds(s))
	}
	return out
}

// ValidatorConfig tunes HTML acceptance.
type ValidatorConfig struct {
	AcceptThreshold float64  `mapstructure:"accept_threshold"`
	DomainKeywords  []string `mapstructure:"domain_keywords"`
	BlockTokens     []string `mapstructure:"block_tokens"`
	ErrorTokens     []string `mapstructure:"error_tokens"`
	MinBytes        int      `mapstructure:"min_bytes"`
	MaxBytes        int      `mapstructure:"max_bytes"`
	MinTextChars    int      `mapstructure:"min_text_chars"`
}

// RateLimitConfig holds per-host dispatch spacing.
type RateLimitConfig struct {
	DefaultIntervalSeconds float64        `mapstructure:"default_interval_seconds"`
	Hosts                  []HostInterval `mapstructure:"hosts"`
}

// HostInterval overrides spacing for one host and its subdomains.
type HostInterval struct {
	Host               string  `mapstructure:"host"`
	MinIntervalSeconds float64 `mapstructure:"min_interval_seconds"`
}

// DefaultInterval returns the fallback spacing.
func (r RateLimitConfig) DefaultInterval() time.Duration {
	return seconds(r.DefaultIntervalSeconds)
}

// HostIntervals returns overrides keyed by host.
func (r RateLimitConfig) HostIntervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(r.Hosts))
	for _, h := range r.Hosts {
		out[strings.ToLower(strings.TrimSpace(h.Host))] = seconds(h.MinIntervalSeconds)
	}
	return out
}

// Archive backends.
const (
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// ArchiveConfig selects and configures the archive blob store.
type ArchiveConfig struct {
	Backend          string      `mapstructure:"backend"`
	Bucket           string      `mapstructure:"bucket"`
	AllowUnencrypted bool        `mapstructure:"allow_unencrypted"`
	S3               S3Config    `mapstructure:"s3"`
	GCS              GCSConfig   `mapstructure:"gcs"`
	Local            LocalConfig `mapstructure:"local"`
}

// S3Config points at an S3-compatible endpoint. Keys are secret names.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	SecretKeySecret string `mapstructure:"secret_key_secret"`
}

// GCSConfig configures the Cloud Storage backend.
type GCSConfig struct {
	KMSKey string `mapstructure:"kms_key"`
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ProvidersConfig configures every fetch provider.
type ProvidersConfig struct {
	Direct      DirectConfig      `mapstructure:"direct"`
	CommercialA CommercialAConfig `mapstructure:"commercial_a"`
	CommercialB CommercialBConfig `mapstructure:"commercial_b"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
}

// DirectConfig configures the plain HTTP provider.
type DirectConfig struct {
	UserAgents []string      `mapstructure:"user_agents"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// CommercialAConfig configures the JSON envelope unblocker. Secret fields
// name environment entries, not values.
type CommercialAConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ZoneSecret  string        `mapstructure:"zone_secret"`
	TokenSecret string        `mapstructure:"token_secret"`
}

// CommercialBConfig configures the proxy-style unblocker.
type CommercialBConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RenderJS     bool          `mapstructure:"render_js"`
	PremiumProxy bool          `mapstructure:"premium_proxy"`
	KeySecret    string        `mapstructure:"key_secret"`
}

// HeadlessConfig configures the chromedp provider.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// ProgressConfig locates the progress store and optional run ledger.
type ProgressConfig struct {
	DBPath       string `mapstructure:"db_path"`
	LedgerDSN    string `mapstructure:"ledger_dsn"`
	ArchiveTable string `mapstructure:"archive_table"`
}

// NotifyConfig enables Pub/Sub archive notifications when both fields are set.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether notifications are configured.
func (n NotifyConfig) Enabled() bool {
	return n.ProjectID != "" && n.Topic != ""
}

// DiscoveryConfig configures catalog discovery.
type DiscoveryConfig struct {
	RespectRobots          bool               `mapstructure:"respect_robots"`
	UserAgent              string             `mapstructure:"user_agent"`
	RequestIntervalSeconds float64            `mapstructure:"request_interval_seconds"`
	Sellers                []discovery.Seller `mapstructure:"sellers"`
}

// RequestInterval is the spacing between listing page requests per host.
func (d DiscoveryConfig) RequestInterval() time.Duration {
	return seconds(d.RequestIntervalSeconds)
}

// SecretsConfig locates the dotenv file.
type SecretsConfig struct {
	EnvFile string `mapstructure:"env_file"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the status server. An empty Addr disables it.
type MetricsConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("collector.batch_size", 50)
	v.SetDefault("collector.max_concurrent", 10)
	v.SetDefault("collector.max_attempts", 6)
	v.SetDefault("collector.rounds", 6)
	v.SetDefault("collector.backoff_seconds", []float64{1, 3, 7, 15, 30, 60})
	v.SetDefault("collector.provider_order", []string{
		crawler.ProviderDirect, crawler.ProviderCommercialA, crawler.ProviderCommercialB,
	})
	v.SetDefault("collector.processing_grace", "30m")
	v.SetDefault("collector.catalog_path", "")
	v.SetDefault("collector.seed_bank", "")

	v.SetDefault("validator.accept_threshold", 0.75)
	v.SetDefault("validator.domain_keywords", []string{"strain", "cannabis", "thc", "cbd", "seed"})
	v.SetDefault("validator.block_tokens", []string{"blocked", "captcha", "access denied", "forbidden"})
	v.SetDefault("validator.error_tokens", []string{"404", "403", "500", "error"})
	v.SetDefault("validator.min_bytes", 5000)
	v.SetDefault("validator.max_bytes", 5000000)
	v.SetDefault("validator.min_text_chars", 500)

	v.SetDefault("ratelimit.default_interval_seconds", 2.0)
	v.SetDefault("ratelimit.hosts", []map[string]any{
		{"host": "seedsman.com", "min_interval_seconds": 3.0},
		{"host": "leafly.com", "min_interval_seconds": 2.0},
		{"host": "allbud.com", "min_interval_seconds": 4.0},
	})

	v.SetDefault("archive.backend", BackendS3)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.allow_unencrypted", false)
	v.SetDefault("archive.s3.endpoint", "s3.amazonaws.com")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.use_ssl", true)
	v.SetDefault("archive.s3.access_key_secret", "AWS_ACCESS_KEY_ID")
	v.SetDefault("archive.s3.secret_key_secret", "AWS_SECRET_ACCESS_KEY")
	v.SetDefault("archive.local.base_dir", "data/archive")

	v.SetDefault("providers.direct.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	})
	v.SetDefault("providers.direct.timeout", "30s")
	v.SetDefault("providers.commercial_a.endpoint", "")
	v.SetDefault("providers.commercial_a.timeout", "60s")
	v.SetDefault("providers.commercial_a.zone_secret", "BRIGHTDATA_ZONE")
	v.SetDefault("providers.commercial_a.token_secret", "BRIGHTDATA_TOKEN")
	v.SetDefault("providers.commercial_b.endpoint", "")
	v.SetDefault("providers.commercial_b.timeout", "60s")
	v.SetDefault("providers.commercial_b.render_js", false)
	v.SetDefault("providers.commercial_b.premium_proxy", true)
	v.SetDefault("providers.commercial_b.key_secret", "SCRAPINGBEE_API_KEY")
	v.SetDefault("providers.headless.enabled", false)
	v.SetDefault("providers.headless.max_parallel", 1)
	v.SetDefault("providers.headless.nav_timeout", "25s")

	v.SetDefault("progress.db_path", "data/scraping_progress.db")
	v.SetDefault("progress.ledger_dsn", "")
	v.SetDefault("progress.archive_table", "archived_pages")

	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")

	v.SetDefault("discovery.respect_robots", false)
	v.SetDefault("discovery.user_agent", "strain-archive-collector/1.0")
	v.SetDefault("discovery.request_interval_seconds", 2.0)

	v.SetDefault("secrets.env_file", ".env")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.api_key", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "strain-archive-collector")
}

// Validate ensures required fields are present and sane.
func (c Config) Validate() error {
	if err := c.Collector.validate(); err != nil {
		return err
	}
	if c.Validator.AcceptThreshold < 0 || c.Validator.AcceptThreshold > 1 {
		return fmt.Errorf("validator.accept_threshold must be within [0,1]")
	}
	if c.Validator.MinBytes < 0 {
		return fmt.Errorf("validator.min_bytes must be >= 0")
	}
	if c.Validator.MaxBytes <= c.Validator.MinBytes {
		return fmt.Errorf("validator.max_bytes must be > validator.min_bytes")
	}
	if c.RateLimit.DefaultIntervalSeconds < 0 {
		return fmt.Errorf("ratelimit.default_interval_seconds must be >= 0")
	}
	for i, h := range c.RateLimit.Hosts {
		if strings.TrimSpace(h.Host) == "" {
			return fmt.Errorf("ratelimit.hosts[%d].host must be set", i)
		}
		if h.MinIntervalSeconds < 0 {
			return fmt.Errorf("ratelimit.hosts[%d].min_interval_seconds must be >= 0", i)
		}
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	if c.Providers.Headless.Enabled && c.Providers.Headless.MaxParallel <= 0 {
		return fmt.Errorf("providers.headless.max_parallel must be > 0 when headless is enabled")
	}
	if strings.TrimSpace(c.Progress.DBPath) == "" {
		return fmt.Errorf("progress.db_path must be set")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	for i, s := range c.Discovery.Sellers {
		if s.Name == "" {
			return fmt.Errorf("discovery.sellers[%d].name must be set", i)
		}
		if len(s.StartURLs) == 0 {
			return fmt.Errorf("discovery.sellers[%d].start_urls must not be empty", i)
		}
	}
	return nil
}

func (c CollectorConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("collector.batch_size must be > 0")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("collector.max_concurrent must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("collector.max_attempts must be > 0")
	}
	if c.Rounds <= 0 {
		return fmt.Errorf("collector.rounds must be > 0")
	}
	if len(c.BackoffSeconds) == 0 {
		return fmt.Errorf("collector.backoff_seconds must not be empty")
	}
	for _, b := range c.BackoffSeconds {
		if b < 0 {
			return fmt.Errorf("collector.backoff_seconds entries must be >= 0")
		}
	}
	if len(c.ProviderOrder) == 0 {
		return fmt.Errorf("collector.provider_order must not be empty")
	}
	seen := make(map[string]bool, len(c.ProviderOrder))
	for _, tag := range c.ProviderOrder {
		switch tag {
		case crawler.ProviderDirect, crawler.ProviderCommercialA, crawler.ProviderCommercialB, crawler.ProviderHeadless:
		default:
			return fmt.Errorf("collector.provider_order has unknown provider %q", tag)
		}
		if seen[tag] {
			return fmt.Errorf("collector.provider_order lists %q twice", tag)
		}
		seen[tag] = true
	}
	if c.ProcessingGrace < 0 {
		return fmt.Errorf("collector.processing_grace must be >= 0")
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case BackendS3, BackendGCS, BackendLocal, BackendMemory:
		return nil
	default:
		return fmt.Errorf("archive.backend must be one of s3, gcs, local, memory")
	}
}

// RequireTarget checks the fields a collect run needs to write the archive.
// Commands that only read the progress store skip it.
func (a ArchiveConfig) RequireTarget() error {
	switch a.Backend {
	case BackendS3, BackendGCS:
		if a.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the %s backend", a.Backend)
		}
	case BackendLocal:
		if a.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set for the local backend")
		}
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
