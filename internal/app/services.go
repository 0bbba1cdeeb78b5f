// Package app builds the collector's dependencies from configuration and
// hands them to commands as one Services aggregate.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/api"
	"github.com/JakeFAU/strain-archive-collector/internal/archive"
	"github.com/JakeFAU/strain-archive-collector/internal/catalog"
	"github.com/JakeFAU/strain-archive-collector/internal/clock/system"
	"github.com/JakeFAU/strain-archive-collector/internal/config"
	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/discovery"
	collyfetcher "github.com/JakeFAU/strain-archive-collector/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/strain-archive-collector/internal/fetcher/headless"
	"github.com/JakeFAU/strain-archive-collector/internal/fetcher/unblocker"
	"github.com/JakeFAU/strain-archive-collector/internal/hash/sha256"
	"github.com/JakeFAU/strain-archive-collector/internal/id/uuid"
	"github.com/JakeFAU/strain-archive-collector/internal/orchestrator"
	"github.com/JakeFAU/strain-archive-collector/internal/policy/ratelimit"
	"github.com/JakeFAU/strain-archive-collector/internal/progress"
	progresssinks "github.com/JakeFAU/strain-archive-collector/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/strain-archive-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/strain-archive-collector/internal/secrets"
	gcsstorage "github.com/JakeFAU/strain-archive-collector/internal/storage/gcs"
	localstorage "github.com/JakeFAU/strain-archive-collector/internal/storage/local"
	memorystorage "github.com/JakeFAU/strain-archive-collector/internal/storage/memory"
	pgstore "github.com/JakeFAU/strain-archive-collector/internal/storage/postgres"
	s3storage "github.com/JakeFAU/strain-archive-collector/internal/storage/s3"
	"github.com/JakeFAU/strain-archive-collector/internal/storage/sqlite"
	"github.com/JakeFAU/strain-archive-collector/internal/telemetry"
	"github.com/JakeFAU/strain-archive-collector/internal/validator"
	"github.com/JakeFAU/strain-archive-collector/internal/worker"
)

// Options override process-wide collaborators, mainly for tests.
type Options struct {
	// Secrets replaces the dotenv/environment provider.
	Secrets secrets.Provider
	// Registerer receives the progress collectors. Nil means the default registry.
	Registerer prometheus.Registerer
	// BlobStore replaces the configured archive backend.
	BlobStore crawler.BlobStore
}

// Services carries configuration and the shared collaborators every command needs.
type Services struct {
	Config   config.Config
	Logger   *zap.Logger
	Progress *sqlite.ProgressStore
	Secrets  secrets.Provider
	Clock    crawler.Sleeper
	Hasher   crawler.Hasher
	IDs      *uuid.Generator

	opts    Options
	limiter *ratelimit.Limiter
	closers []func(context.Context) error
}

// Open resolves secrets, starts tracing when enabled, and opens the progress
// store. Anything else is built on demand.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Services{
		Config: cfg,
		Logger: logger,
		Clock:  system.New(),
		Hasher: sha256.New(),
		IDs:    uuid.New(),
		opts:   opts,
	}

	s.Secrets = opts.Secrets
	if s.Secrets == nil {
		env, err := secrets.NewEnv(cfg.Secrets.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("secrets init failed: %w", err)
		}
		s.Secrets = env
	}

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{ServiceName: cfg.Telemetry.ServiceName})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		s.closers = append(s.closers, tp.Shutdown)
	}

	if dir := filepath.Dir(cfg.Progress.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("create progress dir: %w", err)
		}
	}
	repo, err := sqlite.Open(ctx, cfg.Progress.DBPath)
	if err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("progress store init failed: %w", err)
	}
	s.Progress = repo
	s.closers = append(s.closers, func(context.Context) error { return repo.Close() })
	logger.Debug("progress store opened", zap.String("path", cfg.Progress.DBPath))
	return s, nil
}

// Close releases everything Open and the builders acquired, newest first.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close services: %w", err)
	}
	return nil
}

func (s *Services) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Limiter returns the shared per-host limiter.
func (s *Services) Limiter() *ratelimit.Limiter {
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.Config{
			DefaultInterval: s.Config.RateLimit.DefaultInterval(),
			Hosts:           s.Config.RateLimit.HostIntervals(),
			Clock:           s.Clock,
		})
	}
	return s.limiter
}

// Loader returns a catalog loader using the configured seed bank tag.
func (s *Services) Loader(seedBank string) *catalog.Loader {
	if seedBank == "" {
		seedBank = s.Config.Collector.SeedBank
	}
	return catalog.NewLoader(s.Hasher, catalog.Options{SeedBank: seedBank}, s.Logger.Named("catalog"))
}

// Validator builds the HTML validator from configuration.
func (s *Services) Validator() *validator.Validator {
	vc := s.Config.Validator
	return validator.New(validator.Config{
		AcceptThreshold: vc.AcceptThreshold,
		DomainKeywords:  vc.DomainKeywords,
		BlockTokens:     vc.BlockTokens,
		ErrorTokens:     vc.ErrorTokens,
		MinBytes:        vc.MinBytes,
		MaxBytes:        vc.MaxBytes,
		MinTextChars:    vc.MinTextChars,
	})
}

// DirectFetcher builds the plain HTTP provider.
func (s *Services) DirectFetcher() *collyfetcher.Fetcher {
	return collyfetcher.New(collyfetcher.Config{
		UserAgents: s.Config.Providers.Direct.UserAgents,
		Timeout:    s.Config.Providers.Direct.Timeout,
	})
}

// Providers builds the enabled providers in provider_order. Providers without
// credentials are skipped; none left is crawler.ErrNoProviders.
func (s *Services) Providers() ([]crawler.Provider, error) {
	pc := s.Config.Providers
	var out []crawler.Provider
	for _, tag := range s.Config.Collector.ProviderOrder {
		p, err := s.provider(tag, pc)
		if errors.Is(err, crawler.ErrProviderDisabled) {
			s.Logger.Info("provider disabled", zap.String("provider", tag), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s init failed: %w", tag, err)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, crawler.ErrNoProviders
	}
	tags := make([]string, 0, len(out))
	for _, p := range out {
		tags = append(tags, p.Tag())
	}
	s.Logger.Info("providers enabled", zap.Strings("order", tags))
	return out, nil
}

func (s *Services) provider(tag string, pc config.ProvidersConfig) (crawler.Provider, error) {
	switch tag {
	case crawler.ProviderDirect:
		return s.DirectFetcher(), nil
	case crawler.ProviderCommercialA:
		zone, _ := s.Secrets.Lookup(pc.CommercialA.ZoneSecret)
		token, _ := s.Secrets.Lookup(pc.CommercialA.TokenSecret)
		return unblocker.NewEnvelope(unblocker.EnvelopeConfig{
			Endpoint: pc.CommercialA.Endpoint,
			Zone:     zone,
			Token:    token,
			Timeout:  pc.CommercialA.Timeout,
		})
	case crawler.ProviderCommercialB:
		key, _ := s.Secrets.Lookup(pc.CommercialB.KeySecret)
		return unblocker.NewProxy(unblocker.ProxyConfig{
			Endpoint:     pc.CommercialB.Endpoint,
			APIKey:       key,
			RenderJS:     pc.CommercialB.RenderJS,
			PremiumProxy: pc.CommercialB.PremiumProxy,
			Timeout:      pc.CommercialB.Timeout,
		})
	case crawler.ProviderHeadless:
		if !pc.Headless.Enabled {
			return nil, fmt.Errorf("%s: %w", tag, crawler.ErrProviderDisabled)
		}
		var ua string
		if len(pc.Direct.UserAgents) > 0 {
			ua = pc.Direct.UserAgents[0]
		}
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       pc.Headless.MaxParallel,
			UserAgent:         ua,
			NavigationTimeout: pc.Headless.NavTimeout,
		})
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error {
			f.Close()
			return nil
		})
		return f, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", tag)
	}
}

// BlobStore builds the configured archive backend.
func (s *Services) BlobStore(ctx context.Context) (crawler.BlobStore, error) {
	if s.opts.BlobStore != nil {
		return s.opts.BlobStore, nil
	}
	ac := s.Config.Archive
	if err := ac.RequireTarget(); err != nil {
		return nil, err
	}
	switch ac.Backend {
	case config.BackendS3:
		access, _ := s.Secrets.Lookup(ac.S3.AccessKeySecret)
		secret, _ := s.Secrets.Lookup(ac.S3.SecretKeySecret)
		bs, err := s3storage.New(s3storage.Config{
			Endpoint:  ac.S3.Endpoint,
			Region:    ac.S3.Region,
			Bucket:    ac.Bucket,
			AccessKey: access,
			SecretKey: secret,
			UseSSL:    ac.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		s.Logger.Info("using S3 archive backend", zap.String("bucket", ac.Bucket), zap.String("endpoint", ac.S3.Endpoint))
		return bs, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		s.onClose(func(context.Context) error { return client.Close() })
		bs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: ac.Bucket, KMSKey: ac.GCS.KMSKey})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		s.Logger.Info("using GCS archive backend", zap.String("bucket", ac.Bucket))
		return bs, nil
	case config.BackendLocal:
		bs, err := localstorage.New(localstorage.Config{BaseDir: ac.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		s.Logger.Info("using local archive backend", zap.String("path", ac.Local.BaseDir))
		return bs, nil
	default:
		s.Logger.Warn("using in-memory archive backend; objects are lost on exit")
		return memorystorage.NewBlobStore(), nil
	}
}

// Archiver wraps the blob store in the archive writer.
func (s *Services) Archiver(ctx context.Context) (*archive.Writer, error) {
	bs, err := s.BlobStore(ctx)
	if err != nil {
		return nil, err
	}
	w, err := archive.New(bs, archive.Options{AllowUnencrypted: s.Config.Archive.AllowUnencrypted}, s.Logger.Named("archive"))
	if err != nil {
		return nil, fmt.Errorf("archive writer init failed: %w", err)
	}
	return w, nil
}

// Events builds the progress hub and its sinks. The hub is closed with the services.
func (s *Services) Events(ctx context.Context) (*progress.Hub, error) {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(s.Logger.Named("progress_log")),
		progresssinks.NewStatsSink(s.Progress, s.Logger.Named("progress_stats")),
	}
	promSink, err := progresssinks.NewPrometheusSink(s.opts.Registerer)
	if err != nil {
		return nil, err
	}
	sinkList = append(sinkList, promSink)

	if dsn := s.Config.Progress.LedgerDSN; dsn != "" {
		ledger, err := pgstore.NewLedgerStore(ctx, pgstore.LedgerConfig{
			DSN:          dsn,
			ArchiveTable: s.Config.Progress.ArchiveTable,
		})
		if err != nil {
			return nil, fmt.Errorf("ledger store init failed: %w", err)
		}
		if err := ledger.Migrate(ctx); err != nil {
			ledger.Close()
			return nil, err
		}
		s.onClose(func(context.Context) error {
			ledger.Close()
			return nil
		})
		sinkList = append(sinkList, progresssinks.NewLedgerSink(ledger, s.Logger.Named("progress_ledger")))
		s.Logger.Info("run ledger enabled", zap.String("table", s.Config.Progress.ArchiveTable))
	}

	if nc := s.Config.Notify; nc.Enabled() {
		client, err := pubsub.NewClient(ctx, nc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub := gcppublisher.New(client)
		s.onClose(func(context.Context) error {
			pub.Stop()
			return client.Close()
		})
		sinkList = append(sinkList, progresssinks.NewNotifySink(pub, nc.Topic, s.Logger.Named("progress_notify")))
		s.Logger.Info("archive notifications enabled", zap.String("project", nc.ProjectID), zap.String("topic", nc.Topic))
	}

	hub := progress.NewHub(progress.Config{Logger: s.Logger.Named("progress_hub")}, sinkList...)
	s.onClose(hub.Close)
	return hub, nil
}

// Driver assembles the collection driver.
func (s *Services) Driver(ctx context.Context) (*worker.Driver, error) {
	providers, err := s.Providers()
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(providers, s.Validator(), orchestrator.Config{
		Rounds:  s.Config.Collector.Rounds,
		Backoff: s.Config.Collector.Backoff(),
		Clock:   s.Clock,
	}, s.Logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	archiver, err := s.Archiver(ctx)
	if err != nil {
		return nil, err
	}
	events, err := s.Events(ctx)
	if err != nil {
		return nil, err
	}
	cc := s.Config.Collector
	return worker.New(
		s.Progress,
		s.Limiter(),
		orch,
		archiver,
		s.Clock,
		s.IDs,
		events,
		worker.Config{
			BatchSize:       cc.BatchSize,
			MaxConcurrent:   cc.MaxConcurrent,
			MaxAttempts:     cc.MaxAttempts,
			ProcessingGrace: cc.ProcessingGrace,
		},
		s.Logger.Named("driver"),
	), nil
}

// Discoverer builds catalog discovery over the direct provider with its own
// spacing so listing walks never share a budget with collection.
func (s *Services) Discoverer() (*discovery.Discoverer, error) {
	dc := s.Config.Discovery
	limiter := ratelimit.New(ratelimit.Config{DefaultInterval: dc.RequestInterval(), Clock: s.Clock})
	return discovery.New(s.DirectFetcher(), limiter, discovery.Config{
		RespectRobots: dc.RespectRobots,
		UserAgent:     dc.UserAgent,
	}, s.Logger.Named("discovery"))
}

// StatusServer builds the read-only status API.
func (s *Services) StatusServer() *api.Server {
	return api.NewServer(s.Progress, api.Options{
		Ready:  s.Progress,
		APIKey: s.Config.Metrics.APIKey,
	}, s.Logger.Named("api"))
}
