// Package orchestrator runs the per-URL provider fallback loop: every round
// walks the providers in declared order, validates what they return, and
// sleeps a fixed backoff before the next round.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/clock/system"
	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/metrics"
	"github.com/JakeFAU/strain-archive-collector/internal/telemetry"
)

// ErrExhausted reports that no provider produced accepted bytes in any round.
var ErrExhausted = errors.New("fetch attempts exhausted")

// DefaultBackoff is the delay table applied between rounds.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	7 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// DefaultRounds is the number of passes over the provider list.
const DefaultRounds = 6

// FetchError carries the last rejection observed for a URL.
type FetchError struct {
	URL        string
	Rounds     int
	LastReason string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s after %d rounds: %s", ErrExhausted, e.Rounds, e.LastReason)
}

// Unwrap lets callers match ErrExhausted.
func (e *FetchError) Unwrap() error { return ErrExhausted }

// Config controls retry behaviour.
type Config struct {
	// Rounds is the number of passes over the provider list.
	Rounds int
	// Backoff[i] is slept after failed round i; the last entry repeats.
	Backoff []time.Duration
	// Clock sleeps between rounds. Defaults to the system clock.
	Clock crawler.Sleeper
}

// Orchestrator implements the fallback loop over a fixed provider list.
type Orchestrator struct {
	providers []crawler.Provider
	validator crawler.Validator
	cfg       Config
	logger    *zap.Logger
}

// New builds an Orchestrator. Providers are tried in the given order.
func New(providers []crawler.Provider, validator crawler.Validator, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if len(providers) == 0 {
		return nil, crawler.ErrNoProviders
	}
	if validator == nil {
		return nil, errors.New("validator is required")
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = DefaultRounds
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		providers: providers,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Providers lists provider tags in trial order.
func (o *Orchestrator) Providers() []string {
	tags := make([]string, 0, len(o.providers))
	for _, p := range o.providers {
		tags = append(tags, p.Tag())
	}
	return tags
}

// Fetch returns the first accepted page. It returns a *FetchError when every
// round is exhausted and the context error when ctx ends first.
func (o *Orchestrator) Fetch(ctx context.Context, url string) (crawler.FetchResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.fetch", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	start := time.Now()
	lastReason := "no provider attempted"
	for round := 0; round < o.cfg.Rounds; round++ {
		for _, p := range o.providers {
			if err := ctx.Err(); err != nil {
				span.SetStatus(codes.Error, "canceled")
				return crawler.FetchResult{}, fmt.Errorf("fetch %s canceled: %w", url, err)
			}
			body, verdict, reason := o.try(ctx, p, url, round)
			if reason == "" {
				span.SetAttributes(attribute.String("method", p.Tag()), attribute.Int("rounds", round+1))
				return crawler.FetchResult{
					URL:        url,
					Body:       body,
					Method:     p.Tag(),
					Validation: verdict,
					Rounds:     round + 1,
					Duration:   time.Since(start),
				}, nil
			}
			lastReason = reason
		}
		if round < o.cfg.Rounds-1 {
			if err := o.pause(ctx, o.backoff(round)); err != nil {
				span.SetStatus(codes.Error, "canceled")
				return crawler.FetchResult{}, fmt.Errorf("fetch %s canceled: %w", url, err)
			}
		}
	}

	span.SetStatus(codes.Error, lastReason)
	return crawler.FetchResult{}, &FetchError{URL: url, Rounds: o.cfg.Rounds, LastReason: lastReason}
}

// try calls one provider and returns an empty reason when the bytes were accepted.
func (o *Orchestrator) try(ctx context.Context, p crawler.Provider, url string, round int) ([]byte, crawler.Validation, string) {
	tag := p.Tag()
	ctx, span := telemetry.Tracer().Start(ctx, "provider.call", trace.WithAttributes(
		attribute.String("provider", tag),
		attribute.Int("round", round),
	))
	defer span.End()

	start := time.Now()
	body, err := p.Fetch(ctx, url)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveProviderCall(tag, metrics.OutcomeError, elapsed)
		span.RecordError(err)
		o.logger.Debug("provider call failed",
			zap.String("provider", tag), zap.String("url", url), zap.Int("round", round), zap.Error(err))
		return nil, crawler.Validation{}, fmt.Sprintf("%s: %v", tag, err)
	}
	if len(body) == 0 {
		metrics.ObserveProviderCall(tag, metrics.OutcomeError, elapsed)
		return nil, crawler.Validation{}, fmt.Sprintf("%s: %v", tag, crawler.ErrEmptyBody)
	}

	verdict := o.validator.Validate(body, url)
	span.SetAttributes(attribute.Float64("score", verdict.Score), attribute.Int("bytes", len(body)))
	if !verdict.Accepted {
		metrics.ObserveProviderCall(tag, metrics.OutcomeRejected, elapsed)
		reason := fmt.Sprintf("%s: validation score %.2f (failed: %s)", tag, verdict.Score, strings.Join(verdict.Failed(), ", "))
		o.logger.Debug("provider page rejected",
			zap.String("provider", tag), zap.String("url", url), zap.Int("round", round), zap.Float64("score", verdict.Score))
		return nil, verdict, reason
	}
	metrics.ObserveProviderCall(tag, metrics.OutcomeAccepted, elapsed)
	return body, verdict, ""
}

func (o *Orchestrator) backoff(round int) time.Duration {
	if len(o.cfg.Backoff) == 0 {
		return 0
	}
	if round >= len(o.cfg.Backoff) {
		return o.cfg.Backoff[len(o.cfg.Backoff)-1]
	}
	return o.cfg.Backoff[round]
}

func (o *Orchestrator) pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	return o.cfg.Clock.SleepUntil(ctx, o.cfg.Clock.Now().Add(delay))
}
