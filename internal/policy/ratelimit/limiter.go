// Package ratelimit enforces a minimum spacing between dispatches to the same host.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/strain-archive-collector/internal/clock/system"
	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/metrics"
)

// DefaultInterval is the spacing applied to hosts without an override.
const DefaultInterval = 2 * time.Second

// Config holds limiter configuration.
type Config struct {
	// DefaultInterval applies to every host without an override. Zero disables spacing.
	DefaultInterval time.Duration
	// Hosts maps a host (or parent domain) to its minimum interval.
	Hosts map[string]time.Duration
	// Clock stamps dispatches and sleeps between them. Defaults to the system clock.
	Clock crawler.Sleeper
}

// gate serialises one host. slot is a one-element semaphore held from the
// moment a caller starts waiting until its dispatch time is stamped in last.
type gate struct {
	slot chan struct{}
	last time.Time
}

// Limiter remembers when each host was last dispatched to and makes the
// next caller sleep until last+interval.
type Limiter struct {
	mu    sync.Mutex
	gates map[string]*gate
	cfg   Config
	clock crawler.Sleeper
}

var _ crawler.HostLimiter = (*Limiter)(nil)

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	hosts := make(map[string]time.Duration, len(cfg.Hosts))
	for h, d := range cfg.Hosts {
		hosts[normalizeHost(h)] = d
	}
	cfg.Hosts = hosts
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Limiter{
		gates: make(map[string]*gate),
		cfg:   cfg,
		clock: clock,
	}
}

// Interval reports the spacing applied to host.
func (l *Limiter) Interval(host string) time.Duration {
	host = normalizeHost(host)
	for candidate := host; candidate != ""; candidate = parentDomain(candidate) {
		if d, ok := l.cfg.Hosts[candidate]; ok {
			return d
		}
	}
	return l.cfg.DefaultInterval
}

// Wait blocks until rawURL's host may be dispatched to, respecting ctx.
// Two returns for the same host are always at least the host interval apart
// as read by the limiter's clock.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := normalizeHost(crawler.Host(rawURL))
	interval := l.Interval(host)
	if interval <= 0 {
		return ctx.Err()
	}
	g := l.gateFor(host)

	start := time.Now()
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("host spacing wait for %s: %w", host, ctx.Err())
	}
	defer func() { <-g.slot }()

	if !g.last.IsZero() {
		if err := l.clock.SleepUntil(ctx, g.last.Add(interval)); err != nil {
			return fmt.Errorf("host spacing wait for %s: %w", host, err)
		}
	}
	g.last = l.clock.Now()

	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) gateFor(host string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[host]
	if !ok {
		g = &gate{slot: make(chan struct{}, 1)}
		l.gates[host] = g
	}
	return g
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
}

func parentDomain(host string) string {
	i := strings.IndexByte(host, '.')
	if i < 0 {
		return ""
	}
	rest := host[i+1:]
	if !strings.Contains(rest, ".") {
		return ""
	}
	return rest
}
