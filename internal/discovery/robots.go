package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
)

// robotsGate caches robots.txt per host and answers path checks.
type robotsGate struct {
	fetcher   crawler.Provider
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

func newRobotsGate(fetcher crawler.Provider, userAgent string, logger *zap.Logger) *robotsGate {
	return &robotsGate{
		fetcher:   fetcher,
		userAgent: userAgent,
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed fails open: an unreachable robots.txt never blocks discovery.
func (g *robotsGate) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data := g.load(ctx, u)
	if data == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, g.userAgent)
}

func (g *robotsGate) load(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	key := u.Scheme + "://" + u.Host
	g.mu.Lock()
	data, ok := g.cache[key]
	g.mu.Unlock()
	if ok {
		return data
	}

	body, err := g.fetcher.Fetch(ctx, key+"/robots.txt")
	var statusErr *crawler.StatusError
	switch {
	case err == nil:
		data, err = robotstxt.FromBytes(body)
		if err != nil {
			g.logger.Warn("robots.txt unparsable; allowing", zap.String("host", u.Host), zap.Error(err))
			data = nil
		}
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound,
		errors.Is(err, crawler.ErrEmptyBody):
		data = nil
	default:
		g.logger.Warn("robots.txt fetch failed; allowing", zap.String("host", u.Host), zap.Error(err))
		return nil
	}

	g.mu.Lock()
	g.cache[key] = data
	g.mu.Unlock()
	return data
}
