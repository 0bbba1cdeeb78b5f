// Package discovery walks paginated seller listings and collects product
// page URLs for the catalog.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
)

// PagePlaceholder is replaced by the page number in a pagination pattern.
const PagePlaceholder = "{page}"

// DefaultMaxPages bounds pagination when a seller sets no limit.
const DefaultMaxPages = 50

var defaultSelectors = []string{"a[href]"}

// Seller describes one listing site.
type Seller struct {
	Name      string   `mapstructure:"name"`
	StartURLs []string `mapstructure:"start_urls"`
	// ProductSelectors are CSS selectors for anchors on listing pages.
	ProductSelectors []string `mapstructure:"product_selectors"`
	// PaginationPattern is "page/{page}/" (path) or "?page={page}" (query).
	// Empty means the start URL is a single page.
	PaginationPattern string `mapstructure:"pagination_pattern"`
	MaxPages          int    `mapstructure:"max_pages"`
}

// Config controls a Discoverer.
type Config struct {
	RespectRobots  bool
	UserAgent      string
	IncludeMarkers []string
	ExcludeMarkers []string
}

// Result is one discovered product URL.
type Result struct {
	URL    string
	Seller string
}

// Discoverer fetches listing pages through a provider and extracts product links.
type Discoverer struct {
	fetcher    crawler.Provider
	limiter    crawler.HostLimiter
	classifier Classifier
	robots     *robotsGate
	logger     *zap.Logger
}

// New builds a Discoverer. limiter may be nil.
func New(fetcher crawler.Provider, limiter crawler.HostLimiter, cfg Config, logger *zap.Logger) (*Discoverer, error) {
	if fetcher == nil {
		return nil, errors.New("discovery fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Discoverer{
		fetcher:    fetcher,
		limiter:    limiter,
		classifier: NewClassifier(cfg.IncludeMarkers, cfg.ExcludeMarkers),
		logger:     logger,
	}
	if cfg.RespectRobots {
		ua := cfg.UserAgent
		if ua == "" {
			ua = "*"
		}
		d.robots = newRobotsGate(fetcher, ua, logger)
	}
	return d, nil
}

// Discover returns unique product URLs across sellers in first-seen order.
// A listing that cannot be fetched ends that start URL's pagination only.
func (d *Discoverer) Discover(ctx context.Context, sellers []Seller) ([]Result, error) {
	seen := make(map[string]struct{})
	var out []Result
	for _, seller := range sellers {
		before := len(out)
		for _, start := range seller.StartURLs {
			found, err := d.walk(ctx, seller, start)
			if err != nil {
				return out, err
			}
			for _, u := range found {
				if _, dup := seen[u]; dup {
					continue
				}
				seen[u] = struct{}{}
				out = append(out, Result{URL: u, Seller: seller.Name})
			}
		}
		d.logger.Info("seller discovered", zap.String("seller", seller.Name), zap.Int("products", len(out)-before))
	}
	return out, nil
}

func (d *Discoverer) walk(ctx context.Context, seller Seller, start string) ([]string, error) {
	maxPages := seller.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if seller.PaginationPattern == "" {
		maxPages = 1
	}
	selectors := seller.ProductSelectors
	if len(selectors) == 0 {
		selectors = defaultSelectors
	}

	var found []string
	pageSeen := make(map[string]struct{})
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return found, fmt.Errorf("discovery canceled: %w", err)
		}
		pageURL, err := PageURL(start, seller.PaginationPattern, page)
		if err != nil {
			return found, err
		}
		logger := d.logger.With(zap.String("seller", seller.Name), zap.String("page_url", pageURL), zap.Int("page", page))
		if d.robots != nil && !d.robots.Allowed(ctx, pageURL) {
			logger.Info("listing disallowed by robots.txt")
			break
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, pageURL); err != nil {
				return found, fmt.Errorf("discovery canceled: %w", err)
			}
		}
		body, err := d.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return found, fmt.Errorf("discovery canceled: %w", ctx.Err())
			}
			logger.Warn("listing fetch failed", zap.Error(err))
			break
		}
		links, err := d.extract(pageURL, body, selectors)
		if err != nil {
			logger.Warn("listing parse failed", zap.Error(err))
			break
		}
		fresh := 0
		for _, l := range links {
			if _, ok := pageSeen[l]; ok {
				continue
			}
			pageSeen[l] = struct{}{}
			found = append(found, l)
			fresh++
		}
		logger.Debug("listing parsed", zap.Int("products", len(links)), zap.Int("new", fresh))
		if fresh == 0 {
			break
		}
	}
	return found, nil
}

func (d *Discoverer) extract(pageURL string, body []byte, selectors []string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	var links []string
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok || strings.TrimSpace(href) == "" {
				return
			}
			if !d.classifier.IsProduct(href) {
				return
			}
			abs, err := crawler.ResolveReference(base, href)
			if err != nil {
				return
			}
			if _, err := crawler.CleanURL(abs); err != nil {
				return
			}
			links = append(links, abs)
		})
	}
	return links, nil
}

// PageURL returns the listing URL for page. Page 1 is always start itself.
func PageURL(start, pattern string, page int) (string, error) {
	if page <= 1 || pattern == "" {
		return start, nil
	}
	if !strings.Contains(pattern, PagePlaceholder) {
		return "", fmt.Errorf("pagination pattern %q lacks %s", pattern, PagePlaceholder)
	}
	suffix := strings.ReplaceAll(pattern, PagePlaceholder, strconv.Itoa(page))
	if strings.HasPrefix(suffix, "?") || strings.HasPrefix(suffix, "&") {
		param := strings.TrimLeft(suffix, "?&")
		if strings.Contains(start, "?") {
			return start + "&" + param, nil
		}
		return start + "?" + param, nil
	}
	u, err := url.Parse(start)
	if err != nil {
		return "", fmt.Errorf("parse start url: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.Path += strings.TrimPrefix(suffix, "/")
	return u.String(), nil
}
