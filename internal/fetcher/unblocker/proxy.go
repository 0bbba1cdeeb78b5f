package unblocker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
)

// DefaultProxyEndpoint is the GET-based provider's API root.
const DefaultProxyEndpoint = "https://app.scrapingbee.com/api/v1/"

// ProxyConfig configures the GET-based provider.
type ProxyConfig struct {
	Endpoint     string
	APIKey       string
	RenderJS     bool
	PremiumProxy bool
	Timeout      time.Duration
}

// Proxy asks a managed proxy to fetch the target and returns the reply body verbatim.
type Proxy struct {
	cfg    ProxyConfig
	client *resty.Client
}

var _ crawler.Provider = (*Proxy)(nil)

// NewProxy returns crawler.ErrProviderDisabled without an API key.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", crawler.ProviderCommercialB, crawler.ErrProviderDisabled)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultProxyEndpoint
	}
	return &Proxy{
		cfg:    cfg,
		client: newClient(crawler.ProviderCommercialB, cfg.Timeout),
	}, nil
}

// Tag implements crawler.Provider.
func (p *Proxy) Tag() string { return crawler.ProviderCommercialB }

// Fetch implements crawler.Provider.
func (p *Proxy) Fetch(ctx context.Context, url string) ([]byte, error) {
	res, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"api_key":       p.cfg.APIKey,
			"url":           url,
			"render_js":     strconv.FormatBool(p.cfg.RenderJS),
			"premium_proxy": strconv.FormatBool(p.cfg.PremiumProxy),
		}).
		Get(p.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", crawler.ProviderCommercialB, err)
	}
	if err := checkStatus(crawler.ProviderCommercialB, res); err != nil {
		return nil, err
	}
	if len(res.Body()) == 0 {
		return nil, fmt.Errorf("%s: %w", crawler.ProviderCommercialB, crawler.ErrEmptyBody)
	}
	return res.Body(), nil
}
