package unblocker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
)

// EnvelopeConfig configures the POST-based provider. Zone and Token come
// from the secret provider.
type EnvelopeConfig struct {
	Endpoint string
	Zone     string
	Token    string
	Timeout  time.Duration
}

type envelopeRequest struct {
	URL    string `json:"url"`
	Zone   string `json:"zone"`
	Format string `json:"format"`
}

type envelopeResponse struct {
	Body string `json:"body"`
}

// Envelope posts the target URL to a managed proxy and unwraps the raw page
// from the "body" field of the JSON reply.
type Envelope struct {
	cfg    EnvelopeConfig
	client *resty.Client
}

var _ crawler.Provider = (*Envelope)(nil)

// NewEnvelope returns crawler.ErrProviderDisabled when any credential is missing.
func NewEnvelope(cfg EnvelopeConfig) (*Envelope, error) {
	if cfg.Endpoint == "" || cfg.Zone == "" || cfg.Token == "" {
		return nil, fmt.Errorf("%s: %w", crawler.ProviderCommercialA, crawler.ErrProviderDisabled)
	}
	return &Envelope{
		cfg:    cfg,
		client: newClient(crawler.ProviderCommercialA, cfg.Timeout),
	}, nil
}

// Tag implements crawler.Provider.
func (e *Envelope) Tag() string { return crawler.ProviderCommercialA }

// Fetch implements crawler.Provider.
func (e *Envelope) Fetch(ctx context.Context, url string) ([]byte, error) {
	res, err := e.client.R().
		SetContext(ctx).
		SetAuthToken(e.cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetBody(envelopeRequest{URL: url, Zone: e.cfg.Zone, Format: "raw"}).
		Post(e.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", crawler.ProviderCommercialA, err)
	}
	if err := checkStatus(crawler.ProviderCommercialA, res); err != nil {
		return nil, err
	}

	var env envelopeResponse
	if err := json.Unmarshal(res.Body(), &env); err != nil {
		return nil, fmt.Errorf("%s decode envelope: %w", crawler.ProviderCommercialA, err)
	}
	if env.Body == "" {
		return nil, fmt.Errorf("%s: %w", crawler.ProviderCommercialA, crawler.ErrEmptyBody)
	}
	return []byte(env.Body), nil
}
