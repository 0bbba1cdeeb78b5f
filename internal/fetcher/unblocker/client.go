// Package unblocker implements providers backed by managed scraping APIs.
//
// Both variants share a resty client that carries the Cloudflare TLS
// fingerprint adjustments and opens one span per API call.
package unblocker

import (
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/telemetry"
)

// DefaultTimeout bounds one provider API call.
const DefaultTimeout = 60 * time.Second

func newClient(tag string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New()
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetTimeout(timeout)
	instrument(client, tag)
	return client
}

func instrument(client *resty.Client, tag string) {
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		ctx, _ := telemetry.Tracer().Start(req.Context(), "provider."+tag,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("provider", tag)),
		)
		req.SetContext(ctx)
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		span := trace.SpanFromContext(res.Request.Context())
		span.SetAttributes(attribute.Int("http.status_code", res.StatusCode()))
		if res.IsError() {
			span.SetStatus(codes.Error, res.Status())
		}
		span.End()
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		span := trace.SpanFromContext(req.Context())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	})
}

func checkStatus(tag string, res *resty.Response) error {
	if res.StatusCode() < 200 || res.StatusCode() > 299 {
		return &crawler.StatusError{Provider: tag, StatusCode: res.StatusCode()}
	}
	return nil
}
