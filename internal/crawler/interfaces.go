package crawler

import (
	"context"
	"time"
)

// Provider fetches the raw HTML for a URL. Implementations honour ctx for
// cancellation and apply their own per-call deadline.
type Provider interface {
	Tag() string
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Validator scores fetched HTML.
type Validator interface {
	Validate(body []byte, url string) Validation
}

// HostLimiter spaces dispatches to the same host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// BlobStore writes archive objects and returns a URI. Puts to an existing
// path overwrite it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, data []byte, opts PutOptions) (string, error)
	// Encrypted reports whether objects are encrypted at rest.
	Encrypted() bool
}

// Publisher pushes archive notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes URL fingerprints.
type Hasher interface {
	Fingerprint(url string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper is a Clock that can also block until it reads a given instant.
type Sleeper interface {
	Clock
	// SleepUntil returns once Now() is at or after t, or with ctx's error.
	SleepUntil(ctx context.Context, t time.Time) error
}
