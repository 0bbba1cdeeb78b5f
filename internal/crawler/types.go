package crawler

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Provider tags understood by the default configuration.
const (
	ProviderDirect      = "direct"
	ProviderCommercialA = "commercial_A"
	ProviderCommercialB = "commercial_B"
	ProviderHeadless    = "headless"
)

var (
	// ErrProviderDisabled is returned by providers constructed without credentials.
	ErrProviderDisabled = errors.New("provider disabled")
	// ErrNoProviders reports that no provider in the configured order is usable.
	ErrNoProviders = errors.New("no enabled fetch providers")
	// ErrEmptyBody is returned when a provider answered 2xx without content.
	ErrEmptyBody = errors.New("empty response body")
)

// StatusError reports a non-2xx answer from a target or a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http status %d", e.Provider, e.StatusCode)
}

// Validation is the verdict of a Validator.
type Validation struct {
	Accepted bool
	Score    float64
	Checks   map[string]bool
}

// Failed lists the names of failing checks in sorted order.
func (v Validation) Failed() []string {
	var failed []string
	for name, ok := range v.Checks {
		if !ok {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// FetchResult is an accepted page produced by the orchestrator.
type FetchResult struct {
	URL        string
	Body       []byte
	Method     string
	Validation Validation
	Rounds     int
	Duration   time.Duration
}

// PutOptions describe how an object is written to a BlobStore.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}
