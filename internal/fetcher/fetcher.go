// Package fetcher retrieves remote pages under a retry policy and decodes their envelopes.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/weather-ingest/internal/retry"
	"github.com/JakeFAU/weather-ingest/internal/weather"
)

// DefaultMaxAttempts bounds a request when no policy is configured.
const DefaultMaxAttempts = 10

// Transport performs one GET and returns the raw body.
type Transport interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// AttemptObserver is notified about every attempt, successful or not.
type AttemptObserver interface {
	ObserveFetchAttempt(outcome string)
}

// Attempt outcomes passed to AttemptObserver.
const (
	OutcomeOK        = "ok"
	OutcomeTransport = "transport_error"
	OutcomeMalformed = "malformed"
)

// Fetcher implements weather.Fetcher on top of a Transport.
type Fetcher struct {
	transport Transport
	policy    retry.Policy
	observer  AttemptObserver
	logger    *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithPolicy replaces the default immediate-retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(f *Fetcher) {
		f.policy = p
	}
}

// WithObserver attaches an AttemptObserver.
func WithObserver(o AttemptObserver) Option {
	return func(f *Fetcher) {
		f.observer = o
	}
}

// New constructs a Fetcher. Without options it makes up to DefaultMaxAttempts
// immediate attempts per request.
func New(transport Transport, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		transport: transport,
		policy:    retry.Immediate(DefaultMaxAttempts),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves url and decodes its envelope. Transport failures and malformed
// payloads are both retried, since a later attempt may return a well-formed body.
// Exhaustion is reported as weather.ErrTransportExhausted.
func (f *Fetcher) Fetch(ctx context.Context, url string) (weather.Page, error) {
	var page weather.Page
	err := retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) error {
		body, err := f.transport.Get(ctx, url)
		if err != nil {
			f.observe(OutcomeTransport)
			f.logger.Warn("fetch attempt failed",
				zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		decoded, err := Decode(url, body)
		if err != nil {
			f.observe(OutcomeMalformed)
			f.logger.Warn("fetch attempt returned malformed payload",
				zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		f.observe(OutcomeOK)
		f.logger.Debug("fetched page",
			zap.String("url", url), zap.Int("attempt", attempt), zap.Int("items", len(decoded.Items)))
		page = decoded
		return nil
	})
	if err == nil {
		return page, nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return weather.Page{}, fmt.Errorf("fetch %s: %w after %d attempts: %w",
			url, weather.ErrTransportExhausted, exhausted.Attempts, exhausted.Last)
	}
	return weather.Page{}, fmt.Errorf("fetch %s: %w", url, err)
}

func (f *Fetcher) observe(outcome string) {
	if f.observer != nil {
		f.observer.ObserveFetchAttempt(outcome)
	}
}
