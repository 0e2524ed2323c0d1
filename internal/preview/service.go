package preview

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"skycomposer/internal/domain"
	"skycomposer/internal/observability"
)

// Options tune a Service.
type Options struct {
	// Timeout bounds a single fetch, including time spent waiting on the limiter.
	Timeout time.Duration

	// RateLimit is the sustained number of fetches per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// DefaultOptions returns the settings used when configuration leaves them unset.
func DefaultOptions() Options {
	return Options{
		Timeout:   5 * time.Second,
		RateLimit: 2,
		Burst:     4,
	}
}

// Service wraps a Provider with URL validation, a timeout and rate limiting.
// Failures are logged and reported as "no preview".
type Service struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
	log      logrus.FieldLogger
}

// NewService creates a preview service around provider.
func NewService(provider Provider, opts Options, logger logrus.FieldLogger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Service{
		provider: provider,
		timeout:  opts.Timeout,
		limiter:  limiter,
		log:      logger.WithFields(logrus.Fields{"component": "preview", "provider": provider.Name()}),
	}
}

// FetchPreview returns the preview for rawURL, or nil when the URL is not an
// http(s) URL, the fetch fails, or the page has no usable metadata.
func (s *Service) FetchPreview(ctx context.Context, rawURL string) *domain.LinkPreview {
	log := s.log.WithField("url", rawURL)
	name := s.provider.Name()

	if !ValidURL(rawURL) {
		log.Debug("Skipping preview for non-http URL")
		observability.PreviewFetches.WithLabelValues(name, "invalid").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		log.WithError(err).Debug("Preview fetch abandoned while rate limited")
		observability.PreviewFetches.WithLabelValues(name, "cancelled").Inc()
		return nil
	}

	start := time.Now()
	preview, err := s.provider.Fetch(ctx, rawURL)
	observability.PreviewFetchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			log.Debug("Preview fetch cancelled")
			observability.PreviewFetches.WithLabelValues(name, "cancelled").Inc()
			return nil
		}
		log.WithError(err).Warn("Preview fetch failed")
		observability.PreviewFetches.WithLabelValues(name, "error").Inc()
		return nil
	}
	if preview == nil || (preview.Title == "" && preview.Description == "" && preview.ImageURL == "") {
		log.Debug("Page has no preview metadata")
		observability.PreviewFetches.WithLabelValues(name, "empty").Inc()
		return nil
	}

	preview.URL = rawURL
	observability.PreviewFetches.WithLabelValues(name, "ok").Inc()
	log.WithField("title", preview.Title).Info("Preview fetched")
	return preview
}
