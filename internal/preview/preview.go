package preview

import (
	"context"
	"net/url"

	"skycomposer/internal/domain"
)

// Provider fetches link metadata for a URL.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Fetch returns the preview for rawURL, or an error if the page or the
	// metadata service could not be read.
	Fetch(ctx context.Context, rawURL string) (*domain.LinkPreview, error)
}

// Fetcher resolves a URL to a preview without surfacing errors.
// A nil result means "no preview".
type Fetcher interface {
	FetchPreview(ctx context.Context, rawURL string) *domain.LinkPreview
}

// ValidURL reports whether rawURL is an absolute http or https URL.
func ValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
