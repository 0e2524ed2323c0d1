package preview

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"skycomposer/internal/domain"
)

var (
	descriptionSelectors = []string{
		`meta[property="og:description"]`,
		`meta[name="description"]`,
	}
	titleSelectors = []string{
		`meta[property="og:title"]`,
	}
	imageSelectors = []string{
		`meta[property="og:image"]`,
		`meta[name="twitter:image"]`,
	}
)

// RodProvider renders pages in a headless browser before reading their
// metadata. It is slower than the other providers but sees tags injected by
// scripts.
type RodProvider struct {
	log logrus.FieldLogger
}

// NewRodProvider creates a new headless-browser provider.
func NewRodProvider(logger logrus.FieldLogger) *RodProvider {
	return &RodProvider{
		log: logger.WithField("component", "rod_provider"),
	}
}

// Name identifies the provider in logs and metrics.
func (p *RodProvider) Name() string { return "rod" }

// Fetch launches a browser, loads rawURL and extracts its title, description
// and preview image.
func (p *RodProvider) Fetch(ctx context.Context, rawURL string) (preview *domain.LinkPreview, err error) {
	log := p.log.WithField("url", rawURL)
	log.Debug("Attempting to scrape metadata")

	path, exists := launcher.LookPath()
	if !exists {
		log.Error("Cannot find browser executable for rod")
		return nil, errors.New("rod browser dependency not found")
	}
	controlURL, err := launcher.New().Bin(path).Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err = browser.Connect(); err != nil {
		log.WithError(err).Error("Failed to connect to rod browser")
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Error closing rod browser instance")
		}
	}()

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Error closing rod page")
		}
	}()

	if err = page.WaitLoad(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("scraping timed out for %s: %w", rawURL, ctx.Err())
		}
		return nil, fmt.Errorf("failed waiting for page load: %w", err)
	}

	preview = &domain.LinkPreview{
		URL:         rawURL,
		Title:       firstContent(page, titleSelectors),
		Description: firstContent(page, descriptionSelectors),
		ImageURL:    resolveRef(rawURL, firstContent(page, imageSelectors)),
	}

	if preview.Title == "" {
		if ok, el, hasErr := page.Has("title"); hasErr == nil && ok {
			if text, textErr := el.Text(); textErr == nil {
				preview.Title = strings.TrimSpace(text)
			}
		}
	}

	log.WithField("title", preview.Title).Debug("Metadata scraping completed")
	return preview, nil
}

// firstContent returns the first non-empty content attribute among the
// selectors. Has does not wait for elements, so missing tags return at once.
func firstContent(page *rod.Page, selectors []string) string {
	for _, selector := range selectors {
		ok, el, err := page.Has(selector)
		if err != nil || !ok {
			continue
		}
		content, err := el.Attribute("content")
		if err != nil || content == nil {
			continue
		}
		if v := strings.TrimSpace(*content); v != "" {
			return v
		}
	}
	return ""
}

// resolveRef resolves ref against base, leaving it unchanged when either
// fails to parse.
func resolveRef(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
