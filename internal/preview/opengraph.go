package preview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
	"github.com/sirupsen/logrus"

	"skycomposer/internal/domain"
)

// maxPageBytes caps how much of a page is downloaded for parsing.
const maxPageBytes = 5 * 1024 * 1024

// OpenGraphProvider downloads the page itself and reads its OpenGraph tags,
// falling back to <title> and the meta description.
type OpenGraphProvider struct {
	httpClient *http.Client
	userAgent  string
	log        logrus.FieldLogger
}

// NewOpenGraphProvider creates a provider that fetches pages directly.
func NewOpenGraphProvider(httpClient *http.Client, logger logrus.FieldLogger) *OpenGraphProvider {
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	return &OpenGraphProvider{
		httpClient: httpClient,
		userAgent:  "SkyComposer/1.0 (+link preview)",
		log:        logger.WithField("component", "opengraph_provider"),
	}
}

// Name identifies the provider in logs and metrics.
func (p *OpenGraphProvider) Name() string { return "opengraph" }

func (p *OpenGraphProvider) Fetch(ctx context.Context, rawURL string) (*domain.LinkPreview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		return nil, fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("failed to parse OpenGraph: %w", err)
	}

	preview := &domain.LinkPreview{
		URL:         rawURL,
		Title:       strings.TrimSpace(og.Title),
		Description: strings.TrimSpace(og.Description),
	}
	if len(og.Images) > 0 && og.Images[0] != nil {
		preview.ImageURL = resolveRef(rawURL, strings.TrimSpace(og.Images[0].URL))
	}

	if preview.Title == "" || preview.Description == "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err == nil {
			if preview.Title == "" {
				preview.Title = strings.TrimSpace(doc.Find("title").First().Text())
			}
			if preview.Description == "" {
				if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
					preview.Description = strings.TrimSpace(desc)
				}
			}
		} else {
			p.log.WithError(err).WithField("url", rawURL).Debug("Fallback HTML parse failed")
		}
	}

	return preview, nil
}
