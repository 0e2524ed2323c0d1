package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"skycomposer/internal/domain"
)

// DefaultEndpoint is the public card-extraction service used by Bluesky clients.
const DefaultEndpoint = "https://cardyb.bsky.app/v1/extract"

// maxEndpointBody caps how much of a metadata response is read.
const maxEndpointBody = 1 << 20

// endpointResponse is the JSON shape returned by the metadata service.
type endpointResponse struct {
	Error       string `json:"error"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// EndpointProvider asks a remote metadata-extraction service for previews.
type EndpointProvider struct {
	endpoint   string
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewEndpointProvider creates a provider for the given service URL.
// An empty endpoint selects DefaultEndpoint.
func NewEndpointProvider(endpoint string, httpClient *http.Client, logger logrus.FieldLogger) *EndpointProvider {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &EndpointProvider{
		endpoint:   endpoint,
		httpClient: httpClient,
		log:        logger.WithField("component", "endpoint_provider"),
	}
}

// Name identifies the provider in logs and metrics.
func (p *EndpointProvider) Name() string { return "endpoint" }

// Fetch issues GET {endpoint}?url={rawURL}.
func (p *EndpointProvider) Fetch(ctx context.Context, rawURL string) (*domain.LinkPreview, error) {
	reqURL := p.endpoint + "?url=" + url.QueryEscape(rawURL)
	if strings.Contains(p.endpoint, "?") {
		reqURL = p.endpoint + "&url=" + url.QueryEscape(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call metadata endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEndpointBody))
		return nil, fmt.Errorf("metadata endpoint returned HTTP %d", resp.StatusCode)
	}

	var body endpointResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEndpointBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode metadata response: %w", err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("metadata endpoint error: %s", body.Error)
	}

	p.log.WithFields(logrus.Fields{"url": rawURL, "title": body.Title}).Debug("Metadata received")
	return &domain.LinkPreview{
		URL:         rawURL,
		Title:       strings.TrimSpace(body.Title),
		Description: strings.TrimSpace(body.Description),
		ImageURL:    strings.TrimSpace(body.Image),
	}, nil
}
