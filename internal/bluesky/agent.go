package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"skycomposer/internal/domain"
)

const (
	postCollection = "app.bsky.feed.post"

	// maxThumbBytes is the largest thumbnail the network accepts.
	maxThumbBytes = 1_000_000
)

// Agent performs authenticated calls for one session.
type Agent struct {
	client *Client

	// refreshMu admits one token refresh at a time.
	refreshMu sync.Mutex

	mu       sync.Mutex
	session  session
	onUpdate func(blob []byte)
}

// DID returns the account's decentralized identifier.
func (a *Agent) DID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.DID
}

// Handle returns the account handle.
func (a *Agent) Handle() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Handle
}

// SessionBlob serializes the session so it can be persisted and passed to
// Client.Resume later.
func (a *Agent) SessionBlob() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Marshal(a.session)
}

// OnSessionUpdate registers fn to receive the new session blob whenever the
// tokens are refreshed.
func (a *Agent) OnSessionUpdate(fn func(blob []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdate = fn
}

// checkSession validates the access token, refreshing it once if expired.
func (a *Agent) checkSession(ctx context.Context) error {
	var out struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	}
	err := a.call(ctx, request{method: http.MethodGet, nsid: "com.atproto.server.getSession"}, &out)
	if err != nil {
		return fmt.Errorf("session is no longer valid: %w", err)
	}
	if out.Handle != "" {
		a.mu.Lock()
		a.session.Handle = out.Handle
		a.mu.Unlock()
	}
	return nil
}

// refresh exchanges the refresh token for a new token pair.
func (a *Agent) refresh(ctx context.Context) error {
	a.mu.Lock()
	refreshJwt := a.session.RefreshJwt
	a.mu.Unlock()

	var out session
	err := a.client.do(ctx, request{
		method: http.MethodPost,
		nsid:   "com.atproto.server.refreshSession",
		token:  refreshJwt,
	}, &out)
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	a.mu.Lock()
	a.session.AccessJwt = out.AccessJwt
	a.session.RefreshJwt = out.RefreshJwt
	if out.Handle != "" {
		a.session.Handle = out.Handle
	}
	onUpdate := a.onUpdate
	blob, marshalErr := json.Marshal(a.session)
	a.mu.Unlock()

	a.client.log.WithField("did", a.DID()).Info("Session tokens refreshed")
	if onUpdate != nil && marshalErr == nil {
		onUpdate(blob)
	}
	return nil
}

// refreshExpired refreshes the session unless another call already replaced
// the expired access token. Refresh tokens are single use.
func (a *Agent) refreshExpired(ctx context.Context, expired string) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.mu.Lock()
	current := a.session.AccessJwt
	a.mu.Unlock()
	if current != expired {
		return nil
	}
	return a.refresh(ctx)
}

// call runs req with the access token. An ExpiredToken response triggers a
// single refresh followed by one more attempt.
func (a *Agent) call(ctx context.Context, req request, out any) error {
	a.mu.Lock()
	req.token = a.session.AccessJwt
	a.mu.Unlock()

	err := a.client.do(ctx, req, out)
	if !IsExpiredToken(err) {
		return err
	}

	if err := a.refreshExpired(ctx, req.token); err != nil {
		return err
	}
	a.mu.Lock()
	req.token = a.session.AccessJwt
	a.mu.Unlock()
	return a.client.do(ctx, req, out)
}

// feedPost is the app.bsky.feed.post record.
type feedPost struct {
	Type      string         `json:"$type"`
	Text      string         `json:"text"`
	CreatedAt string         `json:"createdAt"`
	Embed     *externalEmbed `json:"embed,omitempty"`
}

type externalEmbed struct {
	Type     string           `json:"$type"`
	External externalEmbedRef `json:"external"`
}

type externalEmbedRef struct {
	URI         string          `json:"uri"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Thumb       json.RawMessage `json:"thumb,omitempty"`
}

// Post publishes post and returns where it can be found.
func (a *Agent) Post(ctx context.Context, post domain.Post) (domain.PostReceipt, error) {
	did := a.DID()
	log := a.client.log.WithField("did", did)

	record := feedPost{
		Type:      postCollection,
		Text:      post.Text,
		CreatedAt: post.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if post.Embed != nil {
		record.Embed = &externalEmbed{
			Type: "app.bsky.embed.external",
			External: externalEmbedRef{
				URI:         post.Embed.URI,
				Title:       post.Embed.Title,
				Description: post.Embed.Description,
			},
		}
		if post.Embed.ImageURL != "" {
			thumb, err := a.uploadThumb(ctx, post.Embed.ImageURL)
			if err != nil {
				log.WithError(err).WithField("image_url", post.Embed.ImageURL).Warn("Posting without thumbnail")
			} else {
				record.Embed.External.Thumb = thumb
			}
		}
	}

	body, err := jsonBody(map[string]any{
		"repo":       did,
		"collection": postCollection,
		"record":     record,
	})
	if err != nil {
		return domain.PostReceipt{}, err
	}

	var out struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	err = a.call(ctx, request{
		method: http.MethodPost,
		nsid:   "com.atproto.repo.createRecord",
		body:   body,
	}, &out)
	if err != nil {
		return domain.PostReceipt{}, fmt.Errorf("failed to create post: %w", err)
	}

	receipt := domain.PostReceipt{
		URI:    out.URI,
		CID:    out.CID,
		WebURL: a.client.PostURL(did, out.URI),
	}
	log.WithFields(logrus.Fields{"uri": receipt.URI, "has_embed": post.Embed != nil}).Info("Post created")
	return receipt, nil
}

// uploadThumb downloads the preview image and uploads it as a blob, returning
// the blob reference to embed.
func (a *Agent) uploadThumb(ctx context.Context, imageURL string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}
	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image download returned HTTP %d", resp.StatusCode)
	}
	mimeType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("unsupported image type %q", mimeType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxThumbBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxThumbBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxThumbBytes)
	}

	var out struct {
		Blob json.RawMessage `json:"blob"`
	}
	err = a.call(ctx, request{
		method:      http.MethodPost,
		nsid:        "com.atproto.repo.uploadBlob",
		body:        data,
		contentType: mimeType,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob: %w", err)
	}
	if len(out.Blob) == 0 {
		return nil, fmt.Errorf("uploadBlob returned no blob")
	}
	return out.Blob, nil
}
