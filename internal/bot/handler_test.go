package bot

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycomposer/internal/account"
	"skycomposer/internal/bluesky"
	"skycomposer/internal/composer"
	"skycomposer/internal/domain"
	"skycomposer/internal/preview"
	"skycomposer/internal/storage"
)

const storedSession = `{"did":"did:plc:bob","handle":"bob.test","accessJwt":"good-access","refreshJwt":"good-refresh"}`

// recordingSender collects outgoing chat messages.
type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSender) SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, params.Text)
	return &models.Message{}, nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// titleFetcher returns a titled preview for every valid URL.
type titleFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *titleFetcher) FetchPreview(ctx context.Context, url string) *domain.LinkPreview {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if !preview.ValidURL(url) {
		return nil
	}
	return &domain.LinkPreview{URL: url, Title: "Example Domain"}
}

func (f *titleFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// stubPDS accepts the stored session and either creates records or rejects
// them as unauthorized.
type stubPDS struct {
	srv *httptest.Server

	mu          sync.Mutex
	calls       []string
	rejectPosts bool
}

func newStubPDS(t *testing.T) *stubPDS {
	t.Helper()
	p := &stubPDS{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.calls = append(p.calls, r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		authorized := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") == "good-access"
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.getSession":
			if !authorized {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"error":"InvalidToken"}`)
				return
			}
			_, _ = io.WriteString(w, `{"did":"did:plc:bob","handle":"bob.test"}`)
		case "/xrpc/com.atproto.repo.createRecord":
			if !authorized || p.rejectPosts {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"error":"InvalidToken","message":"Token could not be verified"}`)
				return
			}
			_, _ = io.WriteString(w, `{"uri":"at://did:plc:bob/app.bsky.feed.post/3kxyz","cid":"bafy"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *stubPDS) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type testEnv struct {
	h       *Handler
	store   *storage.MemoryStore
	sender  *recordingSender
	fetcher *titleFetcher
	pds     *stubPDS
}

func newTestEnv(t *testing.T, debounce time.Duration) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		store:   storage.NewMemoryStore(),
		sender:  &recordingSender{},
		fetcher: &titleFetcher{},
		pds:     newStubPDS(t),
	}
	client := bluesky.NewClient(env.pds.srv.URL, "https://bsky.app", env.pds.srv.Client(), logger)
	composers := composer.NewRegistry(func(ctx context.Context, userID int64) (*composer.Composer, error) {
		return composer.New(ctx, userID, env.store, env.fetcher, composer.Options{Debounce: debounce}, logger)
	})
	t.Cleanup(composers.Close)

	env.h = &Handler{
		sender:    env.sender,
		composers: composers,
		accounts:  account.NewManager(client, env.store, logger),
		log:       logger,
		agents:    make(map[int64]*bluesky.Agent),
	}
	return env
}

func (e *testEnv) storeSession(t *testing.T, userID int64) {
	t.Helper()
	require.NoError(t, e.store.Set(context.Background(), storage.UserKey(userID, storage.KeySession), []byte(storedSession)))
}

func (e *testEnv) composer(t *testing.T, userID int64) *composer.Composer {
	t.Helper()
	c, err := e.h.composers.Get(context.Background(), userID)
	require.NoError(t, err)
	return c
}

func TestHandler_PostRejectsInvalidDraftBeforeSessionTraffic(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.storeSession(t, 7)
	ctx := context.Background()

	reply := env.h.handlePost(ctx, 7, 7)
	assert.Equal(t, "Write something before posting.", reply)

	_, err := env.composer(t, 7).SetText(ctx, strings.Repeat("x", 301))
	require.NoError(t, err)
	reply = env.h.handlePost(ctx, 7, 7)
	assert.Equal(t, "Your post is 1 characters over the limit.", reply)

	assert.Equal(t, 0, env.pds.callCount(), "rejected drafts never reach the network")
	blob, err := env.store.Get(ctx, storage.UserKey(7, storage.KeySession))
	require.NoError(t, err, "the stored session survives a rejected /post")
	assert.JSONEq(t, storedSession, string(blob))
}

func TestHandler_PostWithoutSession(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	ctx := context.Background()

	_, err := env.composer(t, 7).SetText(ctx, "hello")
	require.NoError(t, err)

	reply := env.h.handlePost(ctx, 7, 7)
	assert.Contains(t, reply, "Log in first")
	assert.Equal(t, 0, env.pds.callCount())
}

func TestHandler_PostSucceeds(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.storeSession(t, 7)
	ctx := context.Background()

	_, err := env.composer(t, 7).SetText(ctx, "hello")
	require.NoError(t, err)

	reply := env.h.handlePost(ctx, 7, 7)
	assert.Equal(t, "Post successful! URL: https://bsky.app/profile/did:plc:bob/post/3kxyz", reply)
	assert.True(t, env.composer(t, 7).State().Draft.IsEmpty())
}

func TestHandler_PostAuthErrorDropsSessionKeepsDraft(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.storeSession(t, 7)
	env.pds.rejectPosts = true
	ctx := context.Background()

	_, err := env.composer(t, 7).SetText(ctx, "keep me")
	require.NoError(t, err)

	reply := env.h.handlePost(ctx, 7, 7)
	assert.Contains(t, reply, "Your session has expired")

	_, err = env.store.Get(ctx, storage.UserKey(7, storage.KeySession))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, env.h.agents)
	assert.Equal(t, "keep me", env.composer(t, 7).State().Draft.Text)

	saved, err := env.store.Get(ctx, storage.UserKey(7, storage.KeyDraftText))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(saved))
}

func TestHandler_LinkReplies(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		prefix string
		total  string
	}{
		{name: "http link", url: "https://example.com", prefix: "Link attached, fetching preview...", total: "23/300"},
		{name: "non-http link", url: "ftp://example.com", prefix: "Link attached, but only http(s) links get a preview.", total: "23/300"},
		{name: "removed", url: "", prefix: "Link removed.", total: "0/300"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, time.Hour)

			reply := env.h.handleLink(context.Background(), 7, 7, tt.url)
			assert.True(t, strings.HasPrefix(reply, tt.prefix), reply)
			assert.Contains(t, reply, tt.total)
			assert.Equal(t, tt.url, env.composer(t, 7).State().Draft.URL)
		})
	}
}

func TestHandler_UnlinkCancelsPendingPreview(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	ctx := context.Background()

	env.h.handleLink(ctx, 7, 7, "https://example.com")
	env.h.handleLink(ctx, 7, 7, "")
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, 0, env.fetcher.callCount())
	assert.Empty(t, env.sender.sent(), "no preview card reaches the chat")
	assert.Nil(t, env.composer(t, 7).State().Preview)
}

func TestHandler_SettledPreviewIsSent(t *testing.T) {
	env := newTestEnv(t, 0)

	env.h.handleLink(context.Background(), 7, 7, "https://example.com")

	require.Eventually(t, func() bool { return len(env.sender.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Link preview:\nExample Domain\nhttps://example.com", env.sender.sent()[0])
}

func TestHandler_StalePreviewIsNotSent(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.h.handleLink(ctx, 7, 7, "https://example.com")
	require.Eventually(t, func() bool { return len(env.sender.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	c := env.composer(t, 7)
	settled := c.State().Preview
	require.NotNil(t, settled)
	notify := env.h.previewNotifier(c, 7, 7)

	env.h.handleLink(ctx, 7, 7, "")
	notify(settled)
	assert.Len(t, env.sender.sent(), 1, "a preview delivered after /unlink is dropped")

	notify(&domain.LinkPreview{URL: "https://other.example", Title: "Other"})
	assert.Len(t, env.sender.sent(), 1, "a preview that was never applied is dropped")
}
