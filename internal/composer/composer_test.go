package composer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"skycomposer/internal/domain"
	"skycomposer/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFetcher answers every URL with a preview titled after it. Calls for
// URLs listed in hold block until released or cancelled.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	hold    map[string]chan struct{}
	missing map[string]bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{hold: make(map[string]chan struct{}), missing: make(map[string]bool)}
}

func (f *fakeFetcher) block(url string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.hold[url] = ch
	return ch
}

func (f *fakeFetcher) FetchPreview(ctx context.Context, url string) *domain.LinkPreview {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	ch := f.hold[url]
	missing := f.missing[url]
	f.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil
		}
	}
	if missing {
		return nil
	}
	return &domain.LinkPreview{URL: url, Title: "Title of " + url, Description: "desc"}
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

// fakePoster records posts and optionally fails.
type fakePoster struct {
	mu    sync.Mutex
	posts []domain.Post
	err   error
}

func (p *fakePoster) Post(ctx context.Context, post domain.Post) (domain.PostReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return domain.PostReceipt{}, p.err
	}
	p.posts = append(p.posts, post)
	return domain.PostReceipt{
		URI:    "at://did:plc:me/app.bsky.feed.post/3k1",
		WebURL: "https://bsky.app/profile/did:plc:me/post/3k1",
	}, nil
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestComposer(t *testing.T, store storage.Store, fetcher *fakeFetcher, opts Options) *Composer {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	}
	c, err := New(context.Background(), 1, store, fetcher, opts, testLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestComposer_BudgetFollowsInput(t *testing.T) {
	c := newTestComposer(t, storage.NewMemoryStore(), newFakeFetcher(), Options{Debounce: time.Hour})
	ctx := context.Background()

	budget, err := c.SetText(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, 5, budget.Total)

	budget, err = c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 30, budget.Total)

	st := c.State()
	assert.Equal(t, 270, st.Budget.Remaining)
	assert.True(t, st.CanSubmit)
}

func TestComposer_PersistsAndRestoresDraft(t *testing.T) {
	store := storage.NewMemoryStore()
	fetcher := newFakeFetcher()
	ctx := context.Background()

	first := newTestComposer(t, store, fetcher, Options{Debounce: time.Hour})
	_, err := first.SetText(ctx, "kept across restarts")
	require.NoError(t, err)
	_, err = first.SetURL(ctx, "https://example.com/saved")
	require.NoError(t, err)
	first.Close()

	second := newTestComposer(t, store, fetcher, Options{Debounce: 0})
	st := second.State()
	assert.Equal(t, "kept across restarts", st.Draft.Text)
	assert.Equal(t, "https://example.com/saved", st.Draft.URL)

	require.Eventually(t, func() bool { return second.State().Preview != nil }, 2*time.Second, 5*time.Millisecond,
		"restored link gets its preview fetched")
}

func TestComposer_LastEditWins(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: 40 * time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	var applied []string
	c.OnPreview(func(p *domain.LinkPreview) {
		mu.Lock()
		defer mu.Unlock()
		if p != nil {
			applied = append(applied, p.URL)
		}
	})

	for _, u := range []string{"https://u1.example", "https://u2.example", "https://u3.example"} {
		_, err := c.SetURL(ctx, u)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return c.State().Preview != nil }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	st := c.State()
	assert.Equal(t, "https://u3.example", st.Preview.URL)
	assert.False(t, st.Loading)
	assert.Equal(t, 0, fetcher.callCount("https://u1.example"))
	assert.Equal(t, 0, fetcher.callCount("https://u2.example"))
	assert.Equal(t, 1, fetcher.callCount("https://u3.example"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"https://u3.example"}, applied)
}

func TestComposer_StaleInFlightResultIsIgnored(t *testing.T) {
	fetcher := newFakeFetcher()
	release := fetcher.block("https://slow.example")
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: 0})
	ctx := context.Background()

	_, err := c.SetURL(ctx, "https://slow.example")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State().Loading }, time.Second, 5*time.Millisecond,
		"loading is asserted while the winning fetch runs")

	_, err = c.SetURL(ctx, "https://fast.example")
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool {
		p := c.State().Preview
		return p != nil && p.URL == "https://fast.example"
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "https://fast.example", c.State().Preview.URL)
}

func TestComposer_ClearingURLWhilePendingShowsNoPreview(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)
	_, err = c.SetURL(ctx, "")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	st := c.State()
	assert.Nil(t, st.Preview)
	assert.False(t, st.Loading)
	assert.Equal(t, 0, fetcher.callCount("https://example.com"))
}

func TestComposer_ClearingURLDuringFetchShowsNoPreview(t *testing.T) {
	fetcher := newFakeFetcher()
	release := fetcher.block("https://example.com")
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: 0})
	ctx := context.Background()

	_, err := c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fetcher.callCount("https://example.com") == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.SetURL(ctx, "")
	require.NoError(t, err)
	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, c.State().Preview)
}

func TestComposer_InvalidURLNeverFetches(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: 0})

	_, err := c.SetURL(context.Background(), "ftp://example.com")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, fetcher.callCount("ftp://example.com"))
	assert.Nil(t, c.State().Preview)
}

func TestComposer_SubmitWithPreview(t *testing.T) {
	fetcher := newFakeFetcher()
	store := storage.NewMemoryStore()
	c := newTestComposer(t, store, fetcher, Options{Debounce: 0, RefetchOnSubmit: true})
	ctx := context.Background()
	poster := &fakePoster{}

	_, err := c.SetText(ctx, "Look")
	require.NoError(t, err)
	_, err = c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State().Preview != nil }, time.Second, 5*time.Millisecond)

	receipt, err := c.Submit(ctx, poster)
	require.NoError(t, err)
	assert.Equal(t, "https://bsky.app/profile/did:plc:me/post/3k1", receipt.WebURL)

	require.Len(t, poster.posts, 1)
	post := poster.posts[0]
	assert.True(t, strings.HasSuffix(post.Text, "\n\nhttps://example.com"))
	assert.Equal(t, "Look\n\nhttps://example.com", post.Text)
	require.NotNil(t, post.Embed)
	assert.Equal(t, "Title of https://example.com", post.Embed.Title)
	assert.Equal(t, 2, fetcher.callCount("https://example.com"), "metadata is fetched again at submit time")

	st := c.State()
	assert.True(t, st.Draft.IsEmpty(), "successful submit clears the draft")
	assert.Nil(t, st.Preview)
	assert.Equal(t, receipt.WebURL, st.LastPostURL)

	saved, err := store.Get(ctx, storage.UserKey(1, storage.KeyDraftText))
	require.NoError(t, err)
	assert.Empty(t, saved)
	last, err := store.Get(ctx, storage.UserKey(1, storage.KeyLastPostURL))
	require.NoError(t, err)
	assert.Equal(t, receipt.WebURL, string(last))
}

func TestComposer_SubmitFallsBackToSettledPreview(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: 0, RefetchOnSubmit: true})
	ctx := context.Background()
	poster := &fakePoster{}

	_, err := c.SetText(ctx, "Look")
	require.NoError(t, err)
	_, err = c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State().Preview != nil }, time.Second, 5*time.Millisecond)

	fetcher.mu.Lock()
	fetcher.missing["https://example.com"] = true
	fetcher.mu.Unlock()

	_, err = c.Submit(ctx, poster)
	require.NoError(t, err)
	require.NotNil(t, poster.posts[0].Embed)
	assert.Equal(t, "Title of https://example.com", poster.posts[0].Embed.Title)
}

func TestComposer_SubmitWithoutPreviewHasNoEmbed(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.missing["https://example.com"] = true
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: time.Hour, RefetchOnSubmit: true})
	ctx := context.Background()
	poster := &fakePoster{}

	_, err := c.SetText(ctx, "no card")
	require.NoError(t, err)
	_, err = c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)

	_, err = c.Submit(ctx, poster)
	require.NoError(t, err)
	assert.Equal(t, "no card\n\nhttps://example.com", poster.posts[0].Text)
	assert.Nil(t, poster.posts[0].Embed)
}

func TestComposer_SubmitRejectsInvalidDraft(t *testing.T) {
	c := newTestComposer(t, storage.NewMemoryStore(), newFakeFetcher(), Options{Debounce: time.Hour})
	ctx := context.Background()
	poster := &fakePoster{}

	_, err := c.SetText(ctx, "   ")
	require.NoError(t, err)
	_, err = c.Submit(ctx, poster)
	assert.ErrorIs(t, err, domain.ErrEmptyPost)

	_, err = c.SetText(ctx, strings.Repeat("x", 301))
	require.NoError(t, err)
	_, err = c.Submit(ctx, poster)
	assert.ErrorIs(t, err, domain.ErrOverLimit)

	_, err = c.SetText(ctx, "")
	require.NoError(t, err)
	_, err = c.Submit(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyPost, "validation comes before the login check")

	_, err = c.SetText(ctx, "fine")
	require.NoError(t, err)
	_, err = c.Submit(ctx, nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	assert.Empty(t, poster.posts, "rejected drafts never reach the poster")
}

func TestComposer_FailedSubmitKeepsDraft(t *testing.T) {
	c := newTestComposer(t, storage.NewMemoryStore(), newFakeFetcher(), Options{Debounce: time.Hour})
	ctx := context.Background()
	poster := &fakePoster{err: errors.New("upstream unavailable")}

	_, err := c.SetText(ctx, "try again later")
	require.NoError(t, err)

	_, err = c.Submit(ctx, poster)
	require.Error(t, err)

	st := c.State()
	assert.Equal(t, "try again later", st.Draft.Text)
	assert.True(t, st.CanSubmit)
	assert.Empty(t, st.LastPostURL)
}

func TestComposer_Clear(t *testing.T) {
	store := storage.NewMemoryStore()
	c := newTestComposer(t, store, newFakeFetcher(), Options{Debounce: 0})
	ctx := context.Background()

	_, err := c.SetText(ctx, "draft")
	require.NoError(t, err)
	_, err = c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State().Preview != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Clear(ctx))

	st := c.State()
	assert.True(t, st.Draft.IsEmpty())
	assert.Nil(t, st.Preview)
	assert.Equal(t, 0, st.Budget.Total)

	saved, err := store.Get(ctx, storage.UserKey(1, storage.KeyDraftURL))
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestRegistry_ReusesComposer(t *testing.T) {
	fetcher := newFakeFetcher()
	store := storage.NewMemoryStore()
	created := 0
	r := NewRegistry(func(ctx context.Context, userID int64) (*Composer, error) {
		created++
		return New(ctx, userID, store, fetcher, Options{Debounce: time.Hour}, testLogger())
	})
	defer r.Close()
	ctx := context.Background()

	a, err := r.Get(ctx, 1)
	require.NoError(t, err)
	b, err := r.Get(ctx, 1)
	require.NoError(t, err)
	other, err := r.Get(ctx, 2)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, created)
}

func TestComposer_SubmitFetchesUnsettledPreview(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: time.Hour, RefetchOnSubmit: false})
	ctx := context.Background()
	poster := &fakePoster{}

	_, err := c.SetText(ctx, "posted straight away")
	require.NoError(t, err)
	_, err = c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)

	_, err = c.Submit(ctx, poster)
	require.NoError(t, err)
	require.NotNil(t, poster.posts[0].Embed, "a link whose preview has not settled is fetched at submit")
	assert.Equal(t, "Title of https://example.com", poster.posts[0].Embed.Title)
	assert.Equal(t, 1, fetcher.callCount("https://example.com"))
}

func TestComposer_SubmitReusesSettledPreviewWithoutRefetch(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestComposer(t, storage.NewMemoryStore(), fetcher, Options{Debounce: 0, RefetchOnSubmit: false})
	ctx := context.Background()
	poster := &fakePoster{}

	_, err := c.SetText(ctx, "Look")
	require.NoError(t, err)
	_, err = c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State().Preview != nil }, time.Second, 5*time.Millisecond)

	_, err = c.Submit(ctx, poster)
	require.NoError(t, err)
	require.NotNil(t, poster.posts[0].Embed)
	assert.Equal(t, 1, fetcher.callCount("https://example.com"))
}

func TestComposer_ShowingTracksCurrentPreview(t *testing.T) {
	c := newTestComposer(t, storage.NewMemoryStore(), newFakeFetcher(), Options{Debounce: 0})
	ctx := context.Background()

	_, err := c.SetURL(ctx, "https://example.com")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State().Preview != nil }, time.Second, 5*time.Millisecond)

	p := c.State().Preview
	assert.True(t, c.Showing(p))
	assert.False(t, c.Showing(nil))

	_, err = c.SetURL(ctx, "")
	require.NoError(t, err)
	assert.False(t, c.Showing(p), "unlinking retires the delivered preview")
}

func TestRegistry_FirstLoadDoesNotBlockOtherUsers(t *testing.T) {
	fetcher := newFakeFetcher()
	store := storage.NewMemoryStore()
	release := make(chan struct{})
	var mu sync.Mutex
	created := map[int64]int{}

	r := NewRegistry(func(ctx context.Context, userID int64) (*Composer, error) {
		mu.Lock()
		created[userID]++
		mu.Unlock()
		if userID == 1 {
			<-release
		}
		return New(ctx, userID, store, fetcher, Options{Debounce: time.Hour}, testLogger())
	})
	defer r.Close()
	ctx := context.Background()

	results := make(chan *Composer, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, err := r.Get(ctx, 1)
			assert.NoError(t, err)
			results <- c
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Get(ctx, 2)
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("user 2 waited for user 1's composer")
	}

	close(release)
	a, b := <-results, <-results
	assert.Same(t, a, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, created[1], "concurrent first calls share one factory call")
}

func TestRegistry_EvictIdle(t *testing.T) {
	store := storage.NewMemoryStore()
	fetcher := newFakeFetcher()
	r := NewRegistry(func(ctx context.Context, userID int64) (*Composer, error) {
		return New(ctx, userID, store, fetcher, Options{Debounce: time.Hour}, testLogger())
	})
	defer r.Close()
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	first, err := r.Get(ctx, 1)
	require.NoError(t, err)
	_, err = first.SetText(ctx, "survives eviction")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 0, r.EvictIdle(30*time.Minute))

	now = now.Add(time.Hour)
	assert.Equal(t, 1, r.EvictIdle(30*time.Minute))

	second, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, "survives eviction", second.State().Draft.Text)
}

func TestRegistry_GetAfterClose(t *testing.T) {
	r := NewRegistry(func(ctx context.Context, userID int64) (*Composer, error) {
		return New(ctx, userID, storage.NewMemoryStore(), newFakeFetcher(), Options{Debounce: time.Hour}, testLogger())
	})
	r.Close()

	_, err := r.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
