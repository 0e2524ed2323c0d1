package composer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"skycomposer/internal/domain"
	"skycomposer/internal/observability"
	"skycomposer/internal/preview"
	"skycomposer/internal/storage"
)

var (
	// ErrNotAuthenticated is returned by Submit when there is no poster.
	ErrNotAuthenticated = errors.New("not logged in")

	// ErrSubmitInProgress is returned when a submission is already running.
	ErrSubmitInProgress = errors.New("a post is already being submitted")
)

// Poster publishes assembled posts.
type Poster interface {
	Post(ctx context.Context, post domain.Post) (domain.PostReceipt, error)
}

// Options tune a Composer.
type Options struct {
	// Debounce is the quiet period before a URL change triggers a fetch.
	Debounce time.Duration

	// RefetchOnSubmit fetches the preview again right before posting.
	RefetchOnSubmit bool

	// Now returns the post creation time. Defaults to time.Now.
	Now func() time.Time
}

// State is a snapshot of a composer.
type State struct {
	Draft       domain.Draft
	Budget      domain.Budget
	Preview     *domain.LinkPreview
	Loading     bool
	CanSubmit   bool
	LastPostURL string
}

// Composer holds one user's draft, its link preview and its submission
// state. All methods are safe for concurrent use.
type Composer struct {
	userID    int64
	store     storage.Store
	fetcher   preview.Fetcher
	debouncer *preview.Debouncer
	opts      Options
	log       logrus.FieldLogger

	mu          sync.Mutex
	draft       domain.Draft
	preview     *domain.LinkPreview
	settled     bool
	loading     bool
	token       uint64
	lastPostURL string
	submitting  bool
	onPreview   func(*domain.LinkPreview)
}

// New creates the composer for userID, restoring any draft persisted in
// store. A restored link schedules a preview fetch.
func New(ctx context.Context, userID int64, store storage.Store, fetcher preview.Fetcher, opts Options, logger logrus.FieldLogger) (*Composer, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.WithFields(logrus.Fields{"component": "composer", "user_id": userID})

	c := &Composer{
		userID:  userID,
		store:   store,
		fetcher: fetcher,
		opts:    opts,
		log:     log,
	}
	c.debouncer = preview.NewDebouncer(fetcher, opts.Debounce, log)

	var err error
	if c.draft.Text, err = c.load(ctx, storage.KeyDraftText); err != nil {
		return nil, err
	}
	if c.draft.URL, err = c.load(ctx, storage.KeyDraftURL); err != nil {
		return nil, err
	}
	if c.lastPostURL, err = c.load(ctx, storage.KeyLastPostURL); err != nil {
		return nil, err
	}

	if c.draft.URL != "" {
		c.mu.Lock()
		c.scheduleLocked()
		c.mu.Unlock()
	}
	if !c.draft.IsEmpty() {
		log.Info("Draft restored")
	}
	return c, nil
}

// OnPreview registers fn to be called each time a preview fetch settles and
// is applied. fn receives nil when the link has no preview.
func (c *Composer) OnPreview(fn func(*domain.LinkPreview)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPreview = fn
}

// State returns a snapshot of the composer.
func (c *Composer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p *domain.LinkPreview
	if c.preview != nil {
		cp := *c.preview
		p = &cp
	}
	return State{
		Draft:       c.draft,
		Budget:      c.draft.Budget(),
		Preview:     p,
		Loading:     c.loading,
		CanSubmit:   c.draft.CanSubmit() && !c.submitting,
		LastPostURL: c.lastPostURL,
	}
}

// SetText replaces the draft text and returns the new budget.
func (c *Composer) SetText(ctx context.Context, text string) (domain.Budget, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.draft.Text = text
	return c.draft.Budget(), c.save(ctx, storage.KeyDraftText, text)
}

// SetURL replaces the attached link. Any shown preview is dropped; a valid
// http(s) link schedules a debounced fetch, anything else cancels pending ones.
func (c *Composer) SetURL(ctx context.Context, rawURL string) (domain.Budget, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.draft.URL = rawURL
	c.scheduleLocked()
	return c.draft.Budget(), c.save(ctx, storage.KeyDraftURL, rawURL)
}

// Clear empties the draft and forgets the preview.
func (c *Composer) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.draft = domain.Draft{}
	c.scheduleLocked()
	return c.saveDraft(ctx, c.draft)
}

// Submit validates the draft and publishes it through poster. Validation
// failures are reported before any network call. On failure the draft is
// kept so the user can retry.
func (c *Composer) Submit(ctx context.Context, poster Poster) (domain.PostReceipt, error) {
	c.mu.Lock()
	draft := c.draft
	if err := draft.Validate(); err != nil {
		c.mu.Unlock()
		observability.PostsSubmitted.WithLabelValues("rejected").Inc()
		return domain.PostReceipt{}, err
	}
	if poster == nil {
		c.mu.Unlock()
		observability.PostsSubmitted.WithLabelValues("rejected").Inc()
		return domain.PostReceipt{}, ErrNotAuthenticated
	}
	if c.submitting {
		c.mu.Unlock()
		return domain.PostReceipt{}, ErrSubmitInProgress
	}
	c.submitting = true
	settled, done := c.preview, c.settled
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	card := c.submitPreview(ctx, draft, settled, done)
	post := domain.BuildPost(draft, card, c.opts.Now())

	receipt, err := poster.Post(ctx, post)
	if err != nil {
		observability.PostsSubmitted.WithLabelValues("failed").Inc()
		c.log.WithError(err).Error("Post submission failed")
		return domain.PostReceipt{}, fmt.Errorf("failed to post: %w", err)
	}
	observability.PostsSubmitted.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.lastPostURL = receipt.WebURL
	// Edits made while the post was in flight belong to the next post.
	if c.draft == draft {
		c.draft = domain.Draft{}
		c.scheduleLocked()
		if err := c.saveDraft(ctx, c.draft); err != nil {
			c.log.WithError(err).Warn("Failed to clear persisted draft")
		}
	}
	if err := c.save(ctx, storage.KeyLastPostURL, receipt.WebURL); err != nil {
		c.log.WithError(err).Warn("Failed to persist last post URL")
	}
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"uri": receipt.URI, "web_url": receipt.WebURL}).Info("Post submitted")
	return receipt, nil
}

// submitPreview picks the link card for a submission. With RefetchOnSubmit
// the metadata is fetched again so the card is current, and the preview shown
// while typing is the fallback. Without it the settled preview is used, and a
// link whose debounced fetch has not settled yet is fetched now.
func (c *Composer) submitPreview(ctx context.Context, draft domain.Draft, settled *domain.LinkPreview, done bool) *domain.LinkPreview {
	if !preview.ValidURL(draft.URL) {
		return nil
	}
	if settled != nil && settled.URL != draft.URL {
		settled, done = nil, false
	}
	if done && !c.opts.RefetchOnSubmit {
		return settled
	}
	if fresh := c.fetcher.FetchPreview(ctx, draft.URL); fresh != nil {
		return fresh
	}
	return settled
}

// Close stops preview work. It must not be called from an OnPreview callback.
func (c *Composer) Close() {
	c.debouncer.Close()
}

// PreviewDispatched marks the composer as loading if token is still current.
func (c *Composer) PreviewDispatched(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == c.token {
		c.loading = true
	}
}

// PreviewSettled applies a fetch result if token is still current.
func (c *Composer) PreviewSettled(token uint64, p *domain.LinkPreview) {
	c.mu.Lock()
	if token != c.token {
		c.mu.Unlock()
		observability.PreviewsDiscarded.Inc()
		return
	}
	c.preview = p
	c.settled = true
	c.loading = false
	notify := c.onPreview
	c.mu.Unlock()

	if notify != nil {
		notify(p)
	}
}

// Showing reports whether p is still the preview applied to the draft. A
// preview delivered to OnPreview stops being current as soon as the link
// changes.
func (c *Composer) Showing(p *domain.LinkPreview) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p != nil && c.preview != nil && *c.preview == *p
}

// scheduleLocked drops the current preview and starts or cancels a fetch for
// the draft's link. c.mu must be held.
func (c *Composer) scheduleLocked() {
	c.preview = nil
	c.settled = false
	c.loading = false
	if preview.ValidURL(c.draft.URL) {
		c.token = c.debouncer.Trigger(c.draft.URL, c)
		return
	}
	c.token = c.debouncer.Cancel()
}

func (c *Composer) load(ctx context.Context, name string) (string, error) {
	v, err := c.store.Get(ctx, storage.UserKey(c.userID, name))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", name, err)
	}
	return string(v), nil
}

func (c *Composer) save(ctx context.Context, name, value string) error {
	if err := c.store.Set(ctx, storage.UserKey(c.userID, name), []byte(value)); err != nil {
		c.log.WithError(err).WithField("key", name).Error("Failed to persist draft")
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}

func (c *Composer) saveDraft(ctx context.Context, d domain.Draft) error {
	if err := c.save(ctx, storage.KeyDraftText, d.Text); err != nil {
		return err
	}
	return c.save(ctx, storage.KeyDraftURL, d.URL)
}
