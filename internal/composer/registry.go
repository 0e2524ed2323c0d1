package composer

import (
	"context"
	"errors"
	"sync"
	"time"

	"skycomposer/internal/observability"
)

// ErrRegistryClosed is returned by Get after Close.
var ErrRegistryClosed = errors.New("composer registry is closed")

// Factory builds the composer for a user.
type Factory func(ctx context.Context, userID int64) (*Composer, error)

// entry is one user's slot. ready is closed once c and err are set.
type entry struct {
	ready    chan struct{}
	c        *Composer
	err      error
	lastUsed time.Time
}

// Registry lazily creates and caches one Composer per user. Composers are
// built outside the registry lock, so a slow first load for one user does not
// hold up the others.
type Registry struct {
	factory Factory
	now     func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
}

// Get returns the composer for userID, creating it on first use. Concurrent
// first calls for the same user share one factory call.
func (r *Registry) Get(ctx context.Context, userID int64) (*Composer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if e, ok := r.entries[userID]; ok {
		e.lastUsed = r.now()
		r.mu.Unlock()

		select {
		case <-e.ready:
			return e.c, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &entry{ready: make(chan struct{}), lastUsed: r.now()}
	r.entries[userID] = e
	r.mu.Unlock()

	c, err := r.factory(ctx, userID)

	r.mu.Lock()
	switch {
	case err != nil:
		delete(r.entries, userID)
	case r.closed:
		// Close ran while the factory did; it never saw this composer.
		defer c.Close()
		c, err = nil, ErrRegistryClosed
	}
	e.c, e.err = c, err
	close(e.ready)
	observability.ActiveComposers.Set(float64(len(r.entries)))
	r.mu.Unlock()

	return c, err
}

// EvictIdle closes and forgets composers not requested for longer than
// maxIdle. Their drafts stay in storage and are restored on the next Get.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var idle []*Composer
	for userID, e := range r.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.c != nil && e.lastUsed.Before(cutoff) {
			idle = append(idle, e.c)
			delete(r.entries, userID)
		}
	}
	observability.ActiveComposers.Set(float64(len(r.entries)))
	r.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	return len(idle)
}

// RunEviction calls EvictIdle every interval until ctx is cancelled.
func (r *Registry) RunEviction(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.EvictIdle(maxIdle)
		case <-ctx.Done():
			return
		}
	}
}

// Close stops every composer in the registry. Later calls to Get fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[int64]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.ready:
			if e.c != nil {
				e.c.Close()
			}
		default:
			// Still being built; Get closes it when the factory returns.
		}
	}
	observability.ActiveComposers.Set(0)
}
