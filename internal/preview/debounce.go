package preview

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"skycomposer/internal/domain"
	"skycomposer/internal/observability"
)

// DefaultDebounce is how long URL input must stay unchanged before a fetch.
const DefaultDebounce = time.Second

// Sink receives the lifecycle of a debounced fetch. Every call carries the
// token returned by the Trigger that scheduled it; receivers apply a call only
// when the token is still their latest one.
type Sink interface {
	PreviewDispatched(token uint64)
	PreviewSettled(token uint64, preview *domain.LinkPreview)
}

// Debouncer coalesces rapid URL changes into a single fetch. It holds one
// pending slot: each Trigger stops the previous timer and cancels any fetch
// already in flight.
//
// Sink methods are never called while the Debouncer's lock is held, so a sink
// may call Trigger or Cancel from under its own lock.
type Debouncer struct {
	fetcher Fetcher
	delay   time.Duration
	log     logrus.FieldLogger

	mu     sync.Mutex
	token  uint64
	timer  *time.Timer
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewDebouncer creates a Debouncer that waits delay before fetching.
func NewDebouncer(fetcher Fetcher, delay time.Duration, logger logrus.FieldLogger) *Debouncer {
	if delay < 0 {
		delay = 0
	}
	return &Debouncer{
		fetcher: fetcher,
		delay:   delay,
		log:     logger.WithField("component", "debouncer"),
	}
}

// Trigger schedules a fetch of rawURL after the debounce delay and returns
// the token identifying it. Anything scheduled earlier is superseded.
func (d *Debouncer) Trigger(rawURL string, sink Sink) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resetLocked()
	d.token++
	token := d.token
	if d.closed {
		return token
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	d.timer = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		defer cancel()
		d.run(ctx, token, rawURL, sink)
	})
	return token
}

// Cancel drops any pending or in-flight fetch and returns a fresh token that
// no fetch will ever settle with.
func (d *Debouncer) Cancel() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resetLocked()
	d.token++
	return d.token
}

// Close cancels outstanding work and waits for running fetches to return.
// It must not be called while holding a lock a Sink method takes.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.resetLocked()
	d.token++
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Debouncer) run(ctx context.Context, token uint64, rawURL string, sink Sink) {
	if !d.current(token) {
		return
	}

	sink.PreviewDispatched(token)
	preview := d.fetcher.FetchPreview(ctx, rawURL)

	if !d.current(token) {
		observability.PreviewsDiscarded.Inc()
		d.log.WithField("url", rawURL).Debug("Discarding superseded preview")
		return
	}
	sink.PreviewSettled(token, preview)
}

func (d *Debouncer) current(token uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && d.token == token
}

// resetLocked stops the pending timer and cancels the in-flight fetch.
func (d *Debouncer) resetLocked() {
	if d.timer != nil {
		if d.timer.Stop() {
			// The callback never ran, so it will not release its slot.
			d.wg.Done()
		}
		d.timer = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
