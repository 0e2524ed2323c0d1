package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Application metrics, registered with the default Prometheus registry.
var (
	// PreviewFetches counts fetches by provider and result (ok, empty, error).
	PreviewFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skycomposer_preview_fetches_total",
		Help: "The total number of link preview fetches by provider and result",
	}, []string{"provider", "result"})

	// PreviewFetchDuration observes fetch latency per provider.
	PreviewFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skycomposer_preview_fetch_duration_seconds",
		Help:    "Duration of link preview fetches",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// PreviewsDiscarded counts results dropped for a superseded link.
	PreviewsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skycomposer_previews_discarded_total",
		Help: "Preview results dropped because a newer input superseded them",
	})

	// PostsSubmitted counts submissions by status (ok, failed, rejected).
	PostsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skycomposer_posts_total",
		Help: "The total number of post submissions by status",
	}, []string{"status"})

	// SessionEvents counts login, resume and logout outcomes.
	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skycomposer_session_events_total",
		Help: "Login, resume and logout outcomes",
	}, []string{"event", "status"})

	// ActiveComposers tracks composers held by the registry.
	ActiveComposers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skycomposer_active_composers",
		Help: "Number of composers currently held in memory",
	})
)
