// Package metrics exposes hub counters on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenthub/agenthub/internal/events/bus"
)

var (
	// BuildsStarted counts snapshot build attempts.
	BuildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_builds_started_total",
		Help: "Snapshot build attempts started.",
	})

	// BuildsFailed counts snapshot build attempts that ended in failure.
	BuildsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_builds_failed_total",
		Help: "Snapshot build attempts that failed.",
	})

	// BuildsCached counts builds skipped because the deterministic tag was
	// already present in the image store.
	BuildsCached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_builds_cached_total",
		Help: "Snapshot builds skipped due to a cached image.",
	})

	// ChatsStarted counts chat processes spawned.
	ChatsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_chats_started_total",
		Help: "Chat processes spawned.",
	})

	// ChatsStopped counts chat processes stopped or reaped.
	ChatsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_chats_stopped_total",
		Help: "Chat processes stopped.",
	})

	// TitlesGenerated counts successful title generations.
	TitlesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_titles_generated_total",
		Help: "Chat titles generated.",
	})

	// ArtifactsPublished counts artifact publishes accepted.
	ArtifactsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenthub_artifacts_published_total",
		Help: "Artifacts published by in-container agents.",
	})
)

// RegisterBus exports the event bus publish/drop counters.
func RegisterBus(b *bus.Bus) {
	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "agenthub_events_published_total",
		Help: "Events fanned out to listeners.",
	}, func() float64 { return float64(b.Published()) }))
	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "agenthub_events_dropped_total",
		Help: "Events evicted from slow listener queues.",
	}, func() float64 { return float64(b.Dropped()) }))
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
