// Package metrics exposes Prometheus collectors for the spider service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesSeededTotal    prometheus.Counter
	pagesClaimedTotal   prometheus.Counter
	pagesReleasedTotal  prometheus.Counter
	pagesRetiredTotal   prometheus.Counter
	fetchesTotal        *prometheus.CounterVec
	filesSavedTotal     prometheus.Counter
	fileWriteFailsTotal prometheus.Counter
	cycleRetriesTotal   prometheus.Counter

	once sync.Once
)

// Fetch outcome labels.
const (
	FetchOutcomeContent = "content"
	FetchOutcomeSkip    = "skip"
	FetchOutcomeFile    = "file"
	FetchOutcomeRetry   = "retry"
	FetchOutcomeFailed  = "failed"
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times.
func Init() {
	once.Do(func() {
		pagesSeededTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "spider_pages_seeded_total",
			Help: "Total number of partition pages inserted into the pending table.",
		})
		pagesClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "spider_pages_claimed_total",
			Help: "Total number of partition pages moved from pending to running.",
		})
		pagesReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "spider_pages_released_total",
			Help: "Total number of running pages released back by their worker.",
		})
		pagesRetiredTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "spider_pages_retired_total",
			Help: "Total number of pages retired because they produced no requests.",
		})
		fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spider_fetches_total",
			Help: "Total number of fetches, labeled by outcome.",
		}, []string{"outcome"})
		filesSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "spider_files_saved_total",
			Help: "Total number of binary files persisted to the download root.",
		})
		fileWriteFailsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "spider_file_write_failures_total",
			Help: "Total number of binary file writes that failed and were degraded to skips.",
		})
		cycleRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "spider_cycle_retries_total",
			Help: "Total number of requests re-enqueued by the cycle-retry mechanism.",
		})
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AddPagesSeeded records pages inserted during seeding.
func AddPagesSeeded(n int) {
	if pagesSeededTotal != nil {
		pagesSeededTotal.Add(float64(n))
	}
}

// IncPagesClaimed records one pending->running transition.
func IncPagesClaimed() {
	if pagesClaimedTotal != nil {
		pagesClaimedTotal.Inc()
	}
}

// IncPagesReleased records one running-page release.
func IncPagesReleased() {
	if pagesReleasedTotal != nil {
		pagesReleasedTotal.Inc()
	}
}

// IncPagesRetired records one empty page retired without replacement.
func IncPagesRetired() {
	if pagesRetiredTotal != nil {
		pagesRetiredTotal.Inc()
	}
}

// IncFetch records one fetch with the given outcome label.
func IncFetch(outcome string) {
	if fetchesTotal != nil {
		fetchesTotal.WithLabelValues(outcome).Inc()
	}
}

// IncFilesSaved records one persisted binary file.
func IncFilesSaved() {
	if filesSavedTotal != nil {
		filesSavedTotal.Inc()
	}
}

// IncFileWriteFailures records one failed binary write.
func IncFileWriteFailures() {
	if fileWriteFailsTotal != nil {
		fileWriteFailsTotal.Inc()
	}
}

// IncCycleRetries records one cycle-retry re-enqueue.
func IncCycleRetries() {
	if cycleRetriesTotal != nil {
		cycleRetriesTotal.Inc()
	}
}
