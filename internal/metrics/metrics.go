// Package metrics exposes Prometheus collectors for the enhancement service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                 *prometheus.CounterVec
	jobDurationSeconds        prometheus.Histogram
	activeWorkers             prometheus.Gauge
	queueDepth                *prometheus.GaugeVec
	clientRequestsTotal       *prometheus.CounterVec
	clientDurationSeconds     *prometheus.HistogramVec
	breakerState              *prometheus.GaugeVec
	breakerTransitionsTotal   *prometheus.CounterVec
	extractionsTotal          *prometheus.CounterVec
	searchResults             *prometheus.HistogramVec
	synthesisDurationSeconds  prometheus.Histogram
	rateLimitDelaysSeconds    *prometheus.HistogramVec
	apiRequestsTotal          *prometheus.CounterVec
	apiRequestDurationSeconds *prometheus.HistogramVec
	eventsDroppedTotal        prometheus.Counter
	headlessPromotionsTotal   prometheus.Counter
	articlesSeededTotal       prometheus.Counter

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhancer_jobs_total",
				Help: "Enhancement jobs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "enhancer_job_duration_seconds",
				Help:    "Wall time of one enhancement attempt.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "enhancer_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enhancer_queue_jobs",
				Help: "Jobs in the queue, labeled by state.",
			},
			[]string{"state"},
		)
		clientRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhancer_http_client_requests_total",
				Help: "Outbound HTTP attempts, labeled by host and status code.",
			},
			[]string{"host", "code"},
		)
		clientDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enhancer_http_client_duration_seconds",
				Help:    "Outbound HTTP attempt latency, labeled by host.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enhancer_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
			},
			[]string{"name"},
		)
		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhancer_breaker_transitions_total",
				Help: "Circuit breaker state changes, labeled by breaker and target state.",
			},
			[]string{"name", "to"},
		)
		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhancer_extractions_total",
				Help: "Content extraction results, labeled by winning strategy or none.",
			},
			[]string{"strategy"},
		)
		searchResults = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enhancer_search_results",
				Help:    "Search result counts before and after filtering.",
				Buckets: []float64{0, 1, 2, 3, 5, 10},
			},
			[]string{"stage"},
		)
		synthesisDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "enhancer_synthesis_duration_seconds",
				Help:    "Language model call latency.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
			},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enhancer_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enhancer_api_requests_total",
				Help: "Total number of API requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)
		apiRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enhancer_api_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
		eventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enhancer_events_dropped_total",
				Help: "Lifecycle events dropped because the event buffer was full.",
			},
		)
		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enhancer_headless_promotions_total",
				Help: "Competitor pages re-fetched with the headless renderer.",
			},
		)
		articlesSeededTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enhancer_articles_seeded_total",
				Help: "Articles created by the bootstrap seeder.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records one finished attempt.
func ObserveJob(outcome string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDurationSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueDepth publishes the latest queue counters.
func SetQueueDepth(waiting, active, delayed, completed, failed int64) {
	Init()
	queueDepth.WithLabelValues("waiting").Set(float64(waiting))
	queueDepth.WithLabelValues("active").Set(float64(active))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	queueDepth.WithLabelValues("completed").Set(float64(completed))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// ObserveClientRequest records one outbound HTTP attempt. A zero code means
// the attempt failed before a response arrived.
func ObserveClientRequest(rawURL string, code int, duration time.Duration) {
	Init()
	host := SanitizeHost(rawURL)
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	clientRequestsTotal.WithLabelValues(host, label).Inc()
	clientDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveBreakerTransition records a breaker moving to a new state.
func ObserveBreakerTransition(name string, to int, toLabel string) {
	Init()
	breakerState.WithLabelValues(name).Set(float64(to))
	breakerTransitionsTotal.WithLabelValues(name, toLabel).Inc()
}

// ObserveExtraction counts an extraction by strategy, or "none".
func ObserveExtraction(strategy string) {
	Init()
	if strategy == "" {
		strategy = "none"
	}
	extractionsTotal.WithLabelValues(strategy).Inc()
}

// ObserveSearch records raw and filtered result counts.
func ObserveSearch(raw, kept int) {
	Init()
	searchResults.WithLabelValues("raw").Observe(float64(raw))
	searchResults.WithLabelValues("kept").Observe(float64(kept))
}

// ObserveSynthesis records a language model call duration.
func ObserveSynthesis(duration time.Duration) {
	Init()
	synthesisDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveAPIRequest increments the API request metrics.
func ObserveAPIRequest(method, route string, code int, duration time.Duration) {
	Init()
	apiRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	apiRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncEventsDropped counts a dropped lifecycle event.
func IncEventsDropped() {
	Init()
	eventsDroppedTotal.Inc()
}

// IncHeadlessPromotions counts a headless re-fetch.
func IncHeadlessPromotions() {
	Init()
	headlessPromotionsTotal.Inc()
}

// AddArticlesSeeded counts articles created by the seeder.
func AddArticlesSeeded(n int) {
	Init()
	articlesSeededTotal.Add(float64(n))
}
