package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/proxy-broadcast/internal/types"
)

// Collector is nil-safe: every Record/Set method is a no-op on a nil receiver
type Collector struct {
	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram
	liveProxies   prometheus.Gauge

	// Dispatch metrics
	attemptsTotal    *prometheus.CounterVec
	attemptDuration  prometheus.Histogram
	dispatchInFlight prometheus.Gauge
	roundsTotal      prometheus.Counter

	// Source metrics
	proxiesFetched *prometheus.CounterVec

	observerDropped *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers all metrics on reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of proxy probes by result",
			},
			[]string{"result"},
		),
		probeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Proxy probe duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		liveProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_proxies",
				Help:      "Number of proxies confirmed live by the last validation",
			},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of dispatch attempts by outcome",
			},
			[]string{"outcome"},
		),
		attemptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Dispatch attempt duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		dispatchInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_in_flight",
				Help:      "Dispatch attempts currently running",
			},
		),
		roundsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_calls_total",
				Help:      "Total number of completed dispatch calls",
			},
		),
		proxiesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_fetched_total",
				Help:      "Total number of proxies read from sources",
			},
			[]string{"source"},
		),
		observerDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observer_dropped_total",
				Help:      "Events dropped because an observer queue was full",
			},
			[]string{"observer"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordProbe(result types.ProbeResult) {
	if c == nil {
		return
	}
	if result.Live {
		c.probesTotal.WithLabelValues("live").Inc()
		c.probeDuration.Observe(float64(result.LatencyMs) / 1000.0)
		return
	}
	c.probesTotal.WithLabelValues(string(result.Reason)).Inc()
}

func (c *Collector) SetLiveProxies(count int) {
	if c == nil {
		return
	}
	c.liveProxies.Set(float64(count))
}

func (c *Collector) RecordAttempt(attempt types.DispatchAttempt) {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues(string(attempt.Outcome.Kind)).Inc()
	c.attemptDuration.Observe(float64(attempt.LatencyMs) / 1000.0)
}

func (c *Collector) AttemptStarted() {
	if c == nil {
		return
	}
	c.dispatchInFlight.Inc()
}

func (c *Collector) AttemptFinished() {
	if c == nil {
		return
	}
	c.dispatchInFlight.Dec()
}

func (c *Collector) RecordDispatchComplete() {
	if c == nil {
		return
	}
	c.roundsTotal.Inc()
}

func (c *Collector) RecordProxiesFetched(source string, count int) {
	if c == nil {
		return
	}
	c.proxiesFetched.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordObserverDrop(observer string) {
	if c == nil {
		return
	}
	c.observerDropped.WithLabelValues(observer).Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
