// Package metrics exports wizard activity as Prometheus metrics. A Recorder
// is handed to every orchestrator as its Observer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livetemplate/wizard"
)

const namespace = "wizard"

// Recorder holds the wizard collectors of one registry.
type Recorder struct {
	registry *prometheus.Registry

	navigations        *prometheus.CounterVec
	navigationDuration *prometheus.HistogramVec
	saves              *prometheus.CounterVec
	saveDuration       prometheus.Histogram
	saveRetries        prometheus.Counter
	autosaves          *prometheus.CounterVec
	completions        *prometheus.CounterVec
	storageWarnings    prometheus.Counter
	sessions           prometheus.Gauge
}

// New registers the wizard collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		navigations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigations_total",
			Help:      "Navigation protocol runs by action and result",
		}, []string{"action", "result"}),
		navigationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "navigation_duration_seconds",
			Help:      "Time from gesture to transition",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"action"}),
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_saves_total",
			Help:      "Step saves by result",
		}, []string{"result"}),
		saveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_save_duration_seconds",
			Help:      "Step save latency including the retry",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		saveRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_save_retries_total",
			Help:      "Automatic retries after transient save failures",
		}),
		autosaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosaves_total",
			Help:      "Autosave attempts by result",
		}, []string{"result"}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Wizard completions by result",
		}, []string{"result"}),
		storageWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_degraded_total",
			Help:      "Sessions whose persisted cache was disabled",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Open wizard sessions",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) NavigationFinished(action wizard.Action, result string, d time.Duration) {
	r.navigations.WithLabelValues(string(action), result).Inc()
	r.navigationDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}

func (r *Recorder) SaveFinished(result string, attempts int, d time.Duration) {
	r.saves.WithLabelValues(result).Inc()
	r.saveDuration.Observe(d.Seconds())
	if attempts > 1 {
		r.saveRetries.Add(float64(attempts - 1))
	}
}

func (r *Recorder) AutosaveFinished(result string)   { r.autosaves.WithLabelValues(result).Inc() }
func (r *Recorder) CompletionFinished(result string) { r.completions.WithLabelValues(result).Inc() }
func (r *Recorder) StorageWarning()                  { r.storageWarnings.Inc() }

// SessionOpened and SessionClosed track the active session gauge.
func (r *Recorder) SessionOpened() { r.sessions.Inc() }
func (r *Recorder) SessionClosed() { r.sessions.Dec() }
