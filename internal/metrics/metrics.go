// Package metrics records sync activity.
//
// Components take a Metrics value; passing NewNoop() (or nil, which the
// constructors in this module treat the same) disables collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/b2sync/internal/content"
)

// Metrics observes pulls, saves and object operations.
type Metrics interface {
	// ObserveSave records one remote create or update.
	ObserveSave(container string, kind content.Kind, created bool, d time.Duration, err error)
	// ObservePass records the outcome of a save queue pass.
	ObservePass(container string, saved, failed int)
	// SetQueueBusy tracks whether a container's save queue is draining.
	SetQueueBusy(container string, busy bool)
	// ObservePull records a pull of one container.
	ObservePull(container string, fetched, pruned int, d time.Duration, err error)
	// ObserveOperation records a rename, clone, delete or recovery.
	ObserveOperation(container, op string, err error)
	// ObserveWebhook records a webhook delivery by response status.
	ObserveWebhook(status int)
}

// Or returns m, or a no-op implementation when m is nil.
func Or(m Metrics) Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}

type noop struct{}

// NewNoop returns a Metrics that records nothing.
func NewNoop() Metrics { return noop{} }

func (noop) ObserveSave(string, content.Kind, bool, time.Duration, error) {}
func (noop) ObservePass(string, int, int)                                 {}
func (noop) SetQueueBusy(string, bool)                                    {}
func (noop) ObservePull(string, int, int, time.Duration, error)           {}
func (noop) ObserveOperation(string, string, error)                       {}
func (noop) ObserveWebhook(int)                                           {}

type promMetrics struct {
	saves        *prometheus.CounterVec
	saveDuration *prometheus.HistogramVec
	passItems    *prometheus.CounterVec
	queueBusy    *prometheus.GaugeVec
	pulls        *prometheus.CounterVec
	pullDuration *prometheus.HistogramVec
	pullObjects  *prometheus.CounterVec
	operations   *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
}

// NewPrometheus registers the b2sync collectors with reg.
func NewPrometheus(reg prometheus.Registerer) Metrics {
	f := promauto.With(reg)
	return &promMetrics{
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "b2sync_saves_total",
			Help: "Remote saves by container, kind, mode and status",
		}, []string{"container", "kind", "mode", "status"}),
		saveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "b2sync_save_duration_seconds",
			Help:    "Duration of remote saves",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"container", "kind"}),
		passItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "b2sync_save_pass_items_total",
			Help: "Items processed by save queue passes by outcome",
		}, []string{"container", "outcome"}),
		queueBusy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "b2sync_save_queue_draining",
			Help: "Whether the container's save queue is draining (1) or idle (0)",
		}, []string{"container"}),
		pulls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "b2sync_pulls_total",
			Help: "Pulls by container and status",
		}, []string{"container", "status"}),
		pullDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "b2sync_pull_duration_seconds",
			Help:    "Duration of pulls",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"container"}),
		pullObjects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "b2sync_pull_objects_total",
			Help: "Objects written or pruned by pulls",
		}, []string{"container", "action"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "b2sync_operations_total",
			Help: "Rename, clone, delete and repair operations by status",
		}, []string{"container", "op", "status"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "b2sync_webhook_requests_total",
			Help: "Webhook deliveries by response code",
		}, []string{"code"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *promMetrics) ObserveSave(container string, kind content.Kind, created bool, d time.Duration, err error) {
	mode := "update"
	if created {
		mode = "create"
	}
	m.saves.WithLabelValues(container, kind.String(), mode, status(err)).Inc()
	m.saveDuration.WithLabelValues(container, kind.String()).Observe(d.Seconds())
}

func (m *promMetrics) ObservePass(container string, saved, failed int) {
	m.passItems.WithLabelValues(container, "saved").Add(float64(saved))
	m.passItems.WithLabelValues(container, "failed").Add(float64(failed))
}

func (m *promMetrics) SetQueueBusy(container string, busy bool) {
	v := 0.0
	if busy {
		v = 1
	}
	m.queueBusy.WithLabelValues(container).Set(v)
}

func (m *promMetrics) ObservePull(container string, fetched, pruned int, d time.Duration, err error) {
	m.pulls.WithLabelValues(container, status(err)).Inc()
	m.pullDuration.WithLabelValues(container).Observe(d.Seconds())
	m.pullObjects.WithLabelValues(container, "fetched").Add(float64(fetched))
	m.pullObjects.WithLabelValues(container, "pruned").Add(float64(pruned))
}

func (m *promMetrics) ObserveOperation(container, op string, err error) {
	m.operations.WithLabelValues(container, op, status(err)).Inc()
}

func (m *promMetrics) ObserveWebhook(code int) {
	m.webhooks.WithLabelValues(http.StatusText(code)).Inc()
}
