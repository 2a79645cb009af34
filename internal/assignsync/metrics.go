package assignsync

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives engine counters. The no-op implementation is the
// default; the Prometheus implementation backs the /metrics endpoint.
type MetricsCollector interface {
	RecordCycle(status string, seconds float64)
	RecordSourceOutcome(platform string, ok bool)
	RecordRecords(platform string, count int)
	RecordChange(kind string)
	RecordDelivery(sinkID string, outcome string)
	RecordDeliveryRetry(sinkID string)
}

type NopMetrics struct{}

var _ MetricsCollector = (*NopMetrics)(nil)

func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

func (*NopMetrics) RecordCycle(string, float64)      {}
func (*NopMetrics) RecordSourceOutcome(string, bool) {}
func (*NopMetrics) RecordRecords(string, int)        {}
func (*NopMetrics) RecordChange(string)              {}
func (*NopMetrics) RecordDelivery(string, string)    {}
func (*NopMetrics) RecordDeliveryRetry(string)       {}

// PrometheusMetrics implements MetricsCollector backed by Prometheus.
type PrometheusMetrics struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	cycleDuration   *prometheus.HistogramVec
	sourceOutcomes  *prometheus.CounterVec
	recordsSeen     *prometheus.CounterVec
	changes         *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	deliveryRetries *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "assignsync"
	}
	return &PrometheusMetrics{reg: reg, namespace: namespace}
}

func (p *PrometheusMetrics) ensureRegistered() {
	p.once.Do(func() {
		p.cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of full reconciliation cycles by outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"})

		p.sourceOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "source_fetches_total",
			Help:      "Total source adapter fetches by platform and result.",
		}, []string{"platform", "result"})

		p.recordsSeen = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "records_observed_total",
			Help:      "Total raw records observed by platform.",
		}, []string{"platform"})

		p.changes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "changes_total",
			Help:      "Total accepted change events by kind.",
		}, []string{"kind"})

		p.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "deliveries_total",
			Help:      "Total sink delivery attempts by sink and outcome.",
		}, []string{"sink", "outcome"})

		p.deliveryRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "delivery_retries_total",
			Help:      "Total delivery retries scheduled by sink.",
		}, []string{"sink"})

		for _, c := range []prometheus.Collector{
			p.cycleDuration, p.sourceOutcomes, p.recordsSeen,
			p.changes, p.deliveries, p.deliveryRetries,
		} {
			if err := p.reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}

func (p *PrometheusMetrics) RecordCycle(status string, seconds float64) {
	p.ensureRegistered()
	p.cycleDuration.WithLabelValues(status).Observe(seconds)
}

func (p *PrometheusMetrics) RecordSourceOutcome(platform string, ok bool) {
	p.ensureRegistered()
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.sourceOutcomes.WithLabelValues(platform, result).Inc()
}

func (p *PrometheusMetrics) RecordRecords(platform string, count int) {
	p.ensureRegistered()
	p.recordsSeen.WithLabelValues(platform).Add(float64(count))
}

func (p *PrometheusMetrics) RecordChange(kind string) {
	p.ensureRegistered()
	p.changes.WithLabelValues(kind).Inc()
}

func (p *PrometheusMetrics) RecordDelivery(sinkID string, outcome string) {
	p.ensureRegistered()
	p.deliveries.WithLabelValues(sinkID, outcome).Inc()
}

func (p *PrometheusMetrics) RecordDeliveryRetry(sinkID string) {
	p.ensureRegistered()
	p.deliveryRetries.WithLabelValues(sinkID).Inc()
}
