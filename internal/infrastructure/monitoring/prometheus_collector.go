package monitoring

import (
	"liveclass/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.RoomMetrics.
type PrometheusCollector struct {
	// Gauges
	roomsActive     prometheus.Gauge
	peersConnected  prometheus.Gauge
	roomsPerWorker  *prometheus.GaugeVec
	producersActive *prometheus.GaugeVec
	consumersActive *prometheus.GaugeVec

	// Counters
	roomsCreated prometheus.Counter
	fanOutFailed prometheus.Counter
	workerDeaths *prometheus.CounterVec
	signalEvents *prometheus.CounterVec

	// Histograms
	signalDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers every metric on reg. A nil reg uses the
// default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveclass_rooms_active",
			Help: "Number of rooms with at least one peer",
		}),

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveclass_peers_connected",
			Help: "Number of peers joined to a room",
		}),

		roomsPerWorker: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liveclass_worker_rooms",
			Help: "Number of rooms routed by each media worker",
		}, []string{"worker_id"}),

		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liveclass_producers_active",
			Help: "Number of live producers",
		}, []string{"kind"}),

		consumersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liveclass_consumers_active",
			Help: "Number of live consumers",
		}, []string{"kind"}),

		roomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveclass_rooms_created_total",
			Help: "Total number of rooms created",
		}),

		fanOutFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveclass_fanout_failures_total",
			Help: "Total number of fan-out targets that could not be wired",
		}),

		workerDeaths: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveclass_worker_deaths_total",
			Help: "Total number of media worker deaths",
		}, []string{"worker_id"}),

		signalEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveclass_signal_messages_total",
			Help: "Total number of signaling messages by event and outcome",
		}, []string{"event", "status"}),

		signalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liveclass_signal_duration_seconds",
			Help:    "Time spent handling one signaling message",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"event"}),
	}
}

func (p *PrometheusCollector) RoomCreated(workerID domain.WorkerID) {
	p.roomsCreated.Inc()
	p.roomsActive.Inc()
	p.roomsPerWorker.WithLabelValues(string(workerID)).Inc()
}

func (p *PrometheusCollector) RoomClosed(workerID domain.WorkerID) {
	p.roomsActive.Dec()
	p.roomsPerWorker.WithLabelValues(string(workerID)).Dec()
}

func (p *PrometheusCollector) PeerJoined() { p.peersConnected.Inc() }
func (p *PrometheusCollector) PeerLeft()   { p.peersConnected.Dec() }

func (p *PrometheusCollector) ProducerCreated(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProducerClosed(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) ConsumerCreated(kind domain.MediaKind) {
	p.consumersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ConsumerClosed(kind domain.MediaKind) {
	p.consumersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) FanOutFailed() { p.fanOutFailed.Inc() }

func (p *PrometheusCollector) WorkerDied(workerID domain.WorkerID) {
	p.workerDeaths.WithLabelValues(string(workerID)).Inc()
}

// ObserveSignal records one handled signaling message. Messages rejected
// before handling are observed with zero duration.
func (p *PrometheusCollector) ObserveSignal(event, status string, seconds float64) {
	p.signalEvents.WithLabelValues(event, status).Inc()
	if seconds > 0 {
		p.signalDuration.WithLabelValues(event).Observe(seconds)
	}
}
