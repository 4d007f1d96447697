package monitoring

import (
	"testing"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var _ ports.RoomMetrics = (*PrometheusCollector)(nil)

func TestPrometheusCollector_RoomLifecycle(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RoomCreated("w1")
	c.RoomCreated("w2")
	c.RoomClosed("w1")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roomsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.roomsCreated))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.roomsPerWorker.WithLabelValues("w1")))

	c.PeerJoined()
	c.PeerJoined()
	c.PeerLeft()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersConnected))
}

func TestPrometheusCollector_MediaAndSignal(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.ProducerCreated(domain.KindVideo)
	c.ConsumerCreated(domain.KindVideo)
	c.ConsumerCreated(domain.KindVideo)
	c.ConsumerClosed(domain.KindVideo)
	c.FanOutFailed()
	c.WorkerDied("w1")
	c.ObserveSignal("produce", "ok", 0.02)
	c.ObserveSignal("produce", "ENGINE_ERROR", 0.5)
	c.ObserveSignal("produce", "ok", 0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.producersActive.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consumersActive.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fanOutFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerDeaths.WithLabelValues("w1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.signalEvents.WithLabelValues("produce", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.signalDuration))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}
