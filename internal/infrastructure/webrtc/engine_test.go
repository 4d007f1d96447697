package webrtc

import (
	"context"
	"errors"
	"testing"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorker(t *testing.T) ports.Worker {
	t.Helper()
	engine := NewEngine(zap.NewNop().Sugar())
	w, err := engine.CreateWorker(context.Background(), ports.WorkerSettings{
		ListenIP:    "127.0.0.1",
		AnnouncedIP: "203.0.113.7",
		RTCMinPort:  40000,
		RTCMaxPort:  40099,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestEngine_CreateWorkerRejectsInvertedRange(t *testing.T) {
	engine := NewEngine(zap.NewNop().Sugar())
	_, err := engine.CreateWorker(context.Background(), ports.WorkerSettings{RTCMinPort: 5000, RTCMaxPort: 4000})
	assert.Error(t, err)
}

func TestWorker_CreateRouter(t *testing.T) {
	w := newTestWorker(t)

	r, err := w.CreateRouter(context.Background(), configuredCodecs())
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID())
	assert.Equal(t, w.ID(), r.WorkerID())
	caps := r.Capabilities()
	require.Len(t, caps.Codecs, 3)
	assert.NotZero(t, caps.Codecs[1].PreferredPayloadType)

	assert.False(t, r.CanConsume("missing", caps), "unknown producer")
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestWorker_CloseRejectsNewRouters(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.Close())

	_, err := w.CreateRouter(context.Background(), configuredCodecs())
	assert.Error(t, err)
}

func TestWorker_PanicReportsDeath(t *testing.T) {
	w := newTestWorker(t)
	pw := w.(*worker)

	func() {
		defer pw.guard("test")
		panic("boom")
	}()
	// a second failure is dropped
	pw.fail(errors.New("later"))

	cause, ok := <-w.Died()
	require.True(t, ok)
	assert.Contains(t, cause.Error(), "boom")
	_, ok = <-w.Died()
	assert.False(t, ok)
}

func TestWorker_CreateRouterRejectsBadCodecs(t *testing.T) {
	w := newTestWorker(t)
	_, err := w.CreateRouter(context.Background(), []domain.RTPCodecCapability{{Kind: "data", MimeType: "x/y"}})
	assert.Error(t, err)
}
