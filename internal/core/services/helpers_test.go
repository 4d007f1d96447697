package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/testutils"
	"liveclass/pkg/retry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingMetrics counts the events tests assert on.
type recordingMetrics struct {
	NopMetrics
	mu           sync.Mutex
	roomsCreated int
	roomsClosed  int
	fanOutFailed int
	workerDeaths []domain.WorkerID
}

func (m *recordingMetrics) RoomCreated(domain.WorkerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomsCreated++
}

func (m *recordingMetrics) RoomClosed(domain.WorkerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomsClosed++
}

func (m *recordingMetrics) FanOutFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fanOutFailed++
}

func (m *recordingMetrics) WorkerDied(id domain.WorkerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workerDeaths = append(m.workerDeaths, id)
}

type metricsSnapshot struct {
	roomsCreated int
	roomsClosed  int
	fanOutFailed int
	workerDeaths []domain.WorkerID
}

func (m *recordingMetrics) snapshot() metricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricsSnapshot{
		roomsCreated: m.roomsCreated,
		roomsClosed:  m.roomsClosed,
		fanOutFailed: m.fanOutFailed,
		workerDeaths: append([]domain.WorkerID(nil), m.workerDeaths...),
	}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newTestPool(t *testing.T, engine *testutils.Engine, count int, metrics *recordingMetrics) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(engine, WorkerPoolConfig{
		Count:      count,
		ListenIP:   "0.0.0.0",
		MinPort:    40000,
		MaxPort:    40999,
		DeathGrace: 10 * time.Millisecond,
		Retry:      testRetry(),
	}, metrics, testLogger())
	pool.SetFatalHandler(func() { t.Errorf("unexpected fatal exit") })
	require.NoError(t, pool.Initialize(context.Background()))
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

type fixture struct {
	engine   *testutils.Engine
	pool     *WorkerPool
	registry *RoomRegistry
	metrics  *recordingMetrics
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	engine := testutils.NewEngine()
	metrics := &recordingMetrics{}
	pool := newTestPool(t, engine, workers, metrics)
	opts := DefaultRoomOptions()
	opts.EngineTimeout = time.Second
	registry := NewRoomRegistry(pool, []domain.RTPCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
	}, opts, nil, metrics, testLogger())
	return &fixture{engine: engine, pool: pool, registry: registry, metrics: metrics}
}

func spec(conn string) PeerSpec {
	return PeerSpec{
		ConnID: domain.PeerID(conn),
		UserID: domain.UserID("user-" + conn),
		Name:   "User " + conn,
		Role:   domain.RoleParticipant,
	}
}

func (f *fixture) join(t *testing.T, roomID, conn string) *Room {
	t.Helper()
	room, err := f.registry.JoinRoom(context.Background(), domain.RoomID(roomID), spec(conn))
	require.NoError(t, err)
	return room
}

// sendTransport creates and connects a send transport for conn.
func sendTransport(t *testing.T, room *Room, conn string) domain.TransportID {
	t.Helper()
	ctx := context.Background()
	params, _, err := room.CreateTransport(ctx, domain.PeerID(conn), domain.DirectionSend, nil)
	require.NoError(t, err)
	require.NoError(t, room.ConnectTransport(ctx, domain.PeerID(conn), params.ID, domain.ConnectParams{}))
	return params.ID
}

// recvTransport creates and connects a receive transport for conn with the
// given capabilities.
func recvTransport(t *testing.T, room *Room, conn string, caps domain.RTPCapabilities) (domain.TransportID, FanOutReport) {
	t.Helper()
	ctx := context.Background()
	params, report, err := room.CreateTransport(ctx, domain.PeerID(conn), domain.DirectionRecv, &caps)
	require.NoError(t, err)
	require.NoError(t, room.ConnectTransport(ctx, domain.PeerID(conn), params.ID, domain.ConnectParams{}))
	return params.ID, report
}

func produceVideo(t *testing.T, room *Room, conn string, transportID domain.TransportID) (domain.ProducerInfo, FanOutReport) {
	t.Helper()
	info, report, err := room.CreateProducer(context.Background(), domain.PeerID(conn), transportID, domain.KindVideo, testutils.VideoParameters())
	require.NoError(t, err)
	return info, report
}
