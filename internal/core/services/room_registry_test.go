package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRoomEventPublisher struct {
	mock.Mock
}

func (m *MockRoomEventPublisher) PublishRoomCreated(ctx context.Context, roomID domain.RoomID) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MockRoomEventPublisher) PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MockRoomEventPublisher) PublishPeerJoined(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error {
	args := m.Called(ctx, roomID, peer)
	return args.Error(0)
}

func (m *MockRoomEventPublisher) PublishPeerLeft(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error {
	args := m.Called(ctx, roomID, peer)
	return args.Error(0)
}

func TestRegistry_GetOrCreateIsSingleFlight(t *testing.T) {
	f := newFixture(t, 2)

	var (
		wg    sync.WaitGroup
		rooms = make([]*Room, 20)
	)
	for i := range rooms {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := f.registry.GetOrCreateRoom(context.Background(), "physics")
			if err != nil {
				t.Error(err)
				return
			}
			rooms[i] = room
		}()
	}
	wg.Wait()

	for _, room := range rooms {
		assert.Same(t, rooms[0], room)
	}
	assert.Equal(t, 1, f.engine.RoutersCreated())
	assert.Equal(t, 1, f.metrics.snapshot().roomsCreated)
}

func TestRegistry_RoomsSpreadRoundRobin(t *testing.T) {
	f := newFixture(t, 3)
	workers := f.pool.Workers()

	for i, id := range []domain.RoomID{"r1", "r2", "r3", "r4", "r5"} {
		room, err := f.registry.GetOrCreateRoom(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, workers[i%3].ID(), room.WorkerID(), "room %s", id)
	}
}

func TestRegistry_GetRoom(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.registry.GetRoom("nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	created := f.join(t, "math", "a")
	room, err := f.registry.GetRoom("math")
	require.NoError(t, err)
	assert.Same(t, created, room)
}

func TestRegistry_RouterFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.engine.FailCreateRouter = errors.New("worker busy")

	_, err := f.registry.JoinRoom(context.Background(), "math", spec("a"))
	assert.ErrorIs(t, err, domain.ErrEngine)
	assert.Empty(t, f.registry.ListRooms())

	f.engine.FailCreateRouter = nil
	f.join(t, "math", "a")
	assert.Len(t, f.registry.ListRooms(), 1)
}

func TestRegistry_RoomDeletedWhenLastPeerLeaves(t *testing.T) {
	f := newFixture(t, 1)
	room := f.join(t, "math", "a")
	f.join(t, "math", "b")
	ctx := context.Background()

	peer, removed := f.registry.LeaveRoom(ctx, "math", "a")
	assert.True(t, removed)
	assert.Equal(t, domain.PeerID("a"), peer.PeerID)
	_, err := f.registry.GetRoom("math")
	require.NoError(t, err, "room with one peer must persist")

	_, removed = f.registry.LeaveRoom(ctx, "math", "b")
	assert.True(t, removed)
	_, err = f.registry.GetRoom("math")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.True(t, room.Closing())
	assert.Equal(t, 1, f.metrics.snapshot().roomsClosed)

	_, removed = f.registry.LeaveRoom(ctx, "math", "b")
	assert.False(t, removed)

	// rejoining creates a fresh routing context
	again := f.join(t, "math", "a")
	assert.NotSame(t, room, again)
	assert.Equal(t, 2, f.engine.RoutersCreated())
}

func TestRegistry_JoinRacingLastLeave(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		f.join(t, "math", "a")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.registry.LeaveRoom(ctx, "math", "a")
		}()
		go func() {
			defer wg.Done()
			_, err := f.registry.JoinRoom(ctx, "math", spec("b"))
			assert.NoError(t, err)
		}()
		wg.Wait()

		room, err := f.registry.GetRoom("math")
		require.NoError(t, err, "iteration %d", i)
		_, ok := room.Peer("b")
		require.True(t, ok, "iteration %d", i)

		f.registry.LeaveRoom(ctx, "math", "b")
		_, err = f.registry.GetRoom("math")
		require.ErrorIs(t, err, domain.ErrRoomNotFound)
	}
}

func TestRegistry_DuplicateJoinKeepsRoom(t *testing.T) {
	f := newFixture(t, 1)
	f.join(t, "math", "a")

	_, err := f.registry.JoinRoom(context.Background(), "math", spec("a"))
	assert.ErrorIs(t, err, domain.ErrPeerExists)

	room, err := f.registry.GetRoom("math")
	require.NoError(t, err)
	assert.Equal(t, 1, room.PeerCount())
}

func TestRegistry_DeleteRoomIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	room := f.join(t, "math", "a")
	sendID := sendTransport(t, room, "a")
	produceVideo(t, room, "a", sendID)

	f.registry.DeleteRoom(context.Background(), "math")
	f.registry.DeleteRoom(context.Background(), "math")

	assert.Equal(t, 1, f.engine.TransportsClosed())
	assert.Equal(t, 1, f.metrics.snapshot().roomsClosed)
	assert.Empty(t, f.registry.ListRooms())
}

func TestRegistry_ListRooms(t *testing.T) {
	f := newFixture(t, 2)
	f.join(t, "first", "a")
	time.Sleep(time.Millisecond)
	room := f.join(t, "second", "b")
	f.join(t, "second", "c")
	sendID := sendTransport(t, room, "b")
	produceVideo(t, room, "b", sendID)

	summaries := f.registry.ListRooms()
	require.Len(t, summaries, 2)
	assert.Equal(t, domain.RoomID("first"), summaries[0].RoomID)
	assert.Equal(t, 1, summaries[0].Peers)
	assert.Equal(t, domain.RoomID("second"), summaries[1].RoomID)
	assert.Equal(t, 2, summaries[1].Peers)
	assert.Equal(t, 1, summaries[1].Producers)
	assert.NotEqual(t, summaries[0].WorkerID, summaries[1].WorkerID)
}

func TestRegistry_PublishesLifecycleEvents(t *testing.T) {
	engine := testutils.NewEngine()
	pool := newTestPool(t, engine, 1, &recordingMetrics{})
	publisher := &MockRoomEventPublisher{}
	registry := NewRoomRegistry(pool, testutils.ClientCapabilities().Codecs, DefaultRoomOptions(), publisher, nil, testLogger())

	peerA := domain.PeerInfo{PeerID: "a", UserID: "user-a", UserName: "User a", Role: domain.RoleParticipant}
	publisher.On("PublishRoomCreated", mock.Anything, domain.RoomID("math")).Return(nil).Once()
	publisher.On("PublishPeerJoined", mock.Anything, domain.RoomID("math"), peerA).Return(nil).Once()
	publisher.On("PublishPeerLeft", mock.Anything, domain.RoomID("math"), peerA).Return(errors.New("redis down")).Once()
	publisher.On("PublishRoomClosed", mock.Anything, domain.RoomID("math")).Return(nil).Once()

	_, err := registry.JoinRoom(context.Background(), "math", spec("a"))
	require.NoError(t, err)
	_, removed := registry.LeaveRoom(context.Background(), "math", "a")
	assert.True(t, removed)

	publisher.AssertExpectations(t)
}

func TestRegistry_TwoPeerScenario(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	room := f.join(t, "math", "a")
	assert.Len(t, room.PeerList(), 1)
	f.join(t, "math", "b")
	assert.Len(t, room.PeerList(), 2)

	recvTransport(t, room, "b", testutils.ClientCapabilities())
	sendID := sendTransport(t, room, "a")
	producer, report := produceVideo(t, room, "a", sendID)
	require.Len(t, report.Results, 1)

	consumer, err := room.CreateConsumer(ctx, "b", "", producer.ProducerID, testutils.ClientCapabilities())
	require.NoError(t, err)
	require.NoError(t, room.ResumeConsumer(ctx, "b", consumer.ConsumerID))
	assert.Equal(t, 1, f.engine.LiveConsumers())

	_, removed := f.registry.LeaveRoom(ctx, "math", "a")
	require.True(t, removed)
	assert.Equal(t, 1, room.PeerCount())
	assert.Equal(t, 0, f.engine.LiveConsumers())
	assert.Equal(t, 1, f.engine.TransportsClosed())

	f.registry.LeaveRoom(ctx, "math", "b")
	_, err = f.registry.GetRoom("math")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Equal(t, 2, f.engine.TransportsClosed())
}
