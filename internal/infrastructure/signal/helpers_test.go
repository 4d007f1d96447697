package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/internal/core/services"
	"liveclass/internal/testutils"
	"liveclass/pkg/config"
	"liveclass/pkg/retry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSender stands in for a websocket connection.
type recordingSender struct {
	mu     sync.Mutex
	msgs   []Outbound
	closed bool
}

func (r *recordingSender) Send(msg Outbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *recordingSender) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recordingSender) ofType(typ string) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outbound
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type denyAll struct{}

func (denyAll) AuthorizeRoom(context.Context, domain.Identity, domain.RoomID) (domain.Role, error) {
	return "", domain.ErrAccessDenied
}

type harness struct {
	engine   *testutils.Engine
	registry *services.RoomRegistry
	access   ports.RoomAuthorizer
	hub      *Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop().Sugar()
	engine := testutils.NewEngine()

	pool := services.NewWorkerPool(engine, services.WorkerPoolConfig{
		Count:      2,
		ListenIP:   "127.0.0.1",
		MinPort:    40000,
		MaxPort:    40999,
		DeathGrace: 10 * time.Millisecond,
		Retry:      retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, nil, logger)
	pool.SetFatalHandler(func() { t.Errorf("unexpected fatal exit") })
	require.NoError(t, pool.Initialize(context.Background()))
	t.Cleanup(func() { _ = pool.Close() })

	opts := services.DefaultRoomOptions()
	opts.EngineTimeout = time.Second
	registry := services.NewRoomRegistry(pool, config.DefaultCodecs(), opts, nil, nil, logger)

	access := services.NewAccessService(services.AccessOpen, nil, time.Minute, logger)
	t.Cleanup(access.Close)

	return &harness{engine: engine, registry: registry, access: access, hub: NewHub()}
}

// connect builds a session for a new connection with its own recorder.
func (h *harness) connect(conn string) (*Session, *recordingSender) {
	sender := &recordingSender{}
	id := domain.PeerID(conn)
	h.hub.Register(id, sender)
	identity := domain.Identity{UserID: domain.UserID("user-" + conn), Name: "User " + conn}
	return NewSession(id, identity, h.registry, h.access, h.hub, zap.NewNop().Sugar()), sender
}

func message(t *testing.T, typ string, payload interface{}) Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Message{Type: typ, RequestID: "req-" + typ, Payload: raw}
}

func requireReply(t *testing.T, reply *Outbound, typ string) Outbound {
	t.Helper()
	require.NotNil(t, reply)
	if reply.Type == EventError {
		t.Fatalf("expected %s, got error %+v", typ, reply.Payload)
	}
	require.Equal(t, typ, reply.Type)
	return *reply
}

func requireError(t *testing.T, reply *Outbound, code string) {
	t.Helper()
	require.NotNil(t, reply)
	require.Equal(t, EventError, reply.Type)
	require.Equal(t, code, string(reply.Payload.(ErrorPayload).Code))
}

func join(t *testing.T, s *Session, room string) RoomJoined {
	t.Helper()
	reply := s.Handle(context.Background(), message(t, EventJoinRoom, map[string]string{"roomId": room}))
	return requireReply(t, reply, EventRoomJoined).Payload.(RoomJoined)
}

func createTransport(t *testing.T, s *Session, room string, direction domain.Direction, caps *domain.RTPCapabilities) domain.TransportID {
	t.Helper()
	ctx := context.Background()
	reply := s.Handle(ctx, message(t, EventCreateTransport, CreateTransportRequest{
		roomScoped:   roomScoped{RoomID: domain.RoomID(room)},
		Direction:    direction,
		Capabilities: caps,
	}))
	created := requireReply(t, reply, EventTransportCreated).Payload.(TransportCreated)

	reply = s.Handle(ctx, message(t, EventConnectTransport, ConnectTransportRequest{
		roomScoped:  roomScoped{RoomID: domain.RoomID(room)},
		TransportID: created.TransportID,
		DTLSSecrets: testutils.DTLSSecrets(),
	}))
	requireReply(t, reply, EventTransportConnected)
	return created.TransportID
}
