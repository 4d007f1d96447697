package signal

import (
	"context"
	"sync"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/internal/core/services"
	"liveclass/pkg/errors"
	rlog "liveclass/pkg/logger"
	"liveclass/pkg/tracing"

	"go.uber.org/zap"
)

// Session is the signaling state of one authenticated connection. Events
// are handled one at a time in arrival order; Close may run while an event
// is still in flight. A connection may be joined to several rooms at once.
type Session struct {
	connID    domain.PeerID
	identity  domain.Identity
	registry  *services.RoomRegistry
	access    ports.RoomAuthorizer
	hub       *Hub
	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger

	mu     sync.Mutex
	rooms  map[domain.RoomID]*services.Room
	closed bool
}

func NewSession(
	connID domain.PeerID,
	identity domain.Identity,
	registry *services.RoomRegistry,
	access ports.RoomAuthorizer,
	hub *Hub,
	logger *zap.SugaredLogger,
) *Session {
	return &Session{
		connID:    connID,
		identity:  identity,
		registry:  registry,
		access:    access,
		hub:       hub,
		logger:    logger,
		ctxLogger: rlog.NewContextLogger(logger),
		rooms:     make(map[domain.RoomID]*services.Room),
	}
}

func (s *Session) ConnID() domain.PeerID { return s.connID }

// Rooms lists the rooms the connection is currently joined to.
func (s *Session) Rooms() []domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// Handle processes one inbound message and returns the reply for the
// sender, if any. Failures are returned as error replies; room state is
// left as it was.
func (s *Session) Handle(ctx context.Context, msg Message) *Outbound {
	reply, err := s.dispatch(ctx, msg)
	if err != nil {
		appErr := toAppError(err)
		out := errorReply(msg.RequestID, appErr)
		return &out
	}
	if reply != nil {
		reply.RequestID = msg.RequestID
	}
	return reply
}

func (s *Session) dispatch(ctx context.Context, msg Message) (*Outbound, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.NewInvalidStateError("connection is closed")
	}

	switch msg.Type {
	case EventJoinRoom:
		return s.joinRoom(ctx, msg.Payload)
	case EventCreateTransport:
		return s.createTransport(ctx, msg.Payload)
	case EventConnectTransport:
		return s.connectTransport(ctx, msg.Payload)
	case EventProduce:
		return s.produce(ctx, msg.Payload)
	case EventConsume:
		return s.consume(ctx, msg.Payload)
	case EventResumeConsumer:
		return s.resumeConsumer(ctx, msg.Payload)
	case EventChatMessage:
		return s.chatMessage(msg.Payload)
	case EventLeaveRoom:
		return s.leaveRoom(ctx, msg.Payload)
	case "":
		return nil, errors.NewMalformedMessageError("message type is required")
	default:
		return nil, errors.NewMalformedMessageError("unknown message type: " + msg.Type)
	}
}

// joined returns the room the connection is joined to. Rooms that do not
// exist at all are reported as not found.
func (s *Session) joined(roomID domain.RoomID) (*services.Room, error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	s.mu.Unlock()
	if ok {
		return room, nil
	}
	if _, err := s.registry.GetRoom(roomID); err != nil {
		return nil, err
	}
	return nil, errors.NewInvalidStateError("not joined to room " + string(roomID))
}

// logFanOut reports fan-out targets that could not be wired. The request
// itself still succeeds.
func (s *Session) logFanOut(ctx context.Context, event string, report services.FanOutReport) {
	failed := report.Failed()
	if len(failed) == 0 {
		return
	}
	s.ctxLogger.For(ctx).Debugw("fan-out incomplete",
		"event", event,
		"failed", len(failed),
		"wired", len(report.Results)-len(failed),
		"skipped", len(report.Skipped),
	)
}

// others lists every member of room except this connection.
func (s *Session) others(room *services.Room) []domain.PeerID {
	peers := room.PeerList()
	out := make([]domain.PeerID, 0, len(peers))
	for _, p := range peers {
		if p.PeerID != s.connID {
			out = append(out, p.PeerID)
		}
	}
	return out
}

func (s *Session) joinRoom(ctx context.Context, raw []byte) (*Outbound, error) {
	var req JoinRoomRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, already := s.rooms[req.RoomID]
	s.mu.Unlock()
	if already {
		return nil, errors.NewInvalidStateError("already joined to room " + string(req.RoomID))
	}

	tracing.AddSpanAttributes(ctx,
		tracing.RoomIDKey.String(string(req.RoomID)),
		tracing.UserIDKey.String(string(s.identity.UserID)),
	)
	role, err := s.access.AuthorizeRoom(ctx, s.identity, req.RoomID)
	if err != nil {
		return nil, err
	}

	room, err := s.registry.JoinRoom(ctx, req.RoomID, services.PeerSpec{
		ConnID: s.connID,
		UserID: s.identity.UserID,
		Name:   s.identity.Name,
		Role:   role,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// the connection went away while the join was in flight
		s.registry.LeaveRoom(context.WithoutCancel(ctx), req.RoomID, s.connID)
		return nil, errors.NewInvalidStateError("connection is closed")
	}
	s.rooms[req.RoomID] = room
	s.mu.Unlock()

	self, _ := room.Peer(s.connID)
	peers := make([]domain.PeerInfo, 0)
	for _, p := range room.PeerList() {
		if p.PeerID != s.connID {
			peers = append(peers, p)
		}
	}
	producers := room.Producers(s.connID)
	if producers == nil {
		producers = []domain.ProducerInfo{}
	}

	s.hub.Broadcast(s.others(room), Outbound{Type: EventPeerJoined, Payload: self})

	s.ctxLogger.For(ctx).Infow("peer joined room", "role", role, "peers", len(peers))

	return &Outbound{Type: EventRoomJoined, Payload: RoomJoined{
		RoomID:       req.RoomID,
		PeerID:       s.connID,
		Role:         role,
		Capabilities: room.Capabilities(),
		Peers:        peers,
		Producers:    producers,
	}}, nil
}

func (s *Session) createTransport(ctx context.Context, raw []byte) (*Outbound, error) {
	var req CreateTransportRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	room, err := s.joined(req.RoomID)
	if err != nil {
		return nil, err
	}

	params, report, err := room.CreateTransport(ctx, s.connID, req.Direction, req.Capabilities)
	if err != nil {
		return nil, err
	}
	s.logFanOut(ctx, EventCreateTransport, report)
	return &Outbound{Type: EventTransportCreated, Payload: TransportCreated{
		TransportID:       params.ID,
		NegotiationParams: params,
		Direction:         req.Direction,
	}}, nil
}

func (s *Session) connectTransport(ctx context.Context, raw []byte) (*Outbound, error) {
	var req ConnectTransportRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	room, err := s.joined(req.RoomID)
	if err != nil {
		return nil, err
	}

	if err := room.ConnectTransport(ctx, s.connID, req.TransportID, req.DTLSSecrets); err != nil {
		return nil, err
	}
	return &Outbound{Type: EventTransportConnected, Payload: TransportConnected{TransportID: req.TransportID}}, nil
}

func (s *Session) produce(ctx context.Context, raw []byte) (*Outbound, error) {
	var req ProduceRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	room, err := s.joined(req.RoomID)
	if err != nil {
		return nil, err
	}

	info, report, err := room.CreateProducer(ctx, s.connID, req.TransportID, req.Kind, req.MediaParameters)
	if err != nil {
		return nil, err
	}
	s.logFanOut(ctx, EventProduce, report)

	s.hub.Broadcast(s.others(room), Outbound{Type: EventNewProducer, Payload: info})
	return &Outbound{Type: EventProduced, Payload: Produced{ProducerID: info.ProducerID, Kind: info.Kind}}, nil
}

func (s *Session) consume(ctx context.Context, raw []byte) (*Outbound, error) {
	var req ConsumeRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	room, err := s.joined(req.RoomID)
	if err != nil {
		return nil, err
	}

	info, err := room.CreateConsumer(ctx, s.connID, req.TransportID, req.ProducerID, req.Capabilities)
	if err != nil {
		return nil, err
	}
	return &Outbound{Type: EventConsumed, Payload: info}, nil
}

func (s *Session) resumeConsumer(ctx context.Context, raw []byte) (*Outbound, error) {
	var req ResumeConsumerRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	room, err := s.joined(req.RoomID)
	if err != nil {
		return nil, err
	}

	if err := room.ResumeConsumer(ctx, s.connID, req.ConsumerID); err != nil {
		return nil, err
	}
	return &Outbound{Type: EventConsumerResumed, Payload: ConsumerResumed{ConsumerID: req.ConsumerID}}, nil
}

func (s *Session) chatMessage(raw []byte) (*Outbound, error) {
	var req ChatMessageRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	room, err := s.joined(req.RoomID)
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(s.others(room), Outbound{Type: EventChatMessage, Payload: ChatMessage{
		RoomID:    req.RoomID,
		UserID:    s.identity.UserID,
		UserName:  s.identity.Name,
		Message:   req.Message,
		Timestamp: time.Now().UTC(),
	}})
	return nil, nil
}

func (s *Session) leaveRoom(ctx context.Context, raw []byte) (*Outbound, error) {
	var req LeaveRoomRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	room, err := s.joined(req.RoomID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.rooms, req.RoomID)
	s.mu.Unlock()

	s.leave(ctx, req.RoomID, room)
	return &Outbound{Type: EventRoomLeft, Payload: RoomLeft{RoomID: req.RoomID}}, nil
}

// leave removes the connection from room and tells the remaining members.
func (s *Session) leave(ctx context.Context, roomID domain.RoomID, room *services.Room) {
	info, removed := s.registry.LeaveRoom(ctx, roomID, s.connID)
	if !removed {
		return
	}
	s.hub.Broadcast(s.others(room), Outbound{Type: EventPeerLeft, Payload: PeerLeft{
		PeerID:   info.PeerID,
		UserID:   info.UserID,
		UserName: info.UserName,
	}})
	s.logger.Infow("peer left room", "room_id", roomID, "peer_id", s.connID, "user_id", s.identity.UserID)
}

// Close leaves every joined room. It never fails and is safe to call twice.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rooms := s.rooms
	s.rooms = make(map[domain.RoomID]*services.Room)
	s.mu.Unlock()

	for roomID, room := range rooms {
		s.leave(ctx, roomID, room)
	}
}
