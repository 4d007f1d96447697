package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/internal/core/services"
	"liveclass/pkg/errors"
	rlog "liveclass/pkg/logger"
	"liveclass/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerConfig tunes connection plumbing.
type ServerConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// SendQueue bounds both queued outbound frames and pending requests.
	SendQueue int
	// MaxMessageSize bounds inbound frames in bytes; 0 disables the limit.
	MaxMessageSize int64
	// MessagesPerSecond and Burst rate limit inbound messages per
	// connection; 0 disables the limit.
	MessagesPerSecond float64
	Burst             int
	// MaxConnections caps concurrent connections; 0 means unlimited.
	MaxConnections int
	// AllowedOrigins lists accepted Origin headers; empty or "*" accepts any.
	AllowedOrigins []string
	// CleanupTimeout bounds the room cleanup run when a connection ends.
	CleanupTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueue:      64,
		MaxMessageSize: 64 * 1024,
		CleanupTimeout: 15 * time.Second,
	}
}

type WebSocketServer struct {
	cfg      ServerConfig
	tokens   ports.TokenValidator
	registry *services.RoomRegistry
	access   ports.RoomAuthorizer
	metrics  ports.RoomMetrics
	hub      *Hub
	upgrader websocket.Upgrader

	active atomic.Int64
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger
}

func NewWebSocketServer(
	cfg ServerConfig,
	tokens ports.TokenValidator,
	registry *services.RoomRegistry,
	access ports.RoomAuthorizer,
	metrics ports.RoomMetrics,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = services.NopMetrics{}
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultServerConfig().SendQueue
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultServerConfig().CleanupTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketServer{
		cfg:       cfg,
		tokens:    tokens,
		registry:  registry,
		access:    access,
		metrics:   metrics,
		hub:       NewHub(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		ctxLogger: rlog.NewContextLogger(logger),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *WebSocketServer) Hub() *Hub { return s.hub }

// ActiveConnections reports the number of open signaling connections.
func (s *WebSocketServer) ActiveConnections() int {
	return int(s.active.Load())
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// bearerToken reads the credential from the token query parameter or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

func writeHTTPError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": ErrorPayload{Message: appErr.Message, Code: appErr.Code},
	})
}

// HandleWebSocket authenticates the request, upgrades it and serves the
// connection until it closes. Unauthenticated requests get 401 and are
// never upgraded.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeHTTPError(w, errors.NewUnauthorizedError("missing token"))
		return
	}
	identity, err := s.tokens.ValidateIdentity(token)
	if err != nil {
		s.logger.Infow("signaling authentication failed", "remote_addr", r.RemoteAddr, "error", err)
		writeHTTPError(w, errors.NewUnauthorizedError("invalid or expired token"))
		return
	}

	if s.ctx.Err() != nil {
		writeHTTPError(w, errors.NewServiceUnavailableError("server is shutting down"))
		return
	}
	if limit := s.cfg.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
		writeHTTPError(w, errors.NewServiceUnavailableError("too many connections"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	s.serve(conn, identity)
}

func (s *WebSocketServer) serve(conn *websocket.Conn, identity domain.Identity) {
	connID := domain.PeerID(uuid.NewString())
	logger := s.logger.With("peer_id", connID, "user_id", identity.UserID)

	c := newClient(conn, s.cfg, logger)
	s.hub.Register(connID, c)
	session := NewSession(connID, identity, s.registry, s.access, s.hub, s.logger)

	logger.Infow("peer connected via websocket", "remote_addr", conn.RemoteAddr().String())

	// requests run on their own goroutine so a request stuck in the engine
	// never hides the socket closing from the read loop
	ctx, cancel := context.WithCancel(s.ctx)
	inbox := make(chan Message, s.cfg.SendQueue)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for msg := range inbox {
			if reply := s.handle(ctx, session, identity, msg); reply != nil {
				c.Send(*reply)
			}
		}
	}()

	go c.writePump()
	s.readPump(c, inbox)
	close(inbox)
	cancel()

	c.Close()
	s.hub.Unregister(connID)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cleanupCancel()
	session.Close(cleanupCtx)

	<-handled
	logger.Infow("peer disconnected")
}

// readPump reads frames until the socket fails and queues each well-formed
// message on inbox.
func (s *WebSocketServer) readPump(c *client, inbox chan<- Message) {
	conn := c.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	if s.cfg.PongTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		})
	}

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("error reading message from peer", "error", err)
			}
			return
		}
		if s.cfg.PongTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(errorReply("", errors.NewMalformedMessageError("invalid message envelope")))
			s.metrics.ObserveSignal("unknown", string(errors.ErrCodeMalformedMessage), 0)
			continue
		}
		if limiter != nil && !limiter.Allow() {
			c.Send(errorReply(msg.RequestID, errors.NewRateLimitError()))
			s.metrics.ObserveSignal(eventLabel(msg.Type), string(errors.ErrCodeRateLimit), 0)
			continue
		}

		select {
		case inbox <- msg:
		default:
			c.Send(errorReply(msg.RequestID, errors.NewServiceUnavailableError("too many requests in flight")))
			s.metrics.ObserveSignal(eventLabel(msg.Type), string(errors.ErrCodeServiceUnavailable), 0)
		}
	}
}

// handle runs one message inside its own span and request-scoped logger.
func (s *WebSocketServer) handle(ctx context.Context, session *Session, identity domain.Identity, msg Message) *Outbound {
	start := time.Now()

	ctx = rlog.WithRequestID(ctx, msg.RequestID)
	ctx = rlog.WithPeer(ctx, string(session.ConnID()), string(identity.UserID))
	if roomID := roomOf(msg.Payload); roomID != "" {
		ctx = rlog.WithRoom(ctx, string(roomID))
	}
	ctx = services.WithIdentity(ctx, identity)
	event := eventLabel(msg.Type)
	ctx, span := tracing.TraceSignalMessage(ctx, event, msg.RequestID, string(session.ConnID()))

	reply := session.Handle(ctx, msg)

	status := "ok"
	var spanErr error
	if reply != nil && reply.Type == EventError {
		payload := reply.Payload.(ErrorPayload)
		status = string(payload.Code)
		spanErr = errors.NewAppError(payload.Code, payload.Message, 0)
		span.SetAttributes(tracing.ErrorCodeKey.String(status))
		s.ctxLogger.For(ctx).Infow("signaling request failed",
			"event", msg.Type,
			"code", payload.Code,
			"message", payload.Message,
		)
	}
	tracing.EndSpan(span, spanErr)
	s.metrics.ObserveSignal(event, status, time.Since(start).Seconds())
	return reply
}

// Shutdown closes every connection and waits for their cleanup.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// client owns the write side of one connection. Frames are queued and
// written by writePump; a full queue disconnects the slow client.
type client struct {
	conn   *websocket.Conn
	cfg    ServerConfig
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.SugaredLogger
}

func newClient(conn *websocket.Conn, cfg ServerConfig, logger *zap.SugaredLogger) *client {
	return &client{
		conn:   conn,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendQueue),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *client) Send(msg Outbound) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Errorw("failed to encode outbound message", "type", msg.Type, "error", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warnw("send queue full, disconnecting slow client", "type", msg.Type)
		c.Close()
		return false
	}
}

// Close stops the write pump, which closes the connection.
func (c *client) Close() {
	c.once.Do(func() {
		close(c.done)
		// unblock a read loop waiting on the socket
		_ = c.conn.SetReadDeadline(time.Now())
	})
}

func (c *client) writePump() {
	var tick <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Infow("error writing message", "error", err)
				c.Close()
				return
			}

		case <-tick:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Infow("error sending ping", "error", err)
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.setWriteDeadline()
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before Close.
func (c *client) flush() {
	for {
		select {
		case data := <-c.send:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) setWriteDeadline() {
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
}
