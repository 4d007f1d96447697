package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	roomIDKey    ctxKey = "room_id"
	peerIDKey    ctxKey = "peer_id"
	userIDKey    ctxKey = "user_id"
)

// WithRequestID stores the correlation id of a signaling request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithPeer stores the connection and user ids of the caller.
func WithPeer(ctx context.Context, peerID, userID string) context.Context {
	ctx = context.WithValue(ctx, peerIDKey, peerID)
	return context.WithValue(ctx, userIDKey, userID)
}

// WithRoom stores the room a request targets.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomIDKey, roomID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns a logger carrying every id found in ctx.
func (cl *ContextLogger) For(ctx context.Context) *zap.SugaredLogger {
	fields := make([]interface{}, 0, 8)
	for _, key := range []ctxKey{requestIDKey, roomIDKey, peerIDKey, userIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, string(key), v)
		}
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}
