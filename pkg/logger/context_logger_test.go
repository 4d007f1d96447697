package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsIDsFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core).Sugar())

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithRoom(ctx, "room-a")
	ctx = WithPeer(ctx, "conn-1", "user-1")

	cl.For(ctx).Infow("joined")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "room-a", fields["room_id"])
		assert.Equal(t, "conn-1", fields["peer_id"])
		assert.Equal(t, "user-1", fields["user_id"])
	}
}

func TestContextLogger_EmptyContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core).Sugar())

	cl.For(context.Background()).Info("plain")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Empty(t, entries[0].ContextMap())
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("chatty")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
