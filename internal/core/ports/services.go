package ports

import (
	"context"

	"liveclass/internal/core/domain"
)

// TokenValidator verifies the credential presented when a client connects.
type TokenValidator interface {
	ValidateIdentity(token string) (domain.Identity, error)
}

// RoomAuthorizer decides whether an identity may enter a room and with which role.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, identity domain.Identity, roomID domain.RoomID) (domain.Role, error)
}

// RoomEventPublisher announces room lifecycle changes to other instances.
type RoomEventPublisher interface {
	PublishRoomCreated(ctx context.Context, roomID domain.RoomID) error
	PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error
	PublishPeerJoined(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error
	PublishPeerLeft(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error
}

// RoomMetrics receives room graph counters.
type RoomMetrics interface {
	RoomCreated(workerID domain.WorkerID)
	RoomClosed(workerID domain.WorkerID)
	PeerJoined()
	PeerLeft()
	ProducerCreated(kind domain.MediaKind)
	ProducerClosed(kind domain.MediaKind)
	ConsumerCreated(kind domain.MediaKind)
	ConsumerClosed(kind domain.MediaKind)
	FanOutFailed()
	WorkerDied(workerID domain.WorkerID)
	ObserveSignal(event string, status string, seconds float64)
}
