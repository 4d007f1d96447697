package services

import (
	"context"

	"liveclass/internal/core/domain"
)

// NopMetrics discards every room metric.
type NopMetrics struct{}

func (NopMetrics) RoomCreated(domain.WorkerID)           {}
func (NopMetrics) RoomClosed(domain.WorkerID)            {}
func (NopMetrics) PeerJoined()                           {}
func (NopMetrics) PeerLeft()                             {}
func (NopMetrics) ProducerCreated(domain.MediaKind)      {}
func (NopMetrics) ProducerClosed(domain.MediaKind)       {}
func (NopMetrics) ConsumerCreated(domain.MediaKind)      {}
func (NopMetrics) ConsumerClosed(domain.MediaKind)       {}
func (NopMetrics) FanOutFailed()                         {}
func (NopMetrics) WorkerDied(domain.WorkerID)            {}
func (NopMetrics) ObserveSignal(string, string, float64) {}

// NopPublisher is used when no event bus is configured.
type NopPublisher struct{}

func (NopPublisher) PublishRoomCreated(context.Context, domain.RoomID) error { return nil }
func (NopPublisher) PublishRoomClosed(context.Context, domain.RoomID) error  { return nil }
func (NopPublisher) PublishPeerJoined(context.Context, domain.RoomID, domain.PeerInfo) error {
	return nil
}
func (NopPublisher) PublishPeerLeft(context.Context, domain.RoomID, domain.PeerInfo) error {
	return nil
}
