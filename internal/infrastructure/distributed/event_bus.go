package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"liveclass/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel carries room lifecycle events between instances.
const DefaultChannel = "liveclass:rooms"

// EventType represents the type of event
type EventType string

const (
	EventRoomCreated EventType = "room.created"
	EventRoomClosed  EventType = "room.closed"
	EventPeerJoined  EventType = "peer.joined"
	EventPeerLeft    EventType = "peer.left"
)

// Event represents a distributed event
type Event struct {
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	RoomID     domain.RoomID    `json:"room_id"`
	Peer       *domain.PeerInfo `json:"peer,omitempty"`
}

// EventHandler receives events published by other instances.
type EventHandler func(ctx context.Context, event *Event) error

// EventBus publishes room lifecycle events over Redis pub/sub. It satisfies
// ports.RoomEventPublisher.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewEventBus creates a new event bus
func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    DefaultChannel,
		logger:     logger,
	}
}

// InstanceID identifies this process on the bus.
func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
	)
	return nil
}

func (eb *EventBus) PublishRoomCreated(ctx context.Context, roomID domain.RoomID) error {
	return eb.Publish(ctx, &Event{Type: EventRoomCreated, RoomID: roomID})
}

func (eb *EventBus) PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error {
	return eb.Publish(ctx, &Event{Type: EventRoomClosed, RoomID: roomID})
}

func (eb *EventBus) PublishPeerJoined(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error {
	return eb.Publish(ctx, &Event{Type: EventPeerJoined, RoomID: roomID, Peer: &peer})
}

func (eb *EventBus) PublishPeerLeft(ctx context.Context, roomID domain.RoomID, peer domain.PeerInfo) error {
	return eb.Publish(ctx, &Event{Type: EventPeerLeft, RoomID: roomID, Peer: &peer})
}

// Subscribe delivers events from other instances to handler until ctx is
// cancelled or Close is called.
func (eb *EventBus) Subscribe(ctx context.Context, handler EventHandler) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(ctx, msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(ctx context.Context, payload string, handler EventHandler) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}

	if event.InstanceID == eb.instanceID {
		return
	}

	if err := handler(ctx, &event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err,
		)
	}
}

// LogEvents is a handler that records remote room activity.
func (eb *EventBus) LogEvents(_ context.Context, event *Event) error {
	fields := []interface{}{
		"type", event.Type,
		"room_id", event.RoomID,
		"instance_id", event.InstanceID,
	}
	if event.Peer != nil {
		fields = append(fields, "user_id", event.Peer.UserID)
	}
	eb.logger.Infow("remote room event", fields...)
	return nil
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
