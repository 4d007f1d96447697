package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const joinAttempts = 3

// RoomRegistry maps room ids to live rooms, creating a routing context on
// the next pool worker the first time a room is used.
type RoomRegistry struct {
	workers   WorkerSource
	codecs    []domain.RTPCodecCapability
	opts      RoomOptions
	publisher ports.RoomEventPublisher
	metrics   ports.RoomMetrics
	logger    *zap.SugaredLogger

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*Room
	creating singleflight.Group
}

func NewRoomRegistry(
	workers WorkerSource,
	codecs []domain.RTPCodecCapability,
	opts RoomOptions,
	publisher ports.RoomEventPublisher,
	metrics ports.RoomMetrics,
	logger *zap.SugaredLogger,
) *RoomRegistry {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &RoomRegistry{
		workers:   workers,
		codecs:    codecs,
		opts:      opts,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		rooms:     make(map[domain.RoomID]*Room),
	}
}

// GetOrCreateRoom returns the live room for roomID, creating it at most once
// even under concurrent callers. A room that is closing counts as absent.
func (rr *RoomRegistry) GetOrCreateRoom(ctx context.Context, roomID domain.RoomID) (*Room, error) {
	if room, ok := rr.lookup(roomID); ok {
		return room, nil
	}

	v, err, _ := rr.creating.Do(string(roomID), func() (interface{}, error) {
		if room, ok := rr.lookup(roomID); ok {
			return room, nil
		}

		worker, err := rr.workers.NextWorker()
		if err != nil {
			return nil, err
		}

		ctx, span := tracing.TraceEngineCall(ctx, "create_router", string(roomID))
		ctx, cancel := context.WithTimeout(ctx, rr.opts.EngineTimeout)
		router, err := worker.CreateRouter(ctx, rr.codecs)
		cancel()
		if err != nil {
			err = fmt.Errorf("%w: create_router: %w", domain.ErrEngine, err)
		}
		tracing.EndSpan(span, err)
		if err != nil {
			return nil, err
		}

		room := NewRoom(roomID, router, rr.opts, rr.metrics, rr.logger)
		rr.mu.Lock()
		rr.rooms[roomID] = room
		rr.mu.Unlock()

		rr.metrics.RoomCreated(worker.ID())
		rr.logger.Infow("room created",
			"room_id", roomID,
			"worker_id", worker.ID(),
			"router_id", router.ID(),
		)
		if err := rr.publisher.PublishRoomCreated(ctx, roomID); err != nil {
			rr.logger.Warnw("failed to publish room event", "room_id", roomID, "error", err)
		}
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (rr *RoomRegistry) lookup(roomID domain.RoomID) (*Room, bool) {
	rr.mu.RLock()
	room, ok := rr.rooms[roomID]
	rr.mu.RUnlock()
	if !ok || room.Closing() {
		return nil, false
	}
	return room, true
}

func (rr *RoomRegistry) GetRoom(roomID domain.RoomID) (*Room, error) {
	room, ok := rr.lookup(roomID)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

// DeleteRoom removes and closes the room. Deleting an unknown room is a no-op.
func (rr *RoomRegistry) DeleteRoom(ctx context.Context, roomID domain.RoomID) {
	rr.mu.Lock()
	room, ok := rr.rooms[roomID]
	if ok {
		delete(rr.rooms, roomID)
	}
	rr.mu.Unlock()
	if ok {
		rr.closeRoom(ctx, room)
	}
}

// deleteIfCurrent removes room only while it is still the registered entry
// for its id; a replacement created meanwhile is left alone.
func (rr *RoomRegistry) deleteIfCurrent(ctx context.Context, room *Room) {
	rr.mu.Lock()
	current, ok := rr.rooms[room.ID()]
	if ok && current == room {
		delete(rr.rooms, room.ID())
	}
	rr.mu.Unlock()
	rr.closeRoom(ctx, room)
}

func (rr *RoomRegistry) closeRoom(ctx context.Context, room *Room) {
	if !room.Close(ctx) {
		return
	}
	rr.metrics.RoomClosed(room.WorkerID())
	rr.logger.Infow("room closed", "room_id", room.ID(), "worker_id", room.WorkerID())
	if err := rr.publisher.PublishRoomClosed(ctx, room.ID()); err != nil {
		rr.logger.Warnw("failed to publish room event", "room_id", room.ID(), "error", err)
	}
}

// JoinRoom adds a peer to the room, creating the room on first use. A join
// that races the deletion of an emptied room retries on a fresh one.
func (rr *RoomRegistry) JoinRoom(ctx context.Context, roomID domain.RoomID, spec PeerSpec) (*Room, error) {
	for attempt := 0; attempt < joinAttempts; attempt++ {
		room, err := rr.GetOrCreateRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}

		err = room.AddPeer(spec)
		if errors.Is(err, domain.ErrRoomClosed) {
			continue
		}
		if err != nil {
			if room.CloseIfEmpty() {
				rr.deleteIfCurrent(ctx, room)
			}
			return nil, err
		}

		info, _ := room.Peer(spec.ConnID)
		if err := rr.publisher.PublishPeerJoined(ctx, roomID, info); err != nil {
			rr.logger.Warnw("failed to publish peer event", "room_id", roomID, "error", err)
		}
		return room, nil
	}
	return nil, domain.ErrRoomClosed
}

// LeaveRoom removes the peer and deletes the room when it became empty.
// It reports the removed peer and false when there was nothing to remove.
func (rr *RoomRegistry) LeaveRoom(ctx context.Context, roomID domain.RoomID, connID domain.PeerID) (domain.PeerInfo, bool) {
	rr.mu.RLock()
	room, ok := rr.rooms[roomID]
	rr.mu.RUnlock()
	if !ok {
		return domain.PeerInfo{}, false
	}

	removal := room.RemovePeer(ctx, connID)
	if removal.Emptied {
		rr.deleteIfCurrent(ctx, room)
	}
	if removal.Removed {
		if err := rr.publisher.PublishPeerLeft(ctx, roomID, removal.Peer); err != nil {
			rr.logger.Warnw("failed to publish peer event", "room_id", roomID, "error", err)
		}
	}
	return removal.Peer, removal.Removed
}

// ListRooms returns a summary of every live room, oldest first.
func (rr *RoomRegistry) ListRooms() []domain.RoomSummary {
	rr.mu.RLock()
	rooms := make([]*Room, 0, len(rr.rooms))
	for _, room := range rr.rooms {
		rooms = append(rooms, room)
	}
	rr.mu.RUnlock()

	summaries := make([]domain.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		if room.Closing() {
			continue
		}
		summaries = append(summaries, room.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// Close deletes every room. Used at shutdown.
func (rr *RoomRegistry) Close(ctx context.Context) {
	rr.mu.Lock()
	rooms := rr.rooms
	rr.rooms = make(map[domain.RoomID]*Room)
	rr.mu.Unlock()

	for _, room := range rooms {
		rr.closeRoom(ctx, room)
	}
}
