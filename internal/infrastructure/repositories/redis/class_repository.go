package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	classKeyPrefix  = "liveclass:class:"
	roomIndexPrefix = "liveclass:room-class:"

	maxTxRetries = 5
)

// getter is the part of *redis.Client and *redis.Tx that reads a class.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type RedisClassRepository struct {
	client *redis.Client
}

func NewRedisClassRepository(client *redis.Client) ports.ClassRepository {
	return &RedisClassRepository{client: client}
}

func classKey(id string) string {
	return classKeyPrefix + id
}

func roomKey(roomID domain.RoomID) string {
	return roomIndexPrefix + string(roomID)
}

func (r *RedisClassRepository) Create(ctx context.Context, class *domain.Class) (err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "create", "class")
	defer func() { tracing.EndSpan(span, err) }()

	data, err := json.Marshal(class)
	if err != nil {
		return fmt.Errorf("failed to marshal class: %w", err)
	}

	created, err := r.client.SetNX(ctx, classKey(class.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store class in Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", domain.ErrClassExists, class.ID)
	}

	bound, err := r.client.SetNX(ctx, roomKey(class.RoomID), class.ID, 0).Result()
	if err != nil || !bound {
		r.client.Del(ctx, classKey(class.ID))
		if err != nil {
			return fmt.Errorf("failed to index class room: %w", err)
		}
		return fmt.Errorf("%w: room already bound to a class: %s", domain.ErrClassExists, class.RoomID)
	}
	return nil
}

func (r *RedisClassRepository) GetByID(ctx context.Context, id string) (class *domain.Class, err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "get", "class")
	defer func() { tracing.EndSpan(span, err) }()

	return r.get(ctx, r.client, id)
}

func (r *RedisClassRepository) get(ctx context.Context, c getter, id string) (*domain.Class, error) {
	data, err := c.Get(ctx, classKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get class from Redis: %w", err)
	}

	var class domain.Class
	if err := json.Unmarshal(data, &class); err != nil {
		return nil, fmt.Errorf("failed to unmarshal class: %w", err)
	}
	return &class, nil
}

func (r *RedisClassRepository) GetByRoom(ctx context.Context, roomID domain.RoomID) (class *domain.Class, err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "get_by_room", "class")
	defer func() { tracing.EndSpan(span, err) }()

	id, err := r.client.Get(ctx, roomKey(roomID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up room index: %w", err)
	}
	return r.get(ctx, r.client, id)
}

// AddParticipant updates the class under WATCH so concurrent enrollments
// do not overwrite each other.
func (r *RedisClassRepository) AddParticipant(ctx context.Context, id string, userID domain.UserID) (err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "add_participant", "class")
	defer func() { tracing.EndSpan(span, err) }()

	key := classKey(id)
	txf := func(tx *redis.Tx) error {
		class, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if class.HasParticipant(userID) {
			return nil
		}
		class.Participants = append(class.Participants, userID)
		data, err := json.Marshal(class)
		if err != nil {
			return fmt.Errorf("failed to marshal class: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("failed to add participant: %w", err)
}
