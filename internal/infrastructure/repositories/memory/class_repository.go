package memory

import (
	"context"
	"fmt"
	"sync"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
)

type MemoryClassRepository struct {
	classes map[string]*domain.Class
	byRoom  map[domain.RoomID]string
	mu      sync.RWMutex
}

func NewMemoryClassRepository() ports.ClassRepository {
	return &MemoryClassRepository{
		classes: make(map[string]*domain.Class),
		byRoom:  make(map[domain.RoomID]string),
	}
}

func (r *MemoryClassRepository) Create(ctx context.Context, class *domain.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[class.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrClassExists, class.ID)
	}
	if _, taken := r.byRoom[class.RoomID]; taken {
		return fmt.Errorf("%w: room already bound to a class: %s", domain.ErrClassExists, class.RoomID)
	}

	r.classes[class.ID] = copyClass(class)
	r.byRoom[class.RoomID] = class.ID
	return nil
}

func (r *MemoryClassRepository) GetByID(ctx context.Context, id string) (*domain.Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	class, exists := r.classes[id]
	if !exists {
		return nil, domain.ErrClassNotFound
	}
	return copyClass(class), nil
}

func (r *MemoryClassRepository) GetByRoom(ctx context.Context, roomID domain.RoomID) (*domain.Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byRoom[roomID]
	if !exists {
		return nil, domain.ErrClassNotFound
	}
	return copyClass(r.classes[id]), nil
}

func (r *MemoryClassRepository) AddParticipant(ctx context.Context, id string, userID domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	class, exists := r.classes[id]
	if !exists {
		return domain.ErrClassNotFound
	}
	if !class.HasParticipant(userID) {
		class.Participants = append(class.Participants, userID)
	}
	return nil
}

// copyClass keeps callers from mutating stored state.
func copyClass(c *domain.Class) *domain.Class {
	out := *c
	out.Participants = append([]domain.UserID(nil), c.Participants...)
	return &out
}
