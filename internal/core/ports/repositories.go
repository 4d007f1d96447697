package ports

import (
	"context"

	"liveclass/internal/core/domain"
)

// ClassRepository stores the classes that gate access to rooms.
type ClassRepository interface {
	Create(ctx context.Context, class *domain.Class) error
	GetByID(ctx context.Context, id string) (*domain.Class, error)
	GetByRoom(ctx context.Context, roomID domain.RoomID) (*domain.Class, error)
	AddParticipant(ctx context.Context, id string, userID domain.UserID) error
}
