package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/pkg/cache"

	"go.uber.org/zap"
)

type AccessMode string

const (
	// AccessOpen lets any authenticated user into any room.
	AccessOpen AccessMode = "open"
	// AccessClass admits only the teacher and participants of the class bound to the room.
	AccessClass AccessMode = "class"
)

// AccessService resolves the role an identity takes in a room.
type AccessService struct {
	mode    AccessMode
	classes ports.ClassRepository
	cache   *cache.Cache[domain.Role]
	logger  *zap.SugaredLogger
}

func NewAccessService(mode AccessMode, classes ports.ClassRepository, cacheTTL time.Duration, logger *zap.SugaredLogger) *AccessService {
	return &AccessService{
		mode:    mode,
		classes: classes,
		cache:   cache.New[domain.Role](cacheTTL),
		logger:  logger,
	}
}

// AuthorizeRoom returns the role for identity in roomID or domain.ErrAccessDenied.
func (s *AccessService) AuthorizeRoom(ctx context.Context, identity domain.Identity, roomID domain.RoomID) (domain.Role, error) {
	if s.mode != AccessClass {
		if identity.Role.Valid() {
			return identity.Role, nil
		}
		return domain.RoleParticipant, nil
	}

	key := fmt.Sprintf("%s:%s", roomID, identity.UserID)
	role, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) (domain.Role, error) {
		return s.resolve(ctx, identity.UserID, roomID)
	})
	if err != nil {
		s.logger.Infow("room access denied",
			"room_id", roomID,
			"user_id", identity.UserID,
			"error", err,
		)
		return "", err
	}
	return role, nil
}

func (s *AccessService) resolve(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (domain.Role, error) {
	class, err := s.classes.GetByRoom(ctx, roomID)
	if errors.Is(err, domain.ErrClassNotFound) {
		return "", domain.ErrAccessDenied
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up class: %w", err)
	}

	switch {
	case class.TeacherID == userID:
		return domain.RoleHost, nil
	case class.HasParticipant(userID):
		return domain.RoleParticipant, nil
	default:
		return "", domain.ErrAccessDenied
	}
}

// Invalidate drops cached decisions for a room after its class changed.
func (s *AccessService) Invalidate(roomID domain.RoomID) {
	s.cache.InvalidatePrefix(string(roomID) + ":")
}

func (s *AccessService) Close() {
	s.cache.Stop()
}
