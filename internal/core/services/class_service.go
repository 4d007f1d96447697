package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/pkg/validation"

	"github.com/google/uuid"
)

// ClassService manages the class directory that gates room access.
type ClassService struct {
	classes ports.ClassRepository
	access  *AccessService
}

func NewClassService(classes ports.ClassRepository, access *AccessService) *ClassService {
	return &ClassService{classes: classes, access: access}
}

// CreateClass registers a class taught by teacher. A fresh room id is
// generated when roomID is empty.
func (s *ClassService) CreateClass(ctx context.Context, teacher domain.UserID, title string, roomID domain.RoomID, participants []domain.UserID) (*domain.Class, error) {
	if err := validation.ValidateClassTitle(title); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidClass, err)
	}
	if roomID == "" {
		roomID = domain.RoomID(uuid.NewString())
	} else if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidClass, err)
	}

	class := &domain.Class{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(title),
		RoomID:       roomID,
		TeacherID:    teacher,
		Participants: dedupeUsers(participants, teacher),
		CreatedAt:    time.Now(),
	}
	if err := s.classes.Create(ctx, class); err != nil {
		return nil, fmt.Errorf("failed to create class: %w", err)
	}
	s.invalidate(roomID)
	return class, nil
}

func (s *ClassService) GetClass(ctx context.Context, id string) (*domain.Class, error) {
	return s.classes.GetByID(ctx, id)
}

// AddParticipant enrolls userID. Only the class teacher may do so.
func (s *ClassService) AddParticipant(ctx context.Context, caller domain.UserID, classID string, userID domain.UserID) (*domain.Class, error) {
	class, err := s.classes.GetByID(ctx, classID)
	if err != nil {
		return nil, err
	}
	if class.TeacherID != caller {
		return nil, ErrUnauthorized
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidClass)
	}
	if userID == class.TeacherID || class.HasParticipant(userID) {
		return class, nil
	}
	if err := s.classes.AddParticipant(ctx, classID, userID); err != nil {
		return nil, fmt.Errorf("failed to add participant: %w", err)
	}
	s.invalidate(class.RoomID)
	return s.classes.GetByID(ctx, classID)
}

func (s *ClassService) invalidate(roomID domain.RoomID) {
	if s.access != nil {
		s.access.Invalidate(roomID)
	}
}

func dedupeUsers(users []domain.UserID, exclude domain.UserID) []domain.UserID {
	seen := make(map[domain.UserID]struct{}, len(users))
	out := make([]domain.UserID, 0, len(users))
	for _, u := range users {
		if u == "" || u == exclude {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
