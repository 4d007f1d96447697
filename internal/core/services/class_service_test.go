package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassService_CreateAndEnroll(t *testing.T) {
	repo := memory.NewMemoryClassRepository()
	access := NewAccessService(AccessClass, repo, time.Minute, testLogger())
	defer access.Close()
	classes := NewClassService(repo, access)
	ctx := context.Background()

	class, err := classes.CreateClass(ctx, "teacher", "  Biology  ", "", []domain.UserID{"s1", "s1", "teacher", ""})
	require.NoError(t, err)
	assert.Equal(t, "Biology", class.Title)
	assert.NotEmpty(t, class.RoomID)
	assert.Equal(t, []domain.UserID{"s1"}, class.Participants)

	// s2 is not enrolled yet
	_, err = access.AuthorizeRoom(ctx, domain.Identity{UserID: "s2"}, class.RoomID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = classes.AddParticipant(ctx, "s1", class.ID, "s2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	updated, err := classes.AddParticipant(ctx, "teacher", class.ID, "s2")
	require.NoError(t, err)
	assert.True(t, updated.HasParticipant("s2"))

	role, err := access.AuthorizeRoom(ctx, domain.Identity{UserID: "s2"}, class.RoomID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleParticipant, role)
}

func TestClassService_Validation(t *testing.T) {
	classes := NewClassService(memory.NewMemoryClassRepository(), nil)
	ctx := context.Background()

	_, err := classes.CreateClass(ctx, "teacher", "", "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidClass)

	_, err = classes.CreateClass(ctx, "teacher", "Art", "bad room id", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidClass)

	_, err = classes.CreateClass(ctx, "teacher", strings.Repeat("x", 300), "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidClass)

	class, err := classes.CreateClass(ctx, "teacher", "Art", "art-101", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("art-101"), class.RoomID)

	_, err = classes.CreateClass(ctx, "teacher", "Art again", "art-101", nil)
	assert.ErrorIs(t, err, domain.ErrClassExists)

	_, err = classes.GetClass(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrClassNotFound)
}
