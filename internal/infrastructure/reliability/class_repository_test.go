package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/internal/infrastructure/repositories/memory"
	"liveclass/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var _ ports.ClassRepository = (*ClassRepository)(nil)

// flakyRepo fails every call with err until healed.
type flakyRepo struct {
	ports.ClassRepository
	err   error
	calls int
}

func (f *flakyRepo) GetByRoom(ctx context.Context, roomID domain.RoomID) (*domain.Class, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.ClassRepository.GetByRoom(ctx, roomID)
}

func breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Hour,
		MaxRequestsHalfOpen: 1,
	}
}

func TestClassRepository_OpensOnStoreFailures(t *testing.T) {
	flaky := &flakyRepo{ClassRepository: memory.NewMemoryClassRepository(), err: errors.New("connection refused")}
	repo := NewClassRepository(flaky, breakerConfig(), zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := repo.GetByRoom(ctx, "room-1")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, repo.State())

	_, err := repo.GetByRoom(ctx, "room-1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, flaky.calls)
}

func TestClassRepository_DomainAnswersDoNotTrip(t *testing.T) {
	flaky := &flakyRepo{ClassRepository: memory.NewMemoryClassRepository()}
	repo := NewClassRepository(flaky, breakerConfig(), zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.GetByRoom(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrClassNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, repo.State())

	class := &domain.Class{ID: "c1", RoomID: "room-1", TeacherID: "t1"}
	require.NoError(t, repo.Create(ctx, class))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, repo.Create(ctx, class), domain.ErrClassExists)
	}
	assert.Equal(t, circuitbreaker.StateClosed, repo.State())

	require.NoError(t, repo.AddParticipant(ctx, "c1", "s1"))
	got, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.HasParticipant("s1"))
}
