package reliability

import (
	"context"
	"errors"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// ClassRepository guards a remote class directory with a circuit breaker so
// that room joins fail fast while the store is unreachable.
type ClassRepository struct {
	repo    ports.ClassRepository
	breaker *circuitbreaker.CircuitBreaker
}

// NewClassRepository wraps repo. Lookups that resolve to a domain answer
// (not found, already exists) do not count as failures.
func NewClassRepository(repo ports.ClassRepository, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *ClassRepository {
	cfg.IsFailure = isStoreFailure
	breaker := circuitbreaker.New(cfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("class directory circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return &ClassRepository{repo: repo, breaker: breaker}
}

func isStoreFailure(err error) bool {
	switch {
	case errors.Is(err, domain.ErrClassNotFound),
		errors.Is(err, domain.ErrClassExists),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// State exposes the breaker state for health reporting.
func (r *ClassRepository) State() circuitbreaker.State {
	return r.breaker.State()
}

func (r *ClassRepository) Create(ctx context.Context, class *domain.Class) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.repo.Create(ctx, class)
	})
}

func (r *ClassRepository) GetByID(ctx context.Context, id string) (*domain.Class, error) {
	return circuitbreaker.Do(ctx, r.breaker, func(ctx context.Context) (*domain.Class, error) {
		return r.repo.GetByID(ctx, id)
	})
}

func (r *ClassRepository) GetByRoom(ctx context.Context, roomID domain.RoomID) (*domain.Class, error) {
	return circuitbreaker.Do(ctx, r.breaker, func(ctx context.Context) (*domain.Class, error) {
		return r.repo.GetByRoom(ctx, roomID)
	})
}

func (r *ClassRepository) AddParticipant(ctx context.Context, id string, userID domain.UserID) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.repo.AddParticipant(ctx, id, userID)
	})
}
