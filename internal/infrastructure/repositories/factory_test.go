package repositories

import (
	"context"
	"testing"

	"liveclass/internal/infrastructure/repositories/memory"
	"liveclass/pkg/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestFactory_MemoryWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewRepositoryFactory(context.Background(), cfg, zap.NewNop().Sugar())
	defer f.Close()

	assert.IsType(t, &memory.MemoryClassRepository{}, f.CreateClassRepository())
	assert.Nil(t, f.RedisClient())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewRepositoryFactory(ctx, cfg, zap.NewNop().Sugar())
	defer f.Close()

	assert.IsType(t, &memory.MemoryClassRepository{}, f.CreateClassRepository())
	assert.NoError(t, f.HealthCheck(context.Background()))
}
