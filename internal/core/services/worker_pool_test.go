package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RoundRobin(t *testing.T) {
	engine := testutils.NewEngine()
	pool := newTestPool(t, engine, 3, &recordingMetrics{})

	workers := pool.Workers()
	require.Len(t, workers, 3)
	assert.NoError(t, pool.Healthy())

	for i := 0; i < 7; i++ {
		w, err := pool.NextWorker()
		require.NoError(t, err)
		assert.Equal(t, workers[i%3].ID(), w.ID(), "call %d", i+1)
	}
}

func TestWorkerPool_RoundRobinConcurrent(t *testing.T) {
	engine := testutils.NewEngine()
	pool := newTestPool(t, engine, 4, &recordingMetrics{})

	var (
		mu     sync.Mutex
		counts = make(map[domain.WorkerID]int)
		wg     sync.WaitGroup
	)
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := pool.NextWorker()
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			counts[w.ID()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, counts, 4)
	for id, n := range counts {
		assert.Equal(t, 100, n, "worker %s", id)
	}
}

func TestWorkerPool_PortSlices(t *testing.T) {
	engine := testutils.NewEngine()
	pool := NewWorkerPool(engine, WorkerPoolConfig{
		Count:       3,
		AnnouncedIP: "203.0.113.10",
		MinPort:     40000,
		MaxPort:     40099,
		Retry:       testRetry(),
	}, nil, testLogger())
	require.NoError(t, pool.Initialize(context.Background()))
	defer pool.Close()

	workers := engine.Workers()
	require.Len(t, workers, 3)

	expected := [][2]uint16{{40000, 40032}, {40033, 40065}, {40066, 40099}}
	for i, w := range workers {
		s := w.Settings()
		assert.Equal(t, expected[i][0], s.RTCMinPort, "worker %d min", i)
		assert.Equal(t, expected[i][1], s.RTCMaxPort, "worker %d max", i)
		assert.Equal(t, "203.0.113.10", s.AnnouncedIP)
	}
}

func TestWorkerPool_InitializeFailure(t *testing.T) {
	engine := testutils.NewEngine()
	engine.FailCreateWorker = errors.New("spawn failed")

	pool := NewWorkerPool(engine, WorkerPoolConfig{Count: 2, Retry: testRetry()}, nil, testLogger())
	err := pool.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn failed")

	_, err = pool.NextWorker()
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
}

func TestWorkerPool_InvalidCount(t *testing.T) {
	pool := NewWorkerPool(testutils.NewEngine(), WorkerPoolConfig{Count: 0}, nil, testLogger())
	assert.Error(t, pool.Initialize(context.Background()))
}

func TestWorkerPool_DeathIsFatal(t *testing.T) {
	engine := testutils.NewEngine()
	metrics := &recordingMetrics{}
	pool := NewWorkerPool(engine, WorkerPoolConfig{
		Count:      2,
		DeathGrace: 20 * time.Millisecond,
		Retry:      testRetry(),
	}, metrics, testLogger())

	exited := make(chan time.Time, 1)
	pool.SetFatalHandler(func() { exited <- time.Now() })
	require.NoError(t, pool.Initialize(context.Background()))

	victim := engine.Workers()[1]
	killedAt := time.Now()
	victim.Kill(errors.New("segfault"))

	select {
	case at := <-exited:
		assert.GreaterOrEqual(t, at.Sub(killedAt), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal handler was not called")
	}
	assert.Equal(t, []domain.WorkerID{victim.ID()}, metrics.snapshot().workerDeaths)
	assert.Error(t, pool.Healthy())
}

func TestWorkerPool_DeathAfterCloseIsIgnored(t *testing.T) {
	engine := testutils.NewEngine()
	pool := NewWorkerPool(engine, WorkerPoolConfig{Count: 1, Retry: testRetry()}, nil, testLogger())

	exited := make(chan struct{}, 1)
	pool.SetFatalHandler(func() { exited <- struct{}{} })
	require.NoError(t, pool.Initialize(context.Background()))
	require.NoError(t, pool.Close())

	for _, w := range engine.Workers() {
		assert.True(t, w.Closed())
		w.Kill(nil)
	}

	select {
	case <-exited:
		t.Fatal("death after close must not be fatal")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := pool.NextWorker()
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	assert.Error(t, pool.Healthy())
}

var _ WorkerSource = (*WorkerPool)(nil)
var _ ports.RoomMetrics = NopMetrics{}
