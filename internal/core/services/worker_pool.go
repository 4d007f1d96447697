package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/pkg/retry"

	"go.uber.org/zap"
)

// WorkerSource hands out the worker a new room should be placed on.
type WorkerSource interface {
	NextWorker() (ports.Worker, error)
}

// WorkerPoolConfig configures the media worker pool.
type WorkerPoolConfig struct {
	Count       int
	ListenIP    string
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
	// DeathGrace is how long the process keeps running after a worker dies.
	DeathGrace time.Duration
	Retry      retry.Config
}

// WorkerPool owns a fixed set of media workers and distributes rooms over
// them in strict round-robin order. A worker death is fatal to the process.
type WorkerPool struct {
	engine  ports.MediaEngine
	config  WorkerPoolConfig
	metrics ports.RoomMetrics
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	workers []ports.Worker
	next    atomic.Uint64
	dead    atomic.Int64
	closed  atomic.Bool
	fatal   func()
}

func NewWorkerPool(
	engine ports.MediaEngine,
	config WorkerPoolConfig,
	metrics ports.RoomMetrics,
	logger *zap.SugaredLogger,
) *WorkerPool {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &WorkerPool{
		engine:  engine,
		config:  config,
		metrics: metrics,
		logger:  logger,
		fatal:   func() { os.Exit(1) },
	}
}

// SetFatalHandler replaces the hook run after a worker death. Defaults to os.Exit(1).
func (p *WorkerPool) SetFatalHandler(fn func()) {
	p.fatal = fn
}

// Initialize starts Count workers, each on its own slice of the port range.
func (p *WorkerPool) Initialize(ctx context.Context) error {
	if p.config.Count < 1 {
		return fmt.Errorf("worker count must be positive, got %d", p.config.Count)
	}

	workers := make([]ports.Worker, 0, p.config.Count)
	for i := 0; i < p.config.Count; i++ {
		settings := p.settingsFor(i)
		w, err := retry.DoWithResult(ctx, p.config.Retry, func(ctx context.Context) (ports.Worker, error) {
			return p.engine.CreateWorker(ctx, settings)
		})
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return fmt.Errorf("failed to start media worker %d: %w", i, err)
		}
		p.logger.Infow("media worker started",
			"worker_id", w.ID(),
			"rtc_min_port", settings.RTCMinPort,
			"rtc_max_port", settings.RTCMaxPort,
		)
		workers = append(workers, w)
	}

	p.mu.Lock()
	p.workers = workers
	p.mu.Unlock()

	for _, w := range workers {
		go p.watch(w)
	}
	return nil
}

func (p *WorkerPool) settingsFor(i int) ports.WorkerSettings {
	settings := ports.WorkerSettings{
		ListenIP:    p.config.ListenIP,
		AnnouncedIP: p.config.AnnouncedIP,
		RTCMinPort:  p.config.MinPort,
		RTCMaxPort:  p.config.MaxPort,
	}
	total := int(p.config.MaxPort) - int(p.config.MinPort) + 1
	if p.config.MinPort == 0 || total < p.config.Count {
		return settings
	}

	span := total / p.config.Count
	settings.RTCMinPort = p.config.MinPort + uint16(i*span)
	settings.RTCMaxPort = settings.RTCMinPort + uint16(span) - 1
	if i == p.config.Count-1 {
		settings.RTCMaxPort = p.config.MaxPort
	}
	return settings
}

func (p *WorkerPool) watch(w ports.Worker) {
	cause, ok := <-w.Died()
	if p.closed.Load() {
		return
	}
	p.dead.Add(1)
	if !ok || cause == nil {
		cause = fmt.Errorf("worker exited")
	}

	p.logger.Errorw("media worker died, exiting",
		"worker_id", w.ID(),
		"grace", p.config.DeathGrace,
		"error", cause,
	)
	p.metrics.WorkerDied(w.ID())

	time.Sleep(p.config.DeathGrace)
	p.fatal()
}

// NextWorker returns workers in strict rotation: the i-th call gets
// worker (i-1) mod N.
func (p *WorkerPool) NextWorker() (ports.Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.workers) == 0 || p.closed.Load() {
		return nil, domain.ErrWorkerUnavailable
	}
	idx := (p.next.Add(1) - 1) % uint64(len(p.workers))
	return p.workers[idx], nil
}

// Workers returns a snapshot of the pool.
func (p *WorkerPool) Workers() []ports.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ports.Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Healthy fails once the pool is closed, empty or has lost a worker.
func (p *WorkerPool) Healthy() error {
	if p.closed.Load() {
		return fmt.Errorf("worker pool closed")
	}
	if n := p.dead.Load(); n > 0 {
		return fmt.Errorf("%d media workers died", n)
	}
	if len(p.Workers()) == 0 {
		return domain.ErrWorkerUnavailable
	}
	return nil
}

// Close stops every worker. Deaths observed afterwards are not fatal.
func (p *WorkerPool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	var firstErr error
	for _, w := range p.Workers() {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
