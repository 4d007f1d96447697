package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Engine is the pion backed ports.MediaEngine. Each worker owns its own
// SettingEngine (port range, announced address) shared by every router on it.
type Engine struct {
	logger *zap.SugaredLogger
}

func NewEngine(logger *zap.SugaredLogger) *Engine {
	return &Engine{logger: logger}
}

func (e *Engine) CreateWorker(ctx context.Context, settings ports.WorkerSettings) (ports.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if settings.RTCMinPort > 0 && settings.RTCMaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(settings.RTCMinPort, settings.RTCMaxPort); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if settings.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{settings.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(settings.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool {
			return candidate.Equal(ip)
		})
	}

	w := &worker{
		id:       domain.WorkerID(uuid.NewString()),
		settings: se,
		died:     make(chan error, 1),
		routers:  make(map[domain.RouterID]*router),
		logger:   e.logger,
	}
	e.logger.Debugw("pion worker created",
		"worker_id", w.id,
		"rtc_min_port", settings.RTCMinPort,
		"rtc_max_port", settings.RTCMaxPort,
		"announced_ip", settings.AnnouncedIP,
	)
	return w, nil
}

type worker struct {
	id       domain.WorkerID
	settings webrtc.SettingEngine
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	routers map[domain.RouterID]*router
	closed  bool

	died     chan error
	diedOnce sync.Once
}

func (w *worker) ID() domain.WorkerID { return w.id }
func (w *worker) Died() <-chan error  { return w.died }

// fail reports the worker as dead. Only the first cause is delivered.
func (w *worker) fail(cause error) {
	w.diedOnce.Do(func() {
		w.died <- cause
		close(w.died)
	})
}

// guard turns a panic in a media goroutine into a worker death.
func (w *worker) guard(what string) {
	if r := recover(); r != nil {
		w.fail(fmt.Errorf("panic in %s: %v", what, r))
	}
}

func (w *worker) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("worker %s is closed", w.id)
	}

	rc, err := newRouter(w, codecs)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.routers[rc.id] = rc
	w.mu.Unlock()
	return rc, nil
}

func (w *worker) removeRouter(id domain.RouterID) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*router, 0, len(w.routers))
	for _, rc := range w.routers {
		routers = append(routers, rc)
	}
	w.mu.Unlock()

	for _, rc := range routers {
		_ = rc.Close()
	}
	return nil
}
