package webrtc

import (
	"context"
	"fmt"
	"sync"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// router is one room's routing context: an API built from the worker's
// settings and the room codecs, plus the producers created on it.
type router struct {
	id     domain.RouterID
	worker *worker
	codecs []domain.RTPCodecCapability
	api    *webrtc.API

	mu         sync.Mutex
	producers  map[domain.ProducerID]*producer
	transports map[domain.TransportID]*transport
	closed     bool
}

func newRouter(w *worker, configured []domain.RTPCodecCapability) (*router, error) {
	codecs, err := routerCodecs(configured)
	if err != nil {
		return nil, err
	}
	m, err := newMediaEngine(codecs)
	if err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(w.settings),
	)

	return &router{
		id:         domain.RouterID(uuid.NewString()),
		worker:     w,
		codecs:     codecs,
		api:        api,
		producers:  make(map[domain.ProducerID]*producer),
		transports: make(map[domain.TransportID]*transport),
	}, nil
}

func (r *router) ID() domain.RouterID       { return r.id }
func (r *router) WorkerID() domain.WorkerID { return r.worker.id }

func (r *router) Capabilities() domain.RTPCapabilities {
	codecs := make([]domain.RTPCodecCapability, len(r.codecs))
	copy(codecs, r.codecs)
	return domain.RTPCapabilities{Codecs: codecs}
}

func (r *router) CreateTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("router %s is closed", r.id)
	}

	t, err := newTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return canConsume(r.codecs, p.codec.MimeType, caps)
}

func (r *router) producer(id domain.ProducerID) (*producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.worker.removeRouter(r.id)
	return nil
}
