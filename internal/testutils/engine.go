package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
)

// Engine is an in-memory ports.MediaEngine. It keeps no media state beyond
// the handle graph and counts every handle it creates and closes.
type Engine struct {
	mu      sync.Mutex
	workers []*Worker
	seq     atomic.Int64

	// Failure injection. A non-nil error makes the matching call fail.
	FailCreateWorker    error
	FailCreateRouter    error
	FailCreateTransport error
	FailConnect         error
	FailProduce         error
	FailConsume         error
	FailResume          error

	// ConsumeHook, when set, runs inside Transport.Consume before the
	// consumer is built. Tests use it to interleave a disconnect.
	ConsumeHook func(producerID domain.ProducerID)

	routersCreated    atomic.Int64
	transportsCreated atomic.Int64
	transportsClosed  atomic.Int64
	producersCreated  atomic.Int64
	consumersCreated  atomic.Int64
	consumersClosed   atomic.Int64
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *Engine) CreateWorker(ctx context.Context, settings ports.WorkerSettings) (ports.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.FailCreateWorker != nil {
		return nil, e.FailCreateWorker
	}
	w := &Worker{
		engine:   e,
		id:       domain.WorkerID(e.nextID("worker")),
		settings: settings,
		died:     make(chan error, 1),
	}
	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Worker, len(e.workers))
	copy(out, e.workers)
	return out
}

func (e *Engine) RoutersCreated() int    { return int(e.routersCreated.Load()) }
func (e *Engine) TransportsCreated() int { return int(e.transportsCreated.Load()) }
func (e *Engine) TransportsClosed() int  { return int(e.transportsClosed.Load()) }
func (e *Engine) ProducersCreated() int  { return int(e.producersCreated.Load()) }
func (e *Engine) ConsumersCreated() int  { return int(e.consumersCreated.Load()) }
func (e *Engine) ConsumersClosed() int   { return int(e.consumersClosed.Load()) }

// LiveConsumers is the number of consumers created and not yet closed.
func (e *Engine) LiveConsumers() int {
	return e.ConsumersCreated() - e.ConsumersClosed()
}

type Worker struct {
	engine   *Engine
	id       domain.WorkerID
	settings ports.WorkerSettings
	died     chan error
	once     sync.Once
	closed   atomic.Bool
}

func (w *Worker) ID() domain.WorkerID            { return w.id }
func (w *Worker) Died() <-chan error             { return w.died }
func (w *Worker) Settings() ports.WorkerSettings { return w.settings }
func (w *Worker) Closed() bool                   { return w.closed.Load() }

// Kill simulates an unexpected worker termination.
func (w *Worker) Kill(cause error) {
	w.once.Do(func() {
		w.died <- cause
		close(w.died)
	})
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.engine.FailCreateRouter != nil {
		return nil, w.engine.FailCreateRouter
	}
	w.engine.routersCreated.Add(1)
	return &Router{
		engine:    w.engine,
		worker:    w,
		id:        domain.RouterID(w.engine.nextID("router")),
		caps:      domain.RTPCapabilities{Codecs: codecs},
		producers: make(map[domain.ProducerID]*Producer),
	}, nil
}

func (w *Worker) Close() error {
	w.closed.Store(true)
	return nil
}

type Router struct {
	engine *Engine
	worker *Worker
	id     domain.RouterID
	caps   domain.RTPCapabilities

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	closed    bool
}

func (r *Router) ID() domain.RouterID                  { return r.id }
func (r *Router) WorkerID() domain.WorkerID            { return r.worker.id }
func (r *Router) Capabilities() domain.RTPCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) CreateTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.engine.FailCreateTransport != nil {
		return nil, r.engine.FailCreateTransport
	}
	r.engine.transportsCreated.Add(1)
	id := domain.TransportID(r.engine.nextID("transport"))
	return &Transport{
		router:    r,
		id:        id,
		direction: opts.Direction,
		params: domain.TransportParams{
			ID:            id,
			ICEParameters: domain.ICEParameters{UsernameFragment: "ufrag", Password: "pwd", ICELite: true},
			ICECandidates: []domain.ICECandidate{{
				Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host",
			}},
			DTLSParameters: domain.DTLSParameters{
				Role:         "auto",
				Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
			},
		},
	}, nil
}

// CanConsume reports whether the producer exists and one of its codecs is
// present in caps.
func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	for _, c := range p.params.Codecs {
		if caps.HasMimeType(c.MimeType) {
			return true
		}
	}
	return false
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	r.producers = make(map[domain.ProducerID]*Producer)
	r.mu.Unlock()
	return nil
}

type Transport struct {
	router    *Router
	id        domain.TransportID
	direction domain.Direction
	params    domain.TransportParams

	mu        sync.Mutex
	connected bool
	closed    bool
	onClose   func()
}

func (t *Transport) ID() domain.TransportID         { return t.id }
func (t *Transport) Params() domain.TransportParams { return t.params }

func (t *Transport) Connect(ctx context.Context, params domain.ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.router.engine.FailConnect != nil {
		return t.router.engine.FailConnect
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.router.engine.FailProduce != nil {
		return nil, t.router.engine.FailProduce
	}
	p := &Producer{
		router: t.router,
		id:     domain.ProducerID(t.router.engine.nextID("producer")),
		kind:   kind,
		params: params,
	}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	t.router.engine.producersCreated.Add(1)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities, paused bool) (ports.Consumer, error) {
	if hook := t.router.engine.ConsumeHook; hook != nil {
		hook(producerID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.router.engine.FailConsume != nil {
		return nil, t.router.engine.FailConsume
	}
	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not on router", producerID)
	}
	var codecs []domain.RTPCodecParameters
	for _, c := range p.params.Codecs {
		if caps.HasMimeType(c.MimeType) {
			codecs = append(codecs, c)
		}
	}
	if len(codecs) == 0 {
		return nil, fmt.Errorf("no common codec for producer %s", producerID)
	}
	t.router.engine.consumersCreated.Add(1)
	c := &Consumer{
		engine:     t.router.engine,
		id:         domain.ConsumerID(t.router.engine.nextID("consumer")),
		producerID: producerID,
		kind:       p.kind,
		params:     domain.RTPParameters{MID: p.params.MID, Codecs: codecs, Encodings: p.params.Encodings},
	}
	c.paused.Store(paused)
	return c, nil
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// SimulateRemoteClose closes the transport as the engine would after the
// DTLS session ends, firing the OnClose callback.
func (t *Transport) SimulateRemoteClose() {
	t.mu.Lock()
	fn := t.onClose
	t.mu.Unlock()
	_ = t.Close()
	if fn != nil {
		fn()
	}
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.router.engine.transportsClosed.Add(1)
	return nil
}

type Producer struct {
	router *Router
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RTPParameters
	closed atomic.Bool
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()
	return nil
}

type Consumer struct {
	engine     *Engine
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	params     domain.RTPParameters
	paused     atomic.Bool
	closed     atomic.Bool
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }

func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.engine.FailResume != nil {
		return c.engine.FailResume
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.engine.consumersClosed.Add(1)
	return nil
}

// Opus and VP8 capabilities as sent by a typical browser client.
func ClientCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
	}}
}

// AudioOnlyCapabilities can consume opus but not VP8.
func AudioOnlyCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}}
}

func VideoParameters() domain.RTPParameters {
	return domain.RTPParameters{
		MID:       "0",
		Codecs:    []domain.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []domain.RTPEncodingParameters{{SSRC: 1111}},
	}
}

func AudioParameters() domain.RTPParameters {
	return domain.RTPParameters{
		MID:       "1",
		Codecs:    []domain.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RTPEncodingParameters{{SSRC: 2222}},
	}
}

// DTLSSecrets is a syntactically valid connect payload.
func DTLSSecrets() domain.ConnectParams {
	return domain.ConnectParams{
		DTLSParameters: domain.DTLSParameters{
			Role:         "client",
			Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "3C:4A:AA:BB"}},
		},
		ICEParameters: &domain.ICEParameters{UsernameFragment: "ufrag", Password: "secret"},
	}
}
