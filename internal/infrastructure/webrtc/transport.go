package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

var errTransportClosed = errors.New("transport closed")

// transport is one ICE+DTLS session with a client. Media flows once the
// DTLS handshake completes; Produce waits for it and Consume does not.
type transport struct {
	id        domain.TransportID
	router    *router
	direction domain.Direction
	params    domain.TransportParams

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
	onClose   func()
	producers map[domain.ProducerID]*producer
	consumers map[domain.ConsumerID]*consumer
}

func newTransport(ctx context.Context, r *router, opts ports.TransportOptions) (*transport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice gatherer: %w", err)
	}

	gathered := make(chan struct{})
	var gatheredOnce sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatheredOnce.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to gather candidates: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create dtls transport: %w", err)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read dtls parameters: %w", err)
	}

	t := &transport{
		id:        domain.TransportID(uuid.NewString()),
		router:    r,
		direction: opts.Direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		producers: make(map[domain.ProducerID]*producer),
		consumers: make(map[domain.ConsumerID]*consumer),
	}
	t.params = domain.TransportParams{
		ID:             t.id,
		ICEParameters:  fromICEParameters(iceParams),
		ICECandidates:  fromICECandidates(candidates),
		DTLSParameters: fromDTLSParameters(dtlsParams),
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		switch state {
		case webrtc.DTLSTransportStateConnected:
			t.readyOnce.Do(func() { close(t.ready) })
		case webrtc.DTLSTransportStateClosed, webrtc.DTLSTransportStateFailed:
			t.closeByEngine()
		}
	})

	return t, nil
}

func (t *transport) ID() domain.TransportID         { return t.id }
func (t *transport) Params() domain.TransportParams { return t.params }

// Connect validates the remote parameters and starts the ICE and DTLS
// handshakes in the background. It returns before media can flow.
func (t *transport) Connect(ctx context.Context, params domain.ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if params.ICEParameters == nil {
		return fmt.Errorf("ice parameters are required")
	}
	remoteDTLS, err := toDTLSParameters(params.DTLSParameters)
	if err != nil {
		return err
	}
	remoteCandidates, err := toICECandidates(params.ICECandidates)
	if err != nil {
		return err
	}
	remoteICE := toICEParameters(*params.ICEParameters)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.connected = true
	t.mu.Unlock()

	go func() {
		defer t.router.worker.guard("transport connect")

		if err := t.ice.SetRemoteCandidates(remoteCandidates); err != nil {
			t.router.worker.logger.Warnw("failed to set remote candidates", "transport_id", t.id, "error", err)
			t.closeByEngine()
			return
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, remoteICE, &role); err != nil {
			t.router.worker.logger.Warnw("ice start failed", "transport_id", t.id, "error", err)
			t.closeByEngine()
			return
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			t.router.worker.logger.Warnw("dtls start failed", "transport_id", t.id, "error", err)
			t.closeByEngine()
		}
	}()
	return nil
}

// waitReady blocks until the DTLS session is up.
func (t *transport) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.Producer, error) {
	if len(params.Codecs) == 0 {
		return nil, fmt.Errorf("rtp parameters carry no codec")
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, fmt.Errorf("rtp parameters carry no ssrc")
	}
	codec := params.Codecs[0]
	routerCodec, ok := findCodec(t.router.codecs, codec.MimeType)
	if !ok || routerCodec.Kind != kind {
		return nil, fmt.Errorf("codec %s is not routable as %s", codec.MimeType, kind)
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}

	p, err := newProducer(t, kind, routerCodec, codec.PayloadType, params.Encodings[0].SSRC)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return nil, errTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	p.start()
	return p, nil
}

func (t *transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities, paused bool) (ports.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not on router", producerID)
	}
	if !canConsume(t.router.codecs, p.codec.MimeType, caps) {
		return nil, fmt.Errorf("no common codec for producer %s", producerID)
	}

	c, err := newConsumer(t, p)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = c.Close()
		return nil, errTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !paused {
		if err := c.Resume(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (t *transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// closeByEngine tears the transport down after the session ended on its own
// and notifies the OnClose callback.
func (t *transport) closeByEngine() {
	t.mu.Lock()
	fn := t.onClose
	already := t.closed
	t.mu.Unlock()
	if already {
		return
	}
	_ = t.Close()
	if fn != nil {
		fn()
	}
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}

	var errs []error
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, err)
	}
	t.router.removeTransport(t.id)
	return errors.Join(errs...)
}
