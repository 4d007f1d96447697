package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
	"liveclass/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// RoomOptions tune engine calls made on behalf of a room.
type RoomOptions struct {
	EngineTimeout                   time.Duration
	FanOutConcurrency               int
	InitialAvailableOutgoingBitrate int
}

func DefaultRoomOptions() RoomOptions {
	return RoomOptions{
		EngineTimeout:                   10 * time.Second,
		FanOutConcurrency:               8,
		InitialAvailableOutgoingBitrate: 1_000_000,
	}
}

// FanOutResult is the outcome of wiring one producer to one target peer.
type FanOutResult struct {
	PeerID     domain.PeerID
	ProducerID domain.ProducerID
	Consumer   *domain.ConsumerInfo
	Err        error
}

// FanOutReport collects per-target results. A failed target never fails
// the operation that triggered the fan-out.
type FanOutReport struct {
	Results []FanOutResult
	// Skipped peers have no receive transport or no known capabilities yet.
	Skipped []domain.PeerID
}

func (r FanOutReport) Failed() []FanOutResult {
	var failed []FanOutResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// PeerRemoval describes what RemovePeer did.
type PeerRemoval struct {
	Peer    domain.PeerInfo
	Removed bool
	// Emptied is set when the removed peer was the last one; the room is
	// then closing and must be deleted by its registry.
	Emptied bool
}

// Room is the membership and media resource graph of one routing context.
// The mutex guards maps only and is never held across an engine call.
type Room struct {
	id        domain.RoomID
	router    ports.Router
	opts      RoomOptions
	createdAt time.Time
	metrics   ports.RoomMetrics
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	peers   map[domain.PeerID]*Peer
	closing bool
	closed  bool

	consumerFlight singleflight.Group
}

func NewRoom(id domain.RoomID, router ports.Router, opts RoomOptions, metrics ports.RoomMetrics, logger *zap.SugaredLogger) *Room {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if opts.FanOutConcurrency < 1 {
		opts.FanOutConcurrency = 1
	}
	return &Room{
		id:        id,
		router:    router,
		opts:      opts,
		createdAt: time.Now(),
		metrics:   metrics,
		logger:    logger.With("room_id", id),
		peers:     make(map[domain.PeerID]*Peer),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) WorkerID() domain.WorkerID { return r.router.WorkerID() }

// Capabilities returns the router capabilities sent to joining clients.
func (r *Room) Capabilities() domain.RTPCapabilities { return r.router.Capabilities() }

func (r *Room) Closing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) Summary() domain.RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	producers := 0
	for _, p := range r.peers {
		producers += len(p.producers)
	}
	return domain.RoomSummary{
		RoomID:    r.id,
		WorkerID:  r.router.WorkerID(),
		Peers:     len(r.peers),
		Producers: producers,
		CreatedAt: r.createdAt,
	}
}

// engineCall runs fn under the engine timeout inside a span. Any failure
// is reported as domain.ErrEngine.
func (r *Room) engineCall(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceEngineCall(ctx, op, string(r.id))
	ctx, cancel := context.WithTimeout(ctx, r.opts.EngineTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", domain.ErrEngine, op, err)
	}
	tracing.EndSpan(span, err)
	return err
}

// livePeer reports whether peer is still the member registered under its id.
// Callers hold r.mu.
func (r *Room) livePeer(peer *Peer) bool {
	current, ok := r.peers[peer.spec.ConnID]
	return ok && current == peer
}

func (r *Room) AddPeer(spec PeerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return domain.ErrRoomClosed
	}
	if _, exists := r.peers[spec.ConnID]; exists {
		return domain.ErrPeerExists
	}
	r.peers[spec.ConnID] = newPeer(spec)
	r.metrics.PeerJoined()
	return nil
}

// Peer returns the public projection of one member.
func (r *Room) Peer(connID domain.PeerID) (domain.PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[connID]
	if !ok {
		return domain.PeerInfo{}, false
	}
	return p.info(), true
}

// PeerList returns every member in join order.
func (r *Room) PeerList() []domain.PeerInfo {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].joinedAt.Equal(peers[j].joinedAt) {
			return peers[i].spec.ConnID < peers[j].spec.ConnID
		}
		return peers[i].joinedAt.Before(peers[j].joinedAt)
	})
	out := make([]domain.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.info())
	}
	return out
}

// Producers lists every producer in the room not owned by exclude.
func (r *Room) Producers(exclude domain.PeerID) []domain.ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.ProducerInfo
	for connID, p := range r.peers {
		if connID == exclude {
			continue
		}
		for id, pr := range p.producers {
			out = append(out, domain.ProducerInfo{PeerID: connID, ProducerID: id, Kind: pr.handle.Kind()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProducerID < out[j].ProducerID })
	return out
}

// RemovePeer closes every handle the peer owns together with the consumers
// other peers hold of its producers. Unknown peers are ignored.
func (r *Room) RemovePeer(ctx context.Context, connID domain.PeerID) PeerRemoval {
	r.mu.Lock()
	peer, ok := r.peers[connID]
	if !ok {
		r.mu.Unlock()
		return PeerRemoval{}
	}
	delete(r.peers, connID)

	owned := peer.detachAll()
	var foreign []ports.Consumer
	for _, pr := range owned.producers {
		for _, other := range r.peers {
			if c, ok := other.consumerOf(pr.ID()); ok {
				other.removeConsumer(c.ID())
				foreign = append(foreign, c)
			}
		}
	}
	emptied := len(r.peers) == 0
	if emptied {
		r.closing = true
	}
	r.mu.Unlock()

	for _, c := range foreign {
		if err := c.Close(); err != nil {
			r.logger.Debugw("consumer close failed", "consumer_id", c.ID(), "error", err)
		}
		r.metrics.ConsumerClosed(c.Kind())
	}
	r.closeHandles(owned)
	r.metrics.PeerLeft()

	r.logger.Infow("peer removed",
		"peer_id", connID,
		"user_id", peer.spec.UserID,
		"transports", len(owned.transports),
		"producers", len(owned.producers),
		"consumers", len(owned.consumers)+len(foreign),
	)
	return PeerRemoval{Peer: peer.info(), Removed: true, Emptied: emptied}
}

func (r *Room) closeHandles(h handles) {
	for _, c := range h.consumers {
		r.metrics.ConsumerClosed(c.Kind())
	}
	for _, p := range h.producers {
		r.metrics.ProducerClosed(p.Kind())
	}
	h.close()
}

// CloseIfEmpty marks an empty room as closing so no peer can join it anymore.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) == 0 {
		r.closing = true
	}
	return r.closing && len(r.peers) == 0
}

// CreateTransport creates a transport for the peer. caps, when given, become
// the peer's capabilities for fan-out. The first receive transport of a peer
// with known capabilities is immediately wired to every existing producer.
func (r *Room) CreateTransport(ctx context.Context, connID domain.PeerID, direction domain.Direction, caps *domain.RTPCapabilities) (domain.TransportParams, FanOutReport, error) {
	r.mu.Lock()
	peer, ok := r.peers[connID]
	if !ok {
		r.mu.Unlock()
		return domain.TransportParams{}, FanOutReport{}, domain.ErrPeerNotFound
	}
	if caps != nil && len(caps.Codecs) > 0 {
		peer.capabilities = *caps
	}
	r.mu.Unlock()

	var transport ports.Transport
	err := r.engineCall(ctx, "create_transport", func(ctx context.Context) error {
		var err error
		transport, err = r.router.CreateTransport(ctx, ports.TransportOptions{
			Direction:                       direction,
			InitialAvailableOutgoingBitrate: r.opts.InitialAvailableOutgoingBitrate,
		})
		return err
	})
	if err != nil {
		return domain.TransportParams{}, FanOutReport{}, err
	}

	transportID := transport.ID()
	transport.OnClose(func() { r.dropTransport(peer, transportID) })

	r.mu.Lock()
	if !r.livePeer(peer) {
		r.mu.Unlock()
		_ = transport.Close()
		return domain.TransportParams{}, FanOutReport{}, domain.ErrPeerNotFound
	}
	firstRecv := peer.addTransport(transport, direction)
	lateFanOut := firstRecv && peer.hasCapabilities()
	r.mu.Unlock()

	r.logger.Infow("transport created",
		"peer_id", connID,
		"transport_id", transportID,
		"direction", direction,
	)

	var report FanOutReport
	if lateFanOut {
		report = r.catchUp(ctx, peer, transportID)
	}
	return transport.Params(), report, nil
}

// dropTransport forgets a transport the engine closed on its own.
func (r *Room) dropTransport(peer *Peer, transportID domain.TransportID) {
	r.mu.Lock()
	if !r.livePeer(peer) {
		r.mu.Unlock()
		return
	}
	h, ok := peer.detachTransport(transportID)
	var foreign []ports.Consumer
	for _, pr := range h.producers {
		for _, other := range r.peers {
			if c, ok := other.consumerOf(pr.ID()); ok {
				other.removeConsumer(c.ID())
				foreign = append(foreign, c)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Infow("transport closed by engine",
		"peer_id", peer.spec.ConnID,
		"transport_id", transportID,
	)
	for _, c := range foreign {
		_ = c.Close()
		r.metrics.ConsumerClosed(c.Kind())
	}
	r.closeHandles(h)
}

func (r *Room) ConnectTransport(ctx context.Context, connID domain.PeerID, transportID domain.TransportID, params domain.ConnectParams) error {
	r.mu.Lock()
	peer, ok := r.peers[connID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrPeerNotFound
	}
	t, ok := peer.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrTransportNotFound
	}
	handle := t.handle
	r.mu.Unlock()

	if err := r.engineCall(ctx, "connect_transport", func(ctx context.Context) error {
		return handle.Connect(ctx, params)
	}); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.livePeer(peer) {
		return domain.ErrPeerNotFound
	}
	t, ok = peer.transports[transportID]
	if !ok {
		return domain.ErrTransportNotFound
	}
	t.connected = true
	return nil
}

// CreateProducer starts receiving media on a connected send transport and
// fans the new producer out to every other peer.
func (r *Room) CreateProducer(ctx context.Context, connID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, params domain.RTPParameters) (domain.ProducerInfo, FanOutReport, error) {
	r.mu.Lock()
	peer, ok := r.peers[connID]
	if !ok {
		r.mu.Unlock()
		return domain.ProducerInfo{}, FanOutReport{}, domain.ErrPeerNotFound
	}
	t, ok := peer.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return domain.ProducerInfo{}, FanOutReport{}, domain.ErrTransportNotFound
	}
	if t.direction != domain.DirectionSend {
		r.mu.Unlock()
		return domain.ProducerInfo{}, FanOutReport{}, domain.ErrTransportDirection
	}
	if !t.connected {
		r.mu.Unlock()
		return domain.ProducerInfo{}, FanOutReport{}, domain.ErrTransportNotConnected
	}
	handle := t.handle
	r.mu.Unlock()

	var producer ports.Producer
	err := r.engineCall(ctx, "produce", func(ctx context.Context) error {
		var err error
		producer, err = handle.Produce(ctx, kind, params)
		return err
	})
	if err != nil {
		return domain.ProducerInfo{}, FanOutReport{}, err
	}

	type target struct {
		peer        *Peer
		transportID domain.TransportID
		transport   ports.Transport
		caps        domain.RTPCapabilities
	}
	var (
		targets []target
		skipped []domain.PeerID
	)

	r.mu.Lock()
	if !r.livePeer(peer) {
		r.mu.Unlock()
		_ = producer.Close()
		return domain.ProducerInfo{}, FanOutReport{}, domain.ErrPeerNotFound
	}
	if _, ok := peer.transports[transportID]; !ok {
		r.mu.Unlock()
		_ = producer.Close()
		return domain.ProducerInfo{}, FanOutReport{}, domain.ErrTransportNotFound
	}
	peer.producers[producer.ID()] = &peerProducer{handle: producer, transportID: transportID}
	for id, other := range r.peers {
		if id == connID {
			continue
		}
		tid, tr, ok := other.firstRecvTransport()
		if !ok || !other.hasCapabilities() {
			skipped = append(skipped, id)
			continue
		}
		targets = append(targets, target{peer: other, transportID: tid, transport: tr, caps: other.capabilities})
	}
	r.mu.Unlock()

	r.metrics.ProducerCreated(kind)
	info := domain.ProducerInfo{PeerID: connID, ProducerID: producer.ID(), Kind: kind}

	ctx, span := tracing.StartSpan(ctx, "room.fan_out")
	span.SetAttributes(
		tracing.RoomIDKey.String(string(r.id)),
		tracing.FanOutSizeKey.Int(len(targets)),
		attribute.String("producer.id", string(producer.ID())),
	)
	defer span.End()

	report := FanOutReport{Skipped: skipped}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.opts.FanOutConcurrency)
	for _, tg := range targets {
		tg := tg
		g.Go(func() error {
			res := FanOutResult{PeerID: tg.peer.spec.ConnID, ProducerID: producer.ID()}
			consumer, err := r.wire(ctx, tg.peer, tg.transportID, tg.transport, producer.ID(), tg.caps)
			if err != nil {
				res.Err = err
			} else {
				res.Consumer = &consumer
			}
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logFanOut(connID, report)
	r.logger.Infow("producer created",
		"peer_id", connID,
		"producer_id", producer.ID(),
		"kind", kind,
		"fan_out_targets", len(targets),
		"fan_out_skipped", len(skipped),
	)
	return info, report, nil
}

// catchUp wires a peer's new receive transport to every producer already
// present in the room.
func (r *Room) catchUp(ctx context.Context, peer *Peer, transportID domain.TransportID) FanOutReport {
	r.mu.Lock()
	if !r.livePeer(peer) {
		r.mu.Unlock()
		return FanOutReport{}
	}
	t, ok := peer.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return FanOutReport{}
	}
	transport := t.handle
	caps := peer.capabilities
	var producers []domain.ProducerID
	for id, other := range r.peers {
		if id == peer.spec.ConnID {
			continue
		}
		for pid := range other.producers {
			producers = append(producers, pid)
		}
	}
	r.mu.Unlock()

	var (
		report FanOutReport
		mu     sync.Mutex
		g      errgroup.Group
	)
	g.SetLimit(r.opts.FanOutConcurrency)
	for _, pid := range producers {
		pid := pid
		g.Go(func() error {
			res := FanOutResult{PeerID: peer.spec.ConnID, ProducerID: pid}
			consumer, err := r.wire(ctx, peer, transportID, transport, pid, caps)
			if err != nil {
				res.Err = err
			} else {
				res.Consumer = &consumer
			}
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logFanOut(peer.spec.ConnID, report)
	return report
}

func (r *Room) logFanOut(source domain.PeerID, report FanOutReport) {
	for _, res := range report.Failed() {
		r.metrics.FanOutFailed()
		r.logger.Warnw("fan-out target failed",
			"peer_id", res.PeerID,
			"producer_id", res.ProducerID,
			"source_peer_id", source,
			"error", res.Err,
		)
	}
}

// wire checks compatibility and then ensures exactly one consumer of
// producerID exists for peer.
func (r *Room) wire(ctx context.Context, peer *Peer, transportID domain.TransportID, transport ports.Transport, producerID domain.ProducerID, caps domain.RTPCapabilities) (domain.ConsumerInfo, error) {
	if !r.router.CanConsume(producerID, caps) {
		return domain.ConsumerInfo{}, domain.ErrIncompatibleCapabilities
	}
	return r.ensureConsumer(ctx, peer, transportID, transport, producerID, caps)
}

// ensureConsumer returns the peer's consumer of producerID, creating it
// paused when none exists. Concurrent calls for the same pair share one
// engine call.
func (r *Room) ensureConsumer(ctx context.Context, peer *Peer, transportID domain.TransportID, transport ports.Transport, producerID domain.ProducerID, caps domain.RTPCapabilities) (domain.ConsumerInfo, error) {
	key := string(peer.spec.ConnID) + "/" + string(producerID)
	v, err, _ := r.consumerFlight.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		if !r.livePeer(peer) {
			r.mu.Unlock()
			return domain.ConsumerInfo{}, domain.ErrPeerNotFound
		}
		if existing, ok := peer.consumerOf(producerID); ok {
			r.mu.Unlock()
			return consumerInfo(existing), nil
		}
		r.mu.Unlock()

		var consumer ports.Consumer
		err := r.engineCall(ctx, "consume", func(ctx context.Context) error {
			var err error
			consumer, err = transport.Consume(ctx, producerID, caps, true)
			return err
		})
		if err != nil {
			return domain.ConsumerInfo{}, err
		}

		r.mu.Lock()
		var stale error
		switch _, transportOpen := peer.transports[transportID]; {
		case !r.livePeer(peer):
			stale = domain.ErrPeerNotFound
		case !transportOpen:
			stale = domain.ErrTransportNotFound
		case !r.producerExists(producerID):
			stale = domain.ErrProducerNotFound
		}
		if stale != nil {
			r.mu.Unlock()
			_ = consumer.Close()
			return domain.ConsumerInfo{}, stale
		}
		peer.addConsumer(consumer, transportID)
		r.mu.Unlock()

		r.metrics.ConsumerCreated(consumer.Kind())
		return consumerInfo(consumer), nil
	})
	if err != nil {
		return domain.ConsumerInfo{}, err
	}
	return v.(domain.ConsumerInfo), nil
}

// producerExists reports whether any member owns producerID. Callers hold r.mu.
func (r *Room) producerExists(producerID domain.ProducerID) bool {
	_, _, ok := r.producerOwner(producerID)
	return ok
}

// producerOwner finds a producer room-wide. Callers hold r.mu.
func (r *Room) producerOwner(producerID domain.ProducerID) (*Peer, ports.Producer, bool) {
	for _, p := range r.peers {
		if pr, ok := p.producers[producerID]; ok {
			return p, pr.handle, true
		}
	}
	return nil, nil, false
}

func consumerInfo(c ports.Consumer) domain.ConsumerInfo {
	return domain.ConsumerInfo{
		ConsumerID:    c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
		Paused:        c.Paused(),
	}
}

// CreateConsumer returns the peer's consumer of producerID, creating it paused
// on a connected receive transport when fan-out has not done so already.
// An empty transportID selects the peer's first receive transport.
func (r *Room) CreateConsumer(ctx context.Context, connID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (domain.ConsumerInfo, error) {
	r.mu.Lock()
	peer, ok := r.peers[connID]
	if !ok {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrPeerNotFound
	}
	owner, _, ok := r.producerOwner(producerID)
	if !ok {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrProducerNotFound
	}
	if owner == peer {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrOwnProducer
	}

	var t *peerTransport
	if transportID == "" {
		tid, _, ok := peer.firstRecvTransport()
		if !ok {
			r.mu.Unlock()
			return domain.ConsumerInfo{}, domain.ErrNoRecvTransport
		}
		transportID, t = tid, peer.transports[tid]
	} else if t, ok = peer.transports[transportID]; !ok {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrTransportNotFound
	}
	if t.direction != domain.DirectionRecv {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrTransportDirection
	}
	if !t.connected {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrTransportNotConnected
	}
	if len(caps.Codecs) == 0 {
		caps = peer.capabilities
	} else if !peer.hasCapabilities() {
		peer.capabilities = caps
	}
	transport := t.handle
	r.mu.Unlock()

	if !r.router.CanConsume(producerID, caps) {
		return domain.ConsumerInfo{}, domain.ErrIncompatibleCapabilities
	}

	info, err := r.ensureConsumer(ctx, peer, transportID, transport, producerID, caps)
	if err != nil {
		return domain.ConsumerInfo{}, err
	}
	r.logger.Debugw("consumer ready",
		"peer_id", connID,
		"consumer_id", info.ConsumerID,
		"producer_id", producerID,
	)
	return info, nil
}

func (r *Room) ResumeConsumer(ctx context.Context, connID domain.PeerID, consumerID domain.ConsumerID) error {
	r.mu.Lock()
	peer, ok := r.peers[connID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrPeerNotFound
	}
	c, ok := peer.consumers[consumerID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrConsumerNotFound
	}
	handle := c.handle
	r.mu.Unlock()

	return r.engineCall(ctx, "resume_consumer", func(ctx context.Context) error {
		return handle.Resume(ctx)
	})
}

// Close tears the room down: every peer's handles, then the router.
// Only the registry calls it. It reports false if the room was already closed.
func (r *Room) Close(ctx context.Context) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closing = true
	r.closed = true
	peers := r.peers
	r.peers = make(map[domain.PeerID]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		r.closeHandles(p.detachAll())
		r.metrics.PeerLeft()
	}
	if err := r.router.Close(); err != nil {
		r.logger.Debugw("router close failed", "error", err)
	}
	return true
}
