package services

import (
	"time"

	"liveclass/internal/core/domain"
	"liveclass/internal/core/ports"
)

// PeerSpec describes a connection entering a room.
type PeerSpec struct {
	ConnID domain.PeerID
	UserID domain.UserID
	Name   string
	Role   domain.Role
}

type peerTransport struct {
	handle    ports.Transport
	direction domain.Direction
	connected bool
}

type peerProducer struct {
	handle      ports.Producer
	transportID domain.TransportID
}

type peerConsumer struct {
	handle      ports.Consumer
	transportID domain.TransportID
}

// Peer is one connection's membership in a room together with the media
// handles it owns. All fields are guarded by the owning Room's mutex.
type Peer struct {
	spec     PeerSpec
	joinedAt time.Time

	capabilities domain.RTPCapabilities
	transports   map[domain.TransportID]*peerTransport
	// creation order of recv transports; the first one receives fan-out
	recvOrder  []domain.TransportID
	producers  map[domain.ProducerID]*peerProducer
	consumers  map[domain.ConsumerID]*peerConsumer
	byProducer map[domain.ProducerID]domain.ConsumerID
}

func newPeer(spec PeerSpec) *Peer {
	return &Peer{
		spec:       spec,
		joinedAt:   time.Now(),
		transports: make(map[domain.TransportID]*peerTransport),
		producers:  make(map[domain.ProducerID]*peerProducer),
		consumers:  make(map[domain.ConsumerID]*peerConsumer),
		byProducer: make(map[domain.ProducerID]domain.ConsumerID),
	}
}

func (p *Peer) info() domain.PeerInfo {
	return domain.PeerInfo{
		PeerID:   p.spec.ConnID,
		UserID:   p.spec.UserID,
		UserName: p.spec.Name,
		Role:     p.spec.Role,
	}
}

func (p *Peer) hasCapabilities() bool {
	return len(p.capabilities.Codecs) > 0
}

// firstRecvTransport returns the oldest receive transport still open.
func (p *Peer) firstRecvTransport() (domain.TransportID, ports.Transport, bool) {
	for _, id := range p.recvOrder {
		if t, ok := p.transports[id]; ok {
			return id, t.handle, true
		}
	}
	return "", nil, false
}

func (p *Peer) addTransport(t ports.Transport, direction domain.Direction) (firstRecv bool) {
	if direction == domain.DirectionRecv {
		_, _, hadRecv := p.firstRecvTransport()
		firstRecv = !hadRecv
		p.recvOrder = append(p.recvOrder, t.ID())
	}
	p.transports[t.ID()] = &peerTransport{handle: t, direction: direction}
	return firstRecv
}

func (p *Peer) addConsumer(c ports.Consumer, transportID domain.TransportID) {
	p.consumers[c.ID()] = &peerConsumer{handle: c, transportID: transportID}
	p.byProducer[c.ProducerID()] = c.ID()
}

func (p *Peer) removeConsumer(id domain.ConsumerID) (ports.Consumer, bool) {
	c, ok := p.consumers[id]
	if !ok {
		return nil, false
	}
	delete(p.consumers, id)
	if p.byProducer[c.handle.ProducerID()] == id {
		delete(p.byProducer, c.handle.ProducerID())
	}
	return c.handle, true
}

// consumerOf returns the consumer this peer holds for producerID, if any.
func (p *Peer) consumerOf(producerID domain.ProducerID) (ports.Consumer, bool) {
	id, ok := p.byProducer[producerID]
	if !ok {
		return nil, false
	}
	c, ok := p.consumers[id]
	if !ok {
		return nil, false
	}
	return c.handle, true
}

// handles detaches every handle from the peer so they can be closed
// outside the room lock.
type handles struct {
	transports []ports.Transport
	producers  []ports.Producer
	consumers  []ports.Consumer
}

func (h *handles) close() {
	for _, c := range h.consumers {
		_ = c.Close()
	}
	for _, p := range h.producers {
		_ = p.Close()
	}
	for _, t := range h.transports {
		_ = t.Close()
	}
}

func (p *Peer) detachAll() handles {
	var h handles
	for _, c := range p.consumers {
		h.consumers = append(h.consumers, c.handle)
	}
	for _, pr := range p.producers {
		h.producers = append(h.producers, pr.handle)
	}
	for _, t := range p.transports {
		h.transports = append(h.transports, t.handle)
	}
	p.transports = make(map[domain.TransportID]*peerTransport)
	p.producers = make(map[domain.ProducerID]*peerProducer)
	p.consumers = make(map[domain.ConsumerID]*peerConsumer)
	p.byProducer = make(map[domain.ProducerID]domain.ConsumerID)
	p.recvOrder = nil
	return h
}

// detachTransport removes a transport and everything created on it.
func (p *Peer) detachTransport(id domain.TransportID) (handles, bool) {
	var h handles
	t, ok := p.transports[id]
	if !ok {
		return h, false
	}
	delete(p.transports, id)
	h.transports = append(h.transports, t.handle)

	for pid, pr := range p.producers {
		if pr.transportID == id {
			delete(p.producers, pid)
			h.producers = append(h.producers, pr.handle)
		}
	}
	for cid, c := range p.consumers {
		if c.transportID == id {
			if handle, ok := p.removeConsumer(cid); ok {
				h.consumers = append(h.consumers, handle)
			}
		}
	}
	return h, true
}
