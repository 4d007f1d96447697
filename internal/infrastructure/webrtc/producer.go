package webrtc

import (
	"fmt"
	"sync"

	"liveclass/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Largest RTP packet read off a receiver.
const maxPacketSize = 1500

// producer receives one RTP stream from a client and republishes it on a
// local track that consumers bind to.
type producer struct {
	id          domain.ProducerID
	transport   *transport
	kind        domain.MediaKind
	codec       domain.RTPCodecCapability
	payloadType uint8
	ssrc        uint32

	receiver *webrtc.RTPReceiver
	track    *webrtc.TrackLocalStaticRTP

	mu        sync.Mutex
	consumers map[domain.ConsumerID]*consumer
	closed    bool
}

func newProducer(t *transport, kind domain.MediaKind, codec domain.RTPCodecCapability, payloadType uint8, ssrc uint32) (*producer, error) {
	id := domain.ProducerID(uuid.NewString())

	receiver, err := t.router.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(payloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("failed to start receiver: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(toCodecCapability(codec), string(id), string(t.id))
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	return &producer{
		id:          id,
		transport:   t,
		kind:        kind,
		codec:       codec,
		payloadType: payloadType,
		ssrc:        ssrc,
		receiver:    receiver,
		track:       track,
		consumers:   make(map[domain.ConsumerID]*consumer),
	}, nil
}

func (p *producer) ID() domain.ProducerID  { return p.id }
func (p *producer) Kind() domain.MediaKind { return p.kind }

func (p *producer) start() {
	go p.forward()
	go p.drainRTCP()
}

// forward copies packets from the remote track to the local one, which
// rewrites payload type and SSRC for every bound consumer.
func (p *producer) forward() {
	defer p.transport.router.worker.guard("producer forward")

	logger := p.transport.router.worker.logger
	remote := p.receiver.Track()
	buf := make([]byte, maxPacketSize)
	packet := &rtp.Packet{}

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			logger.Debugw("producer stream ended", "producer_id", p.id, "error", err)
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			logger.Debugw("dropping malformed rtp packet", "producer_id", p.id, "error", err)
			continue
		}
		if err := p.track.WriteRTP(packet); err != nil {
			logger.Debugw("error writing rtp packet to local track", "producer_id", p.id, "error", err)
		}
	}
}

func (p *producer) drainRTCP() {
	defer p.transport.router.worker.guard("producer rtcp")
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// requestKeyFrame asks the sending client for a fresh key frame.
func (p *producer) requestKeyFrame() {
	if p.kind != domain.KindVideo {
		return
	}
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	})
	if err != nil {
		p.transport.router.worker.logger.Debugw("failed to send pli", "producer_id", p.id, "error", err)
	}
}

func (p *producer) addConsumer(c *consumer) {
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
}

func (p *producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// Close stops the receiver and every consumer bound to this producer.
func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	p.transport.router.removeProducer(p.id)
	p.transport.removeProducer(p.id)
	return p.receiver.Stop()
}
