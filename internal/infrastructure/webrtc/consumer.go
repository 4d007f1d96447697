package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"liveclass/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

var errConsumerClosed = errors.New("consumer closed")

// consumer sends one producer's stream to a client. It is created paused:
// nothing is sent until the first Resume.
type consumer struct {
	id        domain.ConsumerID
	transport *transport
	producer  *producer
	params    domain.RTPParameters
	sender    *webrtc.RTPSender

	resumeMu sync.Mutex

	mu     sync.Mutex
	paused bool
	closed bool
}

func newConsumer(t *transport, p *producer) (*consumer, error) {
	sender, err := t.router.api.NewRTPSender(p.track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	encodings := sender.GetParameters().Encodings
	if len(encodings) == 0 {
		_ = sender.Stop()
		return nil, fmt.Errorf("sender has no encoding")
	}

	c := &consumer{
		id:        domain.ConsumerID(uuid.NewString()),
		transport: t,
		producer:  p,
		sender:    sender,
		paused:    true,
		params: domain.RTPParameters{
			MID: string(p.id),
			Codecs: []domain.RTPCodecParameters{{
				MimeType:     p.codec.MimeType,
				PayloadType:  p.codec.PreferredPayloadType,
				ClockRate:    p.codec.ClockRate,
				Channels:     p.codec.Channels,
				Parameters:   p.codec.Parameters,
				RTCPFeedback: p.codec.RTCPFeedback,
			}},
			Encodings: []domain.RTPEncodingParameters{{SSRC: uint32(encodings[0].SSRC)}},
		},
	}
	p.addConsumer(c)
	return c, nil
}

func (c *consumer) ID() domain.ConsumerID               { return c.id }
func (c *consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *consumer) RTPParameters() domain.RTPParameters { return c.params }

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Resume starts sending once the receive transport is connected, then asks
// the producer for a key frame so decoding can start immediately.
func (c *consumer) Resume(ctx context.Context) error {
	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	c.mu.Lock()
	closed, paused := c.closed, c.paused
	c.mu.Unlock()
	if closed {
		return errConsumerClosed
	}
	if !paused {
		return nil
	}

	if err := c.transport.waitReady(ctx); err != nil {
		return err
	}
	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		return fmt.Errorf("failed to start sender: %w", err)
	}

	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()

	go c.readRTCP()
	c.producer.requestKeyFrame()
	return nil
}

// readRTCP relays key frame requests from the receiving client.
func (c *consumer) readRTCP() {
	defer c.transport.router.worker.guard("consumer rtcp")
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	return c.sender.Stop()
}
