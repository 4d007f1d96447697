package ports

import (
	"context"

	"liveclass/internal/core/domain"
)

// WorkerSettings configure one media worker.
type WorkerSettings struct {
	ListenIP    string
	AnnouncedIP string
	RTCMinPort  uint16
	RTCMaxPort  uint16
}

// TransportOptions configure a transport created on a router.
type TransportOptions struct {
	Direction                       domain.Direction
	InitialAvailableOutgoingBitrate int
}

// MediaEngine starts media workers.
type MediaEngine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

// Worker hosts routers. Died is closed (after delivering the cause, if any)
// when the worker terminates unexpectedly.
type Worker interface {
	ID() domain.WorkerID
	Died() <-chan error
	CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (Router, error)
	Close() error
}

// Router is the routing context of one room on one worker.
type Router interface {
	ID() domain.RouterID
	WorkerID() domain.WorkerID
	Capabilities() domain.RTPCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool
	Close() error
}

type Transport interface {
	ID() domain.TransportID
	Params() domain.TransportParams
	Connect(ctx context.Context, params domain.ConnectParams) error
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (Producer, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities, paused bool) (Consumer, error)
	// OnClose registers a callback fired once when the engine closes the
	// transport on its own (for example after the DTLS session ends).
	OnClose(fn func())
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	Close() error
}
