package domain

import "errors"

var (
	ErrRoomNotFound             = errors.New("room not found")
	ErrRoomClosed               = errors.New("room is closing")
	ErrPeerNotFound             = errors.New("peer not found")
	ErrPeerExists               = errors.New("peer already in room")
	ErrTransportNotFound        = errors.New("transport not found")
	ErrTransportDirection       = errors.New("transport direction mismatch")
	ErrTransportNotConnected    = errors.New("transport not connected")
	ErrNoRecvTransport          = errors.New("no receive transport")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrConsumerNotFound         = errors.New("consumer not found")
	ErrIncompatibleCapabilities = errors.New("incompatible capabilities")
	ErrOwnProducer              = errors.New("cannot consume own producer")
	ErrEngine                   = errors.New("media engine error")
	ErrWorkerUnavailable        = errors.New("no media worker available")

	ErrAccessDenied  = errors.New("access denied to this room")
	ErrClassNotFound = errors.New("class not found")
	ErrClassExists   = errors.New("class already exists")
	ErrInvalidClass  = errors.New("invalid class")
)
