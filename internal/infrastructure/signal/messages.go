package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"liveclass/internal/core/domain"
	"liveclass/pkg/errors"
	"liveclass/pkg/validation"
)

// Inbound events.
const (
	EventJoinRoom         = "join-room"
	EventCreateTransport  = "create-transport"
	EventConnectTransport = "connect-transport"
	EventProduce          = "produce"
	EventConsume          = "consume"
	EventResumeConsumer   = "resume-consumer"
	EventChatMessage      = "chat-message"
	EventLeaveRoom        = "leave-room"
)

// Outbound events.
const (
	EventRoomJoined         = "room-joined"
	EventPeerJoined         = "peer-joined"
	EventPeerLeft           = "peer-left"
	EventTransportCreated   = "transport-created"
	EventTransportConnected = "transport-connected"
	EventProduced           = "produced"
	EventNewProducer        = "new-producer"
	EventConsumed           = "consumed"
	EventConsumerResumed    = "consumer-resumed"
	EventRoomLeft           = "room-left"
	EventError              = "error"
)

// eventLabel bounds metric and span names to the known inbound events.
func eventLabel(event string) string {
	switch event {
	case EventJoinRoom, EventCreateTransport, EventConnectTransport, EventProduce,
		EventConsume, EventResumeConsumer, EventChatMessage, EventLeaveRoom:
		return event
	}
	return "unknown"
}

// Message is the envelope of every frame received from a client.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the envelope of every frame sent to a client. Broadcasts
// carry no request id.
type Outbound struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// request is implemented by every inbound payload.
type request interface {
	validate() error
}

type roomScoped struct {
	RoomID domain.RoomID `json:"roomId"`
}

func (p roomScoped) validate() error {
	return validation.ValidateRoomID(string(p.RoomID))
}

// roomOf returns the room a payload targets, or "" when it names none.
func roomOf(raw json.RawMessage) domain.RoomID {
	var scope roomScoped
	if len(raw) == 0 || json.Unmarshal(raw, &scope) != nil {
		return ""
	}
	return scope.RoomID
}

type JoinRoomRequest struct {
	roomScoped
}

type CreateTransportRequest struct {
	roomScoped
	Direction    domain.Direction        `json:"direction"`
	Capabilities *domain.RTPCapabilities `json:"capabilities,omitempty"`
}

func (p CreateTransportRequest) validate() error {
	if err := p.roomScoped.validate(); err != nil {
		return err
	}
	if err := validation.ValidateDirection(string(p.Direction)); err != nil {
		return err
	}
	if p.Capabilities != nil {
		return validateCapabilities(*p.Capabilities)
	}
	return nil
}

type ConnectTransportRequest struct {
	roomScoped
	TransportID domain.TransportID   `json:"transportId"`
	DTLSSecrets domain.ConnectParams `json:"dtlsSecrets"`
}

func (p ConnectTransportRequest) validate() error {
	if err := p.roomScoped.validate(); err != nil {
		return err
	}
	if err := validation.ValidateID(string(p.TransportID), "transportId"); err != nil {
		return err
	}
	if len(p.DTLSSecrets.DTLSParameters.Fingerprints) == 0 {
		return fmt.Errorf("dtlsSecrets.dtlsParameters.fingerprints is required")
	}
	return nil
}

type ProduceRequest struct {
	roomScoped
	TransportID     domain.TransportID   `json:"transportId"`
	Kind            domain.MediaKind     `json:"kind"`
	MediaParameters domain.RTPParameters `json:"mediaParameters"`
}

func (p ProduceRequest) validate() error {
	if err := p.roomScoped.validate(); err != nil {
		return err
	}
	if err := validation.ValidateID(string(p.TransportID), "transportId"); err != nil {
		return err
	}
	if err := validation.ValidateKind(string(p.Kind)); err != nil {
		return err
	}
	if len(p.MediaParameters.Codecs) == 0 {
		return fmt.Errorf("mediaParameters.codecs is required")
	}
	for _, c := range p.MediaParameters.Codecs {
		if err := validation.ValidateMimeType(c.MimeType); err != nil {
			return err
		}
	}
	return nil
}

type ConsumeRequest struct {
	roomScoped
	// TransportID is optional; the peer's first receive transport is used when empty.
	TransportID  domain.TransportID     `json:"transportId,omitempty"`
	ProducerID   domain.ProducerID      `json:"producerId"`
	Capabilities domain.RTPCapabilities `json:"capabilities"`
}

func (p ConsumeRequest) validate() error {
	if err := p.roomScoped.validate(); err != nil {
		return err
	}
	if p.TransportID != "" {
		if err := validation.ValidateID(string(p.TransportID), "transportId"); err != nil {
			return err
		}
	}
	if err := validation.ValidateID(string(p.ProducerID), "producerId"); err != nil {
		return err
	}
	return validateCapabilities(p.Capabilities)
}

type ResumeConsumerRequest struct {
	roomScoped
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

func (p ResumeConsumerRequest) validate() error {
	if err := p.roomScoped.validate(); err != nil {
		return err
	}
	return validation.ValidateID(string(p.ConsumerID), "consumerId")
}

type ChatMessageRequest struct {
	roomScoped
	Message string `json:"message"`
}

func (p ChatMessageRequest) validate() error {
	if err := p.roomScoped.validate(); err != nil {
		return err
	}
	return validation.ValidateChatMessage(p.Message)
}

type LeaveRoomRequest struct {
	roomScoped
}

func validateCapabilities(caps domain.RTPCapabilities) error {
	if len(caps.Codecs) == 0 {
		return fmt.Errorf("capabilities.codecs is required")
	}
	for _, c := range caps.Codecs {
		if err := validation.ValidateMimeType(c.MimeType); err != nil {
			return err
		}
	}
	return nil
}

// decode unmarshals and validates a payload. Any failure is a malformed message.
func decode(raw json.RawMessage, req request) error {
	if len(raw) == 0 {
		return errors.NewMalformedMessageError("payload is required")
	}
	if err := json.Unmarshal(raw, req); err != nil {
		return errors.WrapError(err, errors.ErrCodeMalformedMessage, "invalid payload", http.StatusBadRequest)
	}
	if err := req.validate(); err != nil {
		return errors.WrapError(err, errors.ErrCodeMalformedMessage, err.Error(), http.StatusBadRequest)
	}
	return nil
}

type RoomJoined struct {
	RoomID       domain.RoomID          `json:"roomId"`
	PeerID       domain.PeerID          `json:"peerId"`
	Role         domain.Role            `json:"role"`
	Capabilities domain.RTPCapabilities `json:"capabilities"`
	Peers        []domain.PeerInfo      `json:"peers"`
	Producers    []domain.ProducerInfo  `json:"producers"`
}

type TransportCreated struct {
	TransportID       domain.TransportID     `json:"transportId"`
	NegotiationParams domain.TransportParams `json:"negotiationParams"`
	Direction         domain.Direction       `json:"direction"`
}

type TransportConnected struct {
	TransportID domain.TransportID `json:"transportId"`
}

type Produced struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ConsumerResumed struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type ChatMessage struct {
	RoomID    domain.RoomID `json:"roomId"`
	UserID    domain.UserID `json:"userId"`
	UserName  string        `json:"userName"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

type RoomLeft struct {
	RoomID domain.RoomID `json:"roomId"`
}

type PeerLeft struct {
	PeerID   domain.PeerID `json:"peerId"`
	UserID   domain.UserID `json:"userId"`
	UserName string        `json:"userName"`
}

type ErrorPayload struct {
	Message string           `json:"message"`
	Code    errors.ErrorCode `json:"code"`
}

func errorReply(requestID string, appErr *errors.AppError) Outbound {
	return Outbound{
		Type:      EventError,
		RequestID: requestID,
		Payload:   ErrorPayload{Message: appErr.Message, Code: appErr.Code},
	}
}

// toAppError maps a domain or engine failure to its wire error code.
func toAppError(err error) *errors.AppError {
	return errors.FromDomain(err)
}
