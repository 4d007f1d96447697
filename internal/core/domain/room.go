package domain

import "time"

type (
	RoomID      string
	PeerID      string
	WorkerID    string
	RouterID    string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleParticipant
}

// Direction is the media flow of a transport as seen from the client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// PeerInfo is the public projection of a room member. It never carries
// transport, producer or consumer handles.
type PeerInfo struct {
	PeerID   PeerID `json:"peerId"`
	UserID   UserID `json:"userId"`
	UserName string `json:"userName"`
	Role     Role   `json:"role"`
}

// ProducerInfo identifies a producer and its owner inside a room.
type ProducerInfo struct {
	PeerID     PeerID     `json:"peerId"`
	ProducerID ProducerID `json:"producerId"`
	Kind       MediaKind  `json:"kind"`
}

// ConsumerInfo is what a consuming peer needs to arm its receive pipeline.
type ConsumerInfo struct {
	ConsumerID    ConsumerID    `json:"consumerId"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"mediaParameters"`
	Paused        bool          `json:"paused"`
}

// RoomSummary is the listing projection of a live room.
type RoomSummary struct {
	RoomID    RoomID    `json:"roomId"`
	WorkerID  WorkerID  `json:"workerId"`
	Peers     int       `json:"peers"`
	Producers int       `json:"producers"`
	CreatedAt time.Time `json:"createdAt"`
}
