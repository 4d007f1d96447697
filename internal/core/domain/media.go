package domain

import "strings"

// RTCPFeedback names a feedback mechanism supported for a codec.
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability describes a codec a router or endpoint can handle.
type RTPCodecCapability struct {
	Kind                 MediaKind              `json:"kind" yaml:"kind"`
	MimeType             string                 `json:"mimeType" yaml:"mime_type"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty" yaml:"preferred_payload_type"`
	ClockRate            uint32                 `json:"clockRate" yaml:"clock_rate"`
	Channels             uint16                 `json:"channels,omitempty" yaml:"channels"`
	Parameters           map[string]interface{} `json:"parameters,omitempty" yaml:"parameters"`
	RTCPFeedback         []RTCPFeedback         `json:"rtcpFeedback,omitempty" yaml:"-"`
}

type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// HasMimeType reports whether any codec matches mimeType, case-insensitively.
func (c RTPCapabilities) HasMimeType(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

type RTPCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback         `json:"rtcpFeedback,omitempty"`
}

type RTPEncodingParameters struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

// RTPParameters describe one media stream sent or received on a transport.
type RTPParameters struct {
	MID       string                  `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters    `json:"codecs"`
	Encodings []RTPEncodingParameters `json:"encodings,omitempty"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParams are handed to the client so it can negotiate the transport.
type TransportParams struct {
	ID             TransportID    `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams carry the client side of the transport negotiation.
type ConnectParams struct {
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []ICECandidate `json:"iceCandidates,omitempty"`
}
