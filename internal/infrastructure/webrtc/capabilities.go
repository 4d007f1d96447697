package webrtc

import (
	"fmt"
	"sort"
	"strings"

	"liveclass/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// First dynamic payload type handed to codecs configured without one.
const firstDynamicPayloadType = 96

var (
	videoFeedback = []domain.RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
	audioFeedback = []domain.RTCPFeedback{
		{Type: "transport-cc"},
	}
)

// routerCodecs completes the configured codec list: payload types are
// assigned where missing and default RTCP feedback is attached.
func routerCodecs(codecs []domain.RTPCodecCapability) ([]domain.RTPCodecCapability, error) {
	used := make(map[uint8]bool, len(codecs))
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			if used[c.PreferredPayloadType] {
				return nil, fmt.Errorf("payload type %d used twice", c.PreferredPayloadType)
			}
			used[c.PreferredPayloadType] = true
		}
	}

	next := uint8(firstDynamicPayloadType)
	out := make([]domain.RTPCodecCapability, 0, len(codecs))
	for _, c := range codecs {
		if !c.Kind.Valid() {
			return nil, fmt.Errorf("codec %s has unknown kind %q", c.MimeType, c.Kind)
		}
		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		if len(c.RTCPFeedback) == 0 {
			if c.Kind == domain.KindVideo {
				c.RTCPFeedback = videoFeedback
			} else {
				c.RTCPFeedback = audioFeedback
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// findCodec returns the first codec in codecs with the given mime type.
func findCodec(codecs []domain.RTPCodecCapability, mimeType string) (domain.RTPCodecCapability, bool) {
	for _, c := range codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			return c, true
		}
	}
	return domain.RTPCodecCapability{}, false
}

// canConsume reports whether a stream encoded with producerMime can be
// routed and decoded by an endpoint advertising caps.
func canConsume(router []domain.RTPCodecCapability, producerMime string, caps domain.RTPCapabilities) bool {
	if _, ok := findCodec(router, producerMime); !ok {
		return false
	}
	return caps.HasMimeType(producerMime)
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// fmtpLine renders codec parameters as an SDP fmtp line with sorted keys.
func fmtpLine(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func toCodecCapability(c domain.RTPCodecCapability) webrtc.RTPCodecCapability {
	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, fb := range c.RTCPFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: feedback,
	}
}

// newMediaEngine registers the router codecs under their payload types.
func newMediaEngine(codecs []domain.RTPCodecCapability) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: toCodecCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, codecType(c.Kind))
		if err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.MimeType, err)
		}
	}
	return m, nil
}
