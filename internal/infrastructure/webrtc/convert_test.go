package webrtc

import (
	"testing"

	"liveclass/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICECandidates_RoundTrip(t *testing.T) {
	in := []domain.ICECandidate{
		{Foundation: "1", Priority: 2130706431, IP: "192.0.2.10", Protocol: "udp", Port: 40001, Type: "host"},
		{Foundation: "2", Priority: 1694498815, IP: "203.0.113.7", Protocol: "udp", Port: 40002, Type: "srflx"},
	}

	candidates, err := toICECandidates(in)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, webrtc.ICEProtocolUDP, candidates[0].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeSrflx, candidates[1].Typ)
	assert.Equal(t, uint16(1), candidates[0].Component)

	assert.Equal(t, in, fromICECandidates(candidates))
}

func TestToICECandidates_RejectsUnknownValues(t *testing.T) {
	_, err := toICECandidates([]domain.ICECandidate{{Foundation: "1", Protocol: "sctp", Type: "host"}})
	assert.Error(t, err)

	_, err = toICECandidates([]domain.ICECandidate{{Foundation: "1", Protocol: "udp", Type: "mystery"}})
	assert.Error(t, err)
}

func TestToDTLSParameters(t *testing.T) {
	fingerprints := []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}}

	tests := []struct {
		role    string
		want    webrtc.DTLSRole
		wantErr bool
	}{
		{role: "", want: webrtc.DTLSRoleAuto},
		{role: "auto", want: webrtc.DTLSRoleAuto},
		{role: "client", want: webrtc.DTLSRoleClient},
		{role: "SERVER", want: webrtc.DTLSRoleServer},
		{role: "leader", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			params, err := toDTLSParameters(domain.DTLSParameters{Role: tt.role, Fingerprints: fingerprints})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, params.Role)
			assert.Equal(t, "sha-256", params.Fingerprints[0].Algorithm)
		})
	}

	_, err := toDTLSParameters(domain.DTLSParameters{Role: "client"})
	assert.Error(t, err, "fingerprints are required")
}
