package ws

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"telecare-backend/pkg/constants"
	apperrors "telecare-backend/pkg/errors"
)

func uint16Ptr(v uint16) *uint16 { return &v }
func strPtr(v string) *string    { return &v }

func TestValidateSessionDescription(t *testing.T) {
	tests := []struct {
		name     string
		sdp      *SessionDescription
		wantCode apperrors.ErrorCode
	}{
		{
			name: "valid offer",
			sdp:  &SessionDescription{Type: "offer", SDP: "v=0\r\no=- 46117 2 IN IP4 127.0.0.1\r\n"},
		},
		{
			name: "valid answer",
			sdp:  &SessionDescription{Type: "answer", SDP: "v=0\r\n"},
		},
		{
			name: "rollback without body",
			sdp:  &SessionDescription{Type: "rollback"},
		},
		{
			name:     "missing payload",
			sdp:      nil,
			wantCode: apperrors.ErrCodeMissingField,
		},
		{
			name:     "unknown type",
			sdp:      &SessionDescription{Type: "renegotiate", SDP: "v=0\r\n"},
			wantCode: apperrors.ErrCodeValidation,
		},
		{
			name:     "empty description",
			sdp:      &SessionDescription{Type: "offer"},
			wantCode: apperrors.ErrCodeMissingField,
		},
		{
			name:     "oversized description",
			sdp:      &SessionDescription{Type: "offer", SDP: strings.Repeat("a", constants.MaxSDPLength+1)},
			wantCode: apperrors.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSessionDescription(tt.sdp)
			if tt.wantCode == "" {
				assert.Nil(t, err)
				return
			}
			assert.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)
		})
	}
}

func TestValidateICECandidate(t *testing.T) {
	valid := &ICECandidate{
		Candidate:     "candidate:842163049 1 udp 1677729535 192.0.2.1 53165 typ srflx",
		SDPMLineIndex: uint16Ptr(0),
		SDPMid:        strPtr("0"),
	}
	assert.Nil(t, validateICECandidate(valid))

	tests := []struct {
		name     string
		c        *ICECandidate
		wantCode apperrors.ErrorCode
	}{
		{"missing payload", nil, apperrors.ErrCodeMissingField},
		{"empty candidate line", &ICECandidate{SDPMLineIndex: uint16Ptr(0), SDPMid: strPtr("0")}, apperrors.ErrCodeMissingField},
		{"missing media line index", &ICECandidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host", SDPMid: strPtr("0")}, apperrors.ErrCodeMissingField},
		{"missing media stream id", &ICECandidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host", SDPMLineIndex: uint16Ptr(0)}, apperrors.ErrCodeMissingField},
		{
			"oversized candidate line",
			&ICECandidate{
				Candidate:     strings.Repeat("a", constants.MaxCandidateLength+1),
				SDPMLineIndex: uint16Ptr(0),
				SDPMid:        strPtr("0"),
			},
			apperrors.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateICECandidate(tt.c)
			assert.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)
		})
	}
}

func TestValidateQuality(t *testing.T) {
	for _, q := range []string{"excellent", "good", "fair", "poor"} {
		assert.Nil(t, validateQuality(q), q)
	}
	assert.NotNil(t, validateQuality(""))
	assert.NotNil(t, validateQuality("terrible"))
}
