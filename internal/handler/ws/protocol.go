package ws

import (
	"fmt"

	"github.com/google/uuid"

	"telecare-backend/pkg/constants"
	apperrors "telecare-backend/pkg/errors"
)

// Inbound event types (client -> server)
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventMediaState   = "media-state-change"
	EventQuality      = "connection-quality"
)

// Outbound event types (server -> client)
const (
	EventRoomJoined = "room-joined"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventError      = "error"
)

// SessionDescription carries an SDP offer or answer. The server never
// interprets the description beyond structural validation.
type SessionDescription struct {
	Type string `json:"type"` // offer, answer, pranswer, rollback
	SDP  string `json:"sdp"`
}

// ICECandidate carries one ICE candidate. Relayed opaquely.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid"`
}

// Envelope is the wire format for inbound signaling events
type Envelope struct {
	Type      string              `json:"type"`
	CallID    uuid.UUID           `json:"call_id"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	Video     *bool               `json:"video,omitempty"`
	Audio     *bool               `json:"audio,omitempty"`
	Quality   string              `json:"quality,omitempty"`
}

// PeerInfo describes a room participant in outbound events
type PeerInfo struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Role       string    `json:"role"`
	Quality    string    `json:"quality"`
}

// ErrorBody is the error payload of outbound error events
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outbound is the wire format for server -> client events
type Outbound struct {
	Type      string              `json:"type"`
	CallID    uuid.UUID           `json:"call_id,omitempty"`
	From      *PeerInfo           `json:"from,omitempty"`
	Peers     []PeerInfo          `json:"peers,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	Video     *bool               `json:"video,omitempty"`
	Audio     *bool               `json:"audio,omitempty"`
	Quality   string              `json:"quality,omitempty"`
	Error     *ErrorBody          `json:"error,omitempty"`
}

var sdpTypes = map[string]bool{
	"offer":    true,
	"answer":   true,
	"pranswer": true,
	"rollback": true,
}

var qualityLevels = map[string]bool{
	constants.QualityExcellent: true,
	constants.QualityGood:      true,
	constants.QualityFair:      true,
	constants.QualityPoor:      true,
}

// validateSessionDescription checks an offer/answer payload before relay.
// Malformed payloads are dropped with an error to the sender and never
// relayed.
func validateSessionDescription(sdp *SessionDescription) *apperrors.AppError {
	if sdp == nil {
		return apperrors.MissingFieldError("sdp")
	}
	if !sdpTypes[sdp.Type] {
		return apperrors.ValidationError(fmt.Sprintf("unrecognized session description type: %q", sdp.Type))
	}
	// rollback carries no description; everything else must
	if sdp.SDP == "" && sdp.Type != "rollback" {
		return apperrors.MissingFieldError("sdp.sdp")
	}
	if len(sdp.SDP) > constants.MaxSDPLength {
		return apperrors.ValidationError("session description exceeds maximum length")
	}
	return nil
}

// validateICECandidate checks an ICE candidate payload before relay
func validateICECandidate(c *ICECandidate) *apperrors.AppError {
	if c == nil {
		return apperrors.MissingFieldError("candidate")
	}
	if c.Candidate == "" {
		return apperrors.MissingFieldError("candidate.candidate")
	}
	if len(c.Candidate) > constants.MaxCandidateLength {
		return apperrors.ValidationError("ice candidate exceeds maximum length")
	}
	if c.SDPMLineIndex == nil {
		return apperrors.MissingFieldError("candidate.sdpMLineIndex")
	}
	if c.SDPMid == nil {
		return apperrors.MissingFieldError("candidate.sdpMid")
	}
	return nil
}

// validateQuality checks a connection-quality report
func validateQuality(q string) *apperrors.AppError {
	if q == "" {
		return apperrors.MissingFieldError("quality")
	}
	if !qualityLevels[q] {
		return apperrors.ValidationError(fmt.Sprintf("unknown quality level: %q", q))
	}
	return nil
}
