// Package protocol defines the signaling envelope and payloads exchanged
// between endpoints through the relay. The relay routes on the envelope
// alone; payloads are opaque to it.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/signlink/signlink/internal/domain"
)

type Type string

const (
	// Registration.
	TypeRegister            Type = "register-identity"
	TypeRegistrationSuccess Type = "registration-success"
	TypeRegistrationFailed  Type = "registration-failed"

	// Call lifecycle.
	TypeInitiateCall Type = "initiate-call"
	TypeIncomingCall Type = "incoming-call"
	TypeAcceptCall   Type = "accept-call"
	TypeCallAccepted Type = "call-accepted"
	TypeCandidate    Type = "candidate"
	TypeEndCall      Type = "end-call"
	TypeCallEnded    Type = "call-ended"

	// Side channel.
	TypePrediction     Type = "asl-prediction"
	TypeSendMessage    Type = "send-message"
	TypeReceiveMessage Type = "receive-message"

	// Roster (mesh only).
	TypeGetUsers   Type = "get-users"
	TypeUserList   Type = "user-list"
	TypeUserJoined Type = "user-joined"
	TypeUserLeft   Type = "user-left"
)

var ErrNoRecipient = errors.New("envelope has no recipient")

// Envelope is one addressed signaling message. From is stamped by the relay
// on forwarded messages; To is empty on relay-originated broadcasts.
type Envelope struct {
	Type    Type            `json:"type"`
	From    domain.Identity `json:"from,omitempty"`
	To      domain.Identity `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionDescription mirrors the browser-shaped {type, sdp} object so either
// end of a call can be a non-Go peer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(d webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func (d SessionDescription) ToPion() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

// Candidate is one ICE candidate in browser JSON shape.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func CandidateFromPion(ci webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// RegisterPayload carries the identity a client wants to claim.
type RegisterPayload struct {
	Identity domain.Identity `json:"identity"`
}

// OfferPayload rides initiate-call and incoming-call.
type OfferPayload struct {
	Offer SessionDescription `json:"offer"`
}

// AnswerPayload rides accept-call and call-accepted.
type AnswerPayload struct {
	Answer SessionDescription `json:"answer"`
}

// CandidatePayload rides candidate messages.
type CandidatePayload struct {
	Candidate Candidate `json:"candidate"`
}

// PredictionPayload rides asl-prediction messages.
type PredictionPayload struct {
	Prediction domain.Prediction `json:"prediction"`
}

// TranscriptPayload rides send-message / receive-message.
type TranscriptPayload struct {
	Text string `json:"message"`
}

// RosterPayload rides user-list, user-joined and user-left. Users is set for
// user-list; User for the single-identity events.
type RosterPayload struct {
	Users []domain.Identity `json:"users,omitempty"`
	User  domain.Identity   `json:"user,omitempty"`
}

// NewEnvelope marshals payload into an addressed envelope. A nil payload
// produces an envelope with no payload field.
func NewEnvelope(t Type, to domain.Identity, payload any) (Envelope, error) {
	env := Envelope{Type: t, To: to}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Payload, out)
}
