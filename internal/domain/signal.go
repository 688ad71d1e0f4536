package domain

import (
	"fmt"

	"github.com/goccy/go-json"
)

// PayloadKind tags the variant carried by a signal payload.
type PayloadKind string

const (
	PayloadOffer        PayloadKind = "offer"
	PayloadAnswer       PayloadKind = "answer"
	PayloadICECandidate PayloadKind = "ice-candidate"
)

// SignalMessage is a point-to-point negotiation message. The relay routes it
// by RecipientID and never looks inside Payload.
type SignalMessage struct {
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Payload     json.RawMessage `json:"payload"`
}

// Payload is the decoded form of SignalMessage.Payload: exactly one of SDP
// (offer, answer) or Candidate (ice-candidate) is meaningful, selected by Kind.
type Payload struct {
	Kind      PayloadKind   `json:"kind"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// ICECandidate is the JSON structure for trickled ICE candidates.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// OfferPayload builds an offer payload.
func OfferPayload(sdp string) Payload { return Payload{Kind: PayloadOffer, SDP: sdp} }

// AnswerPayload builds an answer payload.
func AnswerPayload(sdp string) Payload { return Payload{Kind: PayloadAnswer, SDP: sdp} }

// CandidatePayload builds an ice-candidate payload.
func CandidatePayload(c ICECandidate) Payload {
	return Payload{Kind: PayloadICECandidate, Candidate: &c}
}

// NewSignal encodes p and addresses it from sender to recipient.
func NewSignal(sender, recipient string, p Payload) (SignalMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("marshal %s payload: %w", p.Kind, err)
	}
	return SignalMessage{SenderID: sender, RecipientID: recipient, Payload: raw}, nil
}

// DecodePayload parses the opaque payload of m into its tagged form.
func DecodePayload(m SignalMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return Payload{}, fmt.Errorf("unmarshal payload from %s: %w", m.SenderID, err)
	}
	switch p.Kind {
	case PayloadOffer, PayloadAnswer:
		if p.SDP == "" {
			return Payload{}, fmt.Errorf("%s from %s: empty sdp", p.Kind, m.SenderID)
		}
	case PayloadICECandidate:
		if p.Candidate == nil {
			return Payload{}, fmt.Errorf("ice-candidate from %s: missing candidate", m.SenderID)
		}
	default:
		return Payload{}, fmt.Errorf("unknown payload kind %q from %s", p.Kind, m.SenderID)
	}
	return p, nil
}
