package signal

import (
	"github.com/pion/webrtc/v4"
)

// MessageType tags the signaling message union exchanged between the two
// paired peers.
type MessageType string

const (
	TypeCallOffer          MessageType = "call-offer"
	TypeCallAnswer         MessageType = "call-answer"
	TypeICECandidate       MessageType = "ice-candidate"
	TypeCallEnd            MessageType = "call-end"
	TypeRenegotiationOffer MessageType = "renegotiation-offer"
)

// Message is one signaling message. Every message carries the ephemeral
// CallID so receivers can discard stale or foreign traffic before acting.
type Message struct {
	Type     MessageType `json:"type"`
	CallID   string      `json:"callId"`
	SenderID string      `json:"senderId"`

	// call-offer only
	CallerID      string `json:"callerId,omitempty"`
	CallSessionID string `json:"callSessionId,omitempty"`
	IsVideo       bool   `json:"isVideo,omitempty"`

	// call-offer / call-answer / renegotiation-offer
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`

	// ice-candidate only
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}
