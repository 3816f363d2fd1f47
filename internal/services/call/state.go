package call

import (
	"github.com/lovebeyondborders/call-service/internal/domain"
)

// Phase is the explicit call lifecycle state. All transitions go through the
// engine's transition function; illegal combinations of the old boolean
// flags (reconnecting while inactive, incoming while connected) cannot be
// expressed.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOutgoingRinging
	PhaseIncomingRinging
	PhaseConnected
	PhaseReconnecting
	PhaseEnded
)

// MarshalJSON renders the phase by name so clients never see the ordinal.
func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutgoingRinging:
		return "outgoing-ringing"
	case PhaseIncomingRinging:
		return "incoming-ringing"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// legalTransitions is the full transition relation. PhaseEnded is reachable
// from every live phase because endCall must be safe from any state.
var legalTransitions = map[Phase][]Phase{
	PhaseIdle:            {PhaseOutgoingRinging, PhaseIncomingRinging},
	PhaseOutgoingRinging: {PhaseConnected, PhaseEnded},
	PhaseIncomingRinging: {PhaseConnected, PhaseEnded},
	PhaseConnected:       {PhaseReconnecting, PhaseEnded},
	PhaseReconnecting:    {PhaseConnected, PhaseEnded},
	PhaseEnded:           {PhaseIdle},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to Phase) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CallState is the snapshot the UI layer observes. It is rebuilt after every
// engine event; mid-call errors never surface as exceptions, only as changes
// here.
type CallState struct {
	Phase             Phase                    `json:"phase"`
	IsActive          bool                     `json:"is_active"`
	IsIncoming        bool                     `json:"is_incoming"`
	IsConnected       bool                     `json:"is_connected"`
	IsMicOn           bool                     `json:"is_mic_on"`
	IsVideoOn         bool                     `json:"is_video_on"`
	IsScreenSharing   bool                     `json:"is_screen_sharing"`
	IsReconnecting    bool                     `json:"is_reconnecting"`
	CallDuration      int64                    `json:"call_duration"`
	PartnerID         string                   `json:"partner_id"`
	CallID            string                   `json:"call_id"`
	CallSessionID     string                   `json:"call_session_id"`
	ConnectionQuality domain.ConnectionQuality `json:"connection_quality"`
}

// initialCallState is the empty shape the engine resets to whenever a call
// ends for any reason.
func initialCallState() CallState {
	return CallState{Phase: PhaseIdle}
}
