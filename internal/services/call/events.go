package call

import (
	"github.com/lovebeyondborders/call-service/internal/adapters/signal"
	"github.com/pion/webrtc/v4"
)

// engineEvent is the sealed union fed to the engine's single run loop. Every
// asynchronous callback (peer, media, signaling, timers) posts one of these
// instead of mutating shared state directly, so all mutations are serialized
// through one goroutine.
type engineEvent interface {
	isEngineEvent()
}

// evOp carries a user operation into the loop. done receives the result so
// the public method can return an error synchronously.
type evOp struct {
	run  func() error
	done chan error
}

// evSignalMsg is one message delivered by the signaling channel.
type evSignalMsg struct {
	msg signal.Message
}

// evConnState is a peer connection state change. Stamped with the call id of
// the session that registered the callback so late callbacks from a dead
// call are discarded.
type evConnState struct {
	callID string
	state  webrtc.PeerConnectionState
}

type evICEState struct {
	callID string
	state  webrtc.ICEConnectionState
}

type evLocalCandidate struct {
	callID    string
	candidate webrtc.ICECandidateInit
}

type evRemoteTrack struct {
	callID string
	kind   string
}

type evNegotiationNeeded struct {
	callID string
}

type evScreenShareEnded struct {
	callID string
}

type evDurationTick struct {
	callID string
}

type evQualityTick struct {
	callID string
}

type evReconnectAttempt struct {
	callID string
}

type evReconnectWatchdog struct {
	callID string
}

func (evOp) isEngineEvent()                {}
func (evSignalMsg) isEngineEvent()         {}
func (evConnState) isEngineEvent()         {}
func (evICEState) isEngineEvent()          {}
func (evLocalCandidate) isEngineEvent()    {}
func (evRemoteTrack) isEngineEvent()       {}
func (evNegotiationNeeded) isEngineEvent() {}
func (evScreenShareEnded) isEngineEvent()  {}
func (evDurationTick) isEngineEvent()      {}
func (evQualityTick) isEngineEvent()       {}
func (evReconnectAttempt) isEngineEvent()  {}
func (evReconnectWatchdog) isEngineEvent() {}
