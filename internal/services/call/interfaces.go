package call

import (
	"context"

	"github.com/lovebeyondborders/call-service/internal/adapters/signal"
	webrtcadapter "github.com/lovebeyondborders/call-service/internal/adapters/webrtc"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Peer is the bidirectional peer connection consumed by the engine. The
// production implementation wraps pion; tests substitute a fake.
type Peer interface {
	OnRemoteTrack(fn func(kind string))
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnNegotiationNeeded(fn func())

	AttachLocalTracks(audio, video webrtc.TrackLocal) error
	ReplaceVideoTrack(track webrtc.TrackLocal) error

	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error

	SignalingStateStable() bool
	ConnectionState() webrtc.PeerConnectionState
	ICEConfigJSON() string
	WidenCandidatePool()
	Stats() (webrtcadapter.StatsSnapshot, error)
	Close() error
}

// MediaSource is the local capture side of a call.
type MediaSource interface {
	Acquire(ctx context.Context, video, audio bool) error
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
	SetMicEnabled(on bool)
	SetVideoEnabled(on bool)
	SetTargetBitrate(kind string, bps int)
	StartScreenShare(ctx context.Context) (webrtc.TrackLocal, error)
	StopScreenShare() (webrtc.TrackLocal, error)
	OnScreenShareEnded(fn func())
	Close() error
}

// SignalChannel is the pairing-scoped broadcast channel used for call setup.
type SignalChannel interface {
	Publish(ctx context.Context, msg signal.Message) error
	Subscribe(ctx context.Context, handler func(signal.Message)) error
	Close() error
}

// Store is the persistence collaborator for sessions, quality logs and
// history.
type Store interface {
	CreateSession(ctx context.Context, session *domain.CallSession) error
	UpdateSession(ctx context.Context, id string, fields map[string]interface{}) error
	GetSession(ctx context.Context, id string) (*domain.CallSession, error)
	InsertQualityLogs(ctx context.Context, samples []*domain.CallQualityLog) error
	InsertHistory(ctx context.Context, history *domain.CallHistory) error
}

// PeerFactory builds one peer connection per call attempt.
type PeerFactory func() (Peer, error)

// MediaFactory builds one media source per call attempt.
type MediaFactory func() MediaSource

// ChannelFactory builds a fresh signaling channel subscription. A new channel
// is bound per call attempt so teardown on any exit path leaves nothing
// dangling.
type ChannelFactory func() SignalChannel
