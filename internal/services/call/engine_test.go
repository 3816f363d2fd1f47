package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lovebeyondborders/call-service/internal/adapters/media"
	"github.com/lovebeyondborders/call-service/internal/adapters/signal"
	"github.com/lovebeyondborders/call-service/internal/config"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testConfig shrinks every timing knob to millisecond scale so recovery
// scenarios run fast.
func testConfig() *config.CallServiceConfig {
	return &config.CallServiceConfig{
		Port:                     "0",
		InstanceID:               "test",
		ICECandidatePoolSize:     2,
		WidenedCandidatePoolSize: 10,
		QualityInterval:          25 * time.Millisecond,
		ReconnectDelayMobile:     10 * time.Millisecond,
		ReconnectDelayDesktop:    20 * time.Millisecond,
		ReconnectTimeoutMobile:   150 * time.Millisecond,
		ReconnectTimeoutDesktop:  250 * time.Millisecond,
		AudioBitrateLow:          24000,
		AudioBitrateHigh:         64000,
		VideoBitrateLow:          800000,
		VideoBitrateHigh:         2500000,
	}
}

// testEnv wires an engine against fakes and tracks every collaborator it
// creates.
type testEnv struct {
	t        *testing.T
	engine   *Engine
	store    *fakeStore
	recorder *Recorder
	media    *fakeMedia

	mu       sync.Mutex
	channels []*fakeChannel
	peers    []*fakePeer
}

func newTestEnv(t *testing.T, device domain.DeviceClass) *testEnv {
	t.Helper()

	env := &testEnv{
		t:     t,
		store: newFakeStore(),
		media: newFakeMedia(),
	}
	env.recorder = NewRecorder(env.store)

	engine, err := NewEngine(context.Background(), EngineParams{
		Config:      testConfig(),
		SelfID:      "user-a",
		PairingID:   "pairing-1",
		DeviceClass: device,
		NewChannel: func() SignalChannel {
			ch := &fakeChannel{}
			env.mu.Lock()
			env.channels = append(env.channels, ch)
			env.mu.Unlock()
			return ch
		},
		NewPeer: func() (Peer, error) {
			p := newFakePeer()
			env.mu.Lock()
			env.peers = append(env.peers, p)
			env.mu.Unlock()
			return p, nil
		},
		NewMedia: func() MediaSource { return env.media },
		Recorder: env.recorder,
	})
	require.NoError(t, err)
	env.engine = engine

	t.Cleanup(func() {
		_ = engine.Close()
		env.recorder.Close()
	})
	return env
}

func (env *testEnv) channel() *fakeChannel {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.channels[len(env.channels)-1]
}

func (env *testEnv) peer() *fakePeer {
	env.mu.Lock()
	defer env.mu.Unlock()
	require.NotEmpty(env.t, env.peers)
	return env.peers[len(env.peers)-1]
}

func (env *testEnv) waitPhase(phase Phase) {
	env.t.Helper()
	require.Eventually(env.t, func() bool {
		return env.engine.State().Phase == phase
	}, waitFor, tick, "expected phase %s, got %s", phase, env.engine.State().Phase)
}

func TestStartCallPublishesOffer(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	err := env.engine.StartCall(context.Background(), "user-b", true)
	require.NoError(t, err)
	env.waitPhase(PhaseOutgoingRinging)

	offers := env.channel().publishedOfType(signal.TypeCallOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "user-a", offers[0].CallerID)
	assert.True(t, offers[0].IsVideo)
	assert.NotEmpty(t, offers[0].CallID)
	assert.NotEmpty(t, offers[0].CallSessionID)
	require.NotNil(t, offers[0].Offer)

	state := env.engine.State()
	assert.True(t, state.IsActive)
	assert.True(t, state.IsMicOn)
	assert.True(t, state.IsVideoOn)
	assert.Equal(t, "user-b", state.PartnerID)

	// A second start while ringing is rejected.
	err = env.engine.StartCall(context.Background(), "user-b", false)
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestOutgoingCallConnects(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", true))
	env.waitPhase(PhaseOutgoingRinging)
	callID := env.engine.State().CallID

	env.channel().deliver(signal.Message{
		Type:   signal.TypeCallAnswer,
		CallID: callID,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	})
	env.peer().fireConnState(webrtc.PeerConnectionStateConnected)
	env.waitPhase(PhaseConnected)

	env.peer().fireRemoteTrack("audio")
	require.Eventually(t, func() bool {
		return env.engine.State().IsConnected
	}, waitFor, tick)

	// The high bitrate tier applies on a desktop with a healthy network.
	require.Eventually(t, func() bool {
		return env.media.bitrate("video") == 2500000
	}, waitFor, tick)
}

func TestIncomingCallAcceptFlow(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	env.channel().deliver(signal.Message{
		Type:          signal.TypeCallOffer,
		CallID:        "call-123",
		CallerID:      "user-b",
		CallSessionID: "session-remote",
		IsVideo:       true,
		Offer:         &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
	})
	env.waitPhase(PhaseIncomingRinging)

	state := env.engine.State()
	assert.True(t, state.IsIncoming)
	assert.Equal(t, "user-b", state.PartnerID)
	assert.Equal(t, "call-123", state.CallID)

	require.NoError(t, env.engine.AcceptCall(context.Background()))
	env.waitPhase(PhaseConnected)

	answers := env.channel().publishedOfType(signal.TypeCallAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "call-123", answers[0].CallID)
	require.NotNil(t, answers[0].Answer)
}

func TestIncomingOfferIgnoredWhileBusy(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	callID := env.engine.State().CallID

	env.channel().deliver(signal.Message{
		Type:     signal.TypeCallOffer,
		CallID:   "call-other",
		CallerID: "user-b",
		Offer:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
	})

	// The active call is untouched.
	assert.Equal(t, callID, env.engine.State().CallID)
	assert.Equal(t, PhaseOutgoingRinging, env.engine.State().Phase)
}

func TestDeclineCall(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	assert.ErrorIs(t, env.engine.DeclineCall(context.Background()), ErrNoIncomingCall)

	env.channel().deliver(signal.Message{
		Type:     signal.TypeCallOffer,
		CallID:   "call-123",
		CallerID: "user-b",
		Offer:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
	})
	env.waitPhase(PhaseIncomingRinging)

	declinedOn := env.channel()
	require.NoError(t, env.engine.DeclineCall(context.Background()))
	env.waitPhase(PhaseIdle)

	ends := declinedOn.publishedOfType(signal.TypeCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "call-123", ends[0].CallID)
	assert.Equal(t, initialCallState(), env.engine.State())
}

func TestEndCallSafeFromAnyState(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	// Idle: a no-op.
	require.NoError(t, env.engine.EndCall(context.Background()))
	assert.Equal(t, initialCallState(), env.engine.State())

	// Ringing: full teardown plus history.
	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	sessionID := env.engine.State().CallSessionID
	peer := env.peer()

	require.NoError(t, env.engine.EndCall(context.Background()))
	env.waitPhase(PhaseIdle)

	assert.Equal(t, initialCallState(), env.engine.State())
	assert.True(t, peer.isClosed())
	assert.True(t, env.media.isClosed())
	assert.Equal(t, 1, env.store.historyCount())
	assert.Equal(t, domain.EndReasonCompleted, env.store.lastHistory().EndReason)
	assert.Equal(t, domain.SessionStatusEnded, env.store.sessionStatus(sessionID))
}

func TestRemoteHangup(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	callID := env.engine.State().CallID

	env.channel().deliver(signal.Message{Type: signal.TypeCallEnd, CallID: callID})
	env.waitPhase(PhaseIdle)

	require.Equal(t, 1, env.store.historyCount())
	assert.Equal(t, domain.EndReasonRemoteHangup, env.store.lastHistory().EndReason)
}

func TestStaleEventsRejectedAfterEnd(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	oldPeer := env.peer()
	oldChannel := env.channel()
	oldCallID := env.engine.State().CallID

	require.NoError(t, env.engine.EndCall(context.Background()))
	env.waitPhase(PhaseIdle)

	// Late callbacks from the dead call must not resurrect it.
	oldPeer.fireConnState(webrtc.PeerConnectionStateConnected)
	oldPeer.fireConnState(webrtc.PeerConnectionStateFailed)
	oldPeer.fireRemoteTrack("audio")
	oldChannel.deliver(signal.Message{
		Type:      signal.TypeICECandidate,
		CallID:    oldCallID,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:stale"},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, initialCallState(), env.engine.State())
	assert.Equal(t, 1, env.store.historyCount())
}

func TestSignalingForForeignCallDiscarded(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)

	env.channel().deliver(signal.Message{
		Type:      signal.TypeICECandidate,
		CallID:    "call-other",
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:foreign"},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, env.peer().addedCandidates)

	// Candidates for the active call apply, including duplicates.
	callID := env.engine.State().CallID
	cand := signal.Message{
		Type:      signal.TypeICECandidate,
		CallID:    callID,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1"},
	}
	env.channel().deliver(cand)
	env.channel().deliver(cand)
	require.Eventually(t, func() bool {
		env.peer().mu.Lock()
		defer env.peer().mu.Unlock()
		return len(env.peer().addedCandidates) == 2
	}, waitFor, tick)
	assert.Equal(t, PhaseOutgoingRinging, env.engine.State().Phase)
}

func TestPublishFailureKeepsRinging(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)
	env.channel().failPublish = true

	err := env.engine.StartCall(context.Background(), "user-b", false)
	require.NoError(t, err)
	env.waitPhase(PhaseOutgoingRinging)

	require.NoError(t, env.engine.EndCall(context.Background()))
	env.waitPhase(PhaseIdle)
}

func TestMediaDenialAbortsStart(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)
	env.media.failAcquire = media.ErrPermissionDenied

	err := env.engine.StartCall(context.Background(), "user-b", true)
	require.Error(t, err)

	var mediaErr *MediaError
	require.True(t, errors.As(err, &mediaErr))
	assert.Equal(t, media.ErrorPermissionDenied, mediaErr.Kind)

	// The attempt never rang and left no half-open resources, but its
	// session record is finished.
	assert.Equal(t, PhaseIdle, env.engine.State().Phase)
	assert.True(t, env.peer().isClosed())
	require.Equal(t, 1, env.store.historyCount())
	assert.Equal(t, domain.EndReasonMediaError, env.store.lastHistory().EndReason)

	// No offer was ever published.
	assert.Empty(t, env.channel().publishedOfType(signal.TypeCallOffer))
}

func TestMediaDenialOnAccept(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)
	env.media.failAcquire = media.ErrNoDevice

	env.channel().deliver(signal.Message{
		Type:     signal.TypeCallOffer,
		CallID:   "call-123",
		CallerID: "user-b",
		Offer:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
	})
	env.waitPhase(PhaseIncomingRinging)

	err := env.engine.AcceptCall(context.Background())
	require.Error(t, err)

	var mediaErr *MediaError
	require.True(t, errors.As(err, &mediaErr))
	assert.Equal(t, media.ErrorNoDevice, mediaErr.Kind)
	env.waitPhase(PhaseIdle)
}

func TestToggles(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	assert.Error(t, env.engine.ToggleMic(context.Background()))

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", true))
	env.waitPhase(PhaseOutgoingRinging)

	require.NoError(t, env.engine.ToggleMic(context.Background()))
	require.Eventually(t, func() bool {
		return !env.engine.State().IsMicOn
	}, waitFor, tick)

	require.NoError(t, env.engine.ToggleMic(context.Background()))
	require.Eventually(t, func() bool {
		return env.engine.State().IsMicOn
	}, waitFor, tick)

	require.NoError(t, env.engine.ToggleVideo(context.Background()))
	require.Eventually(t, func() bool {
		return !env.engine.State().IsVideoOn
	}, waitFor, tick)

	require.NoError(t, env.engine.ToggleScreenShare(context.Background()))
	require.Eventually(t, func() bool {
		return env.engine.State().IsScreenSharing
	}, waitFor, tick)

	require.NoError(t, env.engine.ToggleScreenShare(context.Background()))
	require.Eventually(t, func() bool {
		return !env.engine.State().IsScreenSharing
	}, waitFor, tick)
}

func TestDisconnectRecoversWithinWatchdog(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	env.peer().fireConnState(webrtc.PeerConnectionStateConnected)
	env.waitPhase(PhaseConnected)

	env.peer().fireConnState(webrtc.PeerConnectionStateDisconnected)
	env.waitPhase(PhaseReconnecting)
	assert.True(t, env.engine.State().IsReconnecting)

	// Exactly one ICE-restart offer goes out after the grace delay.
	require.Eventually(t, func() bool {
		return env.peer().restartOfferCount() == 1
	}, waitFor, tick)
	offers := env.channel().publishedOfType(signal.TypeRenegotiationOffer)
	require.Len(t, offers, 1)

	env.peer().fireConnState(webrtc.PeerConnectionStateConnected)
	env.waitPhase(PhaseConnected)
	assert.False(t, env.engine.State().IsReconnecting)

	// Recovery means no termination: the call survives past the watchdog
	// window with no history row written.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, PhaseConnected, env.engine.State().Phase)
	assert.Zero(t, env.store.historyCount())
}

func TestReconnectWatchdogTimesOut(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	env.peer().fireConnState(webrtc.PeerConnectionStateConnected)
	env.waitPhase(PhaseConnected)

	env.peer().fireConnState(webrtc.PeerConnectionStateDisconnected)
	env.waitPhase(PhaseReconnecting)

	env.waitPhase(PhaseIdle)
	require.Equal(t, 1, env.store.historyCount())
	assert.Equal(t, domain.EndReasonReconnectionTimeout, env.store.lastHistory().EndReason)
}

func TestRepeatedDisconnectsScheduleOneAttempt(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	env.peer().fireConnState(webrtc.PeerConnectionStateConnected)
	env.waitPhase(PhaseConnected)

	// The peer connection and ICE layers both report the outage.
	env.peer().fireConnState(webrtc.PeerConnectionStateDisconnected)
	env.peer().fireConnState(webrtc.PeerConnectionStateDisconnected)
	env.waitPhase(PhaseReconnecting)

	require.Eventually(t, func() bool {
		return env.peer().restartOfferCount() >= 1
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.peer().restartOfferCount())
}

func TestMobileGetsRetryAfterFailed(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassMobile)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	env.peer().fireConnState(webrtc.PeerConnectionStateConnected)
	env.waitPhase(PhaseConnected)

	env.peer().fireConnState(webrtc.PeerConnectionStateFailed)
	env.waitPhase(PhaseReconnecting)
	require.Eventually(t, func() bool {
		return env.peer().restartOfferCount() == 1
	}, waitFor, tick)

	// A second hard failure on mobile earns one more delayed attempt.
	env.peer().fireConnState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return env.peer().restartOfferCount() == 2
	}, waitFor, tick)

	// The third one terminates the call.
	env.peer().fireConnState(webrtc.PeerConnectionStateFailed)
	env.waitPhase(PhaseIdle)
	assert.Equal(t, domain.EndReasonReconnectionFailed, env.store.lastHistory().EndReason)
}

func TestDesktopFailedEndsCallImmediately(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	env.peer().fireConnState(webrtc.PeerConnectionStateConnected)
	env.waitPhase(PhaseConnected)

	// A hard failure on a stationary network gets no restart round; the
	// call ends with the failure reason on its history row.
	env.peer().fireConnState(webrtc.PeerConnectionStateFailed)
	env.waitPhase(PhaseIdle)

	require.Equal(t, 1, env.store.historyCount())
	assert.Equal(t, domain.EndReasonConnectionFailed, env.store.lastHistory().EndReason)
	assert.Zero(t, env.peer().restartOfferCount())
}

func TestLocalCandidatesPublished(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)
	callID := env.engine.State().CallID

	env.peer().fireCandidate(webrtc.ICECandidateInit{Candidate: "candidate:local-1"})
	require.Eventually(t, func() bool {
		return len(env.channel().publishedOfType(signal.TypeICECandidate)) == 1
	}, waitFor, tick)

	published := env.channel().publishedOfType(signal.TypeICECandidate)
	assert.Equal(t, callID, published[0].CallID)
	assert.Equal(t, "candidate:local-1", published[0].Candidate.Candidate)
}

func TestQualitySamplesRecorded(t *testing.T) {
	env := newTestEnv(t, domain.DeviceClassDesktop)

	require.NoError(t, env.engine.StartCall(context.Background(), "user-b", false))
	env.waitPhase(PhaseOutgoingRinging)

	// Degrade the link: the periodic sampler should classify it poor and
	// drop to the low bitrate tier.
	env.peer().mu.Lock()
	env.peer().stats.PacketsReceived = 900
	env.peer().stats.PacketsLost = 100
	env.peer().mu.Unlock()

	require.Eventually(t, func() bool {
		return env.engine.State().ConnectionQuality == domain.QualityPoor
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return env.store.qualityCount() > 0
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return env.media.bitrate("video") == 800000
	}, waitFor, tick)
}
