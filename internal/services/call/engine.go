package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lovebeyondborders/call-service/internal/adapters/media"
	"github.com/lovebeyondborders/call-service/internal/adapters/signal"
	"github.com/lovebeyondborders/call-service/internal/cache"
	"github.com/lovebeyondborders/call-service/internal/config"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	// ErrCallActive is returned when StartCall is invoked while a call is
	// already in progress.
	ErrCallActive = errors.New("a call is already active")
	// ErrNoIncomingCall is returned when AcceptCall or DeclineCall is
	// invoked without a ringing incoming call.
	ErrNoIncomingCall = errors.New("no incoming call to act on")
	// ErrEngineClosed is returned for operations on a closed engine.
	ErrEngineClosed = errors.New("call engine closed")
)

// MediaError carries the user-facing failure taxonomy when device
// acquisition aborts a call attempt.
type MediaError struct {
	Kind media.ErrorKind
	Err  error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media acquisition failed (%s): %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// session is the arena owning every per-call-attempt resource: peer
// connection, media source, timers, signaling subscription state. It is
// constructed at call start (or on an incoming offer) and destroyed
// atomically by teardown on every exit path.
type session struct {
	callID    string
	sessionID string
	partnerID string
	video     bool
	incoming  bool
	startedAt time.Time

	peer  Peer
	media MediaSource

	mediaConnected bool
	connectedMark  bool
	micOn          bool
	videoOn        bool
	screenSharing  bool

	duration int64
	quality  domain.ConnectionQuality

	slowNetwork bool

	reconnectTimer    *time.Timer
	watchdogTimer     *time.Timer
	durationTimer     *time.Timer
	qualityTimer      *time.Timer
	reconnectAttempts int
	failedRetryUsed   bool
	historyDone       bool
}

// Engine runs the call lifecycle for one user of a pairing. All state lives
// behind a single event loop; public operations post into the loop and wait,
// so there is exactly one writer and no locking on call state.
type Engine struct {
	cfg       *config.CallServiceConfig
	selfID    string
	pairingID string
	device    domain.DeviceClass

	newChannel ChannelFactory
	newPeer    PeerFactory
	newMedia   MediaFactory
	recorder   *Recorder
	tracker    *cache.CallCache

	events    chan engineEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	phase   Phase
	sess    *session
	channel SignalChannel

	snapMu sync.RWMutex
	snap   CallState

	log *zap.SugaredLogger
}

// EngineParams wires an engine's collaborators.
type EngineParams struct {
	Config      *config.CallServiceConfig
	SelfID      string
	PairingID   string
	DeviceClass domain.DeviceClass
	NewChannel  ChannelFactory
	NewPeer     PeerFactory
	NewMedia    MediaFactory
	Recorder    *Recorder
	// Tracker is optional; when set the pairing is marked busy in the
	// shared cache for the duration of each call.
	Tracker *cache.CallCache
}

// NewEngine creates an engine and binds its signaling subscription.
func NewEngine(ctx context.Context, p EngineParams) (*Engine, error) {
	e := &Engine{
		cfg:        p.Config,
		selfID:     p.SelfID,
		pairingID:  p.PairingID,
		device:     p.DeviceClass,
		newChannel: p.NewChannel,
		newPeer:    p.NewPeer,
		newMedia:   p.NewMedia,
		recorder:   p.Recorder,
		tracker:    p.Tracker,
		events:     make(chan engineEvent, 64),
		done:       make(chan struct{}),
		phase:      PhaseIdle,
		snap:       initialCallState(),
		log: logger.L().With(
			"component", "call-engine",
			"user_id", p.SelfID,
			"pairing_id", p.PairingID,
		),
	}

	if err := e.bindChannel(ctx); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.run()
	return e, nil
}

// State returns the current UI-facing snapshot.
func (e *Engine) State() CallState {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// StartCall initiates an outgoing call to the paired partner. Media and
// session-creation failures abort the attempt and propagate to the caller;
// a signaling publish failure does not (the call stays ringing until ended).
func (e *Engine) StartCall(ctx context.Context, partnerID string, video bool) error {
	return e.do(ctx, func() error { return e.startCall(ctx, partnerID, video) })
}

// AcceptCall answers the ringing incoming call.
func (e *Engine) AcceptCall(ctx context.Context) error {
	return e.do(ctx, func() error { return e.acceptCall(ctx) })
}

// DeclineCall rejects the ringing incoming call without acquiring media.
func (e *Engine) DeclineCall(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.phase != PhaseIncomingRinging {
			return ErrNoIncomingCall
		}
		e.endCall(domain.EndReasonDeclined, true)
		return nil
	})
}

// EndCall hangs up. Safe to invoke from any state; afterwards the engine
// state equals its initial empty shape.
func (e *Engine) EndCall(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.endCall(domain.EndReasonCompleted, true)
		return nil
	})
}

// ToggleMic flips the outgoing audio mute.
func (e *Engine) ToggleMic(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.sess == nil || e.sess.media == nil {
			return errors.New("no active call")
		}
		e.sess.micOn = !e.sess.micOn
		e.sess.media.SetMicEnabled(e.sess.micOn)
		return nil
	})
}

// ToggleVideo flips the outgoing camera feed.
func (e *Engine) ToggleVideo(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.sess == nil || e.sess.media == nil {
			return errors.New("no active call")
		}
		e.sess.videoOn = !e.sess.videoOn
		e.sess.media.SetVideoEnabled(e.sess.videoOn)
		return nil
	})
}

// ToggleScreenShare swaps the outgoing video track between screen capture
// and camera by track replacement, avoiding a full renegotiation.
func (e *Engine) ToggleScreenShare(ctx context.Context) error {
	return e.do(ctx, func() error { return e.toggleScreenShare(ctx) })
}

// Close ends any active call and stops the engine loop.
func (e *Engine) Close() error {
	err := e.do(context.Background(), func() error {
		e.endCall(domain.EndReasonCompleted, true)
		if e.channel != nil {
			_ = e.channel.Close()
			e.channel = nil
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrEngineClosed) {
		return err
	}

	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
	return nil
}

// do posts an operation into the event loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	op := evOp{run: fn, done: make(chan error, 1)}
	select {
	case e.events <- op:
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.done:
		return err
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an asynchronous event without blocking callers forever on a
// closed engine.
func (e *Engine) post(ev engineEvent) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.events:
			e.handle(ev)
			e.publishState()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) handle(ev engineEvent) {
	switch v := ev.(type) {
	case evOp:
		v.done <- v.run()
	case evSignalMsg:
		e.handleSignal(v.msg)
	case evConnState:
		if e.validCall(v.callID) {
			e.handleConnectionState(v.state)
		}
	case evICEState:
		if e.validCall(v.callID) && v.state == webrtc.ICEConnectionStateDisconnected {
			e.enterReconnecting()
		}
	case evLocalCandidate:
		if e.validCall(v.callID) {
			e.publishCandidate(v.candidate)
		}
	case evRemoteTrack:
		if e.validCall(v.callID) {
			e.handleRemoteTrack(v.kind)
		}
	case evNegotiationNeeded:
		if e.validCall(v.callID) {
			e.renegotiate()
		}
	case evScreenShareEnded:
		if e.validCall(v.callID) && e.sess.screenSharing {
			e.revertScreenShare()
		}
	case evDurationTick:
		if e.validCall(v.callID) {
			e.sess.duration++
			e.armDurationTimer()
		}
	case evQualityTick:
		if e.validCall(v.callID) {
			e.sampleQuality()
			e.armQualityTimer()
		}
	case evReconnectAttempt:
		if e.validCall(v.callID) {
			e.attemptReconnect()
		}
	case evReconnectWatchdog:
		if e.validCall(v.callID) {
			e.reconnectWatchdogFired()
		}
	}
}

// validCall gates every asynchronous event on the active call id so a stale
// timer or callback from a finished call cannot resurrect it.
func (e *Engine) validCall(callID string) bool {
	return e.sess != nil && e.sess.callID == callID
}

// transition is the single place phase changes happen.
func (e *Engine) transition(to Phase) {
	if e.phase == to {
		return
	}
	if !CanTransition(e.phase, to) {
		e.log.Warnw("illegal phase transition ignored",
			"from", e.phase.String(), "to", to.String())
		return
	}
	e.log.Infow("call phase transition", "from", e.phase.String(), "to", to.String())
	e.phase = to
}

// startCall implements the idle -> outgoing-ringing transition.
func (e *Engine) startCall(ctx context.Context, partnerID string, video bool) error {
	if e.phase != PhaseIdle {
		return ErrCallActive
	}

	callType := domain.CallTypeVideo
	if !video {
		callType = domain.CallTypeAudio
	}

	peer, err := e.newPeer()
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	record, err := e.recorder.CreateSession(ctx, e.pairingID, e.selfID, partnerID, callType, peer.ICEConfigJSON())
	if err != nil {
		_ = peer.Close()
		// The session record is a hard prerequisite: quality logs and
		// history reference it.
		e.log.Errorw("call session creation failed", "error", err)
		return fmt.Errorf("failed to create call session: %w", err)
	}

	sess := &session{
		callID:    uuid.New().String(),
		sessionID: record.ID,
		partnerID: partnerID,
		video:     video,
		startedAt: time.Now(),
		peer:      peer,
		micOn:     true,
		videoOn:   video,
	}
	e.sess = sess
	e.wirePeer(peer, sess.callID)

	src := e.newMedia()
	if err := src.Acquire(ctx, video, true); err != nil {
		kind := media.Classify(err)
		e.log.Errorw("media acquisition failed", "kind", string(kind), "error", err)
		_ = src.Close()
		e.abortStart(domain.EndReasonMediaError)
		return &MediaError{Kind: kind, Err: err}
	}
	sess.media = src
	e.wireMedia(src, sess.callID)

	if err := peer.AttachLocalTracks(src.AudioTrack(), src.VideoTrack()); err != nil {
		e.log.Errorw("failed to attach local tracks", "error", err)
		_ = src.Close()
		e.abortStart(domain.EndReasonSessionError)
		return err
	}

	offer, err := peer.CreateOffer(false)
	if err != nil {
		e.log.Errorw("offer creation failed", "error", err)
		_ = src.Close()
		e.abortStart(domain.EndReasonSessionError)
		return err
	}

	// A failed publish leaves the call ringing until the user hangs up:
	// the remote may still arrive through a replayed subscription, and
	// surfacing a transport hiccup as a hard failure helps nobody.
	if err := e.channel.Publish(ctx, signal.Message{
		Type:          signal.TypeCallOffer,
		CallID:        sess.callID,
		CallerID:      e.selfID,
		CallSessionID: sess.sessionID,
		IsVideo:       video,
		Offer:         &offer,
	}); err != nil {
		e.log.Warnw("call offer publish failed", "call_id", sess.callID, "error", err)
	}

	e.recorder.UpdateSessionAsync(sess.sessionID, map[string]interface{}{
		"status": domain.SessionStatusRinging,
	})

	e.transition(PhaseOutgoingRinging)
	e.markPairingBusy()
	e.armDurationTimer()
	e.startQualityMonitor()
	return nil
}

// markPairingBusy publishes the active call to the shared cache,
// best-effort.
func (e *Engine) markPairingBusy() {
	if e.tracker == nil || e.sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	callType := domain.CallTypeVideo
	if !e.sess.video {
		callType = domain.CallTypeAudio
	}
	callerID := e.selfID
	if e.sess.incoming {
		callerID = e.sess.partnerID
	}
	if err := e.tracker.SetActive(ctx, e.pairingID, cache.ActiveCall{
		CallID:    e.sess.callID,
		SessionID: e.sess.sessionID,
		CallerID:  callerID,
		CallType:  callType,
		StartedAt: e.sess.startedAt,
	}); err != nil {
		e.log.Debugw("active-call cache update failed", "error", err)
	}
}

func (e *Engine) markPairingFree() {
	if e.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.tracker.Clear(ctx, e.pairingID); err != nil {
		e.log.Debugw("active-call cache clear failed", "error", err)
	}
}

// abortStart unwinds a partially-started outgoing call before it ever rang.
// The session record is finished so exactly one history row still exists for
// the attempt.
func (e *Engine) abortStart(reason domain.EndReason) {
	sess := e.sess
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.recorder.FinishCall(ctx, sess.sessionID, reason); err != nil {
		e.log.Warnw("failed to finish aborted session", "session_id", sess.sessionID, "error", err)
	}
	if sess.peer != nil {
		_ = sess.peer.Close()
	}
	e.sess = nil
	e.phase = PhaseIdle
}

// handleIncomingOffer implements idle -> incoming-ringing. Media is not
// acquired until the user explicitly accepts.
func (e *Engine) handleIncomingOffer(msg signal.Message) {
	if e.phase != PhaseIdle {
		e.log.Infow("ignoring call offer while busy", "call_id", msg.CallID, "phase", e.phase.String())
		return
	}
	if msg.CallerID == e.selfID || msg.Offer == nil {
		return
	}

	peer, err := e.newPeer()
	if err != nil {
		e.log.Errorw("failed to create peer for incoming call", "error", err)
		return
	}
	if err := peer.SetRemoteDescription(*msg.Offer); err != nil {
		e.log.Errorw("failed to apply incoming offer", "call_id", msg.CallID, "error", err)
		_ = peer.Close()
		return
	}

	e.sess = &session{
		callID:    msg.CallID,
		sessionID: msg.CallSessionID,
		partnerID: msg.CallerID,
		video:     msg.IsVideo,
		incoming:  true,
		startedAt: time.Now(),
		peer:      peer,
	}
	e.wirePeer(peer, msg.CallID)
	e.transition(PhaseIncomingRinging)
	e.markPairingBusy()
}

// acceptCall implements incoming-ringing -> connected.
func (e *Engine) acceptCall(ctx context.Context) error {
	if e.phase != PhaseIncomingRinging {
		return ErrNoIncomingCall
	}
	sess := e.sess

	src := e.newMedia()
	if err := src.Acquire(ctx, sess.video, true); err != nil {
		kind := media.Classify(err)
		e.log.Errorw("media acquisition failed on accept", "kind", string(kind), "error", err)
		_ = src.Close()
		e.endCall(domain.EndReasonMediaError, true)
		return &MediaError{Kind: kind, Err: err}
	}
	sess.media = src
	sess.micOn = true
	sess.videoOn = sess.video
	e.wireMedia(src, sess.callID)

	if err := sess.peer.AttachLocalTracks(src.AudioTrack(), src.VideoTrack()); err != nil {
		e.log.Errorw("failed to attach local tracks on accept", "error", err)
		e.endCall(domain.EndReasonSessionError, true)
		return err
	}

	answer, err := sess.peer.CreateAnswer()
	if err != nil {
		e.log.Errorw("answer creation failed", "error", err)
		e.endCall(domain.EndReasonSessionError, true)
		return err
	}

	if err := e.channel.Publish(ctx, signal.Message{
		Type:   signal.TypeCallAnswer,
		CallID: sess.callID,
		Answer: &answer,
	}); err != nil {
		e.log.Warnw("call answer publish failed", "call_id", sess.callID, "error", err)
	}

	e.transition(PhaseConnected)
	e.armDurationTimer()
	e.startQualityMonitor()
	return nil
}

func (e *Engine) handleSignal(msg signal.Message) {
	if msg.Type == signal.TypeCallOffer {
		e.handleIncomingOffer(msg)
		return
	}

	// Every other message type only applies to the active call; anything
	// stale or foreign is discarded before any state is touched.
	if e.sess == nil || msg.CallID != e.sess.callID {
		e.log.Debugw("discarding signaling message for foreign call",
			"type", string(msg.Type), "call_id", msg.CallID)
		return
	}

	switch msg.Type {
	case signal.TypeCallAnswer:
		if msg.Answer == nil {
			return
		}
		if err := e.sess.peer.SetRemoteDescription(*msg.Answer); err != nil {
			e.log.Warnw("failed to apply answer", "call_id", msg.CallID, "error", err)
		}
	case signal.TypeICECandidate:
		if msg.Candidate == nil {
			return
		}
		// Candidates may arrive duplicated or out of order; each
		// application is individually idempotent.
		if err := e.sess.peer.AddICECandidate(*msg.Candidate); err != nil {
			e.log.Debugw("candidate application failed", "call_id", msg.CallID, "error", err)
		}
	case signal.TypeCallEnd:
		e.endCall(domain.EndReasonRemoteHangup, false)
	case signal.TypeRenegotiationOffer:
		e.handleRenegotiationOffer(msg)
	}
}

func (e *Engine) handleRenegotiationOffer(msg signal.Message) {
	if msg.Offer == nil {
		return
	}
	// A failed renegotiation does not necessarily mean the media path is
	// broken; the call continues in its current state.
	if err := e.sess.peer.SetRemoteDescription(*msg.Offer); err != nil {
		e.log.Warnw("failed to apply renegotiation offer", "call_id", msg.CallID, "error", err)
		return
	}
	answer, err := e.sess.peer.CreateAnswer()
	if err != nil {
		e.log.Warnw("failed to answer renegotiation", "call_id", msg.CallID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.channel.Publish(ctx, signal.Message{
		Type:   signal.TypeCallAnswer,
		CallID: msg.CallID,
		Answer: &answer,
	}); err != nil {
		e.log.Warnw("renegotiation answer publish failed", "call_id", msg.CallID, "error", err)
	}
}

// renegotiate handles the local negotiation-needed trigger. It only fires an
// offer when signaling is stable; some platforms raise the event mid-exchange.
func (e *Engine) renegotiate() {
	if !e.sess.peer.SignalingStateStable() {
		return
	}
	offer, err := e.sess.peer.CreateOffer(false)
	if err != nil {
		e.log.Warnw("renegotiation offer failed", "call_id", e.sess.callID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.channel.Publish(ctx, signal.Message{
		Type:   signal.TypeRenegotiationOffer,
		CallID: e.sess.callID,
		Offer:  &offer,
	}); err != nil {
		e.log.Warnw("renegotiation offer publish failed", "call_id", e.sess.callID, "error", err)
	}
}

func (e *Engine) publishCandidate(cand webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.channel.Publish(ctx, signal.Message{
		Type:      signal.TypeICECandidate,
		CallID:    e.sess.callID,
		Candidate: &cand,
	}); err != nil {
		e.log.Debugw("candidate publish failed", "call_id", e.sess.callID, "error", err)
	}
}

func (e *Engine) handleRemoteTrack(kind string) {
	e.sess.mediaConnected = true
	e.log.Infow("remote media flowing", "call_id", e.sess.callID, "kind", kind)
	if e.phase == PhaseReconnecting {
		e.recoverFromReconnect()
	}
}

func (e *Engine) handleConnectionState(state webrtc.PeerConnectionState) {
	e.log.Infow("peer connection state", "call_id", e.sess.callID, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if e.phase == PhaseOutgoingRinging {
			e.transition(PhaseConnected)
		}
		if e.phase == PhaseReconnecting {
			e.recoverFromReconnect()
		}
		e.markSessionConnected()
		e.applyBitrateConstraints()
	case webrtc.PeerConnectionStateDisconnected:
		e.sess.mediaConnected = false
		e.enterReconnecting()
	case webrtc.PeerConnectionStateFailed:
		e.handleConnectionFailed()
	case webrtc.PeerConnectionStateClosed:
		// Expected during teardown; nothing to do.
	}
}

func (e *Engine) markSessionConnected() {
	if e.sess.connectedMark {
		return
	}
	e.sess.connectedMark = true
	e.recorder.UpdateSessionAsync(e.sess.sessionID, map[string]interface{}{
		"status":       domain.SessionStatusConnected,
		"connected_at": time.Now(),
	})
}

// applyBitrateConstraints picks ceilings from network-quality x device-class
// and applies them separately to the outgoing audio and video senders.
func (e *Engine) applyBitrateConstraints() {
	if e.sess.media == nil {
		return
	}
	low := e.sess.slowNetwork || e.device == domain.DeviceClassMobile

	audio, video := e.cfg.AudioBitrateHigh, e.cfg.VideoBitrateHigh
	if low {
		audio, video = e.cfg.AudioBitrateLow, e.cfg.VideoBitrateLow
	}

	e.sess.media.SetTargetBitrate("audio", audio)
	e.sess.media.SetTargetBitrate("video", video)
	e.log.Infow("bitrate constraints applied",
		"call_id", e.sess.callID, "audio_bps", audio, "video_bps", video, "low_tier", low)
}

func (e *Engine) toggleScreenShare(ctx context.Context) error {
	if e.sess == nil || e.sess.media == nil {
		return errors.New("no active call")
	}

	if e.sess.screenSharing {
		e.revertScreenShare()
		return nil
	}

	track, err := e.sess.media.StartScreenShare(ctx)
	if err != nil {
		return fmt.Errorf("failed to start screen share: %w", err)
	}
	if err := e.sess.peer.ReplaceVideoTrack(track); err != nil {
		_, _ = e.sess.media.StopScreenShare()
		return err
	}
	e.sess.screenSharing = true
	return nil
}

// revertScreenShare swaps the camera track back onto the video sender. Also
// invoked when the capture stops through the native affordance.
func (e *Engine) revertScreenShare() {
	camera, err := e.sess.media.StopScreenShare()
	if err != nil {
		e.log.Warnw("failed to stop screen share", "call_id", e.sess.callID, "error", err)
		e.sess.screenSharing = false
		return
	}
	if err := e.sess.peer.ReplaceVideoTrack(camera); err != nil {
		e.log.Warnw("failed to restore camera track", "call_id", e.sess.callID, "error", err)
	}
	e.sess.screenSharing = false
}

// endCall is the single teardown path for all five exits: hangup, decline,
// failure, timeout and engine shutdown. Safe no matter the current state;
// afterwards the engine is back to its initial empty shape.
func (e *Engine) endCall(reason domain.EndReason, broadcast bool) {
	sess := e.sess
	if sess == nil {
		e.phase = PhaseIdle
		return
	}

	e.transition(PhaseEnded)

	// Stop every pending timer first so a late callback cannot observe a
	// half-torn-down call.
	stopTimer(&sess.durationTimer)
	stopTimer(&sess.qualityTimer)
	stopTimer(&sess.reconnectTimer)
	stopTimer(&sess.watchdogTimer)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if !sess.historyDone {
		sess.historyDone = true
		if err := e.recorder.FinishCall(ctx, sess.sessionID, reason); err != nil {
			e.log.Warnw("failed to record call history",
				"session_id", sess.sessionID, "reason", string(reason), "error", err)
		}
	}

	if broadcast {
		if err := e.channel.Publish(ctx, signal.Message{
			Type:   signal.TypeCallEnd,
			CallID: sess.callID,
		}); err != nil {
			e.log.Debugw("call end publish failed", "call_id", sess.callID, "error", err)
		}
	}

	if sess.peer != nil {
		_ = sess.peer.Close()
	}
	if sess.media != nil {
		_ = sess.media.Close()
	}

	e.markPairingFree()

	// The signaling subscription is owned by the call attempt: tear it
	// down and bind a fresh one so the next call starts clean.
	e.rebindChannel()

	e.sess = nil
	e.phase = PhaseIdle
	e.log.Infow("call ended", "call_id", sess.callID, "reason", string(reason))
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (e *Engine) armDurationTimer() {
	callID := e.sess.callID
	e.sess.durationTimer = time.AfterFunc(time.Second, func() {
		e.post(evDurationTick{callID: callID})
	})
}

// bindChannel creates and subscribes the pairing signaling channel.
func (e *Engine) bindChannel(ctx context.Context) error {
	ch := e.newChannel()
	if err := ch.Subscribe(ctx, func(msg signal.Message) {
		e.post(evSignalMsg{msg: msg})
	}); err != nil {
		return fmt.Errorf("failed to subscribe signaling channel: %w", err)
	}
	e.channel = ch
	return nil
}

func (e *Engine) rebindChannel() {
	if e.channel != nil {
		_ = e.channel.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.bindChannel(ctx); err != nil {
		e.log.Errorw("failed to rebind signaling channel", "error", err)
		e.channel = e.newChannel() // keep a publish-capable channel even unsubscribed
	}
}

// wirePeer routes all peer callbacks into the event loop, stamped with the
// call id they belong to.
func (e *Engine) wirePeer(peer Peer, callID string) {
	peer.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		e.post(evLocalCandidate{callID: callID, candidate: cand})
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.post(evConnState{callID: callID, state: state})
	})
	peer.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.post(evICEState{callID: callID, state: state})
	})
	peer.OnRemoteTrack(func(kind string) {
		e.post(evRemoteTrack{callID: callID, kind: kind})
	})
	peer.OnNegotiationNeeded(func() {
		e.post(evNegotiationNeeded{callID: callID})
	})
}

func (e *Engine) wireMedia(src MediaSource, callID string) {
	src.OnScreenShareEnded(func() {
		e.post(evScreenShareEnded{callID: callID})
	})
}

// publishState rebuilds the UI snapshot after every handled event.
func (e *Engine) publishState() {
	snap := initialCallState()
	if e.sess != nil {
		snap = CallState{
			Phase:             e.phase,
			IsActive:          e.phase != PhaseIdle && e.phase != PhaseEnded,
			IsIncoming:        e.sess.incoming && e.phase == PhaseIncomingRinging,
			IsConnected:       e.sess.mediaConnected,
			IsMicOn:           e.sess.micOn,
			IsVideoOn:         e.sess.videoOn,
			IsScreenSharing:   e.sess.screenSharing,
			IsReconnecting:    e.phase == PhaseReconnecting,
			CallDuration:      e.sess.duration,
			PartnerID:         e.sess.partnerID,
			CallID:            e.sess.callID,
			CallSessionID:     e.sess.sessionID,
			ConnectionQuality: e.sess.quality,
		}
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
}
