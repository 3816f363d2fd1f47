package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Config is the peer connection configuration snapshot for one call.
type Config struct {
	STUNServers          []string
	ICECandidatePoolSize int
	WidenedPoolSize      int
}

// ICEConfigJSON serializes the ICE server set for persistence on the call
// session record.
func (c Config) ICEConfigJSON() string {
	data, err := json.Marshal(map[string]interface{}{
		"stun_servers":    c.STUNServers,
		"candidate_pool":  c.ICECandidatePoolSize,
	})
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (c Config) webrtcConfiguration(poolSize int) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers))
	for _, url := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: uint8(poolSize),
	}
}

// RemoteSink receives forwarded media from the remote peer. It is the
// rendering surface analog; the default implementation discards packets.
type RemoteSink interface {
	WriteRTP(kind string, pkt *rtp.Packet) error
}

// DiscardSink drops remote media. Used when no renderer is attached.
type DiscardSink struct{}

func (DiscardSink) WriteRTP(string, *rtp.Packet) error { return nil }

// Peer wraps one pion peer connection for a bidirectional audio/video call.
type Peer struct {
	cfg Config

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	sink        RemoteSink
	pending     []webrtc.ICECandidateInit
	closed      bool

	onRemoteTrack func(kind string)
}

// NewPeer creates a peer connection from the config snapshot.
func NewPeer(cfg Config) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfiguration(cfg.ICECandidatePoolSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{cfg: cfg, pc: pc, sink: DiscardSink{}}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logger.Base().Info("remote track arrived",
			zap.String("kind", track.Kind().String()),
			zap.String("track_id", track.ID()))

		p.mu.Lock()
		onTrack := p.onRemoteTrack
		p.mu.Unlock()
		if onTrack != nil {
			onTrack(track.Kind().String())
		}

		go p.forwardRemote(track)
	})

	return p, nil
}

// OnRemoteTrack registers a callback fired once per arriving remote track.
func (p *Peer) OnRemoteTrack(fn func(kind string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteTrack = fn
}

// SetRemoteSink attaches the rendering surface for remote media.
func (p *Peer) SetRemoteSink(sink RemoteSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sink == nil {
		sink = DiscardSink{}
	}
	p.sink = sink
}

// OnICECandidate registers the local candidate discovery callback. The
// gathering-complete nil candidate is filtered out.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

// OnConnectionStateChange registers the connection state callback.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// OnICEConnectionStateChange registers the ICE state callback.
func (p *Peer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

// OnNegotiationNeeded registers the renegotiation trigger callback.
func (p *Peer) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(fn)
}

// AttachLocalTracks adds the local audio/video tracks to the connection.
// Either may be nil for audio-only calls.
func (p *Peer) AttachLocalTracks(audio, video webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if audio != nil {
		sender, err := p.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("failed to add audio track: %w", err)
		}
		p.audioSender = sender
		go p.drainRTCP(sender)
	}
	if video != nil {
		sender, err := p.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		p.videoSender = sender
		go p.drainRTCP(sender)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video track on the existing sender.
// Track replacement avoids a full renegotiation and the visible reconnect
// that comes with it.
func (p *Peer) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()

	if sender == nil {
		return errors.New("no video sender on connection")
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to replace video track: %w", err)
	}
	return nil
}

// CreateOffer builds an offer (optionally with ICE restart) and installs it
// as the local description. Candidates trickle through OnICECandidate.
func (p *Peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer builds an answer for the current remote offer and installs it
// as the local description.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription installs the remote offer or answer, then applies
// any candidates that were buffered while no remote description existed.
func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	pending := p.pending
	p.pending = nil
	for _, cand := range pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			logger.Base().Warn("buffered ICE candidate rejected", zap.Error(err))
		}
	}
	return nil
}

// AddICECandidate applies one remote candidate. The broadcast channel gives
// no cross-message ordering, so a candidate can land before the description
// it belongs to; those are buffered and applied once the remote description
// is set. Duplicates are harmless; the ICE agent deduplicates candidate
// pairs internally.
func (p *Peer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, cand)
		return nil
	}
	if err := p.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// SignalingStateStable reports whether an offer/answer exchange is in flight.
func (p *Peer) SignalingStateStable() bool {
	return p.pc.SignalingState() == webrtc.SignalingStateStable
}

// ConnectionState returns the current peer connection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// ICEConfigJSON returns the persisted ICE configuration snapshot.
func (p *Peer) ICEConfigJSON() string {
	return p.cfg.ICEConfigJSON()
}

// WidenCandidatePool requests a larger candidate pool before the next ICE
// restart, compensating for mobile interface handoff. Pool changes after
// setup are best-effort; the restart offer regathers either way.
func (p *Peer) WidenCandidatePool() {
	cfg := p.cfg.webrtcConfiguration(p.cfg.WidenedPoolSize)
	if err := p.pc.SetConfiguration(cfg); err != nil {
		logger.Base().Debug("candidate pool widening not applied", zap.Error(err))
	}
}

// Close tears the connection down. Safe to call repeatedly.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

// forwardRemote moves RTP from a remote track to the attached sink.
func (p *Peer) forwardRemote(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Base().Debug("remote track read ended", zap.String("kind", kind), zap.Error(err))
			}
			return
		}

		p.mu.Lock()
		sink := p.sink
		p.mu.Unlock()

		if err := sink.WriteRTP(kind, pkt); err != nil {
			logger.Base().Debug("remote sink write failed", zap.String("kind", kind), zap.Error(err))
			return
		}
	}
}

// drainRTCP reads sender reports so interceptors keep flowing. Receiver
// reports also carry the remote's view of our loss, logged for diagnosis.
func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				if report.FractionLost > 0 {
					logger.Base().Debug("remote reports outbound loss",
						zap.Uint8("fraction_lost", report.FractionLost))
				}
			}
		}
	}
}
