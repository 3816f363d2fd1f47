package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lovebeyondborders/call-service/internal/adapters/signal"
	webrtcadapter "github.com/lovebeyondborders/call-service/internal/adapters/webrtc"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/pion/webrtc/v4"
)

// fakeStore is an in-memory Store with switchable failure injection.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.CallSession
	quality  []*domain.CallQualityLog
	history  []*domain.CallHistory

	failCreate     bool
	failQuality    int // fail this many inserts, then succeed
	nextID         int
	qualityBatches int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*domain.CallSession)}
}

func (s *fakeStore) CreateSession(ctx context.Context, session *domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return errors.New("store unavailable")
	}
	s.nextID++
	session.ID = fmt.Sprintf("session-%d", s.nextID)
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateSession(ctx context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	if status, ok := fields["status"].(domain.SessionStatus); ok {
		session.Status = status
	}
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (s *fakeStore) InsertQualityLogs(ctx context.Context, samples []*domain.CallQualityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQuality > 0 {
		s.failQuality--
		return errors.New("store unavailable")
	}
	s.quality = append(s.quality, samples...)
	s.qualityBatches++
	return nil
}

func (s *fakeStore) InsertHistory(ctx context.Context, history *domain.CallHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, history)
	return nil
}

func (s *fakeStore) historyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *fakeStore) lastHistory() *domain.CallHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	return s.history[len(s.history)-1]
}

func (s *fakeStore) qualityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quality)
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qualityBatches
}

func (s *fakeStore) sessionStatus(id string) domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ""
	}
	return session.Status
}

// fakeChannel records published messages and lets tests inject inbound ones.
type fakeChannel struct {
	mu          sync.Mutex
	published   []signal.Message
	handler     func(signal.Message)
	failPublish bool
	closed      bool
}

func (c *fakeChannel) Publish(ctx context.Context, msg signal.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPublish {
		return errors.New("redis unavailable")
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Subscribe(ctx context.Context, handler func(signal.Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// deliver injects an inbound signaling message as if the partner sent it.
func (c *fakeChannel) deliver(msg signal.Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (c *fakeChannel) publishedOfType(t signal.MessageType) []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signal.Message
	for _, msg := range c.published {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// fakePeer captures registered callbacks so tests can drive connection state
// transitions.
type fakePeer struct {
	mu sync.Mutex

	onCandidate   func(webrtc.ICECandidateInit)
	onConnState   func(webrtc.PeerConnectionState)
	onICEState    func(webrtc.ICEConnectionState)
	onRemoteTrack func(kind string)
	onNegotiation func()

	addedCandidates []webrtc.ICECandidateInit
	offers          int
	restartOffers   int
	answers         int
	widened         int
	closed          bool
	stats           webrtcadapter.StatsSnapshot
	failOffer       bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		stats: webrtcadapter.StatsSnapshot{ConnectionState: "connected", ICEState: "connected"},
	}
}

func (p *fakePeer) OnRemoteTrack(fn func(kind string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteTrack = fn
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnState = fn
}

func (p *fakePeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICEState = fn
}

func (p *fakePeer) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNegotiation = fn
}

func (p *fakePeer) AttachLocalTracks(audio, video webrtc.TrackLocal) error { return nil }
func (p *fakePeer) ReplaceVideoTrack(track webrtc.TrackLocal) error       { return nil }

func (p *fakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOffer {
		return webrtc.SessionDescription{}, errors.New("offer failed")
	}
	p.offers++
	if iceRestart {
		p.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error { return nil }

func (p *fakePeer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addedCandidates = append(p.addedCandidates, cand)
	return nil
}

func (p *fakePeer) SignalingStateStable() bool { return true }

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateConnected
}

func (p *fakePeer) ICEConfigJSON() string { return `{"iceServers":[]}` }

func (p *fakePeer) WidenCandidatePool() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.widened++
}

func (p *fakePeer) Stats() (webrtcadapter.StatsSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) restartOfferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartOffers
}

// fireConnState drives the connection state callback from a test.
func (p *fakePeer) fireConnState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onConnState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *fakePeer) fireRemoteTrack(kind string) {
	p.mu.Lock()
	fn := p.onRemoteTrack
	p.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

func (p *fakePeer) fireCandidate(cand webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

// fakeMedia satisfies MediaSource without any real devices.
type fakeMedia struct {
	mu         sync.Mutex
	failAcquire error
	micOn       bool
	videoOn     bool
	bitrates    map[string]int
	closed      bool
	onEnded     func()
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{bitrates: make(map[string]int)}
}

func (m *fakeMedia) Acquire(ctx context.Context, video, audio bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failAcquire
}

func (m *fakeMedia) AudioTrack() webrtc.TrackLocal { return nil }
func (m *fakeMedia) VideoTrack() webrtc.TrackLocal { return nil }

func (m *fakeMedia) SetMicEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.micOn = on
}

func (m *fakeMedia) SetVideoEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOn = on
}

func (m *fakeMedia) SetTargetBitrate(kind string, bps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bitrates[kind] = bps
}

func (m *fakeMedia) bitrate(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitrates[kind]
}

func (m *fakeMedia) StartScreenShare(ctx context.Context) (webrtc.TrackLocal, error) {
	return nil, nil
}

func (m *fakeMedia) StopScreenShare() (webrtc.TrackLocal, error) { return nil, nil }

func (m *fakeMedia) OnScreenShareEnded(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = fn
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
