package call

import (
	"context"
	"sync"

	"github.com/lovebeyondborders/call-service/internal/adapters/media"
	"github.com/lovebeyondborders/call-service/internal/adapters/signal"
	webrtcadapter "github.com/lovebeyondborders/call-service/internal/adapters/webrtc"
	"github.com/lovebeyondborders/call-service/internal/cache"
	"github.com/lovebeyondborders/call-service/internal/config"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/lovebeyondborders/call-service/internal/repository"
	"github.com/lovebeyondborders/call-service/pkg/redis"
)

// Service owns one engine per connected user and the shared persistence
// recorder behind them.
type Service struct {
	cfg      *config.CallServiceConfig
	redisSvc redis.RedisServiceInterface
	repos    repository.RepositoryManager
	devices  media.DeviceProvider
	recorder *Recorder
	tracker  *cache.CallCache

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewService wires the call service against its infrastructure.
func NewService(cfg *config.CallServiceConfig, redisSvc redis.RedisServiceInterface, repos repository.RepositoryManager, devices media.DeviceProvider) *Service {
	return &Service{
		cfg:      cfg,
		redisSvc: redisSvc,
		repos:    repos,
		devices:  devices,
		recorder: NewRecorder(&gormStore{repos: repos}),
		tracker:  cache.NewCallCache(redisSvc),
		engines:  make(map[string]*Engine),
	}
}

// EngineFor returns the engine bound to the given user, creating it on first
// use. Each engine subscribes the pairing's signaling topic with the user as
// sender identity.
func (s *Service) EngineFor(ctx context.Context, userID, pairingID string, device domain.DeviceClass) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eng, ok := s.engines[userID]; ok {
		return eng, nil
	}

	peerCfg := webrtcadapter.Config{
		STUNServers:          s.cfg.STUNServers,
		ICECandidatePoolSize: s.cfg.ICECandidatePoolSize,
		WidenedPoolSize:      s.cfg.WidenedCandidatePoolSize,
	}

	eng, err := NewEngine(ctx, EngineParams{
		Config:      s.cfg,
		SelfID:      userID,
		PairingID:   pairingID,
		DeviceClass: device,
		NewChannel: func() SignalChannel {
			return signal.NewChannel(s.redisSvc, pairingID, userID)
		},
		NewPeer: func() (Peer, error) {
			return webrtcadapter.NewPeer(peerCfg)
		},
		NewMedia: func() MediaSource {
			return media.NewSource(s.devices)
		},
		Recorder: s.recorder,
		Tracker:  s.tracker,
	})
	if err != nil {
		return nil, err
	}

	s.engines[userID] = eng
	return eng, nil
}

// ReleaseEngine tears down the user's engine, ending any active call.
func (s *Service) ReleaseEngine(userID string) error {
	s.mu.Lock()
	eng, ok := s.engines[userID]
	delete(s.engines, userID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return eng.Close()
}

// ActiveCall returns the pairing's in-flight call from the shared cache,
// nil when the pairing is free.
func (s *Service) ActiveCall(ctx context.Context, pairingID string) (*cache.ActiveCall, error) {
	return s.tracker.GetActive(ctx, pairingID)
}

// History returns the pairing's most recent completed calls.
func (s *Service) History(ctx context.Context, pairingID string, limit int) ([]*domain.CallHistory, error) {
	return s.repos.CallHistory().FindByPairingID(ctx, pairingID, limit)
}

// QualityLogs returns the telemetry trail for one session.
func (s *Service) QualityLogs(ctx context.Context, sessionID string) ([]*domain.CallQualityLog, error) {
	return s.repos.CallQualityLog().GetBySessionID(ctx, sessionID)
}

// Session returns one call session record, nil when absent.
func (s *Service) Session(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	return s.repos.CallSession().GetByID(ctx, sessionID)
}

// Close shuts down every engine and flushes pending telemetry.
func (s *Service) Close() error {
	s.mu.Lock()
	engines := make([]*Engine, 0, len(s.engines))
	for _, eng := range s.engines {
		engines = append(engines, eng)
	}
	s.engines = make(map[string]*Engine)
	s.mu.Unlock()

	var first error
	for _, eng := range engines {
		if err := eng.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.recorder.Close()
	return first
}

// gormStore adapts the repository layer to the engine's Store contract.
type gormStore struct {
	repos repository.RepositoryManager
}

func (g *gormStore) CreateSession(ctx context.Context, session *domain.CallSession) error {
	return g.repos.CallSession().Create(ctx, session)
}

func (g *gormStore) UpdateSession(ctx context.Context, id string, fields map[string]interface{}) error {
	return g.repos.CallSession().UpdateFields(ctx, id, fields)
}

func (g *gormStore) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	return g.repos.CallSession().GetByID(ctx, id)
}

func (g *gormStore) InsertQualityLogs(ctx context.Context, samples []*domain.CallQualityLog) error {
	return g.repos.CallQualityLog().InsertBatch(ctx, samples)
}

func (g *gormStore) InsertHistory(ctx context.Context, history *domain.CallHistory) error {
	return g.repos.CallHistory().Insert(ctx, history)
}
