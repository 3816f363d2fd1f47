package twilio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Twilio NTS tokens live 24h; refresh one hour before expiry.
const refreshInterval = 23 * time.Hour

// TURNCredentials is one relay server with its ephemeral credentials.
type TURNCredentials struct {
	URLs       []string
	Username   string
	Credential string
}

// TURNService fetches and caches relay credentials from Twilio's Network
// Traversal Service. Long-distance couples routinely sit behind symmetric
// NATs on both ends, so relay fallback matters more here than in a typical
// deployment. With no credentials configured the service stays disabled and
// calls run STUN-only.
type TURNService struct {
	client  *twilio.RestClient
	enabled bool

	mu        sync.RWMutex
	token     *api.ApiV2010Token
	fetchedAt time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTURNService creates the service. Empty credentials disable it.
func NewTURNService(accountSID, authToken string) *TURNService {
	if accountSID == "" || authToken == "" {
		logger.Base().Info("twilio credentials not configured, TURN relay disabled")
		return &TURNService{enabled: false}
	}

	s := &TURNService{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		enabled: true,
		stop:    make(chan struct{}),
	}

	if err := s.Refresh(); err != nil {
		// Leave the service enabled; Credentials retries on demand.
		logger.Base().Warn("initial twilio token fetch failed", zap.Error(err))
	}

	go s.refreshLoop()
	return s
}

// Enabled reports whether relay credentials are being served.
func (s *TURNService) Enabled() bool { return s.enabled }

// Refresh fetches a fresh token from Twilio.
func (s *TURNService) Refresh() error {
	if !s.enabled {
		return fmt.Errorf("turn service disabled")
	}

	token, err := s.client.Api.CreateToken(&api.CreateTokenParams{})
	if err != nil {
		return fmt.Errorf("failed to create twilio token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.fetchedAt = time.Now()
	s.mu.Unlock()

	count := 0
	if token.IceServers != nil {
		count = len(*token.IceServers)
	}
	logger.Base().Info("twilio TURN token refreshed", zap.Int("ice_servers", count))
	return nil
}

// Credentials returns the current TURN servers, fetching on demand when the
// cache is empty so a Twilio outage at startup does not require a restart.
func (s *TURNService) Credentials() []TURNCredentials {
	if !s.enabled {
		return nil
	}

	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == nil || token.IceServers == nil {
		if err := s.Refresh(); err != nil {
			logger.Base().Warn("on-demand twilio token fetch failed", zap.Error(err))
			return nil
		}
		s.mu.RLock()
		token = s.token
		s.mu.RUnlock()
	}
	if token == nil || token.IceServers == nil {
		return nil
	}

	creds := make([]TURNCredentials, 0)
	for _, server := range *token.IceServers {
		if !strings.HasPrefix(server.Url, "turn") {
			continue
		}
		creds = append(creds, TURNCredentials{
			URLs:       []string{server.Url},
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return creds
}

func (s *TURNService) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(); err != nil {
				logger.Base().Warn("twilio token refresh failed", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

// Stop halts the background refresh.
func (s *TURNService) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
}
