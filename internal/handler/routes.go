package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/lovebeyondborders/call-service/internal/config"
	"github.com/lovebeyondborders/call-service/internal/repository"
	"github.com/lovebeyondborders/call-service/internal/services/call"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/lovebeyondborders/call-service/pkg/twilio"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config      *config.CallServiceConfig
	service     *call.Service
	repoManager repository.RepositoryManager
	turn        *twilio.TURNService
}

// NewHandlerManager creates and initializes all handlers
func NewHandlerManager(cfg *config.CallServiceConfig, service *call.Service, repoManager repository.RepositoryManager) *HandlerManager {
	return &HandlerManager{
		config:      cfg,
		service:     service,
		repoManager: repoManager,
		turn:        twilio.NewTURNService(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
	}
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	// Apply global middleware
	if hm.config.EnableCORS {
		router.Use(CORSMiddleware)
	}

	hm.SetupAPIRoutes(router)
	hm.SetupClientRoutes(router)
	hm.SetupWebRTCConfigRoutes(router)
	hm.SetupHealthRoutes(router)

	logger.Base().Info("all application routes registered")
}

// SetupAPIRoutes sets up the authenticated REST API
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)
	apiRouter.Use(AuthMiddleware(hm.config.JWTSecret))

	callHandler := NewCallHandler(hm.service)
	callHandler.SetupCallRoutes(apiRouter)

	router.PathPrefix("/api/").HandlerFunc(handleCORS).Methods("OPTIONS")

	logger.Base().Info("call api routes registered")
}

// SetupClientRoutes sets up the WebSocket call control gateway
func (hm *HandlerManager) SetupClientRoutes(router *mux.Router) {
	gateway := NewClientGateway(hm.service, hm.config.EnableCORS)

	wsRouter := router.NewRoute().Subrouter()
	wsRouter.Use(AuthMiddleware(hm.config.JWTSecret))
	gateway.SetupClientRoutes(wsRouter)
}

// SetupWebRTCConfigRoutes sets up WebRTC configuration routes
func (hm *HandlerManager) SetupWebRTCConfigRoutes(router *mux.Router) {
	webrtcConfigHandler := NewWebRTCConfigHandler(hm.config, hm.turn)
	webrtcConfigHandler.SetupWebRTCConfigRoutes(router)
}

// SetupHealthRoutes sets up liveness and readiness probes
func (hm *HandlerManager) SetupHealthRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")

	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := hm.repoManager.Ping(r.Context()); err != nil {
			sendJSONError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
}

// Close stops background handler resources.
func (hm *HandlerManager) Close() {
	hm.turn.Stop()
}

// GetRepoManager returns the repository manager
func (hm *HandlerManager) GetRepoManager() repository.RepositoryManager {
	return hm.repoManager
}

// GetService returns the call service
func (hm *HandlerManager) GetService() *call.Service {
	return hm.service
}

// handleCORS handles CORS preflight requests for API routes
func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
}
