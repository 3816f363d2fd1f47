package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/lovebeyondborders/call-service/internal/config"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"github.com/lovebeyondborders/call-service/pkg/twilio"
	"go.uber.org/zap"
)

// WebRTCConfigHandler handles WebRTC configuration endpoints
type WebRTCConfigHandler struct {
	config *config.CallServiceConfig
	turn   *twilio.TURNService
}

// ICEServerConfig represents an ICE server configuration for the frontend
type ICEServerConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// WebRTCConfigResponse represents the WebRTC configuration response
type WebRTCConfigResponse struct {
	ICEServers           []ICEServerConfig `json:"iceServers"`
	ICECandidatePoolSize int               `json:"iceCandidatePoolSize"`
}

// NewWebRTCConfigHandler creates a new WebRTC config handler
func NewWebRTCConfigHandler(cfg *config.CallServiceConfig, turn *twilio.TURNService) *WebRTCConfigHandler {
	return &WebRTCConfigHandler{config: cfg, turn: turn}
}

// SetupWebRTCConfigRoutes sets up routes for WebRTC configuration
func (h *WebRTCConfigHandler) SetupWebRTCConfigRoutes(router *mux.Router) {
	router.HandleFunc("/api/webrtc/config", h.getWebRTCConfig).Methods("GET")
	router.HandleFunc("/api/webrtc/config", h.handleCORS).Methods("OPTIONS")
	logger.Base().Info("WebRTC config endpoint registered", zap.String("path", "/api/webrtc/config"))
}

// getWebRTCConfig returns the ICE server configuration clients dial with.
func (h *WebRTCConfigHandler) getWebRTCConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	response := &WebRTCConfigResponse{
		ICEServers:           make([]ICEServerConfig, 0),
		ICECandidatePoolSize: h.config.ICECandidatePoolSize,
	}

	for _, stunURL := range h.config.STUNServers {
		response.ICEServers = append(response.ICEServers, ICEServerConfig{
			URLs: []string{stunURL},
		})
	}

	// TURN relay credentials from Twilio (dynamic, ephemeral)
	turnCreds := h.turn.Credentials()
	for _, cred := range turnCreds {
		response.ICEServers = append(response.ICEServers, ICEServerConfig{
			URLs:       cred.URLs,
			Username:   cred.Username,
			Credential: cred.Credential,
		})
	}

	logger.Base().Info("WebRTC config requested",
		zap.Int("stun_servers", len(h.config.STUNServers)),
		zap.Int("turn_servers", len(turnCreds)))

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Base().Error("Failed to encode WebRTC config", zap.Error(err))
		http.Error(w, "Failed to encode configuration", http.StatusInternalServerError)
		return
	}
}

// handleCORS handles CORS for WebRTC config endpoint
func (h *WebRTCConfigHandler) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
}
