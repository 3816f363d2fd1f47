package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/lovebeyondborders/call-service/internal/services/call"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"go.uber.org/zap"
)

// CallHandler serves call history and telemetry endpoints
type CallHandler struct {
	service *call.Service
}

// NewCallHandler creates a new call handler
func NewCallHandler(service *call.Service) *CallHandler {
	return &CallHandler{service: service}
}

// SetupCallRoutes sets up call history and telemetry routes
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/calls/active", h.getActiveCall).Methods("GET")
	router.HandleFunc("/calls/history", h.getCallHistory).Methods("GET")
	router.HandleFunc("/calls/{sessionId}", h.getCallSession).Methods("GET")
	router.HandleFunc("/calls/{sessionId}/quality", h.getQualityLogs).Methods("GET")
}

// getActiveCall reports whether the pairing currently has a call in flight,
// so a client can show the partner's busy state before dialing.
func (h *CallHandler) getActiveCall(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}

	active, err := h.service.ActiveCall(r.Context(), claims.PairingID)
	if err != nil {
		logger.Base().Error("failed to load active call",
			zap.String("pairing_id", claims.PairingID), zap.Error(err))
		sendJSONError(w, http.StatusInternalServerError, "failed to load active call")
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"in_call": active != nil,
		"call":    active,
	})
}

// getCallHistory returns the authenticated pairing's recent completed calls.
func (h *CallHandler) getCallHistory(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	history, err := h.service.History(r.Context(), claims.PairingID, limit)
	if err != nil {
		logger.Base().Error("failed to load call history",
			zap.String("pairing_id", claims.PairingID), zap.Error(err))
		sendJSONError(w, http.StatusInternalServerError, "failed to load call history")
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}

// getCallSession returns one call session record when it belongs to the
// authenticated pairing.
func (h *CallHandler) getCallSession(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}
	sessionID := mux.Vars(r)["sessionId"]

	session, err := h.service.Session(r.Context(), sessionID)
	if err != nil {
		logger.Base().Error("failed to load call session",
			zap.String("session_id", sessionID), zap.Error(err))
		sendJSONError(w, http.StatusInternalServerError, "failed to load call session")
		return
	}
	if session == nil || session.PairingID != claims.PairingID {
		sendJSONError(w, http.StatusNotFound, "call session not found")
		return
	}

	sendJSON(w, http.StatusOK, session)
}

// getQualityLogs returns the telemetry trail recorded during one session.
func (h *CallHandler) getQualityLogs(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}
	sessionID := mux.Vars(r)["sessionId"]

	session, err := h.service.Session(r.Context(), sessionID)
	if err != nil {
		logger.Base().Error("failed to load call session",
			zap.String("session_id", sessionID), zap.Error(err))
		sendJSONError(w, http.StatusInternalServerError, "failed to load call session")
		return
	}
	if session == nil || session.PairingID != claims.PairingID {
		sendJSONError(w, http.StatusNotFound, "call session not found")
		return
	}

	logs, err := h.service.QualityLogs(r.Context(), sessionID)
	if err != nil {
		logger.Base().Error("failed to load quality logs",
			zap.String("session_id", sessionID), zap.Error(err))
		sendJSONError(w, http.StatusInternalServerError, "failed to load quality logs")
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"samples":    logs,
		"count":      len(logs),
	})
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Base().Error("failed to encode response", zap.Error(err))
	}
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
