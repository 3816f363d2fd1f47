package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lovebeyondborders/call-service/internal/domain"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"go.uber.org/zap"
)

// LoggingMiddleware logs HTTP requests for API endpoints
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.Base().Info("api request",
			zap.String("method", r.Method),
			zap.String("path", r.RequestURI),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// ValidationMiddleware validates common request parameters
func ValidationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && contentType != "application/json" {
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// CORSMiddleware adds CORS headers to all requests
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type contextKey string

const claimsContextKey contextKey = "auth-claims"

// AuthClaims is the identity a pairing token carries: who the user is, which
// pairing they belong to, and the device class their client reported at
// login.
type AuthClaims struct {
	UserID      string             `json:"user_id"`
	PairingID   string             `json:"pairing_id"`
	DeviceClass domain.DeviceClass `json:"device_class"`
	jwt.RegisteredClaims
}

// ClaimsFromContext returns the authenticated claims attached by
// AuthMiddleware, nil when the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(claimsContextKey).(*AuthClaims)
	return claims
}

// AuthMiddleware validates the pairing JWT from the Authorization header (or
// the token query parameter for WebSocket clients, which cannot set headers)
// and attaches the claims to the request context.
func AuthMiddleware(secretKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip validation if no secret key is configured (for development)
			if secretKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			raw := bearerToken(r)
			if raw == "" {
				raw = r.URL.Query().Get("token")
			}
			if raw == "" {
				logger.Base().Warn("missing auth token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				sendJSONError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := parsePairingToken(raw, secretKey)
			if err != nil {
				logger.Base().Warn("invalid auth token",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				sendJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// parsePairingToken parses and validates a pairing JWT
func parsePairingToken(raw, secretKey string) (*AuthClaims, error) {
	claims := &AuthClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	if claims.UserID == "" || claims.PairingID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.DeviceClass != domain.DeviceClassMobile {
		claims.DeviceClass = domain.DeviceClassDesktop
	}
	return claims, nil
}
