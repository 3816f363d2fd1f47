package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CallServiceConfig holds the call service configuration.
type CallServiceConfig struct {
	Port       string
	InstanceID string
	EnableCORS bool

	// Auth
	JWTSecret string

	// Twilio Network Traversal Service (dynamic TURN credentials)
	TwilioAccountSID string
	TwilioAuthToken  string

	// WebRTC
	STUNServers          []string
	ICECandidatePoolSize int
	// Pool size requested when a disconnect suggests the peer is switching
	// network interfaces (WiFi <-> cellular) and more candidate paths help.
	WidenedCandidatePoolSize int

	// Quality monitoring
	QualityInterval time.Duration

	// Reconnection policy, keyed by device class
	ReconnectDelayMobile    time.Duration
	ReconnectDelayDesktop   time.Duration
	ReconnectTimeoutMobile  time.Duration
	ReconnectTimeoutDesktop time.Duration

	// Bitrate ceilings (bits per second), low tier applies when the network
	// is classified slow or the device is mobile-class.
	AudioBitrateLow  int
	AudioBitrateHigh int
	VideoBitrateLow  int
	VideoBitrateHigh int
}

// LoadFromEnv loads the call service configuration from environment variables.
func LoadFromEnv() *CallServiceConfig {
	cfg := &CallServiceConfig{
		Port:       GetEnvOrDefault("CALL_SERVICE_PORT", "8082"),
		InstanceID: instanceID(),
		EnableCORS: GetEnvAsBoolOrDefault("CALL_SERVICE_ENABLE_CORS", true),

		JWTSecret: GetEnvOrDefault("CALL_SERVICE_JWT_SECRET", ""),

		TwilioAccountSID: GetEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  GetEnvOrDefault("TWILIO_AUTH_TOKEN", ""),

		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		ICECandidatePoolSize:     GetEnvAsIntOrDefault("WEBRTC_ICE_POOL_SIZE", 2),
		WidenedCandidatePoolSize: GetEnvAsIntOrDefault("WEBRTC_ICE_POOL_SIZE_WIDE", 10),

		QualityInterval: GetEnvAsDurationOrDefault("CALL_QUALITY_INTERVAL", 5*time.Second),

		ReconnectDelayMobile:    GetEnvAsDurationOrDefault("CALL_RECONNECT_DELAY_MOBILE", 2*time.Second),
		ReconnectDelayDesktop:   GetEnvAsDurationOrDefault("CALL_RECONNECT_DELAY_DESKTOP", 3*time.Second),
		ReconnectTimeoutMobile:  GetEnvAsDurationOrDefault("CALL_RECONNECT_TIMEOUT_MOBILE", 10*time.Second),
		ReconnectTimeoutDesktop: GetEnvAsDurationOrDefault("CALL_RECONNECT_TIMEOUT_DESKTOP", 15*time.Second),

		AudioBitrateLow:  GetEnvAsIntOrDefault("CALL_AUDIO_BITRATE_LOW", 24000),
		AudioBitrateHigh: GetEnvAsIntOrDefault("CALL_AUDIO_BITRATE_HIGH", 64000),
		VideoBitrateLow:  GetEnvAsIntOrDefault("CALL_VIDEO_BITRATE_LOW", 800000),
		VideoBitrateHigh: GetEnvAsIntOrDefault("CALL_VIDEO_BITRATE_HIGH", 2500000),
	}

	if stunServers := os.Getenv("WEBRTC_STUN_SERVERS"); stunServers != "" {
		cfg.STUNServers = SplitAndTrimStrings(stunServers, ",")
	}

	return cfg
}

// ReconnectDelay returns the supervisor delay for the given device class.
func (c *CallServiceConfig) ReconnectDelay(mobile bool) time.Duration {
	if mobile {
		return c.ReconnectDelayMobile
	}
	return c.ReconnectDelayDesktop
}

// ReconnectTimeout returns the watchdog timeout for the given device class.
func (c *CallServiceConfig) ReconnectTimeout(mobile bool) time.Duration {
	if mobile {
		return c.ReconnectTimeoutMobile
	}
	return c.ReconnectTimeoutDesktop
}

// GetEnvOrDefault gets environment variable or returns default
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsIntOrDefault gets environment variable as int or returns default
func GetEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsBoolOrDefault gets environment variable as bool or returns default
func GetEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDurationOrDefault gets environment variable as duration or returns default
func GetEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// SplitAndTrimStrings splits a string by delimiter and trims whitespace from each part
func SplitAndTrimStrings(s, delimiter string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func instanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "call-service-local"
}
