package domain

import (
	"time"
)

// CallType distinguishes audio-only calls from full video calls.
type CallType string

const (
	CallTypeVideo CallType = "video"
	CallTypeAudio CallType = "audio"
)

// SessionStatus is the lifecycle status of a persisted call session.
// A session moves initiating -> ringing -> connected -> ended and is never
// mutated after it reaches ended.
type SessionStatus string

const (
	SessionStatusInitiating SessionStatus = "initiating"
	SessionStatusRinging    SessionStatus = "ringing"
	SessionStatusConnected  SessionStatus = "connected"
	SessionStatusEnded      SessionStatus = "ended"
)

// EndReason records why a call terminated. It is persisted to call history
// for later diagnosis.
type EndReason string

const (
	EndReasonCompleted           EndReason = "completed"
	EndReasonDeclined            EndReason = "declined"
	EndReasonConnectionFailed    EndReason = "connection_failed"
	EndReasonReconnectionTimeout EndReason = "reconnection_timeout"
	EndReasonReconnectionFailed  EndReason = "reconnection_failed"
	EndReasonMediaError          EndReason = "media_error"
	EndReasonSessionError        EndReason = "session_error"
	EndReasonRemoteHangup        EndReason = "remote_hangup"
)

// ConnectionQuality is the coarse classification of the live media path.
type ConnectionQuality string

const (
	QualityExcellent    ConnectionQuality = "excellent"
	QualityGood         ConnectionQuality = "good"
	QualityPoor         ConnectionQuality = "poor"
	QualityDisconnected ConnectionQuality = "disconnected"
)

// DeviceClass is the coarse device classification used to pick conservative
// timeouts and bitrate ceilings. It is reported by the client from device
// capabilities rather than inferred from a user-agent string.
type DeviceClass string

const (
	DeviceClassMobile  DeviceClass = "mobile"
	DeviceClassDesktop DeviceClass = "desktop"
)

// CallSession identifies one call attempt between the two users of a pairing.
type CallSession struct {
	ID            string        `json:"id" db:"id" gorm:"column:id;primaryKey"`
	PairingID     string        `json:"pairing_id" db:"pairing_id" gorm:"column:pairing_id;index"`
	CallerID      string        `json:"caller_id" db:"caller_id" gorm:"column:caller_id"`
	ReceiverID    string        `json:"receiver_id" db:"receiver_id" gorm:"column:receiver_id"`
	CallType      CallType      `json:"call_type" db:"call_type" gorm:"column:call_type"`
	Status        SessionStatus `json:"status" db:"status" gorm:"column:status"`
	ICEConfig     string        `json:"ice_config" db:"ice_config" gorm:"column:ice_config"` // JSON snapshot of the ICE server set used
	StartedAt     time.Time     `json:"started_at" db:"started_at" gorm:"column:started_at"`
	ConnectedAt   *time.Time    `json:"connected_at" db:"connected_at" gorm:"column:connected_at"`
	EndedAt       *time.Time    `json:"ended_at" db:"ended_at" gorm:"column:ended_at"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at" gorm:"column:updated_at"`
}

func (CallSession) TableName() string {
	return "call_sessions"
}

// CallQualityLog is one periodic sample of the live connection. Append-only.
type CallQualityLog struct {
	ID              string    `json:"id" db:"id" gorm:"column:id;primaryKey"`
	CallSessionID   string    `json:"call_session_id" db:"call_session_id" gorm:"column:call_session_id;index"`
	ConnectionState string    `json:"connection_state" db:"connection_state" gorm:"column:connection_state"`
	ICEState        string    `json:"ice_state" db:"ice_state" gorm:"column:ice_state"`
	AudioQuality    float64   `json:"audio_quality" db:"audio_quality" gorm:"column:audio_quality"` // 0..1
	VideoQuality    float64   `json:"video_quality" db:"video_quality" gorm:"column:video_quality"` // 0..1
	LatencyMs       int64     `json:"latency_ms" db:"latency_ms" gorm:"column:latency_ms"`
	PacketLoss      float64   `json:"packet_loss" db:"packet_loss" gorm:"column:packet_loss"` // ratio 0..1
	CreatedAt       time.Time `json:"created_at" db:"created_at" gorm:"column:created_at"`
}

func (CallQualityLog) TableName() string {
	return "call_quality_logs"
}

// CallHistory is one row per terminated call. Exactly one row exists per
// ended session, written once from whichever exit path terminated the call.
type CallHistory struct {
	ID              string    `json:"id" db:"id" gorm:"column:id;primaryKey"`
	CallSessionID   string    `json:"call_session_id" db:"call_session_id" gorm:"column:call_session_id;unique"`
	PairingID       string    `json:"pairing_id" db:"pairing_id" gorm:"column:pairing_id;index"`
	CallerID        string    `json:"caller_id" db:"caller_id" gorm:"column:caller_id"`
	ReceiverID      string    `json:"receiver_id" db:"receiver_id" gorm:"column:receiver_id"`
	CallType        CallType  `json:"call_type" db:"call_type" gorm:"column:call_type"`
	DurationSeconds int64     `json:"duration_seconds" db:"duration_seconds" gorm:"column:duration_seconds"`
	EndReason       EndReason `json:"end_reason" db:"end_reason" gorm:"column:end_reason"`
	StartedAt       time.Time `json:"started_at" db:"started_at" gorm:"column:started_at"`
	EndedAt         time.Time `json:"ended_at" db:"ended_at" gorm:"column:ended_at"`
	CreatedAt       time.Time `json:"created_at" db:"created_at" gorm:"column:created_at"`
}

func (CallHistory) TableName() string {
	return "call_history"
}
