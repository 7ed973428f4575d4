// Package models holds the persisted entities for the relay: users,
// hubs (producer organizations), devices, sessions, active alerts and
// session logs.
package models

import (
	"time"

	"gorm.io/gorm"
)

// UserStatus mirrors the User.status enum.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// HubStatus mirrors the Hub.status enum.
type HubStatus string

const (
	HubStatusPending   HubStatus = "pending"
	HubStatusApproved  HubStatus = "approved"
	HubStatusRejected  HubStatus = "rejected"
	HubStatusSuspended HubStatus = "suspended"
)

// Platform enumerates device platforms.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

// SessionStatus mirrors the Session.status enum.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionDisconnected SessionStatus = "disconnected"
	SessionTimeout      SessionStatus = "timeout"
)

// DisconnectReason enumerates why a session left the active state.
type DisconnectReason string

const (
	DisconnectManual         DisconnectReason = "manual"
	DisconnectTimeout        DisconnectReason = "timeout"
	DisconnectTokenRevoked   DisconnectReason = "token-revoked"
	DisconnectError          DisconnectReason = "error"
	DisconnectServerShutdown DisconnectReason = "server-shutdown"
	DisconnectReconnected    DisconnectReason = "reconnected"
)

// LogLevel mirrors the SessionLog.level enum.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// AlertPrefs is the per-user alert preference bundle embedded on User.
type AlertPrefs struct {
	AlertSound       string `gorm:"default:'default'" json:"alertSound"`
	QuietHoursEnable bool   `json:"quietHoursEnabled"`
	QuietHoursStart  string `gorm:"default:'23:00'" json:"quietHoursStart"` // "HH:MM", UTC
	QuietHoursEnd    string `gorm:"default:'07:00'" json:"quietHoursEnd"`   // "HH:MM", UTC
	LifeOrDeathMode  bool   `json:"lifeOrDeathMode"`
}

// User is the owner of hubs-independent sessions, devices and alert loops.
type User struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Email        string     `gorm:"uniqueIndex;not null" json:"email"`
	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Status       UserStatus `gorm:"default:'active'" json:"status"`

	UserTokenHash string    `gorm:"column:user_token_hash" json:"-"`
	UserTokenHint string    `gorm:"column:user_token_hint" json:"-"` // last 6 chars, for display
	TokenCreated  time.Time `json:"tokenCreatedAt"`

	AlertPrefs AlertPrefs `gorm:"embedded;embeddedPrefix:pref_" json:"alertPrefs"`

	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Hub is a producer organization identified by an API key.
type Hub struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Name             string    `gorm:"not null" json:"name"`
	Slug             string    `gorm:"uniqueIndex;not null" json:"slug"`
	OwnerEmail       string    `gorm:"not null" json:"ownerEmail"`
	APIKeyHint       string    `json:"-"`
	APIKeyHash       string    `gorm:"uniqueIndex;not null" json:"-"`
	Status           HubStatus `gorm:"default:'pending'" json:"status"`
	TotalConnections int64     `gorm:"default:0" json:"totalConnections"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Device is a push-capable endpoint belonging to a user.
type Device struct {
	ID uint `gorm:"primaryKey" json:"id"`

	UserID           uint     `gorm:"not null;index" json:"userId"`
	PushToken        string   `gorm:"uniqueIndex;not null" json:"-"`
	Platform         Platform `gorm:"not null" json:"platform"`
	Active           bool     `gorm:"default:true" json:"active"`
	FailedAttempts   int      `gorm:"default:0" json:"failedAttempts"`
	LastFailReason   string   `json:"lastFailReason,omitempty"`
	LastSeen         time.Time `json:"lastSeen"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PushOutcome is one delivery attempt against a device, kept as a
// bounded per-device history (the store trims to the most recent 20)
// for operational visibility beyond the aggregate failure counter.
type PushOutcome struct {
	ID uint `gorm:"primaryKey" json:"id"`

	DeviceID  uint   `gorm:"not null;index" json:"deviceId"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// GameInfo describes the producer's running Roblox-style game context.
type GameInfo struct {
	Name     string `json:"name"`
	PlaceID  int64  `json:"placeId"`
	JobID    string `json:"jobId"`
	Executor string `json:"executor"`
}

// Session is the authoritative record of one live producer connection.
type Session struct {
	ID uint `gorm:"primaryKey" json:"id"`

	UserID       uint   `gorm:"not null;index" json:"userId"`
	HubID        uint   `gorm:"not null;index" json:"hubId"`
	WSClientID   string `gorm:"uniqueIndex;not null" json:"wsClientId"`

	GameName     string `json:"gameName"`
	PlaceID      int64  `json:"placeId"`
	JobID        string `json:"jobId"`
	Executor     string `json:"executor"`

	CurrentStatus string `json:"currentStatus"`

	ConnectedAt     time.Time  `json:"connectedAt"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`
	DisconnectedAt  *time.Time `json:"disconnectedAt,omitempty"`

	Status            SessionStatus    `gorm:"default:'active';index" json:"status"`
	DisconnectReason  DisconnectReason `json:"disconnectReason,omitempty"`
	DisconnectMessage string           `json:"disconnectMessage,omitempty"`

	AlertSent      bool   `json:"alertSent"`
	AlertDelivered bool   `json:"alertDelivered"`
	AlertError     string `json:"alertError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActiveAlert is a life-or-death repeating-alert record for one user.
type ActiveAlert struct {
	ID uint `gorm:"primaryKey" json:"id"`

	UserID    uint   `gorm:"not null;index" json:"userId"`
	SessionID uint   `gorm:"not null" json:"sessionId"`
	Reason    string `json:"reason"`
	GameName  string `json:"gameName"`

	StartedAt          time.Time  `json:"startedAt"`
	NotificationsSent  int        `gorm:"default:0" json:"notificationsSent"`
	MaxNotifications   int        `gorm:"default:30" json:"maxNotifications"`
	Acknowledged       bool       `gorm:"default:false;index" json:"acknowledged"`
	AcknowledgedAt     *time.Time `json:"acknowledgedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionLog is a single log line emitted by a producer, retained 7 days.
type SessionLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	SessionID uint     `gorm:"not null;index" json:"sessionId"`
	UserID    uint     `gorm:"not null;index" json:"userId"`
	Level     LogLevel `gorm:"default:'info'" json:"level"`
	Message   string   `json:"message"`

	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// MaxLogMessageLen caps SessionLog.Message length before it is stored.
const MaxLogMessageLen = 2000

// TruncateLogMessage enforces MaxLogMessageLen.
func TruncateLogMessage(msg string) string {
	if len(msg) <= MaxLogMessageLen {
		return msg
	}
	return msg[:MaxLogMessageLen]
}
