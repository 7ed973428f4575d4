// Package store is the Record Store gateway: typed operations on the
// persisted entities plus the atomic multi-row operations the state
// machine and alert loop rely on. It is the single surface those
// components depend on instead of depending on each other directly.
package store

import (
	"context"
	"errors"
	"time"

	"relay/internal/models"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// UserStore covers User CRUD and token bookkeeping.
type UserStore interface {
	GetUserByID(ctx context.Context, id uint) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByTokenHash(ctx context.Context, tokenHash string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUser(ctx context.Context, u *models.User) error
	SetUserToken(ctx context.Context, userID uint, tokenHash, hint string, createdAt time.Time) error
	DeleteUser(ctx context.Context, id uint) error
}

// HubStore covers Hub lookups and the connection counter.
type HubStore interface {
	GetHubByAPIKeyHash(ctx context.Context, keyHash string) (*models.Hub, error)
	GetHubByID(ctx context.Context, id uint) (*models.Hub, error)
	IncrementHubConnections(ctx context.Context, hubID uint) error
	SetHubStatus(ctx context.Context, hubID uint, status models.HubStatus) error
}

// DeviceStore covers device upsert-by-token and failure bookkeeping.
type DeviceStore interface {
	UpsertDeviceByToken(ctx context.Context, d *models.Device) (*models.Device, error)
	ListActiveDevicesForUser(ctx context.Context, userID uint) ([]models.Device, error)
	RecordDeviceSuccess(ctx context.Context, deviceID uint) error
	RecordDeviceFailure(ctx context.Context, deviceID uint, reason string, threshold int) error
	AppendPushOutcome(ctx context.Context, deviceID uint, delivered bool, errMsg string) error
	ListPushOutcomesForDevice(ctx context.Context, deviceID uint) ([]models.PushOutcome, error)
}

// SessionStore covers session lifecycle transitions.
type SessionStore interface {
	// CreateOrReactivateSession creates or reactivates the row for
	// s.WSClientID. If another session is already active for the same
	// user+hub under a different ephemeral client id, that row is
	// superseded (marked disconnected) in the same transaction and
	// returned as superseded so the caller can cancel its watchdog timer.
	CreateOrReactivateSession(ctx context.Context, s *models.Session) (persisted *models.Session, superseded *models.Session, err error)
	GetSessionByClientID(ctx context.Context, clientID string) (*models.Session, error)
	GetSessionByID(ctx context.Context, id uint) (*models.Session, error)
	ListActiveSessionsForUser(ctx context.Context, userID uint) ([]models.Session, error)
	UpdateHeartbeat(ctx context.Context, clientID string, at time.Time) error
	UpdateStatusText(ctx context.Context, clientID string, text string) error
	TransitionSession(ctx context.Context, s *models.Session) error
	MarkAllActiveDisconnected(ctx context.Context, reason models.DisconnectReason, message string) (int64, error)
	DisconnectAllForUser(ctx context.Context, userID uint, reason models.DisconnectReason, message string) (int64, error)
}

// AlertStore covers ActiveAlert CRUD with the at-most-one-unacked invariant.
type AlertStore interface {
	GetUnacknowledgedAlertForUser(ctx context.Context, userID uint) (*models.ActiveAlert, error)
	CreateAlert(ctx context.Context, a *models.ActiveAlert) error
	GetAlertByID(ctx context.Context, id uint) (*models.ActiveAlert, error)
	IncrementAlertNotifications(ctx context.Context, id uint) (*models.ActiveAlert, error)
	AcknowledgeAlert(ctx context.Context, id uint, userID uint, at time.Time) error
	ListUnacknowledgedYoungerThan(ctx context.Context, cutoff time.Time) ([]models.ActiveAlert, error)
	AutoAcknowledgeStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// LogStore covers SessionLog persistence and retention.
type LogStore interface {
	AppendLog(ctx context.Context, l *models.SessionLog) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the union every component above depends on, satisfied by a
// single gorm-backed implementation (see gorm_store.go).
type Store interface {
	UserStore
	HubStore
	DeviceStore
	SessionStore
	AlertStore
	LogStore
}
