package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"relay/internal/models"
)

// GormStore is the concrete Record Store gateway backed by gorm.
type GormStore struct {
	DB *gorm.DB
}

// NewGormStore wraps db and runs the auto-migration for every entity.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(
		&models.User{}, &models.Hub{}, &models.Device{},
		&models.Session{}, &models.ActiveAlert{}, &models.SessionLog{},
		&models.PushOutcome{},
	); err != nil {
		return nil, err
	}
	return &GormStore{DB: db}, nil
}

// pushOutcomeHistoryCap bounds how many outcomes are kept per device.
const pushOutcomeHistoryCap = 20

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- UserStore ---

func (s *GormStore) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := s.DB.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.DB.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *GormStore) GetUserByTokenHash(ctx context.Context, tokenHash string) (*models.User, error) {
	var u models.User
	if err := s.DB.WithContext(ctx).First(&u, "user_token_hash = ?", tokenHash).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *GormStore) CreateUser(ctx context.Context, u *models.User) error {
	return s.DB.WithContext(ctx).Create(u).Error
}

func (s *GormStore) UpdateUser(ctx context.Context, u *models.User) error {
	return s.DB.WithContext(ctx).Save(u).Error
}

func (s *GormStore) SetUserToken(ctx context.Context, userID uint, tokenHash, hint string, createdAt time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"user_token_hash": tokenHash,
		"user_token_hint": hint,
		"token_created":   createdAt,
	}).Error
}

func (s *GormStore) DeleteUser(ctx context.Context, id uint) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&models.Device{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", id).Delete(&models.Session{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.User{}, id).Error
	})
}

// --- HubStore ---

func (s *GormStore) GetHubByAPIKeyHash(ctx context.Context, keyHash string) (*models.Hub, error) {
	var h models.Hub
	if err := s.DB.WithContext(ctx).First(&h, "api_key_hash = ?", keyHash).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &h, nil
}

func (s *GormStore) GetHubByID(ctx context.Context, id uint) (*models.Hub, error) {
	var h models.Hub
	if err := s.DB.WithContext(ctx).First(&h, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &h, nil
}

func (s *GormStore) IncrementHubConnections(ctx context.Context, hubID uint) error {
	return s.DB.WithContext(ctx).Model(&models.Hub{}).Where("id = ?", hubID).
		UpdateColumn("total_connections", gorm.Expr("total_connections + 1")).Error
}

func (s *GormStore) SetHubStatus(ctx context.Context, hubID uint, status models.HubStatus) error {
	return s.DB.WithContext(ctx).Model(&models.Hub{}).Where("id = ?", hubID).Update("status", status).Error
}

// --- DeviceStore ---

// UpsertDeviceByToken creates the device if the push token is unseen,
// otherwise transfers ownership to d.UserID and resets failure state.
func (s *GormStore) UpsertDeviceByToken(ctx context.Context, d *models.Device) (*models.Device, error) {
	var existing models.Device
	err := s.DB.WithContext(ctx).First(&existing, "push_token = ?", d.PushToken).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d.Active = true
		d.FailedAttempts = 0
		d.LastSeen = time.Now()
		if err := s.DB.WithContext(ctx).Create(d).Error; err != nil {
			return nil, err
		}
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	existing.UserID = d.UserID
	existing.Platform = d.Platform
	existing.Active = true
	existing.FailedAttempts = 0
	existing.LastFailReason = ""
	existing.LastSeen = time.Now()
	if err := s.DB.WithContext(ctx).Save(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *GormStore) ListActiveDevicesForUser(ctx context.Context, userID uint) ([]models.Device, error) {
	var devices []models.Device
	err := s.DB.WithContext(ctx).Where("user_id = ? AND active = ?", userID, true).Find(&devices).Error
	return devices, err
}

func (s *GormStore) RecordDeviceSuccess(ctx context.Context, deviceID uint) error {
	return s.DB.WithContext(ctx).Model(&models.Device{}).Where("id = ?", deviceID).Updates(map[string]any{
		"failed_attempts":  0,
		"last_fail_reason": "",
		"last_seen":        time.Now(),
	}).Error
}

// RecordDeviceFailure increments the failure counter and deactivates the
// device once it reaches threshold.
func (s *GormStore) RecordDeviceFailure(ctx context.Context, deviceID uint, reason string, threshold int) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d models.Device
		if err := tx.First(&d, "id = ?", deviceID).Error; err != nil {
			return err
		}
		d.FailedAttempts++
		d.LastFailReason = reason
		if d.FailedAttempts >= threshold {
			d.Active = false
		}
		return tx.Save(&d).Error
	})
}

// AppendPushOutcome records one delivery attempt and trims the
// device's history back down to pushOutcomeHistoryCap rows.
func (s *GormStore) AppendPushOutcome(ctx context.Context, deviceID uint, delivered bool, errMsg string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.PushOutcome{DeviceID: deviceID, Delivered: delivered, Error: errMsg}).Error; err != nil {
			return err
		}
		var keepIDs []uint
		if err := tx.Model(&models.PushOutcome{}).
			Where("device_id = ?", deviceID).
			Order("created_at DESC").
			Limit(pushOutcomeHistoryCap).
			Pluck("id", &keepIDs).Error; err != nil {
			return err
		}
		return tx.Where("device_id = ? AND id NOT IN ?", deviceID, keepIDs).Delete(&models.PushOutcome{}).Error
	})
}

// ListPushOutcomesForDevice returns a device's bounded history, most
// recent first.
func (s *GormStore) ListPushOutcomesForDevice(ctx context.Context, deviceID uint) ([]models.PushOutcome, error) {
	var outcomes []models.PushOutcome
	err := s.DB.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at DESC").Find(&outcomes).Error
	return outcomes, err
}

// --- SessionStore ---

// CreateOrReactivateSession overwrites a row with the same ephemeral
// client id back into the active state if one exists; otherwise it
// creates a new row. A reconnect always arrives under a brand-new
// ephemeral client id, so before touching s2's own row it looks for any
// other session already active for the same user+hub and supersedes it
// (marks it disconnected with reason "reconnected") in the same
// transaction — otherwise that stale row's grace timer would still be
// armed and fire a spurious timeout later.
func (s *GormStore) CreateOrReactivateSession(ctx context.Context, s2 *models.Session) (persisted *models.Session, superseded *models.Session, err error) {
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale models.Session
		staleErr := tx.Where("user_id = ? AND hub_id = ? AND status = ? AND ws_client_id <> ?",
			s2.UserID, s2.HubID, models.SessionActive, s2.WSClientID).First(&stale).Error
		if staleErr == nil {
			now := time.Now()
			stale.Status = models.SessionDisconnected
			stale.DisconnectedAt = &now
			stale.DisconnectReason = models.DisconnectReconnected
			stale.DisconnectMessage = "superseded by reconnect"
			if err := tx.Save(&stale).Error; err != nil {
				return err
			}
			superseded = &stale
		} else if !errors.Is(staleErr, gorm.ErrRecordNotFound) {
			return staleErr
		}

		var existing models.Session
		lookErr := tx.First(&existing, "ws_client_id = ?", s2.WSClientID).Error
		if errors.Is(lookErr, gorm.ErrRecordNotFound) {
			s2.Status = models.SessionActive
			s2.ConnectedAt = time.Now()
			s2.LastHeartbeatAt = time.Now()
			if err := tx.Create(s2).Error; err != nil {
				return err
			}
			persisted = s2
			return nil
		}
		if lookErr != nil {
			return lookErr
		}

		existing.UserID = s2.UserID
		existing.HubID = s2.HubID
		existing.GameName = s2.GameName
		existing.PlaceID = s2.PlaceID
		existing.JobID = s2.JobID
		existing.Executor = s2.Executor
		existing.Status = models.SessionActive
		existing.ConnectedAt = time.Now()
		existing.LastHeartbeatAt = time.Now()
		existing.DisconnectedAt = nil
		existing.DisconnectReason = ""
		existing.DisconnectMessage = ""
		existing.AlertSent = false
		existing.AlertDelivered = false
		existing.AlertError = ""
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		persisted = &existing
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return persisted, superseded, nil
}

func (s *GormStore) GetSessionByClientID(ctx context.Context, clientID string) (*models.Session, error) {
	var sess models.Session
	if err := s.DB.WithContext(ctx).First(&sess, "ws_client_id = ?", clientID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &sess, nil
}

func (s *GormStore) GetSessionByID(ctx context.Context, id uint) (*models.Session, error) {
	var sess models.Session
	if err := s.DB.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &sess, nil
}

func (s *GormStore) ListActiveSessionsForUser(ctx context.Context, userID uint) ([]models.Session, error) {
	var sessions []models.Session
	err := s.DB.WithContext(ctx).Where("user_id = ? AND status = ?", userID, models.SessionActive).Find(&sessions).Error
	return sessions, err
}

func (s *GormStore) UpdateHeartbeat(ctx context.Context, clientID string, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).Where("ws_client_id = ?", clientID).Update("last_heartbeat_at", at)
	return res.Error
}

func (s *GormStore) UpdateStatusText(ctx context.Context, clientID string, text string) error {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).Where("ws_client_id = ?", clientID).Update("current_status", text)
	return res.Error
}

// TransitionSession persists a terminal (disconnected/timeout) state,
// but only from active, since the transition out of active is
// one-way.
func (s *GormStore) TransitionSession(ctx context.Context, sess *models.Session) error {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", sess.ID, models.SessionActive).
		Updates(map[string]any{
			"status":             sess.Status,
			"disconnected_at":    sess.DisconnectedAt,
			"disconnect_reason":  sess.DisconnectReason,
			"disconnect_message": sess.DisconnectMessage,
			"alert_sent":         sess.AlertSent,
			"alert_delivered":    sess.AlertDelivered,
			"alert_error":        sess.AlertError,
		})
	return res.Error
}

func (s *GormStore) MarkAllActiveDisconnected(ctx context.Context, reason models.DisconnectReason, message string) (int64, error) {
	now := time.Now()
	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("status = ?", models.SessionActive).
		Updates(map[string]any{
			"status":             models.SessionDisconnected,
			"disconnected_at":    now,
			"disconnect_reason":  reason,
			"disconnect_message": message,
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DisconnectAllForUser(ctx context.Context, userID uint, reason models.DisconnectReason, message string) (int64, error) {
	now := time.Now()
	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND status = ?", userID, models.SessionActive).
		Updates(map[string]any{
			"status":             models.SessionDisconnected,
			"disconnected_at":    now,
			"disconnect_reason":  reason,
			"disconnect_message": message,
		})
	return res.RowsAffected, res.Error
}

// --- AlertStore ---

func (s *GormStore) GetUnacknowledgedAlertForUser(ctx context.Context, userID uint) (*models.ActiveAlert, error) {
	var a models.ActiveAlert
	err := s.DB.WithContext(ctx).First(&a, "user_id = ? AND acknowledged = ?", userID, false).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAlert enforces at most one unacknowledged alert per user by
// checking inside the same transaction as the insert.
func (s *GormStore) CreateAlert(ctx context.Context, a *models.ActiveAlert) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ActiveAlert
		err := tx.First(&existing, "user_id = ? AND acknowledged = ?", a.UserID, false).Error
		if err == nil {
			*a = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		a.StartedAt = time.Now()
		return tx.Create(a).Error
	})
}

func (s *GormStore) GetAlertByID(ctx context.Context, id uint) (*models.ActiveAlert, error) {
	var a models.ActiveAlert
	if err := s.DB.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &a, nil
}

func (s *GormStore) IncrementAlertNotifications(ctx context.Context, id uint) (*models.ActiveAlert, error) {
	var a models.ActiveAlert
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&a, "id = ?", id).Error; err != nil {
			return err
		}
		a.NotificationsSent++
		return tx.Save(&a).Error
	})
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &a, nil
}

func (s *GormStore) AcknowledgeAlert(ctx context.Context, id uint, userID uint, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&models.ActiveAlert{}).
		Where("id = ? AND user_id = ? AND acknowledged = ?", id, userID, false).
		Updates(map[string]any{"acknowledged": true, "acknowledged_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListUnacknowledgedYoungerThan(ctx context.Context, cutoff time.Time) ([]models.ActiveAlert, error) {
	var alerts []models.ActiveAlert
	err := s.DB.WithContext(ctx).Where("acknowledged = ? AND started_at >= ?", false, cutoff).Find(&alerts).Error
	return alerts, err
}

func (s *GormStore) AutoAcknowledgeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	now := time.Now()
	res := s.DB.WithContext(ctx).Model(&models.ActiveAlert{}).
		Where("acknowledged = ? AND started_at < ?", false, olderThan).
		Updates(map[string]any{"acknowledged": true, "acknowledged_at": now})
	return res.RowsAffected, res.Error
}

// --- LogStore ---

func (s *GormStore) AppendLog(ctx context.Context, l *models.SessionLog) error {
	l.Message = models.TruncateLogMessage(l.Message)
	return s.DB.WithContext(ctx).Create(l).Error
}

func (s *GormStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.SessionLog{})
	return res.RowsAffected, res.Error
}
