package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/models"
)

func TestUserCRUD(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	u := &models.User{Email: "a@example.com", Username: "alice", PasswordHash: "x"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.NotZero(t, u.ID)

	got, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	require.NoError(t, s.SetUserToken(ctx, u.ID, "hash123", "ABC234", time.Now()))
	got2, err := s.GetUserByTokenHash(ctx, "hash123")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got2.ID)
}

func TestDeviceUpsertTransfersOwnership(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	d1, err := s.UpsertDeviceByToken(ctx, &models.Device{UserID: 1, PushToken: "tok-1", Platform: models.PlatformIOS})
	require.NoError(t, err)
	assert.Equal(t, uint(1), d1.UserID)

	d1.FailedAttempts = 2
	require.NoError(t, s.DB.Save(d1).Error)

	d2, err := s.UpsertDeviceByToken(ctx, &models.Device{UserID: 2, PushToken: "tok-1", Platform: models.PlatformIOS})
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)
	assert.Equal(t, uint(2), d2.UserID)
	assert.Equal(t, 0, d2.FailedAttempts)
}

func TestRecordDeviceFailureDeactivatesAtThreshold(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	d, err := s.UpsertDeviceByToken(ctx, &models.Device{UserID: 1, PushToken: "tok-2", Platform: models.PlatformAndroid})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordDeviceFailure(ctx, d.ID, "send failed", 3))
	}

	devices, err := s.ListActiveDevicesForUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestAppendPushOutcomeBoundsHistoryPerDevice(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	d, err := s.UpsertDeviceByToken(ctx, &models.Device{UserID: 1, PushToken: "tok-3", Platform: models.PlatformWeb})
	require.NoError(t, err)

	for i := 0; i < pushOutcomeHistoryCap+5; i++ {
		require.NoError(t, s.AppendPushOutcome(ctx, d.ID, i%2 == 0, "transient error"))
	}

	outcomes, err := s.ListPushOutcomesForDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, outcomes, pushOutcomeHistoryCap)
}

func TestCreateOrReactivateSession(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	sess, superseded, err := s.CreateOrReactivateSession(ctx, &models.Session{UserID: 1, HubID: 1, WSClientID: "client-1", GameName: "G1"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Nil(t, superseded)

	sess.Status = models.SessionTimeout
	sess.DisconnectReason = models.DisconnectTimeout
	now := time.Now()
	sess.DisconnectedAt = &now
	require.NoError(t, s.TransitionSession(ctx, sess))

	reactivated, superseded, err := s.CreateOrReactivateSession(ctx, &models.Session{UserID: 1, HubID: 1, WSClientID: "client-1", GameName: "G2"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, reactivated.Status)
	assert.Equal(t, "G2", reactivated.GameName)
	assert.Nil(t, reactivated.DisconnectedAt)
	assert.Nil(t, superseded)
}

func TestCreateOrReactivateSessionSupersedesStaleSessionForSameUserHub(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	first, _, err := s.CreateOrReactivateSession(ctx, &models.Session{UserID: 1, HubID: 1, WSClientID: "client-old", GameName: "G1"})
	require.NoError(t, err)

	second, superseded, err := s.CreateOrReactivateSession(ctx, &models.Session{UserID: 1, HubID: 1, WSClientID: "client-new", GameName: "G2"})
	require.NoError(t, err)
	require.NotNil(t, superseded)
	assert.Equal(t, first.ID, superseded.ID)
	assert.Equal(t, models.DisconnectReconnected, superseded.DisconnectReason)

	reloadedFirst, err := s.GetSessionByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionDisconnected, reloadedFirst.Status)

	reloadedSecond, err := s.GetSessionByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, reloadedSecond.Status)
}

func TestTransitionSessionOnlyFromActive(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	sess, _, err := s.CreateOrReactivateSession(ctx, &models.Session{UserID: 1, HubID: 1, WSClientID: "client-2"})
	require.NoError(t, err)

	sess.Status = models.SessionDisconnected
	require.NoError(t, s.TransitionSession(ctx, sess))

	// second transition attempt from the now-disconnected row is a no-op
	sess.Status = models.SessionTimeout
	require.NoError(t, s.TransitionSession(ctx, sess))

	fresh, err := s.GetSessionByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionDisconnected, fresh.Status)
}

func TestAlertAtMostOneUnacknowledged(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	a1 := &models.ActiveAlert{UserID: 1, SessionID: 1, Reason: "timeout", MaxNotifications: 30, NotificationsSent: 1}
	require.NoError(t, s.CreateAlert(ctx, a1))

	a2 := &models.ActiveAlert{UserID: 1, SessionID: 2, Reason: "another", MaxNotifications: 30, NotificationsSent: 1}
	require.NoError(t, s.CreateAlert(ctx, a2))
	assert.Equal(t, a1.ID, a2.ID, "second create should return the existing unacked alert")

	require.NoError(t, s.AcknowledgeAlert(ctx, a1.ID, 1, time.Now()))

	err := s.AcknowledgeAlert(ctx, a1.ID, 1, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	a3 := &models.ActiveAlert{UserID: 1, SessionID: 3, Reason: "third", MaxNotifications: 30, NotificationsSent: 1}
	require.NoError(t, s.CreateAlert(ctx, a3))
	assert.NotEqual(t, a1.ID, a3.ID)
}

func TestLogRetention(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, &models.SessionLog{SessionID: 1, UserID: 1, Level: models.LogError, Message: "boom"}))

	deleted, err := s.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
