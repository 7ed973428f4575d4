package alertloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay/internal/models"
	"relay/internal/push"
	"relay/internal/store"
)

func newLoop(t *testing.T, interval time.Duration) (*Loop, *store.GormStore) {
	s := store.NewTestStore(t)
	fanout := push.NewFanout(push.NewLogProvider(zap.NewNop()), s, 3, zap.NewNop())
	return New(s, s, fanout, interval, DefaultMaxNotifications, zap.NewNop()), s
}

func TestStartSkipsWhenLifeOrDeathDisabled(t *testing.T) {
	l, s := newLoop(t, time.Hour)
	ctx := context.Background()
	u := &models.User{Email: "a@example.com", Username: "a"}
	require.NoError(t, s.DB.Create(u).Error)

	alert, err := l.Start(ctx, u, 1, "no heartbeat", "game")
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestStartReturnsExistingUnacknowledgedAlert(t *testing.T) {
	l, s := newLoop(t, time.Hour)
	ctx := context.Background()
	u := &models.User{Email: "b@example.com", Username: "b", AlertPrefs: models.AlertPrefs{LifeOrDeathMode: true}}
	require.NoError(t, s.DB.Create(u).Error)

	first, err := l.Start(ctx, u, 1, "r", "g")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := l.Start(ctx, u, 2, "r2", "g2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestTickIncrementsAndStopsAtCap(t *testing.T) {
	l, s := newLoop(t, 5*time.Millisecond)
	ctx := context.Background()
	u := &models.User{Email: "c@example.com", Username: "c", AlertPrefs: models.AlertPrefs{LifeOrDeathMode: true}}
	require.NoError(t, s.DB.Create(u).Error)
	_, err := s.UpsertDeviceByToken(ctx, &models.Device{UserID: u.ID, PushToken: "w1", Platform: models.PlatformWeb})
	require.NoError(t, err)

	alert := &models.ActiveAlert{UserID: u.ID, SessionID: 1, Reason: "r", NotificationsSent: 1, MaxNotifications: 2}
	require.NoError(t, s.CreateAlert(ctx, alert))

	assert.True(t, l.tick(alert.ID))
	reloaded, err := s.GetAlertByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.NotificationsSent)

	assert.False(t, l.tick(alert.ID))
}

func TestAcknowledgeStopsLoop(t *testing.T) {
	l, s := newLoop(t, 5*time.Millisecond)
	ctx := context.Background()
	u := &models.User{Email: "d@example.com", Username: "d", AlertPrefs: models.AlertPrefs{LifeOrDeathMode: true}}
	require.NoError(t, s.DB.Create(u).Error)

	alert, err := l.Start(ctx, u, 1, "r", "g")
	require.NoError(t, err)

	require.NoError(t, l.Acknowledge(ctx, alert.ID, u.ID))
	assert.Eventually(t, func() bool { return l.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	err = l.Acknowledge(ctx, alert.ID, u.ID)
	assert.ErrorIs(t, err, ErrAlreadyAcknowledged)
}

func TestRestoreReinstallsYoungAlertsAndAcksStale(t *testing.T) {
	l, s := newLoop(t, time.Hour)
	ctx := context.Background()
	u := &models.User{Email: "e@example.com", Username: "e", AlertPrefs: models.AlertPrefs{LifeOrDeathMode: true}}
	require.NoError(t, s.DB.Create(u).Error)

	young := &models.ActiveAlert{UserID: u.ID, SessionID: 1, Reason: "r", NotificationsSent: 1, MaxNotifications: 30, StartedAt: time.Now()}
	require.NoError(t, s.CreateAlert(ctx, young))

	staleUser := &models.User{Email: "f@example.com", Username: "f", AlertPrefs: models.AlertPrefs{LifeOrDeathMode: true}}
	require.NoError(t, s.DB.Create(staleUser).Error)
	stale := &models.ActiveAlert{UserID: staleUser.ID, SessionID: 2, Reason: "r", NotificationsSent: 1, MaxNotifications: 30}
	require.NoError(t, s.CreateAlert(ctx, stale))
	require.NoError(t, s.DB.Model(&models.ActiveAlert{}).Where("id = ?", stale.ID).Update("started_at", time.Now().Add(-time.Hour)).Error)

	require.NoError(t, l.Restore(ctx))
	assert.Equal(t, 1, l.ActiveCount())

	reloadedStale, err := s.GetAlertByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, reloadedStale.Acknowledged)
}
