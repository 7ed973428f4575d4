package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay/internal/alertloop"
	"relay/internal/models"
	"relay/internal/push"
	"relay/internal/store"
)

type noopWatchdog struct {
	started, stopped []string
}

func (w *noopWatchdog) Start(clientID string) { w.started = append(w.started, clientID) }
func (w *noopWatchdog) Stop(clientID string)  { w.stopped = append(w.stopped, clientID) }

func newTestMachine(t *testing.T) (*StateMachine, *store.GormStore, *noopWatchdog) {
	s := store.NewTestStore(t)
	wd := &noopWatchdog{}
	fanout := push.NewFanout(push.NewLogProvider(zap.NewNop()), s, 3, zap.NewNop())
	alerts := alertloop.New(s, s, fanout, time.Hour, alertloop.DefaultMaxNotifications, zap.NewNop())
	return New(s, wd, fanout, alerts, zap.NewNop()), s, wd
}

func seedUserAndHub(t *testing.T, s *store.GormStore, prefs models.AlertPrefs) (*models.User, *models.Hub) {
	u := &models.User{Email: "u@example.com", Username: "u", AlertPrefs: prefs}
	require.NoError(t, s.DB.Create(u).Error)
	h := &models.Hub{Name: "H", Slug: "h", OwnerEmail: "o@example.com", APIKeyHash: "x", Status: models.HubStatusApproved}
	require.NoError(t, s.DB.Create(h).Error)
	return u, h
}

func TestCreateSessionStartsWatchdog(t *testing.T) {
	m, _, wd := newTestMachine(t)
	ctx := context.Background()
	sess, _, err := m.CreateSession(ctx, &models.Session{WSClientID: "c1", UserID: 1, HubID: 1})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Contains(t, wd.started, "c1")
}

func TestCreateSessionSupersedesStaleWatchdogOnReconnect(t *testing.T) {
	m, _, wd := newTestMachine(t)
	ctx := context.Background()

	_, _, err := m.CreateSession(ctx, &models.Session{WSClientID: "old", UserID: 9, HubID: 9})
	require.NoError(t, err)

	_, superseded, err := m.CreateSession(ctx, &models.Session{WSClientID: "new", UserID: 9, HubID: 9})
	require.NoError(t, err)
	require.NotNil(t, superseded)
	assert.Equal(t, "old", superseded.WSClientID)

	assert.Contains(t, wd.stopped, "old")
	assert.Contains(t, wd.started, "new")
}

func TestDisconnectByClientIDStopsWatchdog(t *testing.T) {
	m, _, wd := newTestMachine(t)
	ctx := context.Background()
	_, _, err := m.CreateSession(ctx, &models.Session{WSClientID: "c2", UserID: 1, HubID: 1})
	require.NoError(t, err)

	require.NoError(t, m.DisconnectByClientID(ctx, "c2", models.DisconnectManual, "bye"))
	assert.Contains(t, wd.stopped, "c2")
}

func TestTimeoutQuietHoursSuppressesAlert(t *testing.T) {
	m, s, _ := newTestMachine(t)
	ctx := context.Background()
	prefs := models.AlertPrefs{QuietHoursEnable: true, QuietHoursStart: "23:00", QuietHoursEnd: "07:00"}
	u, h := seedUserAndHub(t, s, prefs)
	sess, _, err := m.CreateSession(ctx, &models.Session{WSClientID: "c3", UserID: u.ID, HubID: h.ID, GameName: "g"})
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 4, 30, 0, 0, time.UTC)
	active := quietHoursActive(u.AlertPrefs, now)
	require.True(t, active)
	m.Now = func() time.Time { return now }

	outcome, err := m.Timeout(ctx, "c3")
	require.NoError(t, err)
	assert.False(t, outcome.AlertSent)
	assert.Equal(t, "QUIET_HOURS", outcome.Reason)

	reloaded, err := s.GetSessionByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTimeout, reloaded.Status)
	assert.False(t, reloaded.AlertSent)
}

func TestTimeoutOutsideQuietHoursSendsAlert(t *testing.T) {
	m, s, _ := newTestMachine(t)
	ctx := context.Background()
	u, h := seedUserAndHub(t, s, models.AlertPrefs{})
	_, err := s.UpsertDeviceByToken(ctx, &models.Device{UserID: u.ID, PushToken: "t1", Platform: models.PlatformIOS})
	require.NoError(t, err)
	sess, _, err := m.CreateSession(ctx, &models.Session{WSClientID: "c4", UserID: u.ID, HubID: h.ID, GameName: "g"})
	require.NoError(t, err)

	outcome, err := m.Timeout(ctx, "c4")
	require.NoError(t, err)
	assert.True(t, outcome.AlertSent)

	reloaded, err := s.GetSessionByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTimeout, reloaded.Status)
	assert.True(t, reloaded.AlertSent)
}

func TestTimeoutIsIdempotentOnNonActiveSession(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	_, _, err := m.CreateSession(ctx, &models.Session{WSClientID: "c5", UserID: 1, HubID: 1})
	require.NoError(t, err)
	require.NoError(t, m.DisconnectByClientID(ctx, "c5", models.DisconnectManual, ""))

	outcome, err := m.Timeout(ctx, "c5")
	require.NoError(t, err)
	assert.False(t, outcome.AlertSent)
}

func TestQuietHoursOvernightWrap(t *testing.T) {
	prefs := models.AlertPrefs{QuietHoursEnable: true, QuietHoursStart: "23:00", QuietHoursEnd: "07:00"}
	assert.True(t, quietHoursActive(prefs, time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)))
	assert.True(t, quietHoursActive(prefs, time.Date(2026, 1, 1, 4, 30, 0, 0, time.UTC)))
	assert.False(t, quietHoursActive(prefs, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)))
}
