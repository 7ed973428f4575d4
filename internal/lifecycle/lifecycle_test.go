package lifecycle

import (
	"context"
	"errors"
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

func TestReconcileMarksOrphanedSessionsDisconnected(t *testing.T) {
	s := store.NewTestStore(t)
	ctx := context.Background()

	sess, _, err := s.CreateOrReactivateSession(ctx, &models.Session{UserID: 1, HubID: 1, WSClientID: "c1"})
	require.NoError(t, err)

	fanout := push.NewFanout(push.NewLogProvider(zap.NewNop()), s, 3, zap.NewNop())
	alerts := alertloop.New(s, s, fanout, time.Hour, alertloop.DefaultMaxNotifications, zap.NewNop())
	rec := New(s, alerts, zap.NewNop())

	require.NoError(t, rec.Reconcile(ctx))

	reloaded, err := s.GetSessionByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionDisconnected, reloaded.Status)
	assert.Equal(t, models.DisconnectServerShutdown, reloaded.DisconnectReason)
}

func TestShutdownRunsClosersWithinTimeout(t *testing.T) {
	var ran bool
	err := Shutdown(context.Background(), time.Second, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestShutdownReturnsFirstCloserError(t *testing.T) {
	boom := errors.New("boom")
	err := Shutdown(context.Background(), time.Second, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestShutdownTimesOutOnSlowClosers(t *testing.T) {
	err := Shutdown(context.Background(), 5*time.Millisecond, func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
