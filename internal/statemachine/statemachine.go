// Package statemachine implements the session state machine: session
// creation/reactivation, heartbeat/status updates, manual disconnects,
// and the heartbeat-timeout path that drives quiet-hours suppression,
// critical push fan-out and the life-or-death alert loop.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relay/internal/alertloop"
	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/push"
	"relay/internal/store"
)

// TimeoutOutcome is what the router/metrics layer cares about after a
// timeout resolves. UserID/SessionID are carried here rather than read
// back off the hub, since the firing socket may already be gone by the
// time the grace period elapses.
type TimeoutOutcome struct {
	AlertSent bool
	Reason    string // "QUIET_HOURS" when suppressed, "" otherwise
	UserID    uint
	SessionID uint
	Found     bool
}

// Watchdog is the narrow timer surface the state machine needs.
type Watchdog interface {
	Start(clientID string)
	Stop(clientID string)
}

// StateMachine owns every session transition. It satisfies
// auth.Disconnector via DisconnectAllForUser.
type StateMachine struct {
	Store    store.Store
	Watchdog Watchdog
	Fanout   *push.Fanout
	Alerts   *alertloop.Loop
	Log      *zap.Logger

	// Now supplies the instant Timeout checks against quiet hours; nil
	// means time.Now.
	Now func() time.Time
}

func New(s store.Store, wd Watchdog, fanout *push.Fanout, alerts *alertloop.Loop, log *zap.Logger) *StateMachine {
	return &StateMachine{Store: s, Watchdog: wd, Fanout: fanout, Alerts: alerts, Log: log}
}

// CreateSession overwrites on a colliding ephemeral client id,
// otherwise inserts fresh. If a reconnect superseded a stale session
// for the same user+hub, its watchdog timer is stopped before the new
// one starts, so the old client id's grace timer never fires. The
// superseded session, if any, is returned so the caller can fan out
// its ending to consumers.
func (m *StateMachine) CreateSession(ctx context.Context, sess *models.Session) (*models.Session, *models.Session, error) {
	persisted, superseded, err := m.Store.CreateOrReactivateSession(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	if superseded != nil {
		m.Watchdog.Stop(superseded.WSClientID)
	}
	m.Watchdog.Start(persisted.WSClientID)
	return persisted, superseded, nil
}

// UpdateHeartbeat records a heartbeat timestamp. Unknown client ids
// are a no-op: the watchdog may race the router on close.
func (m *StateMachine) UpdateHeartbeat(ctx context.Context, clientID string) error {
	err := m.Store.UpdateHeartbeat(ctx, clientID, time.Now())
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// UpdateStatus records a session's free-form status text.
func (m *StateMachine) UpdateStatus(ctx context.Context, clientID, text string) error {
	return m.Store.UpdateStatusText(ctx, clientID, text)
}

// DisconnectByClientID ends a session identified by its ephemeral client id.
func (m *StateMachine) DisconnectByClientID(ctx context.Context, clientID string, reason models.DisconnectReason, message string) error {
	sess, err := m.Store.GetSessionByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionActive {
		return nil
	}
	m.Watchdog.Stop(clientID)
	return m.transition(ctx, sess, models.SessionDisconnected, reason, message)
}

// DisconnectBySessionID ends a session by its persisted id, used by
// user-initiated stops issued from consumer UIs.
func (m *StateMachine) DisconnectBySessionID(ctx context.Context, sessionID uint, reason models.DisconnectReason, message string) error {
	sess, err := m.Store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionActive {
		return nil
	}
	m.Watchdog.Stop(sess.WSClientID)
	return m.transition(ctx, sess, models.SessionDisconnected, reason, message)
}

// DisconnectAllForUser ends every active session for a user and
// satisfies auth.Disconnector for token regeneration/hub suspension
// flows.
func (m *StateMachine) DisconnectAllForUser(ctx context.Context, userID uint, reason models.DisconnectReason, message string) (int64, error) {
	sessions, err := m.Store.ListActiveSessionsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		m.Watchdog.Stop(s.WSClientID)
	}
	return m.Store.DisconnectAllForUser(ctx, userID, reason, message)
}

func (m *StateMachine) transition(ctx context.Context, sess *models.Session, status models.SessionStatus, reason models.DisconnectReason, message string) error {
	now := time.Now()
	sess.Status = status
	sess.DisconnectedAt = &now
	sess.DisconnectReason = reason
	sess.DisconnectMessage = message
	return m.Store.TransitionSession(ctx, sess)
}

// quietHoursActive reports whether now falls inside a user's
// configured quiet-hours window. Times are interpreted as UTC.
func quietHoursActive(prefs models.AlertPrefs, now time.Time) bool {
	if !prefs.QuietHoursEnable {
		return false
	}
	s, okS := parseMinuteOfDay(prefs.QuietHoursStart)
	e, okE := parseMinuteOfDay(prefs.QuietHoursEnd)
	if !okS || !okE {
		return false
	}
	nowUTC := now.UTC()
	m := nowUTC.Hour()*60 + nowUTC.Minute()
	if s <= e {
		return m >= s && m < e
	}
	return m >= s || m < e
}

func parseMinuteOfDay(hhmm string) (int, bool) {
	var h, min int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &min); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || min < 0 || min > 59 {
		return 0, false
	}
	return h*60 + min, true
}

// Timeout is the dead-man's-switch firing path. It is idempotent —
// loading a non-active session is a no-op, since the watchdog's fire
// may race a concurrent disconnect.
func (m *StateMachine) Timeout(ctx context.Context, clientID string) (*TimeoutOutcome, error) {
	sess, err := m.Store.GetSessionByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &TimeoutOutcome{}, nil
		}
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return &TimeoutOutcome{}, nil
	}

	user, err := m.Store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	hub, err := m.Store.GetHubByID(ctx, sess.HubID)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	if quietHoursActive(user.AlertPrefs, now()) {
		sess.AlertSent = false
		if err := m.transition(ctx, sess, models.SessionTimeout, models.DisconnectTimeout, "Heartbeat timeout (quiet hours - no alert)"); err != nil {
			return nil, err
		}
		return &TimeoutOutcome{AlertSent: false, Reason: "QUIET_HOURS", UserID: sess.UserID, SessionID: sess.ID, Found: true}, nil
	}

	if m.Log != nil {
		m.Log.Error("session heartbeat timeout",
			zap.String("client_id", clientID),
			zap.Uint("session_id", sess.ID),
			zap.Uint("user_id", sess.UserID),
		)
	}
	if err := m.Store.AppendLog(ctx, &models.SessionLog{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Level:     models.LogError,
		Message:   fmt.Sprintf("Heartbeat timeout in %s", hub.Name),
	}); err != nil && m.Log != nil {
		m.Log.Warn("statemachine: failed to persist timeout log", zap.Error(err))
	}

	devices, err := m.Store.ListActiveDevicesForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	outcomes := m.Fanout.Send(ctx, devices, push.Payload{
		Title:    "Heartbeat lost",
		Body:     fmt.Sprintf("%s stopped sending heartbeats", sess.GameName),
		Priority: push.PriorityCritical,
		Data: map[string]string{
			"sessionId":  fmt.Sprintf("%d", sess.ID),
			"gameName":   sess.GameName,
			"hubName":    hub.Name,
			"lastStatus": sess.CurrentStatus,
			"alertSound": user.AlertPrefs.AlertSound,
		},
	})

	sess.AlertSent = true
	sess.AlertDelivered, sess.AlertError = summarizeOutcomes(outcomes)

	if user.AlertPrefs.LifeOrDeathMode {
		alert, err := m.Alerts.Start(ctx, user, sess.ID, "Heartbeat timeout", sess.GameName)
		if err != nil && m.Log != nil {
			m.Log.Warn("statemachine: failed to start alert loop", zap.Error(err))
		}
		if alert != nil {
			metrics.AlertsStarted.Inc()
		}
	}

	if err := m.transition(ctx, sess, models.SessionTimeout, models.DisconnectTimeout, "Heartbeat timeout"); err != nil {
		// The alert has already gone out; losing the persistence write
		// must not be reported as if the alert itself failed.
		return &TimeoutOutcome{AlertSent: true, UserID: sess.UserID, SessionID: sess.ID, Found: true}, err
	}
	return &TimeoutOutcome{AlertSent: true, UserID: sess.UserID, SessionID: sess.ID, Found: true}, nil
}

func summarizeOutcomes(outcomes []push.Outcome) (delivered bool, errMsg string) {
	for _, o := range outcomes {
		if o.Delivered {
			return true, ""
		}
	}
	if len(outcomes) > 0 && outcomes[0].Err != nil {
		return false, outcomes[0].Err.Error()
	}
	return false, "no active devices"
}
