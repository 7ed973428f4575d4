// Package alertloop implements the life-or-death repeating-alert loop:
// once a heartbeat timeout fires a critical alert for a user with
// lifeOrDeathMode enabled, this package keeps re-sending it on an
// interval until acknowledged or the notification cap hits.
package alertloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/push"
	"relay/internal/store"
)

// ErrAlreadyAcknowledged is returned by Acknowledge on a repeat call.
var ErrAlreadyAcknowledged = errors.New("alertloop: already acknowledged")

// restoreWindow is how far back a crash-recovered alert may still be
// young enough to resume ticking.
const restoreWindow = 10 * time.Minute

// DefaultMaxNotifications is used when New is given a non-positive cap.
const DefaultMaxNotifications = 30

// DevicesForUser is the narrow device-lookup surface the loop needs,
// satisfied by store.DeviceStore.
type DevicesForUser interface {
	ListActiveDevicesForUser(ctx context.Context, userID uint) ([]models.Device, error)
}

// Loop owns one ticker per in-flight ActiveAlert, keyed by alert id.
type Loop struct {
	mu       sync.Mutex
	tickers  map[uint]*time.Ticker
	stopChs  map[uint]chan struct{}

	alerts           store.AlertStore
	devices          DevicesForUser
	fanout           *push.Fanout
	interval         time.Duration
	maxNotifications int
	log              *zap.Logger
}

func New(alerts store.AlertStore, devices DevicesForUser, fanout *push.Fanout, interval time.Duration, maxNotifications int, log *zap.Logger) *Loop {
	if maxNotifications <= 0 {
		maxNotifications = DefaultMaxNotifications
	}
	return &Loop{
		tickers:          make(map[uint]*time.Ticker),
		stopChs:          make(map[uint]chan struct{}),
		alerts:           alerts,
		devices:          devices,
		fanout:           fanout,
		interval:         interval,
		maxNotifications: maxNotifications,
		log:              log,
	}
}

// Start confirms lifeOrDeathMode is still enabled, then either returns
// an existing in-flight alert for the user unchanged or persists a new
// one and installs its ticker.
func (l *Loop) Start(ctx context.Context, user *models.User, sessionID uint, reason, gameName string) (*models.ActiveAlert, error) {
	if !user.AlertPrefs.LifeOrDeathMode {
		return nil, nil
	}

	existing, err := l.alerts.GetUnacknowledgedAlertForUser(ctx, user.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	alert := &models.ActiveAlert{
		UserID:            user.ID,
		SessionID:         sessionID,
		Reason:            reason,
		GameName:          gameName,
		NotificationsSent: 1, // the first critical push already went out via the timeout path
		MaxNotifications:  l.maxNotifications,
	}
	if err := l.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, err
	}

	l.install(alert.ID)
	return alert, nil
}

func (l *Loop) install(alertID uint) {
	l.mu.Lock()
	if _, exists := l.tickers[alertID]; exists {
		l.mu.Unlock()
		return
	}
	ticker := time.NewTicker(l.interval)
	stop := make(chan struct{})
	l.tickers[alertID] = ticker
	l.stopChs[alertID] = stop
	l.mu.Unlock()

	go l.run(alertID, ticker, stop)
}

func (l *Loop) run(alertID uint, ticker *time.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			l.cancel(alertID)
			return
		case <-ticker.C:
			if !l.tick(alertID) {
				l.cancel(alertID)
				return
			}
		}
	}
}

// tick reloads the alert and sends the next notification, returning
// false when the loop should stop.
func (l *Loop) tick(alertID uint) bool {
	ctx := context.Background()
	alert, err := l.alerts.GetAlertByID(ctx, alertID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && l.log != nil {
			l.log.Warn("alertloop: failed to reload alert", zap.Uint("alert_id", alertID), zap.Error(err))
		}
		return false
	}
	if alert.Acknowledged || alert.NotificationsSent >= alert.MaxNotifications {
		return false
	}

	updated, err := l.alerts.IncrementAlertNotifications(ctx, alertID)
	if err != nil {
		if l.log != nil {
			l.log.Warn("alertloop: failed to increment notification count", zap.Uint("alert_id", alertID), zap.Error(err))
		}
		return true // transient store error: try again next tick, don't give up the alert
	}

	devices, err := l.devices.ListActiveDevicesForUser(ctx, updated.UserID)
	if err != nil {
		if l.log != nil {
			l.log.Warn("alertloop: failed to list devices", zap.Uint("user_id", updated.UserID), zap.Error(err))
		}
		return true
	}

	webDevices := push.WebPlatformOnly(devices)
	if len(webDevices) == 0 {
		return true
	}

	reason := fmt.Sprintf("🚨 ALERT %d/%d: %s", updated.NotificationsSent, updated.MaxNotifications, updated.Reason)
	l.fanout.Send(ctx, webDevices, push.Payload{
		Title:    "Life-or-death alert",
		Body:     reason,
		Priority: push.PriorityCritical,
		Data: map[string]string{
			"alertId":   fmt.Sprintf("%d", updated.ID),
			"sessionId": fmt.Sprintf("%d", updated.SessionID),
			"gameName":  updated.GameName,
		},
	})
	return true
}

func (l *Loop) cancel(alertID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ticker, ok := l.tickers[alertID]; ok {
		ticker.Stop()
		delete(l.tickers, alertID)
	}
	delete(l.stopChs, alertID)
}

// Acknowledge marks the alert acknowledged and tears down its ticker.
func (l *Loop) Acknowledge(ctx context.Context, alertID, userID uint) error {
	if err := l.alerts.AcknowledgeAlert(ctx, alertID, userID, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAlreadyAcknowledged
		}
		return err
	}

	metrics.AlertsAcknowledged.Inc()

	l.mu.Lock()
	stop, ok := l.stopChs[alertID]
	l.mu.Unlock()
	if ok {
		close(stop)
	}
	return nil
}

// Restore reinstalls tickers for alerts young enough to still matter
// and auto-acknowledges the rest as stale.
func (l *Loop) Restore(ctx context.Context) error {
	cutoff := time.Now().Add(-restoreWindow)

	if _, err := l.alerts.AutoAcknowledgeStale(ctx, cutoff); err != nil {
		return err
	}

	young, err := l.alerts.ListUnacknowledgedYoungerThan(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, a := range young {
		l.install(a.ID)
	}
	if l.log != nil {
		l.log.Info("alertloop: restored in-flight alerts", zap.Int("count", len(young)))
	}
	return nil
}

// ActiveCount reports how many alerts currently have a running ticker.
func (l *Loop) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tickers)
}

// StopAll cancels every running ticker without acknowledging the
// underlying alerts, called on process shutdown. Restore picks them
// back up on the next boot.
func (l *Loop) StopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ticker := range l.tickers {
		ticker.Stop()
		delete(l.tickers, id)
	}
	for id, stop := range l.stopChs {
		close(stop)
		delete(l.stopChs, id)
	}
}
