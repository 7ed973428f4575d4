// Package lifecycle handles process-wide startup reconciliation and
// graceful shutdown.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"relay/internal/alertloop"
	"relay/internal/models"
	"relay/internal/store"
)

// Reconciler runs the boot-time cleanup that MUST complete before the
// router starts accepting connections.
type Reconciler struct {
	Store  store.Store
	Alerts *alertloop.Loop
	Log    *zap.Logger
}

func New(s store.Store, alerts *alertloop.Loop, log *zap.Logger) *Reconciler {
	return &Reconciler{Store: s, Alerts: alerts, Log: log}
}

// Reconcile marks every session left `active` from a previous process
// as disconnected with reason server-shutdown, then restores any
// in-flight alert loops young enough to still matter. It MUST run
// before the router begins accepting connections.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	n, err := r.Store.MarkAllActiveDisconnected(ctx, models.DisconnectServerShutdown, "Server restarted")
	if err != nil {
		return err
	}
	if r.Log != nil {
		r.Log.Info("lifecycle: reconciled orphaned sessions", zap.Int64("count", n))
	}

	if err := r.Alerts.Restore(ctx); err != nil {
		return err
	}
	return nil
}

// Shutdown gives in-flight work a bounded window to finish before the
// process exits.
func Shutdown(ctx context.Context, timeout time.Duration, closers ...func() error) error {
	done := make(chan error, 1)
	go func() {
		var firstErr error
		for _, c := range closers {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
