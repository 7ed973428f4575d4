// Package push fans mobile/web notifications out to a user's devices.
// It is best-effort: one device failing never blocks another, and
// persistent per-device failures deactivate the device.
package push

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/store"
)

// Priority is one of the three notification payload shapes.
type Priority string

const (
	PriorityCritical Priority = "critical" // life-or-death alerts
	PriorityNormal   Priority = "normal"   // status/log notifications
	PriorityData     Priority = "data"     // silent, data-only
)

// Payload is the provider-agnostic notification body.
type Payload struct {
	Title    string
	Body     string
	Priority Priority
	Data     map[string]string
}

// Provider delivers one payload to one device's push token. Providers
// must be safe for concurrent use.
type Provider interface {
	Send(ctx context.Context, device *models.Device, payload Payload) error
}

// Outcome records the delivery result for a single device.
type Outcome struct {
	DeviceID   uint
	Platform   models.Platform
	Delivered  bool
	Err        error
	Deactivated bool
}

// Fanout sends a payload to every active device of a user in parallel
// and folds per-device failures into the device store: repeated
// failures deactivate a device at the configured threshold.
type Fanout struct {
	Provider  Provider
	Devices   store.DeviceStore
	Threshold int
	Log       *zap.Logger
}

func NewFanout(p Provider, devices store.DeviceStore, threshold int, log *zap.Logger) *Fanout {
	return &Fanout{Provider: p, Devices: devices, Threshold: threshold, Log: log}
}

// Send delivers payload to every device in devices concurrently and
// returns one Outcome per device, in the same order.
func (f *Fanout) Send(ctx context.Context, devices []models.Device, payload Payload) []Outcome {
	outcomes := make([]Outcome, len(devices))
	var wg sync.WaitGroup
	for i := range devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.sendOne(ctx, &devices[i], payload)
		}(i)
	}
	wg.Wait()
	return outcomes
}

func (f *Fanout) sendOne(ctx context.Context, device *models.Device, payload Payload) Outcome {
	o := Outcome{DeviceID: device.ID, Platform: device.Platform}

	err := f.Provider.Send(ctx, device, payload)
	if err == nil {
		o.Delivered = true
		if recErr := f.Devices.RecordDeviceSuccess(ctx, device.ID); recErr != nil && f.Log != nil {
			f.Log.Warn("push: failed to reset device failure count", zap.Uint("device_id", device.ID), zap.Error(recErr))
		}
		if recErr := f.Devices.AppendPushOutcome(ctx, device.ID, true, ""); recErr != nil && f.Log != nil {
			f.Log.Warn("push: failed to append outcome history", zap.Uint("device_id", device.ID), zap.Error(recErr))
		}
		metrics.ObservePush(string(device.Platform), true)
		return o
	}

	o.Err = err
	if recErr := f.Devices.RecordDeviceFailure(ctx, device.ID, err.Error(), f.Threshold); recErr != nil && f.Log != nil {
		f.Log.Warn("push: failed to record device failure", zap.Uint("device_id", device.ID), zap.Error(recErr))
	}
	if recErr := f.Devices.AppendPushOutcome(ctx, device.ID, false, err.Error()); recErr != nil && f.Log != nil {
		f.Log.Warn("push: failed to append outcome history", zap.Uint("device_id", device.ID), zap.Error(recErr))
	}
	if f.Log != nil {
		f.Log.Info("push: delivery failed", zap.Uint("device_id", device.ID), zap.String("platform", string(device.Platform)), zap.Error(err))
	}
	metrics.ObservePush(string(device.Platform), false)
	return o
}

// WebPlatformOnly filters devices down to the web platform, used by
// the alert loop's repeating notifications: only the web client
// re-displays the alert banner on resend.
func WebPlatformOnly(devices []models.Device) []models.Device {
	out := make([]models.Device, 0, len(devices))
	for _, d := range devices {
		if d.Platform == models.PlatformWeb {
			out = append(out, d)
		}
	}
	return out
}
