package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"relay/internal/auth"
	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/push"
)

func (rt *Router) handleConnect(ctx context.Context, info *ClientInfo, frame Frame) {
	payload, ok := decode[connectPayload](frame.Data)
	if !ok {
		info.Client.Send(errorFrame(ErrInvalidParams, "malformed connect payload"))
		return
	}

	hub, err := rt.Auth.ValidateHubKey(ctx, payload.HubKey)
	if err != nil {
		rt.sendCredentialError(info, err)
		return
	}
	user, devices, err := rt.Auth.ValidateUserToken(ctx, payload.UserToken)
	if err != nil {
		rt.sendCredentialError(info, err)
		return
	}

	sess, superseded, err := rt.SM.CreateSession(ctx, &models.Session{
		UserID:          user.ID,
		HubID:           hub.ID,
		WSClientID:      info.ClientID,
		GameName:        payload.GameInfo.Name,
		PlaceID:         payload.GameInfo.PlaceID,
		JobID:           payload.GameInfo.JobID,
		Executor:        payload.GameInfo.Executor,
		ConnectedAt:     time.Now(),
		LastHeartbeatAt: time.Now(),
	})
	if err != nil {
		if rt.Log != nil {
			rt.Log.Error("router: failed to create session", zap.Error(err))
		}
		info.Client.Send(errorFrame(ErrInvalidParams, "failed to create session"))
		info.Client.Close()
		return
	}

	if err := rt.Store.IncrementHubConnections(ctx, hub.ID); err != nil && rt.Log != nil {
		rt.Log.Warn("router: failed to increment hub connection counter", zap.Error(err))
	}

	metrics.WSConnections.WithLabelValues(string(RoleUnauth)).Dec()
	metrics.WSConnections.WithLabelValues(string(RoleProducer)).Inc()
	metrics.SessionsActive.Inc()
	metrics.HubConnections.WithLabelValues(hub.Slug).Inc()
	rt.Hub.SetProducer(info.ClientID, sess.ID, user.ID, hub.ID, hub.Slug)

	if superseded != nil {
		rt.Hub.FanOutToConsumers(user.ID, mustFrame("session_ended", sessionEndedPayload{
			SessionID: superseded.ID, Reason: "reconnected",
		}))
	}

	info.Client.Send(mustFrame("authenticated", authenticatedPayload{
		SessionID: sess.ID,
		User:      authedUserInfo{Username: user.Username, HasDevices: len(devices) > 0},
		Hub:       authedHubInfo{Name: hub.Name},
	}))

	rt.Hub.FanOutToConsumers(user.ID, mustFrame("session_started", sessionStartedPayload{
		SessionID: sess.ID,
		GameName:  sess.GameName,
		HubName:   hub.Name,
		Timestamp: time.Now().UnixMilli(),
	}))
}

func (rt *Router) sendCredentialError(info *ClientInfo, err error) {
	var credErr *auth.CredentialError
	if errors.As(err, &credErr) {
		info.Client.Send(errorFrame(credErr.Code, credErr.Message))
	} else {
		info.Client.Send(errorFrame(ErrInvalidParams, err.Error()))
	}
	info.Client.Close()
}

func (rt *Router) watchdogReset(clientID string) {
	if rt.Watchdog != nil {
		rt.Watchdog.Reset(clientID)
	}
}

func (rt *Router) watchdogStop(clientID string) {
	if rt.Watchdog != nil {
		rt.Watchdog.Stop(clientID)
	}
}

func (rt *Router) pushToUser(ctx context.Context, userID uint, title, body string) {
	devices, err := rt.Store.ListActiveDevicesForUser(ctx, userID)
	if err != nil || len(devices) == 0 {
		return
	}
	rt.Fanout.Send(ctx, devices, push.Payload{Title: title, Body: body, Priority: push.PriorityNormal})
}

func (rt *Router) pushCriticalToUser(ctx context.Context, userID uint, title, reason string) {
	devices, err := rt.Store.ListActiveDevicesForUser(ctx, userID)
	if err != nil || len(devices) == 0 {
		return
	}
	if title == "" {
		title = "Critical alert"
	}
	rt.Fanout.Send(ctx, devices, push.Payload{Title: title, Body: reason, Priority: push.PriorityCritical})
}

func (rt *Router) handleHeartbeat(ctx context.Context, info *ClientInfo) {
	if !requireRole(info, RoleProducer, "heartbeat") {
		return
	}
	if err := rt.SM.UpdateHeartbeat(ctx, info.ClientID); err != nil && rt.Log != nil {
		rt.Log.Warn("router: failed to update heartbeat", zap.Error(err))
	}
	rt.watchdogReset(info.ClientID)
	info.Client.Send(mustFrame("pong", pongPayload{Timestamp: time.Now().UnixMilli()}))
}

func (rt *Router) handleStatus(ctx context.Context, info *ClientInfo, frame Frame) {
	if !requireRole(info, RoleProducer, "status") {
		return
	}
	payload, ok := decode[statusPayload](frame.Data)
	if !ok || payload.Status == "" {
		info.Client.Send(errorFrame(ErrInvalidParams, "status field required"))
		return
	}
	if err := rt.SM.UpdateStatus(ctx, info.ClientID, payload.Status); err != nil && rt.Log != nil {
		rt.Log.Warn("router: failed to update status", zap.Error(err))
	}
	rt.Hub.FanOutToConsumers(info.UserID, mustFrame("status_update", statusUpdatePayload{
		SessionID: info.SessionID, Status: payload.Status, Data: payload.Data,
	}))
}

func (rt *Router) handleLog(ctx context.Context, info *ClientInfo, frame Frame) {
	if !requireRole(info, RoleProducer, "log") {
		return
	}
	payload, ok := decode[logPayload](frame.Data)
	if !ok || payload.Message == "" {
		info.Client.Send(errorFrame(ErrInvalidParams, "message field required"))
		return
	}
	level := models.LogInfo
	if payload.Level != "" {
		level = models.LogLevel(payload.Level)
	}
	if err := rt.LogSink.Append(ctx, info.SessionID, info.UserID, level, payload.Message); err != nil && rt.Log != nil {
		rt.Log.Warn("router: failed to persist log", zap.Error(err))
	}
	rt.Hub.FanOutToConsumers(info.UserID, mustFrame("log", logFramePayload{
		SessionID: info.SessionID, Level: string(level), Message: payload.Message,
	}))
}

func (rt *Router) handleNotify(ctx context.Context, info *ClientInfo, frame Frame) {
	if !requireRole(info, RoleProducer, "notify") {
		return
	}
	payload, ok := decode[notifyPayload](frame.Data)
	if !ok || payload.Title == "" {
		info.Client.Send(errorFrame(ErrInvalidParams, "title field required"))
		return
	}
	rt.Hub.FanOutToConsumers(info.UserID, mustFrame("notification", notificationPayload{
		SessionID: info.SessionID, Title: payload.Title, Body: payload.Body,
	}))
	rt.pushToUser(ctx, info.UserID, payload.Title, payload.Body)
}

func (rt *Router) handleAlert(ctx context.Context, info *ClientInfo, frame Frame) {
	if !requireRole(info, RoleProducer, "alert") {
		return
	}
	payload, ok := decode[alertPayload](frame.Data)
	if !ok || payload.Reason == "" {
		info.Client.Send(errorFrame(ErrInvalidParams, "reason field required"))
		return
	}
	rt.Hub.FanOutToConsumers(info.UserID, mustFrame("critical_alert", criticalAlertPayload{
		SessionID: info.SessionID, Reason: payload.Reason, Title: payload.Title,
	}))
	rt.pushCriticalToUser(ctx, info.UserID, payload.Title, payload.Reason)
}

func (rt *Router) handleDisconnect(ctx context.Context, info *ClientInfo, frame Frame) {
	if !requireRole(info, RoleProducer, "disconnect") {
		return
	}
	payload, _ := decode[disconnectPayload](frame.Data)
	reason := payload.Reason
	if reason == "" {
		reason = "client requested disconnect"
	}

	rt.watchdogStop(info.ClientID)
	if err := rt.SM.DisconnectByClientID(ctx, info.ClientID, models.DisconnectManual, reason); err != nil && rt.Log != nil {
		rt.Log.Warn("router: failed to disconnect session", zap.Error(err))
	}
	metrics.SessionsActive.Dec()

	rt.Hub.FanOutToConsumers(info.UserID, mustFrame("session_ended", sessionEndedPayload{
		SessionID: info.SessionID, Reason: reason,
	}))
	info.Client.Send(mustFrame("session_ended", sessionEndedPayload{SessionID: info.SessionID, Reason: reason}))
	info.Client.Close()
}
