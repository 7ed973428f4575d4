package router

import (
	"context"

	"go.uber.org/zap"

	"relay/internal/auth"
	"relay/internal/models"
)

func (rt *Router) handleAuthenticate(ctx context.Context, info *ClientInfo, frame Frame) {
	payload, ok := decode[authenticatePayload](frame.Data)
	if !ok || payload.Token == "" {
		info.Client.Send(errorFrame(ErrInvalidParams, "token field required"))
		return
	}

	claims, err := rt.JWT.VerifyBearer(payload.Token)
	if err != nil {
		info.Client.Send(errorFrame(ErrInvalidUserToken, "invalid bearer token"))
		info.Client.Close()
		return
	}
	userID, err := auth.UserIDFromClaims(claims)
	if err != nil {
		info.Client.Send(errorFrame(ErrInvalidUserToken, "invalid bearer token claims"))
		info.Client.Close()
		return
	}

	user, err := rt.Store.GetUserByID(ctx, userID)
	if err != nil {
		info.Client.Send(errorFrame(ErrInvalidUserToken, "user not found"))
		info.Client.Close()
		return
	}

	rt.Hub.SetConsumer(info.ClientID, user.ID)
	info.Client.Send(mustFrame("authenticated", rt.buildConsumerAuthedPayload(ctx, user)))
}

func (rt *Router) buildConsumerAuthedPayload(ctx context.Context, user *models.User) consumerAuthedPayload {
	sessions, err := rt.Store.ListActiveSessionsForUser(ctx, user.ID)
	if err != nil {
		sessions = nil
	}
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		hubName := ""
		if hub, err := rt.Store.GetHubByID(ctx, s.HubID); err == nil {
			hubName = hub.Name
		}
		summaries = append(summaries, sessionStatusToSummary(s, hubName))
	}
	return consumerAuthedPayload{
		User:     consumerUserInfo{ID: user.ID, Username: user.Username},
		Sessions: summaries,
	}
}

func (rt *Router) handleRegisterDevice(ctx context.Context, info *ClientInfo, frame Frame) {
	payload, ok := decode[registerDevicePayload](frame.Data)
	if !ok {
		info.Client.Send(errorFrame(ErrInvalidParams, "malformed register_device payload"))
		return
	}

	var userID uint
	if payload.UserToken != "" {
		user, _, err := rt.Auth.ValidateUserToken(ctx, payload.UserToken)
		if err != nil {
			rt.sendCredentialError(info, err)
			return
		}
		userID = user.ID
	} else if payload.UserID != 0 {
		// Legacy form: a raw user id with no token proof, kept for
		// backward compatibility. Unlike legacy tokens in auth.Adapter,
		// this form is accepted whatever the LegacyTokens setting.
		userID = payload.UserID
	} else {
		info.Client.Send(errorFrame(ErrInvalidParams, "userToken or userId required"))
		return
	}

	if payload.PushToken != "" {
		platform := models.PlatformWeb
		if payload.Platform != "" {
			platform = models.Platform(payload.Platform)
		}
		if _, err := rt.Store.UpsertDeviceByToken(ctx, &models.Device{
			UserID: userID, PushToken: payload.PushToken, Platform: platform,
		}); err != nil && rt.Log != nil {
			rt.Log.Warn("router: failed to upsert device", zap.Error(err))
		}
	}

	user, err := rt.Store.GetUserByID(ctx, userID)
	if err != nil {
		info.Client.Send(errorFrame(ErrInvalidUserToken, "user not found"))
		info.Client.Close()
		return
	}

	rt.Hub.SetConsumer(info.ClientID, user.ID)
	info.Client.Send(mustFrame("registered", rt.buildConsumerAuthedPayload(ctx, user)))
}

func (rt *Router) handleCommand(ctx context.Context, info *ClientInfo, frame Frame) {
	if !requireRole(info, RoleConsumer, "command") {
		return
	}
	payload, ok := decode[commandPayload](frame.Data)
	if !ok || payload.Command == "" {
		info.Client.Send(errorFrame(ErrInvalidParams, "command field required"))
		return
	}

	producer, found := rt.Hub.ProducerBySessionID(payload.SessionID, info.ConsumerUserID)
	if !found {
		info.Client.Send(errorFrame(ErrSessionNotFound, "no live producer for that session"))
		return
	}

	producer.Client.Send(mustFrame("command", forwardedCommandPayload{Command: payload.Command, Data: payload.Data}))
	info.Client.Send(mustFrame("command_sent", commandSentPayload{SessionID: payload.SessionID}))
}
