package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/internal/auth"
	"relay/internal/logsink"
	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/push"
	"relay/internal/ratelimit"
	"relay/internal/statemachine"
	"relay/internal/store"
)

// closeGoingAway is the RFC 6455 status code sent to every socket on
// process shutdown.
const closeGoingAway = 1001

// Watchdog is the narrow timer surface the router drives directly on
// heartbeat/disconnect; timeout firing itself calls back into
// Router.TimeoutByClientID via GraceClose/the main wiring.
type Watchdog interface {
	Reset(clientID string)
	Stop(clientID string)
}

// ServerVersion is reported in the `connected` frame.
const ServerVersion = "1.0"

// upgrader accepts every origin; origin restriction belongs to the
// deployment's reverse proxy, not this library.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Router is the WS hub: it accepts sockets, authenticates them, and
// dispatches typed frames to the producer/consumer handler tables.
type Router struct {
	Hub      *Hub
	Store    store.Store
	Auth     *auth.Adapter
	JWT      *auth.JWTVerifier
	SM       *statemachine.StateMachine
	Limiter  *ratelimit.Limiter
	Fanout   *push.Fanout
	LogSink  *logsink.Sink
	Watchdog Watchdog
	Log      *zap.Logger

	GraceClose func(clientID string)
}

func New(hub *Hub, s store.Store, a *auth.Adapter, jwt *auth.JWTVerifier, sm *statemachine.StateMachine, limiter *ratelimit.Limiter, fanout *push.Fanout, sink *logsink.Sink, wd Watchdog, log *zap.Logger, graceClose func(string)) *Router {
	return &Router{
		Hub: hub, Store: s, Auth: a, JWT: jwt, SM: sm, Limiter: limiter,
		Fanout: fanout, LogSink: sink, Watchdog: wd, Log: log, GraceClose: graceClose,
	}
}

// ServeHTTP upgrades the connection and runs its dispatch loop. It
// returns only once the socket has closed.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	clientID := uuid.NewString()
	client := NewClient(conn)
	info := &ClientInfo{ClientID: clientID, Role: RoleUnauth, Client: client}
	rt.Hub.Register(info)
	metrics.WSConnections.WithLabelValues(string(RoleUnauth)).Inc()

	client.Send(mustFrame("connected", connectedPayload{
		ClientID:      clientID,
		ServerVersion: ServerVersion,
		Timestamp:     time.Now().UnixMilli(),
	}))

	defer rt.handleClose(info)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if isMalformedFrame(err) {
				info.Client.Send(errorFrame(ErrInvalidMessage, "malformed JSON frame"))
				continue
			}
			return
		}
		rt.dispatch(context.Background(), info, frame)
	}
}

// isMalformedFrame reports whether err came from decoding a frame that
// was valid on the wire but not valid JSON (or the wrong shape),
// as opposed to the connection itself going away.
func isMalformedFrame(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (rt *Router) handleClose(info *ClientInfo) {
	metrics.WSConnections.WithLabelValues(string(info.Role)).Dec()
	rt.Hub.Unregister(info.ClientID)
	rt.Limiter.Forget(info.ClientID)
	info.Client.Close()

	if info.Role != RoleProducer {
		return
	}
	metrics.HubConnections.WithLabelValues(info.HubSlug).Dec()
	// Abrupt close: notify consumers immediately, then hand off to the
	// watchdog's grace period instead of disconnecting outright.
	rt.Hub.FanOutToConsumers(info.UserID, mustFrame("session_connection_lost", sessionConnectionLostPayload{SessionID: info.SessionID}))
	if rt.GraceClose != nil {
		rt.GraceClose(info.ClientID)
	}
}

// rateClass classifies a frame type for the limiter, returning "" for
// unrated types.
func rateClass(frameType string) string {
	switch frameType {
	case "status":
		return "status"
	case "log":
		return "log"
	case "notify":
		return "notify"
	case "alert":
		return "alert"
	default:
		return ""
	}
}

func (rt *Router) dispatch(ctx context.Context, info *ClientInfo, frame Frame) {
	if class := rateClass(frame.Type); class != "" {
		if !rt.Limiter.Allow(info.ClientID, class) {
			metrics.RateLimitRejections.WithLabelValues(class).Inc()
			info.Client.Send(errorFrame(ErrRateLimited, "rate limit exceeded for "+class))
			return
		}
	}

	switch frame.Type {
	case "connect":
		rt.handleConnect(ctx, info, frame)
	case "authenticate":
		rt.handleAuthenticate(ctx, info, frame)
	case "register_device":
		rt.handleRegisterDevice(ctx, info, frame)
	case "heartbeat", "ping":
		rt.handleHeartbeat(ctx, info)
	case "status":
		rt.handleStatus(ctx, info, frame)
	case "log":
		rt.handleLog(ctx, info, frame)
	case "notify":
		rt.handleNotify(ctx, info, frame)
	case "alert":
		rt.handleAlert(ctx, info, frame)
	case "disconnect":
		rt.handleDisconnect(ctx, info, frame)
	case "command":
		rt.handleCommand(ctx, info, frame)
	default:
		info.Client.Send(errorFrame(ErrInvalidMessage, "unrecognised message type"))
	}
}

// requireRole sends the appropriate error and returns false when info
// hasn't authenticated as want: NOT_AUTHENTICATED for a socket that
// hasn't authenticated at all, INVALID_MESSAGE for one authenticated
// as the other peer role.
func requireRole(info *ClientInfo, want Role, action string) bool {
	if info.Role == want {
		return true
	}
	if info.Role == RoleUnauth {
		info.Client.Send(errorFrame(ErrNotAuthenticated, action+" requires authenticating first"))
		return false
	}
	info.Client.Send(errorFrame(ErrInvalidMessage, action+" requires an authenticated "+string(want)))
	return false
}

func decode[T any](raw json.RawMessage) (T, bool) {
	var v T
	if len(raw) == 0 {
		return v, true
	}
	ok := json.Unmarshal(raw, &v) == nil
	return v, ok
}

// TimeoutByClientID is called by the watchdog/grace-close path and
// delegates to the state machine, then fans the terminal state out to
// the user's consumers the same way a manual disconnect does. The
// firing socket is often already gone from the hub by the time the
// grace period elapses, so the identity to fan out to comes from the
// state machine's outcome, not a hub lookup.
func (rt *Router) TimeoutByClientID(clientID string) {
	outcome, err := rt.SM.Timeout(context.Background(), clientID)
	if err != nil && rt.Log != nil {
		rt.Log.Warn("router: timeout path failed", zap.String("client_id", clientID), zap.Error(err))
	}
	metrics.HeartbeatTimeouts.Inc()

	if outcome == nil || !outcome.Found {
		return
	}
	reason := "timeout"
	if outcome.Reason == "QUIET_HOURS" {
		reason = "timeout (quiet hours)"
	}
	rt.Hub.FanOutToConsumers(outcome.UserID, mustFrame("session_ended", sessionEndedPayload{SessionID: outcome.SessionID, Reason: reason}))
}

// CloseAll ends every live producer session with the given disconnect
// reason, notifies their consumers, and sends a going-away close frame
// to every socket in the hub. Called once, from the shutdown path,
// after the HTTP listener has stopped accepting new connections.
func (rt *Router) CloseAll(ctx context.Context, reason models.DisconnectReason, message string) {
	for _, info := range rt.Hub.All() {
		if info.Role == RoleProducer {
			rt.watchdogStop(info.ClientID)
			if err := rt.SM.DisconnectByClientID(ctx, info.ClientID, reason, message); err != nil && rt.Log != nil {
				rt.Log.Warn("router: failed to disconnect session on shutdown", zap.Error(err))
			}
			rt.Hub.FanOutToConsumers(info.UserID, mustFrame("session_ended", sessionEndedPayload{
				SessionID: info.SessionID, Reason: message,
			}))
		}
		info.Client.CloseWithStatus(closeGoingAway, message)
	}
}

// sessionStatusToSummary projects a store session into the wire shape
// consumers expect on authenticate/register_device.
func sessionStatusToSummary(sess models.Session, hubName string) sessionSummary {
	return sessionSummary{
		ID:              sess.ID,
		GameName:        sess.GameName,
		HubName:         hubName,
		CurrentStatus:   sess.CurrentStatus,
		ConnectedAt:     sess.ConnectedAt.UnixMilli(),
		LastHeartbeatAt: sess.LastHeartbeatAt.UnixMilli(),
	}
}
