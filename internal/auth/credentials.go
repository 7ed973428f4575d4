package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"relay/internal/models"
	"relay/internal/store"
)

// Error codes surfaced verbatim as WS error frame codes.
const (
	ErrInvalidHubKey    = "INVALID_HUB_KEY"
	ErrHubNotApproved   = "HUB_NOT_APPROVED"
	ErrHubSuspended     = "HUB_SUSPENDED"
	ErrInvalidUserToken = "INVALID_USER_TOKEN"
	ErrUserSuspended    = "USER_SUSPENDED"
)

// CredentialError carries one of the error codes above.
type CredentialError struct {
	Code    string
	Message string
}

func (e *CredentialError) Error() string { return e.Message }

func newCredErr(code, message string) *CredentialError {
	return &CredentialError{Code: code, Message: message}
}

// Disconnector is the narrow slice of the session state machine the
// adapter needs to force-disconnect a user's sessions on token
// regeneration, without depending on the whole state machine package.
type Disconnector interface {
	DisconnectAllForUser(ctx context.Context, userID uint, reason models.DisconnectReason, message string) (int64, error)
}

// Adapter validates producer hub keys and user connection tokens,
// translating them into principal records.
type Adapter struct {
	Store        store.Store
	LegacyTokens bool

	disconnector Disconnector
}

func NewAdapter(s store.Store, legacyTokens bool) *Adapter {
	return &Adapter{Store: s, LegacyTokens: legacyTokens}
}

// SetDisconnector wires the session state machine in after boot, once
// it has been constructed.
func (a *Adapter) SetDisconnector(d Disconnector) {
	a.disconnector = d
}

// ValidateHubKey checks a producer hub's API key and approval status.
func (a *Adapter) ValidateHubKey(ctx context.Context, key string) (*models.Hub, error) {
	if key == "" || !strings.HasPrefix(key, HubKeyPrefix) {
		return nil, newCredErr(ErrInvalidHubKey, "hub key missing or malformed")
	}

	hub, err := a.Store.GetHubByAPIKeyHash(ctx, HashToken(key))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newCredErr(ErrInvalidHubKey, "hub key not recognised")
		}
		return nil, err
	}

	switch hub.Status {
	case models.HubStatusApproved:
		return hub, nil
	case models.HubStatusSuspended:
		return nil, newCredErr(ErrHubSuspended, "hub is suspended")
	default:
		return nil, newCredErr(ErrHubNotApproved, "hub is not approved")
	}
}

// ValidateUserToken accepts the short token form unconditionally and
// the legacy form only when the adapter was constructed with
// LegacyTokens enabled.
func (a *Adapter) ValidateUserToken(ctx context.Context, token string) (*models.User, []models.Device, error) {
	if token == "" {
		return nil, nil, newCredErr(ErrInvalidUserToken, "token missing")
	}
	if IsLegacyToken(token) && !a.LegacyTokens {
		return nil, nil, newCredErr(ErrInvalidUserToken, "legacy tokens are disabled")
	}
	if !IsShortToken(token) && !IsLegacyToken(token) {
		return nil, nil, newCredErr(ErrInvalidUserToken, "token format not recognised")
	}

	user, err := a.Store.GetUserByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, newCredErr(ErrInvalidUserToken, "token not recognised")
		}
		return nil, nil, err
	}

	if user.Status == models.UserStatusSuspended {
		return nil, nil, newCredErr(ErrUserSuspended, "user is suspended")
	}

	devices, err := a.Store.ListActiveDevicesForUser(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, devices, nil
}

// RegenerateUserToken mints a fresh token, persists it, and disconnects
// every currently active session belonging to the user in the same
// logical operation.
func (a *Adapter) RegenerateUserToken(ctx context.Context, userID uint) (string, error) {
	raw, err := GenerateShortToken()
	if err != nil {
		return "", err
	}
	if err := a.Store.SetUserToken(ctx, userID, HashToken(raw), TokenHint(raw), time.Now()); err != nil {
		return "", err
	}

	disconnect := a.disconnector
	if disconnect == nil {
		disconnect = a.Store // store.Store satisfies Disconnector directly; used only if state machine hasn't been wired (e.g. in isolated tests)
	}
	if _, err := disconnect.DisconnectAllForUser(ctx, userID, models.DisconnectTokenRevoked, "user token regenerated"); err != nil {
		return "", err
	}
	return raw, nil
}
