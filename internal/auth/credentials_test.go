package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/models"
	"relay/internal/store"
)

func newTestAdapter(t *testing.T) (*Adapter, *store.GormStore) {
	s := store.NewTestStore(t)
	return NewAdapter(s, false), s
}

func TestGenerateShortTokenShape(t *testing.T) {
	tok, err := GenerateShortToken()
	require.NoError(t, err)
	assert.Len(t, tok, ShortTokenLen)
	assert.True(t, IsShortToken(tok))
}

func TestValidateHubKeyRejectsMissingPrefix(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.ValidateHubKey(context.Background(), "not-a-hub-key")
	require.Error(t, err)
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, ErrInvalidHubKey, credErr.Code)
}

func TestValidateHubKeyStatuses(t *testing.T) {
	a, s := newTestAdapter(t)
	ctx := context.Background()

	hub := &models.Hub{Name: "H", Slug: "h", OwnerEmail: "o@example.com", APIKeyHash: HashToken("hub_live_abc"), Status: models.HubStatusApproved}
	require.NoError(t, s.DB.Create(hub).Error)

	got, err := a.ValidateHubKey(ctx, "hub_live_abc")
	require.NoError(t, err)
	assert.Equal(t, hub.ID, got.ID)

	hub.Status = models.HubStatusSuspended
	require.NoError(t, s.DB.Save(hub).Error)
	_, err = a.ValidateHubKey(ctx, "hub_live_abc")
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, ErrHubSuspended, credErr.Code)
}

func TestValidateUserTokenSuspended(t *testing.T) {
	a, s := newTestAdapter(t)
	ctx := context.Background()

	u := &models.User{Email: "u@example.com", Username: "u", Status: models.UserStatusSuspended}
	require.NoError(t, s.DB.Create(u).Error)
	require.NoError(t, s.SetUserToken(ctx, u.ID, HashToken("ABC234"), "ABC234", u.CreatedAt))

	_, _, err := a.ValidateUserToken(ctx, "ABC234")
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, ErrUserSuspended, credErr.Code)
}

func TestValidateUserTokenLegacyGatedByFlag(t *testing.T) {
	s := store.NewTestStore(t)
	ctx := context.Background()
	u := &models.User{Email: "l@example.com", Username: "l", Status: models.UserStatusActive}
	require.NoError(t, s.DB.Create(u).Error)
	legacy := LegacyTokenPrefix + "abcdef123456"
	require.NoError(t, s.SetUserToken(ctx, u.ID, HashToken(legacy), TokenHint(legacy), u.CreatedAt))

	strict := NewAdapter(s, false)
	_, _, err := strict.ValidateUserToken(ctx, legacy)
	require.Error(t, err)

	lenient := NewAdapter(s, true)
	got, _, err := lenient.ValidateUserToken(ctx, legacy)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestRegenerateUserTokenDisconnectsSessions(t *testing.T) {
	a, s := newTestAdapter(t)
	ctx := context.Background()

	u := &models.User{Email: "d@example.com", Username: "d", Status: models.UserStatusActive}
	require.NoError(t, s.DB.Create(u).Error)
	_, _, err := s.CreateOrReactivateSession(ctx, &models.Session{UserID: u.ID, HubID: 1, WSClientID: "c1"})
	require.NoError(t, err)

	newToken, err := a.RegenerateUserToken(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, newToken, ShortTokenLen)

	sess, err := s.GetSessionByClientID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionDisconnected, sess.Status)
	assert.Equal(t, models.DisconnectTokenRevoked, sess.DisconnectReason)
}
