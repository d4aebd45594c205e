package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/store"
)

func newTestAuth(t *testing.T) (*Authenticator, *store.Memory) {
	st := store.NewMemory()
	return New(st, logger.Default()), st
}

func TestAuthenticate_ValidToken(t *testing.T) {
	a, st := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, st.CreateServer(ctx, &store.Server{ID: "srv-1"}))
	token, err := a.IssueToken(ctx, "srv-1", 0)
	require.NoError(t, err)

	server, err := a.Authenticate(ctx, "srv-1", token)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", server.ID)

	// A successful use is recorded on the matching token.
	tokens, err := st.ListAgentTokens(ctx, "srv-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.NotNil(t, tokens[0].LastUsedAt)
}

func TestAuthenticate_WrongToken(t *testing.T) {
	a, st := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, st.CreateServer(ctx, &store.Server{ID: "srv-1"}))
	_, err := a.IssueToken(ctx, "srv-1", 0)
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, "srv-1", "not-the-token")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate(ctx, "srv-1", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	a, st := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, st.CreateServer(ctx, &store.Server{ID: "srv-1"}))

	token, err := a.IssueToken(ctx, "srv-1", time.Minute)
	require.NoError(t, err)

	// Jump the clock past the expiry.
	a.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = a.Authenticate(ctx, "srv-1", token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_LegacyFallback(t *testing.T) {
	a, st := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, st.CreateServer(ctx, &store.Server{
		ID:        "srv-1",
		TokenHash: HashToken("legacy-secret"),
	}))

	server, err := a.Authenticate(ctx, "srv-1", "legacy-secret")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", server.ID)

	_, err = a.Authenticate(ctx, "srv-1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_AgentTokenPreferredOverLegacy(t *testing.T) {
	a, st := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, st.CreateServer(ctx, &store.Server{
		ID:        "srv-1",
		TokenHash: HashToken("legacy-secret"),
	}))
	token, err := a.IssueToken(ctx, "srv-1", 0)
	require.NoError(t, err)

	// Both credentials remain valid; either must authenticate.
	_, err = a.Authenticate(ctx, "srv-1", token)
	assert.NoError(t, err)
	_, err = a.Authenticate(ctx, "srv-1", "legacy-secret")
	assert.NoError(t, err)
}

func TestAuthenticate_CoreServerNeedsNoToken(t *testing.T) {
	a, st := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, st.CreateServer(ctx, &store.Server{ID: "core", IsCore: true}))

	server, err := a.Authenticate(ctx, "core", "")
	require.NoError(t, err)
	assert.True(t, server.IsCore)
}

func TestAuthenticate_UnknownServer(t *testing.T) {
	a, _ := newTestAuth(t)

	_, err := a.Authenticate(context.Background(), "ghost", "anything")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestIssueToken_StoresOnlyHash(t *testing.T) {
	a, st := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, st.CreateServer(ctx, &store.Server{ID: "srv-1"}))
	token, err := a.IssueToken(ctx, "srv-1", 0)
	require.NoError(t, err)

	tokens, err := st.ListAgentTokens(ctx, "srv-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.NotEqual(t, token, tokens[0].TokenHash)
	assert.Equal(t, HashToken(token), tokens[0].TokenHash)
}
