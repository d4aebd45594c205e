// Package auth validates agent credentials at connect time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/store"
)

// ErrInvalidCredentials is returned for any authentication failure against a
// known server. Callers must not distinguish the failure mode to the agent.
var ErrInvalidCredentials = errors.New("invalid agent credentials")

// ErrUnknownServer is returned when the server id does not exist.
var ErrUnknownServer = errors.New("unknown server")

// Authenticator validates (serverId, token) pairs against the agent-token
// table with a legacy fallback to the per-server token hash.
type Authenticator struct {
	store store.Store
	log   *logger.Logger
	now   func() time.Time
}

// New creates an Authenticator.
func New(st store.Store, log *logger.Logger) *Authenticator {
	return &Authenticator{store: st, log: log, now: time.Now}
}

// HashToken returns the hex SHA-256 of a bearer token, the stored form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates the presented token for serverId and returns the
// server row on success. Core servers are locally trusted and accepted
// without a token.
//
// Token comparison runs over every candidate hash regardless of early
// matches, so the work done does not depend on which token (if any) matched.
func (a *Authenticator) Authenticate(ctx context.Context, serverID, token string) (*store.Server, error) {
	server, err := a.store.GetServer(ctx, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownServer
	}
	if err != nil {
		return nil, fmt.Errorf("load server: %w", err)
	}

	if server.IsCore {
		return server, nil
	}
	if token == "" {
		return nil, ErrInvalidCredentials
	}

	presented := []byte(HashToken(token))
	now := a.now()

	tokens, err := a.store.ListAgentTokens(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("list agent tokens: %w", err)
	}

	var matchedID string
	var matchedExpired bool
	for _, candidate := range tokens {
		if subtle.ConstantTimeCompare(presented, []byte(candidate.TokenHash)) == 1 {
			if candidate.ExpiresAt != nil && !candidate.ExpiresAt.After(now) {
				matchedExpired = true
				continue
			}
			matchedID = candidate.ID
		}
	}

	if matchedID != "" {
		if err := a.store.TouchAgentToken(ctx, matchedID); err != nil {
			a.log.Warn("Failed to record token use",
				zap.String("server_id", serverID), zap.Error(err))
		}
		return server, nil
	}
	if matchedExpired {
		return nil, ErrInvalidCredentials
	}

	// Legacy fallback: the per-server token hash on the server row.
	if server.TokenHash != "" &&
		subtle.ConstantTimeCompare(presented, []byte(server.TokenHash)) == 1 {
		return server, nil
	}

	return nil, ErrInvalidCredentials
}

// IssueToken generates a fresh bearer token for a server, persists its hash,
// and returns the plaintext. The plaintext is never stored.
func (a *Authenticator) IssueToken(ctx context.Context, serverID string, ttl time.Duration) (string, error) {
	if _, err := a.store.GetServer(ctx, serverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUnknownServer
		}
		return "", fmt.Errorf("load server: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	record := &store.AgentToken{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		TokenHash: HashToken(token),
	}
	if ttl > 0 {
		expires := a.now().Add(ttl).UTC()
		record.ExpiresAt = &expires
	}

	if err := a.store.InsertAgentToken(ctx, record); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}
