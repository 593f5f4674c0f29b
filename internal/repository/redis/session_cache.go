package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"settings-service/internal/client"
	"settings-service/internal/repository"
	"settings-service/internal/util"
)

const (
	activeSessionPrefix = "active_session:"
	sessionDataPrefix   = "session_data:"
	userSessionsPrefix  = "user_sessions:"
)

// SessionCache is the redis-backed session authority. The settings service
// only ever revokes sessions (on deactivation); issuing them belongs to the
// auth provider, which shares this key layout.
type SessionCache struct {
	client *client.RedisClient
	logger *zap.Logger
}

var _ repository.SessionAuthority = (*SessionCache)(nil)

func NewSessionCache(redisClient *client.RedisClient, logger *zap.Logger) *SessionCache {
	return &SessionCache{
		client: redisClient,
		logger: logger,
	}
}

// InvalidateAllSessions removes the active-session pointer, every session
// data record, and the per-user session index in one pipeline.
func (c *SessionCache) InvalidateAllSessions(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	userSessionsKey := userSessionsPrefix + userID
	sessionIDs, err := c.client.SMembers(ctx, userSessionsKey)
	if err != nil {
		return fmt.Errorf("failed to list sessions for user: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, activeSessionPrefix+userID)
	for _, sessionID := range sessionIDs {
		pipe.Del(ctx, sessionDataPrefix+sessionID)
	}
	pipe.Del(ctx, userSessionsKey)

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to invalidate user sessions",
			util.String("user_id", userID),
			util.Int("session_count", len(sessionIDs)),
			util.ErrorField(err))
		return fmt.Errorf("failed to invalidate sessions: %w", err)
	}

	c.logger.Info("All sessions invalidated",
		util.String("user_id", userID),
		util.Int("session_count", len(sessionIDs)))
	return nil
}
