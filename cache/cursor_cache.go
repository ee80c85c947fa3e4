package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TyrellHaywood/echo-sub001/model"

	"github.com/go-redis/redis/v8"
)

// CursorCache keeps the latest cursor per user so a joining client sees the
// current pointers immediately. Ephemeral: entries are cleared when the owner
// leaves, never replayed as history.
type CursorCache struct {
	client *redis.Client
}

// NewCursorCache 创建光标缓存
func NewCursorCache() *CursorCache {
	return &CursorCache{client: RedisClient}
}

// SetCursor stores the most recent cursor state for one user.
func (c *CursorCache) SetCursor(ctx context.Context, projectID string, state *model.CursorState) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(projectCursorKey, projectID)
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor state: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, state.UserID, data)
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveCursor drops a user's cursor entry, used when presence leaves.
func (c *CursorCache) RemoveCursor(ctx context.Context, projectID, userID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(projectCursorKey, projectID)
	return c.client.HDel(ctx, key, userID).Err()
}

// Cursors returns the latest cursor per user for one project.
func (c *CursorCache) Cursors(ctx context.Context, projectID string) ([]model.CursorState, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(projectCursorKey, projectID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	states := make([]model.CursorState, 0, len(result))
	for _, data := range result {
		var state model.CursorState
		if err := json.Unmarshal([]byte(data), &state); err == nil {
			states = append(states, state)
		}
	}
	return states, nil
}
