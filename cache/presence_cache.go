package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TyrellHaywood/echo-sub001/model"

	"github.com/go-redis/redis/v8"
)

const (
	projectRosterKey   = "project:%s:roster"      // Hash: userID -> PresenceEntry JSON
	projectPresenceKey = "project:%s:presence:%s" // String: heartbeat key (projectID, userID)
	projectOnlineSet   = "project:%s:online"      // Set: online user IDs
	projectCursorKey   = "project:%s:cursors"     // Hash: userID -> CursorState JSON
	projectTTL         = 24 * time.Hour
	presenceTTL        = 60 * time.Second // 心跳过期时间
)

// PresenceCache keeps the per-project roster and heartbeat state in Redis so
// presence survives across server instances but never outlives a disconnect.
type PresenceCache struct {
	client *redis.Client
}

// NewPresenceCache 创建在线状态缓存
func NewPresenceCache() *PresenceCache {
	return &PresenceCache{client: RedisClient}
}

// ========== 成员管理 ==========

// SetEntry stores or replaces the roster entry for one user.
func (c *PresenceCache) SetEntry(ctx context.Context, projectID string, entry *model.PresenceEntry) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(projectRosterKey, projectID)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, entry.UserID, data)
	pipe.Expire(ctx, key, projectTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveEntry removes a user's roster entry.
func (c *PresenceCache) RemoveEntry(ctx context.Context, projectID, userID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(projectRosterKey, projectID)
	return c.client.HDel(ctx, key, userID).Err()
}

// Entries returns all roster entries for a project.
func (c *PresenceCache) Entries(ctx context.Context, projectID string) ([]model.PresenceEntry, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(projectRosterKey, projectID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]model.PresenceEntry, 0, len(result))
	for _, data := range result {
		var entry model.PresenceEntry
		if err := json.Unmarshal([]byte(data), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// ========== 心跳在线状态管理 ==========

// Heartbeat refreshes a user's presence TTL key and membership in the online
// set. A missed heartbeat lets the key expire, which ExpireStale picks up.
func (c *PresenceCache) Heartbeat(ctx context.Context, projectID, userID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(projectPresenceKey, projectID, userID)
	onlineKey := fmt.Sprintf(projectOnlineSet, projectID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, onlineKey, userID)
	pipe.Expire(ctx, onlineKey, projectTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePresence drops a user's heartbeat key and online-set membership.
func (c *PresenceCache) RemovePresence(ctx context.Context, projectID, userID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(projectPresenceKey, projectID, userID)
	onlineKey := fmt.Sprintf(projectOnlineSet, projectID)

	pipe := c.client.Pipeline()
	pipe.Del(ctx, presenceKey)
	pipe.SRem(ctx, onlineKey, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// ExpireStale removes online-set members whose heartbeat key has expired and
// returns the user IDs that were dropped.
func (c *PresenceCache) ExpireStale(ctx context.Context, projectID string) ([]string, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	onlineKey := fmt.Sprintf(projectOnlineSet, projectID)
	members, err := c.client.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, err
	}

	expired := make([]string, 0)
	for _, userID := range members {
		presenceKey := fmt.Sprintf(projectPresenceKey, projectID, userID)
		exists, err := c.client.Exists(ctx, presenceKey).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			expired = append(expired, userID)
		}
	}

	if len(expired) > 0 {
		removals := make([]interface{}, len(expired))
		for i, userID := range expired {
			removals[i] = userID
		}
		pipe := c.client.Pipeline()
		pipe.SRem(ctx, onlineKey, removals...)
		pipe.HDel(ctx, fmt.Sprintf(projectRosterKey, projectID), expired...)
		if _, err := pipe.Exec(ctx); err != nil {
			return expired, err
		}
	}

	return expired, nil
}

// IsOnline reports whether a user has a live heartbeat.
func (c *PresenceCache) IsOnline(ctx context.Context, projectID, userID string) (bool, error) {
	if c.client == nil {
		return false, fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(projectPresenceKey, projectID, userID)
	exists, err := c.client.Exists(ctx, presenceKey).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// ClearProject 清理项目所有在线状态缓存
func (c *PresenceCache) ClearProject(ctx context.Context, projectID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	keys := []string{
		fmt.Sprintf(projectRosterKey, projectID),
		fmt.Sprintf(projectOnlineSet, projectID),
		fmt.Sprintf(projectCursorKey, projectID),
	}
	return c.client.Del(ctx, keys...).Err()
}
