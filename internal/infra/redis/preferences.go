package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/herald/internal/core/domain"
)

// PreferenceCache is a read-through cache in front of the preference service.
// Misses and unmarshal failures fall back to the source; a stale entry at most
// delays an unsubscribe by the TTL, so keep it short.
type PreferenceCache struct {
	client *Client
	source domain.PreferenceSource
	ttl    time.Duration
	log    *slog.Logger
}

// NewPreferenceCache wraps source with a redis cache.
func NewPreferenceCache(client *Client, source domain.PreferenceSource, ttl time.Duration) *PreferenceCache {
	return &PreferenceCache{
		client: client,
		source: source,
		ttl:    ttl,
		log:    slog.Default().With("component", "prefcache"),
	}
}

func prefKey(userID string) string {
	return fmt.Sprintf("herald:prefs:%s", userID)
}

// Preferences implements domain.PreferenceSource.
func (c *PreferenceCache) Preferences(ctx context.Context, userID string) (domain.Preferences, error) {
	key := prefKey(userID)

	raw, err := c.client.rdb.Get(ctx, key).Result()
	if err == nil {
		var prefs domain.Preferences
		if jsonErr := json.Unmarshal([]byte(raw), &prefs); jsonErr == nil {
			return prefs, nil
		}
		c.log.Warn("Discarding unreadable cached preferences", "user", userID)
	} else if err != redis.Nil {
		c.log.Warn("Preference cache read failed", "user", userID, "error", err)
	}

	prefs, err := c.source.Preferences(ctx, userID)
	if err != nil {
		return domain.Preferences{}, err
	}

	if data, jsonErr := json.Marshal(prefs); jsonErr == nil {
		if setErr := c.client.rdb.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
			c.log.Warn("Preference cache write failed", "user", userID, "error", setErr)
		}
	}
	return prefs, nil
}

// Invalidate drops a user's cached preferences, used when an unsubscribe
// arrives so the next sweep sees it immediately.
func (c *PreferenceCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.rdb.Del(ctx, prefKey(userID)).Err(); err != nil {
		c.log.Warn("Preference cache invalidation failed", "user", userID, "error", err)
	}
}
