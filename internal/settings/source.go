package settings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"flowsentry/internal/logger"
	"flowsentry/pkg/models"
)

// Source loads configuration snapshots.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// Static always returns snapshots of the same values.
type Static struct {
	Values     map[string]string
	IgnoreList []models.MatchEntry
	CustomTags []models.MatchEntry
}

// Load returns a fresh snapshot of the static values.
func (s Static) Load(context.Context) (*Snapshot, error) {
	values := make(map[string]string, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	return New(values, s.IgnoreList, s.CustomTags), nil
}

// RedisSource reads the flat configuration and match lists from Redis hashes.
type RedisSource struct {
	client *redis.Client
	prefix string
}

// NewRedisSource wraps an existing client.
func NewRedisSource(client *redis.Client, prefix string) *RedisSource {
	return &RedisSource{client: client, prefix: prefix}
}

// Load reads settings, ignore list and custom tags in one round trip.
func (s *RedisSource) Load(ctx context.Context) (*Snapshot, error) {
	pipe := s.client.Pipeline()
	valuesCmd := pipe.HGetAll(ctx, s.settingsKey())
	ignoreCmd := pipe.HGetAll(ctx, s.ignoreKey())
	customCmd := pipe.HGetAll(ctx, s.customKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	return New(valuesCmd.Val(), decodeEntries(ignoreCmd.Val()), decodeEntries(customCmd.Val())), nil
}

// Seed writes values and entries that are not already present. Existing
// keys are left untouched so operator edits survive restarts.
func (s *RedisSource) Seed(ctx context.Context, values map[string]string, ignore, custom []models.MatchEntry) error {
	pipe := s.client.TxPipeline()
	for k, v := range values {
		pipe.HSetNX(ctx, s.settingsKey(), k, v)
	}
	for i, e := range ignore {
		pipe.HSetNX(ctx, s.ignoreKey(), entryID(e, i), e.Encode())
	}
	for i, e := range custom {
		pipe.HSetNX(ctx, s.customKey(), entryID(e, i), e.Encode())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

func (s *RedisSource) settingsKey() string { return s.prefix + ":settings" }
func (s *RedisSource) ignoreKey() string   { return s.prefix + ":ignorelist" }
func (s *RedisSource) customKey() string   { return s.prefix + ":customtags" }

func entryID(e models.MatchEntry, i int) string {
	if id := strings.TrimSpace(e.ID); id != "" {
		return id
	}
	return fmt.Sprintf("%d", i+1)
}

func decodeEntries(raw map[string]string) []models.MatchEntry {
	if len(raw) == 0 {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.MatchEntry, 0, len(ids))
	for _, id := range ids {
		e, ok := models.ParseMatchEntry(id, raw[id])
		if !ok {
			logger.Warnf("Skipping malformed match entry %s=%q", id, raw[id])
			continue
		}
		out = append(out, e)
	}
	return out
}

// Cache serves a snapshot for up to ttl before reloading. A failed reload
// keeps serving the previous snapshot.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	snap     *Snapshot
	loadedAt time.Time
}

// NewCache wraps a source.
func NewCache(src Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{src: src, ttl: ttl, now: time.Now}
}

// Get returns the cached snapshot, reloading it when stale.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.snap, nil
	}
	snap, err := c.src.Load(ctx)
	if err != nil {
		if c.snap != nil {
			logger.Warnf("Settings reload failed, keeping previous snapshot: %v", err)
			c.loadedAt = c.now()
			return c.snap, nil
		}
		return nil, err
	}
	c.snap = snap
	c.loadedAt = c.now()
	return snap, nil
}
