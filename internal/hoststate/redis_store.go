// Package hoststate tracks local hosts that have been seen on the network.
package hoststate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// HostState is the stored record of one known host.
type HostState struct {
	IP        string    `json:"ip"`
	Sightings int64     `json:"sightings"`
	FirstSeen time.Time `json:"first_seen,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// RedisStore keeps the known-host set as two sorted sets scored by first
// and last sighting plus a small hash per host.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: strings.TrimSpace(prefix)}
}

// Register records a sighting of each address at ts.
func (s *RedisStore) Register(ctx context.Context, ts time.Time, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	score := float64(ts.Unix())
	pipe := s.client.Pipeline()
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		pipe.HSet(ctx, s.hostKey(ip), "ip", ip, "updated_at", strconv.FormatInt(ts.Unix(), 10))
		pipe.HIncrBy(ctx, s.hostKey(ip), "sightings", 1)
		pipe.ZAddArgs(ctx, s.firstSetKey(), redis.ZAddArgs{LT: true, Members: []redis.Z{{Score: score, Member: ip}}})
		pipe.ZAddArgs(ctx, s.lastSetKey(), redis.ZAddArgs{GT: true, Members: []redis.Z{{Score: score, Member: ip}}})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register hosts: %w", err)
	}
	return nil
}

// Known returns the set of every registered address.
func (s *RedisStore) Known(ctx context.Context) (map[string]struct{}, error) {
	members, err := s.client.ZRange(ctx, s.firstSetKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read known hosts: %w", err)
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

// Get returns the stored state of one host.
func (s *RedisStore) Get(ctx context.Context, ip string) (HostState, bool, error) {
	hash, err := s.client.HGetAll(ctx, s.hostKey(ip)).Result()
	if err != nil {
		return HostState{}, false, fmt.Errorf("read host %s: %w", ip, err)
	}
	if len(hash) == 0 {
		return HostState{}, false, nil
	}
	sightings, _ := strconv.ParseInt(hash["sightings"], 10, 64)
	st := HostState{IP: ip, Sightings: sightings}

	if first, err := s.client.ZScore(ctx, s.firstSetKey(), ip).Result(); err == nil && first > 0 {
		st.FirstSeen = time.Unix(int64(first), 0).UTC()
	}
	if last, err := s.client.ZScore(ctx, s.lastSetKey(), ip).Result(); err == nil && last > 0 {
		st.LastSeen = time.Unix(int64(last), 0).UTC()
	}
	return st, true, nil
}

func (s *RedisStore) hostKey(ip string) string {
	return s.prefix + ":host:" + ip
}

func (s *RedisStore) firstSetKey() string {
	return s.prefix + ":hosts:first"
}

func (s *RedisStore) lastSetKey() string {
	return s.prefix + ":hosts:last"
}
