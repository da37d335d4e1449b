package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"flowsentry/internal/logger"
	"flowsentry/pkg/models"
)

// Store is the two-tier flow store.
type Store interface {
	Stage(ctx context.Context, flows []models.FlowRecord) error
	Drain(ctx context.Context) ([]models.FlowRecord, error)
	Ack(ctx context.Context) error
	Merge(ctx context.Context, flows []models.FlowRecord, now time.Time) ([]models.LedgerEntry, error)
	All(ctx context.Context) ([]models.LedgerEntry, error)
	AppendTag(ctx context.Context, key models.FlowKey, tag string) (bool, error)
}

// Row field names, shared with the query API.
const (
	fieldSrcIP     = "src_ip"
	fieldDstIP     = "dst_ip"
	fieldSrcPort   = "src_port"
	fieldDstPort   = "dst_port"
	fieldProtocol  = "protocol"
	fieldPackets   = "packets"
	fieldBytes     = "bytes"
	fieldFlowStart = "flow_start"
	fieldFlowEnd   = "flow_end"
	fieldLastSeen  = "last_seen"
	fieldTimesSeen = "times_seen"
	fieldTags      = "tags"
)

// RedisStore keeps staging in one hash of "<flowkey>#<field>" fields and
// every ledger row in its own hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Stage upserts the flows of one datagram in a single transaction. Counters
// add, flow_start keeps the first value, flow_end, last_seen and tags are
// replaced.
func (s *RedisStore) Stage(ctx context.Context, flows []models.FlowRecord) error {
	if len(flows) == 0 {
		return nil
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	pipe := s.client.TxPipeline()
	for _, f := range flows {
		k := f.FlowKey.String() + "#"
		seen := int64(f.TimesSeen)
		if seen == 0 {
			seen = 1
		}
		pipe.HIncrBy(ctx, s.stagingKey(), k+fieldPackets, int64(f.Packets))
		pipe.HIncrBy(ctx, s.stagingKey(), k+fieldBytes, int64(f.Bytes))
		pipe.HIncrBy(ctx, s.stagingKey(), k+fieldTimesSeen, seen)
		pipe.HSetNX(ctx, s.stagingKey(), k+fieldFlowStart, formatTime(f.FlowStart))
		pipe.HSet(ctx, s.stagingKey(),
			k+fieldFlowEnd, formatTime(f.FlowEnd),
			k+fieldLastSeen, now,
			k+fieldTags, f.Tags,
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stage %d flows: %w", len(flows), err)
	}
	return nil
}

// Drain snapshots everything staged so far and returns it. The snapshot is
// kept until Ack, so a batch whose merge failed is returned again by the
// next Drain. An empty snapshot is cleared immediately.
func (s *RedisStore) Drain(ctx context.Context) ([]models.FlowRecord, error) {
	pending, err := s.client.Exists(ctx, s.processingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("check processing key: %w", err)
	}
	if pending == 0 {
		if err := s.client.Rename(ctx, s.stagingKey(), s.processingKey()).Err(); err != nil {
			if isNoSuchKey(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("snapshot staging: %w", err)
		}
	} else {
		logger.Warnf("Replaying unacknowledged staging snapshot %s", s.processingKey())
	}

	raw, err := s.client.HGetAll(ctx, s.processingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read staging snapshot: %w", err)
	}
	flows := decodeStaging(raw)
	if len(flows) == 0 {
		return nil, s.Ack(ctx)
	}
	return flows, nil
}

// Ack discards the snapshot returned by the last Drain.
func (s *RedisStore) Ack(ctx context.Context) error {
	if err := s.client.Del(ctx, s.processingKey()).Err(); err != nil {
		return fmt.Errorf("clear staging snapshot: %w", err)
	}
	return nil
}

// Merge folds a drained batch into the ledger and returns the updated rows,
// one per distinct key. The processor is the only writer of ledger rows.
func (s *RedisStore) Merge(ctx context.Context, flows []models.FlowRecord, now time.Time) ([]models.LedgerEntry, error) {
	if len(flows) == 0 {
		return nil, nil
	}
	flows = Combine(flows, now)
	read := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(flows))
	for i, f := range flows {
		cmds[i] = read.HGetAll(ctx, s.rowKey(f.FlowKey))
	}
	if _, err := read.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read ledger rows: %w", err)
	}

	merged := make([]models.LedgerEntry, 0, len(flows))
	write := s.client.TxPipeline()
	for i, f := range flows {
		var existing *models.LedgerEntry
		if row, ok := decodeRow(cmds[i].Val()); ok {
			existing = &row
		}
		entry := Merge(existing, f, now)
		merged = append(merged, entry)
		write.HSet(ctx, s.rowKey(entry.FlowKey), encodeRow(entry)...)
		write.SAdd(ctx, s.indexKey(), entry.FlowKey.String())
	}
	if _, err := write.Exec(ctx); err != nil {
		return nil, fmt.Errorf("write ledger rows: %w", err)
	}
	return merged, nil
}

// All returns every ledger row ordered by key.
func (s *RedisStore) All(ctx context.Context) ([]models.LedgerEntry, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.prefix+":ledger:"+k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read ledger rows: %w", err)
	}

	out := make([]models.LedgerEntry, 0, len(keys))
	for i, cmd := range cmds {
		row, ok := decodeRow(cmd.Val())
		if !ok {
			logger.Warnf("Skipping unreadable ledger row %s", keys[i])
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// AppendTag adds tag to a ledger row unless it is already present. It
// reports whether the row changed.
func (s *RedisStore) AppendTag(ctx context.Context, key models.FlowKey, tag string) (bool, error) {
	rowKey := s.rowKey(key)
	changed := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		tags, err := tx.HGet(ctx, rowKey, fieldTags).Result()
		if err == redis.Nil {
			exists, err := tx.Exists(ctx, rowKey).Result()
			if err != nil {
				return err
			}
			if exists == 0 {
				return nil
			}
		} else if err != nil {
			return err
		}
		if models.HasTag(tags, tag) {
			return nil
		}
		rec := models.FlowRecord{Tags: tags}
		rec.AddTag(tag)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rowKey, fieldTags, rec.Tags)
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}, rowKey)
	if err != nil {
		return false, fmt.Errorf("tag ledger row %s: %w", key, err)
	}
	return changed, nil
}

func (s *RedisStore) stagingKey() string    { return s.prefix + ":staging" }
func (s *RedisStore) processingKey() string { return s.prefix + ":staging:processing" }
func (s *RedisStore) indexKey() string      { return s.prefix + ":ledger:index" }

func (s *RedisStore) rowKey(k models.FlowKey) string {
	return s.prefix + ":ledger:" + k.String()
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such key")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseUint(raw string) uint64 {
	v, _ := strconv.ParseUint(raw, 10, 64)
	return v
}

func decodeStaging(raw map[string]string) []models.FlowRecord {
	byKey := make(map[string]*models.FlowRecord)
	for field, value := range raw {
		i := strings.LastIndexByte(field, '#')
		if i <= 0 {
			continue
		}
		keyStr, name := field[:i], field[i+1:]
		rec, ok := byKey[keyStr]
		if !ok {
			key, err := models.ParseFlowKey(keyStr)
			if err != nil {
				logger.Warnf("Skipping staged field with bad key %q: %v", field, err)
				continue
			}
			rec = &models.FlowRecord{FlowKey: key}
			byKey[keyStr] = rec
		}
		switch name {
		case fieldPackets:
			rec.Packets = parseUint(value)
		case fieldBytes:
			rec.Bytes = parseUint(value)
		case fieldTimesSeen:
			rec.TimesSeen = parseUint(value)
		case fieldFlowStart:
			rec.FlowStart = parseTime(value)
		case fieldFlowEnd:
			rec.FlowEnd = parseTime(value)
		case fieldLastSeen:
			rec.LastSeen = parseTime(value)
		case fieldTags:
			rec.Tags = value
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.FlowRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

func encodeRow(e models.LedgerEntry) []interface{} {
	return []interface{}{
		fieldSrcIP, e.SrcIP,
		fieldDstIP, e.DstIP,
		fieldSrcPort, strconv.Itoa(int(e.SrcPort)),
		fieldDstPort, strconv.Itoa(int(e.DstPort)),
		fieldProtocol, strconv.Itoa(int(e.Protocol)),
		fieldPackets, strconv.FormatUint(e.Packets, 10),
		fieldBytes, strconv.FormatUint(e.Bytes, 10),
		fieldFlowStart, formatTime(e.FlowStart),
		fieldFlowEnd, formatTime(e.FlowEnd),
		fieldLastSeen, formatTime(e.LastSeen),
		fieldTimesSeen, strconv.FormatUint(e.TimesSeen, 10),
		fieldTags, e.Tags,
	}
}

func decodeRow(h map[string]string) (models.LedgerEntry, bool) {
	if len(h) == 0 || h[fieldSrcIP] == "" || h[fieldDstIP] == "" {
		return models.LedgerEntry{}, false
	}
	sport, err1 := strconv.ParseUint(h[fieldSrcPort], 10, 16)
	dport, err2 := strconv.ParseUint(h[fieldDstPort], 10, 16)
	proto, err3 := strconv.ParseUint(h[fieldProtocol], 10, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return models.LedgerEntry{}, false
	}
	return models.LedgerEntry{
		FlowKey: models.FlowKey{
			SrcIP:    h[fieldSrcIP],
			DstIP:    h[fieldDstIP],
			SrcPort:  uint16(sport),
			DstPort:  uint16(dport),
			Protocol: uint8(proto),
		},
		Packets:   parseUint(h[fieldPackets]),
		Bytes:     parseUint(h[fieldBytes]),
		FlowStart: parseTime(h[fieldFlowStart]),
		FlowEnd:   parseTime(h[fieldFlowEnd]),
		LastSeen:  parseTime(h[fieldLastSeen]),
		TimesSeen: parseUint(h[fieldTimesSeen]),
		Tags:      h[fieldTags],
	}, true
}
