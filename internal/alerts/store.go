// Package alerts persists deduplicated detections and gates notification
// by severity level.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"flowsentry/internal/logger"
	"flowsentry/internal/metrics"
	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

// Result discriminates the outcome of Handle.
type Result int

const (
	Skipped Result = iota
	Inserted
	Updated
	Failed
)

func (r Result) String() string {
	switch r {
	case Skipped:
		return "skipped"
	case Inserted:
		return "insert"
	case Updated:
		return "update"
	default:
		return "error"
	}
}

// Notifier delivers alert messages. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, message string, flow models.FlowRecord)
}

// ID builds an alert identity by joining its fields with "_".
func ID(fields ...string) string {
	return strings.Join(fields, "_")
}

// Store keeps one Redis hash per alert id plus an index set.
type Store struct {
	client   *redis.Client
	prefix   string
	notifier Notifier
	now      func() time.Time
}

// NewStore builds an alert store. notifier may be nil.
func NewStore(client *redis.Client, prefix string, notifier Notifier) *Store {
	return &Store{client: client, prefix: prefix, notifier: notifier, now: time.Now}
}

// Handle applies the severity contract to one finding: level 0 skips, 1
// persists, 2 also notifies on insert, 3 also notifies on every update.
func (s *Store) Handle(ctx context.Context, snap *settings.Snapshot, f models.Finding) (Result, error) {
	level := snap.Level(f.Detector)
	if level == settings.LevelDisabled {
		return Skipped, nil
	}

	inserted, err := s.upsert(ctx, f)
	if err != nil {
		metrics.Alerts.WithLabelValues(f.Detector, Failed.String()).Inc()
		return Failed, err
	}
	res := Updated
	if inserted {
		res = Inserted
	}
	metrics.Alerts.WithLabelValues(f.Detector, res.String()).Inc()
	logger.Infof("[%s] %s (%s, id=%s)", f.Detector, f.Message, res, f.AlertID)

	notify := (level >= settings.LevelNotifyNew && inserted) ||
		(level == settings.LevelNotifyAlways && !inserted)
	if notify && s.notifier != nil {
		s.notifier.Notify(ctx, f.Message, f.Flow)
	}
	return res, nil
}

func (s *Store) upsert(ctx context.Context, f models.Finding) (bool, error) {
	if f.AlertID == "" {
		return false, fmt.Errorf("finding from %s has no alert id", f.Detector)
	}
	flow, err := json.Marshal(f.Flow)
	if err != nil {
		return false, fmt.Errorf("marshal flow snapshot: %w", err)
	}
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	key := s.alertKey(f.AlertID)

	pipe := s.client.TxPipeline()
	created := pipe.HSetNX(ctx, key, "id", f.AlertID)
	pipe.HSetNX(ctx, key, "ip_address", f.ActorIP)
	pipe.HSetNX(ctx, key, "flow", string(flow))
	pipe.HSetNX(ctx, key, "category", f.Category)
	pipe.HSetNX(ctx, key, "enrichment_1", f.Enrichment1)
	pipe.HSetNX(ctx, key, "enrichment_2", f.Enrichment2)
	pipe.HSetNX(ctx, key, "first_seen", now)
	pipe.HSetNX(ctx, key, "acknowledged", "0")
	pipe.HIncrBy(ctx, key, "times_seen", 1)
	pipe.HSet(ctx, key, "last_seen", now)
	pipe.SAdd(ctx, s.indexKey(), f.AlertID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("upsert alert %s: %w", f.AlertID, err)
	}
	return created.Val(), nil
}

// IDs returns every stored alert id.
func (s *Store) IDs(ctx context.Context) (map[string]struct{}, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read alert index: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// Get returns one stored alert.
func (s *Store) Get(ctx context.Context, id string) (models.Alert, bool, error) {
	h, err := s.client.HGetAll(ctx, s.alertKey(id)).Result()
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("read alert %s: %w", id, err)
	}
	if len(h) == 0 {
		return models.Alert{}, false, nil
	}
	return decodeAlert(h), true, nil
}

// List returns every stored alert ordered by id.
func (s *Store) List(ctx context.Context) ([]models.Alert, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read alert index: %w", err)
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.alertKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read alerts: %w", err)
		}
	}
	out := make([]models.Alert, 0, len(ids))
	for _, cmd := range cmds {
		if h := cmd.Val(); len(h) > 0 {
			out = append(out, decodeAlert(h))
		}
	}
	return out, nil
}

func (s *Store) alertKey(id string) string { return s.prefix + ":alert:" + id }
func (s *Store) indexKey() string         { return s.prefix + ":alerts" }

func decodeAlert(h map[string]string) models.Alert {
	seen, _ := strconv.ParseInt(h["times_seen"], 10, 64)
	return models.Alert{
		ID:           h["id"],
		IPAddress:    h["ip_address"],
		Flow:         h["flow"],
		Category:     h["category"],
		Enrichment1:  h["enrichment_1"],
		Enrichment2:  h["enrichment_2"],
		TimesSeen:    seen,
		FirstSeen:    millis(h["first_seen"]),
		LastSeen:     millis(h["last_seen"]),
		Acknowledged: h["acknowledged"] == "1" || h["acknowledged"] == "true",
	}
}

func millis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
