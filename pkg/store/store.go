// Package store persists session records in redis. Records are JSON blobs
// with a long TTL that is refreshed on every write, so inactive sessions
// eventually expire on their own. An auxiliary sorted set indexes active
// sessions by last activity for the recency-ordered listing.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RecordTTL is how long a record survives without any write.
const RecordTTL = 7 * 24 * time.Hour

const (
	recordPrefix   = "session:"
	activeIndexKey = "sessions:active"
)

// Store is a redis-backed session store.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to redis and pings it. A failed ping is returned to the
// caller; the process must not accept connections without a reachable store.
func New(redisURL string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("store: REDIS_URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &Store{rdb: rdb, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Create persists a new record.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	return s.write(ctx, rec)
}

// Update persists an existing record and refreshes its TTL.
func (s *Store) Update(ctx context.Context, rec *Record) error {
	return s.write(ctx, rec)
}

func (s *Store) write(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	key := recordKey(rec.SessionID)
	if err := s.rdb.Set(ctx, key, raw, RecordTTL).Err(); err != nil {
		return fmt.Errorf("store: write record: %w", err)
	}

	// Keep the active index in step with the record's status.
	if rec.Status == StatusActive {
		err = s.rdb.ZAdd(ctx, activeIndexKey, redis.Z{
			Score:  float64(rec.LastActivity.UnixMilli()),
			Member: rec.SessionID,
		}).Err()
	} else {
		err = s.rdb.ZRem(ctx, activeIndexKey, rec.SessionID).Err()
	}
	if err != nil {
		return fmt.Errorf("store: update active index: %w", err)
	}
	return nil
}

// Get returns the record for id, or (nil, nil) when no record exists.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal record: %w", err)
	}
	return &rec, nil
}

// ListActive returns up to limit active records, most recent activity first.
func (s *Store) ListActive(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRevRange(ctx, activeIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read active index: %w", err)
	}
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Status != StatusActive {
			// Index entry outlived the record; drop it.
			_ = s.rdb.ZRem(ctx, activeIndexKey, id).Err()
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// MarkAbandonedIdle flips every active record whose last activity is older
// than cutoff to abandoned and returns the ids it changed. This is the
// backstop for sessions whose in-process cleanup never fired.
func (s *Store) MarkAbandonedIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: scan idle sessions: %w", err)
	}

	var swept []string
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return swept, err
		}
		if rec == nil {
			_ = s.rdb.ZRem(ctx, activeIndexKey, id).Err()
			continue
		}
		if rec.Status != StatusActive || rec.LastActivity.After(cutoff) {
			continue
		}
		rec.Status = StatusAbandoned
		if err := s.Update(ctx, rec); err != nil {
			return swept, err
		}
		swept = append(swept, id)
		s.logger.Info("abandoned idle session",
			zap.String("session_id", id),
			zap.Time("last_activity", rec.LastActivity))
	}
	return swept, nil
}

func recordKey(id string) string {
	return recordPrefix + strings.TrimSpace(id)
}
