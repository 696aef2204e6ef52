// Package feedstore keeps the latest snapshot of each real-time feed and a
// capped log of recent channel events in Redis, so the polling endpoints and
// newly subscribed hub connections can be served without waiting for the
// next publish.
package feedstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// SnapshotPrefix is the Redis key prefix for the latest feed snapshot.
	SnapshotPrefix = "feed:snapshot:"

	// EventsPrefix is the Redis key prefix for a channel's event list.
	EventsPrefix = "feed:events:"

	// SnapshotTTL bounds how long a stale snapshot survives a dead feeder.
	SnapshotTTL = 10 * time.Minute

	// EventsTTL is refreshed on every append.
	EventsTTL = 24 * time.Hour

	// MaxEvents is the number of events retained per channel.
	MaxEvents = 100
)

// Store manages feed state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis at addr and verifies the connection.
func NewStore(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "feedstore: redis connection failed")
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// SaveSnapshot replaces the latest snapshot for channel.
func (s *Store) SaveSnapshot(ctx context.Context, channel string, data []byte) error {
	if err := s.client.Set(ctx, SnapshotPrefix+channel, data, SnapshotTTL).Err(); err != nil {
		return errors.Wrapf(err, "feedstore: save snapshot %s", channel)
	}
	return nil
}

// LatestSnapshot returns the latest snapshot for channel, or nil if none is
// stored.
func (s *Store) LatestSnapshot(ctx context.Context, channel string) ([]byte, error) {
	data, err := s.client.Get(ctx, SnapshotPrefix+channel).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "feedstore: load snapshot %s", channel)
	}
	return data, nil
}

// AppendEvent pushes an event onto the channel's log, trimming it to
// MaxEvents and refreshing its TTL.
func (s *Store) AppendEvent(ctx context.Context, channel string, data []byte) error {
	key := EventsPrefix + channel

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, MaxEvents-1)
	pipe.Expire(ctx, key, EventsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "feedstore: append event %s", channel)
	}
	return nil
}

// RecentEvents returns up to limit events for channel, newest first. A
// non-positive limit returns all retained events.
func (s *Store) RecentEvents(ctx context.Context, channel string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > MaxEvents {
		limit = MaxEvents
	}

	items, err := s.client.LRange(ctx, EventsPrefix+channel, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "feedstore: load events %s", channel)
	}

	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if !json.Valid([]byte(item)) {
			continue
		}
		out = append(out, json.RawMessage(item))
	}
	return out, nil
}

// Delete removes the snapshot and event log of channel.
func (s *Store) Delete(ctx context.Context, channel string) error {
	return s.client.Del(ctx, SnapshotPrefix+channel, EventsPrefix+channel).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
