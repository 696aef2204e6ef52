// Package lockout blocks clients that repeatedly submit wrong verification
// codes. Failures and locks are plain Redis keys with TTL-based expiry:
//
//	Key:   verify_fail:<identifier>   Value: failure count   TTL: FailureWindow
//	Key:   verify_lock:<identifier>   Value: reason          TTL: lock duration
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	LockPrefix    = "verify_lock:"
	FailurePrefix = "verify_fail:"

	// Escalating lock durations.
	Lock15Min  = 15 * time.Minute
	Lock1Hour  = 1 * time.Hour
	Lock24Hour = 24 * time.Hour

	// FailureWindow is how long the failure counter lives. It does not
	// slide with new failures.
	FailureWindow = 24 * time.Hour

	// Threshold is the number of failures within FailureWindow that
	// triggers a lock.
	Threshold = 5
)

// Store manages verification lockouts in Redis.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Locked reports whether identifier is locked and for how much longer.
// Redis errors are returned; callers fail open.
func (s *Store) Locked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	key := LockPrefix + identifier

	err := s.client.Get(ctx, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return true, 0, nil
	}
	return true, ttl, nil
}

// Lock sets a lock on identifier for d.
func (s *Store) Lock(ctx context.Context, identifier string, d time.Duration, reason string) error {
	return s.client.Set(ctx, LockPrefix+identifier, reason, d).Err()
}

// Clear removes both the lock and the failure counter, e.g. after a
// successful verification.
func (s *Store) Clear(ctx context.Context, identifier string) error {
	return s.client.Del(ctx, LockPrefix+identifier, FailurePrefix+identifier).Err()
}

// Failures returns the current failure count, 0 when none are recorded.
func (s *Store) Failures(ctx context.Context, identifier string) (int, error) {
	n, err := s.client.Get(ctx, FailurePrefix+identifier).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// lockDuration escalates with the number of failures past the threshold.
func lockDuration(failures int) time.Duration {
	switch over := failures - Threshold; {
	case over <= 0:
		return Lock15Min
	case over == 1:
		return Lock1Hour
	default:
		return Lock24Hour
	}
}

// RecordFailure counts a wrong code for identifier and locks it once the
// threshold is reached. It returns the applied lock duration, or 0 when
// the identifier stays unlocked.
func (s *Store) RecordFailure(ctx context.Context, identifier string) (time.Duration, error) {
	key := FailurePrefix + identifier

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("lockout: incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, FailureWindow).Err(); err != nil {
			return 0, fmt.Errorf("lockout: expire: %w", err)
		}
	}

	if count < Threshold {
		return 0, nil
	}
	d := lockDuration(int(count))
	if err := s.Lock(ctx, identifier, d, "too_many_failed_codes"); err != nil {
		return 0, fmt.Errorf("lockout: lock: %w", err)
	}
	return d, nil
}
