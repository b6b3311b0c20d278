package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skein-dev/skein/errors"
)

// RedisStore caches progress and results in Redis with per-kind TTLs
type RedisStore struct {
	client      *redis.Client
	progressTTL time.Duration
	resultTTL   time.Duration
}

// NewRedisStore creates a Redis-backed progress store
func NewRedisStore(client *redis.Client, progressTTL, resultTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:      client,
		progressTTL: progressTTL,
		resultTTL:   resultTTL,
	}
}

func (s *RedisStore) SetProgress(ctx context.Context, jobID string, current, total int, message string) error {
	data, err := json.Marshal(newProgress(current, total, message))
	if err != nil {
		return errors.Wrap(err, "marshal progress")
	}
	if err := s.client.Set(ctx, progressKey(jobID), data, s.progressTTL).Err(); err != nil {
		return errors.Wrap(err, "cache progress")
	}
	return nil
}

func (s *RedisStore) GetProgress(ctx context.Context, jobID string) (Progress, bool, error) {
	data, err := s.client.Get(ctx, progressKey(jobID)).Bytes()
	if err == redis.Nil {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, errors.Wrap(err, "read progress")
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, false, errors.Wrap(err, "unmarshal progress")
	}
	return p, true, nil
}

func (s *RedisStore) SetResult(ctx context.Context, jobID string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}
	if err := s.client.Set(ctx, resultKey(jobID), data, s.resultTTL).Err(); err != nil {
		return errors.Wrap(err, "cache result")
	}
	return nil
}

func (s *RedisStore) GetResult(ctx context.Context, jobID string, out interface{}) (bool, error) {
	data, err := s.client.Get(ctx, resultKey(jobID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "read result")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.Wrap(err, "unmarshal result")
	}
	return true, nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, progressKey(jobID), resultKey(jobID)).Err(); err != nil {
		return errors.Wrap(err, "delete cache entries")
	}
	return nil
}
