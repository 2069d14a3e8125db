package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	suspensionZSetKey = "ritmo:suspensions:due"
	suspensionHashKey = "ritmo:suspensions:runs"
)

// RedisSuspensionStore keeps the wake schedule in a redis sorted set scored
// by unix wake time, with a hash mapping tokens to run IDs, so any scheduler
// instance can poll due wake-ups with one ZRANGEBYSCORE.
type RedisSuspensionStore struct {
	client redis.UniversalClient
}

func NewRedisSuspensionStore(client redis.UniversalClient) *RedisSuspensionStore {
	return &RedisSuspensionStore{client: client}
}

func (s *RedisSuspensionStore) Schedule(ctx context.Context, token, runID string, wakeAt time.Time) error {
	pipe := s.client.TxPipeline()

	pipe.HSet(ctx, suspensionHashKey, token, runID)

	if !wakeAt.IsZero() {
		pipe.ZAdd(ctx, suspensionZSetKey, redis.Z{
			Score:  float64(wakeAt.Unix()),
			Member: token,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule suspension %s: %w", token, err)
	}

	return nil
}

func (s *RedisSuspensionStore) Due(ctx context.Context, now time.Time) ([]PendingWake, error) {
	tokens, err := s.client.ZRangeByScore(ctx, suspensionZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due suspensions: %w", err)
	}

	due := make([]PendingWake, 0, len(tokens))

	for _, token := range tokens {
		runID, err := s.client.HGet(ctx, suspensionHashKey, token).Result()
		if err != nil {
			if err == redis.Nil {
				// Token already resolved by another instance.
				s.client.ZRem(ctx, suspensionZSetKey, token)

				continue
			}

			return nil, err
		}

		removed, err := s.client.ZRem(ctx, suspensionZSetKey, token).Result()
		if err != nil {
			return nil, err
		}

		// Another poller claimed this token between the range query and
		// the removal; skip it.
		if removed == 0 {
			continue
		}

		s.client.HDel(ctx, suspensionHashKey, token)
		due = append(due, PendingWake{Token: token, RunID: runID})
	}

	return due, nil
}

func (s *RedisSuspensionStore) Resolve(ctx context.Context, token string) (string, error) {
	runID, err := s.client.HGet(ctx, suspensionHashKey, token).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrUnknownToken
		}

		return "", fmt.Errorf("failed to resolve suspension %s: %w", token, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, suspensionHashKey, token)
	pipe.ZRem(ctx, suspensionZSetKey, token)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to remove suspension %s: %w", token, err)
	}

	return runID, nil
}
