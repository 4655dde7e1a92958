package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, olderThan time.Duration, max int64) (int64, error)
	PromoteDue(ctx context.Context, max int64) (int64, error)
	Depth(ctx context.Context) (int64, error)
}

// redisQueue implements a reliable FIFO queue over Redis lists plus a ZSET of
// delayed entries for retry backoff.
// Claim: BRPOPLPUSH queue -> processing (oldest first)
// Ack:   LREM from processing
// Retries re-enter at the tail, never at the head: delayed entries are
// promoted with LPUSH, so new work is not starved by retries.
type redisQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
	claimsKey     string
	delayedKey    string
}

func NewRedisQueue(rdb *redis.Client, queueKey, processingKey, delayedKey string) Queue {
	return &redisQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
		claimsKey:     processingKey + ":claims",
		delayedKey:    delayedKey,
	}
}

func (q *redisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueKey, jobID).Err()
}

func (q *redisQueue) EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration) error {
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: due, Member: jobID}).Err()
}

func (q *redisQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if err != nil {
		// redis.Nil on timeout; callers treat it as "nothing to do"
		return "", err
	}
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := q.rdb.HSet(ctx, q.claimsKey, id, stamp).Err(); err != nil {
		// Unstamped entries look stale and get requeued by the reaper.
		return "", err
	}
	return id, nil
}

func (q *redisQueue) Ack(ctx context.Context, jobID string) error {
	if err := q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err(); err != nil {
		return err
	}
	return q.rdb.HDel(ctx, q.claimsKey, jobID).Err()
}

// RequeueStale moves processing entries whose claim is older than olderThan
// back to the queue, up to max. Entries of still-executing workers keep their
// fresh stamps and stay put, so a delayed retry is never raced by a duplicate.
// At-least-once delivery: the job state check at claim time filters ids whose
// job already reached a terminal state.
func (q *redisQueue) RequeueStale(ctx context.Context, olderThan time.Duration, max int64) (int64, error) {
	ids, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var moved int64
	for _, id := range ids {
		if moved >= max {
			break
		}
		stamp, err := q.rdb.HGet(ctx, q.claimsKey, id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return moved, err
		}
		if !claimStale(stamp, now, olderThan) {
			continue
		}
		removed, err := q.rdb.LRem(ctx, q.processingKey, 1, id).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			// acked between LRANGE and here
			continue
		}
		if err := q.rdb.LPush(ctx, q.queueKey, id).Err(); err != nil {
			return moved, err
		}
		if err := q.rdb.HDel(ctx, q.claimsKey, id).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// claimStale reports whether a claim stamp (unix milliseconds) is old enough
// to requeue. Missing or unreadable stamps count as stale so entries from a
// crash between claim and stamp are always recovered.
func claimStale(stamp string, now time.Time, olderThan time.Duration) bool {
	if stamp == "" {
		return true
	}
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.UnixMilli(ms)) >= olderThan
}

// PromoteDue moves delayed entries whose due time has passed onto the queue
// tail. ZRem's return guards against two promoters moving the same id.
func (q *redisQueue) PromoteDue(ctx context.Context, max int64) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: max,
	}).Result()
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey, id).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.queueKey, id).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Depth counts pending work: queued plus delayed, excluding in-flight.
func (q *redisQueue) Depth(ctx context.Context) (int64, error) {
	queued, err := q.rdb.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.rdb.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return 0, err
	}
	return queued + delayed, nil
}
