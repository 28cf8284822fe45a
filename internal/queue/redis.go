// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// priorityStride separates priority bands in the ready sorted set. Scores are
// (MaxPriority-priority)·stride + sequence so ZPOPMIN serves the highest
// priority first and FIFO within a band.
const priorityStride = 1e13

// promoteScript moves due delayed jobs into the ready set.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  local seq = redis.call('INCR', KEYS[3])
  local ok, job = pcall(cjson.decode, member)
  local p = 5
  if ok and type(job) == 'table' and tonumber(job['priority']) then
    p = tonumber(job['priority'])
  end
  if p < 0 then p = 0 end
  if p > tonumber(ARGV[2]) then p = tonumber(ARGV[2]) end
  redis.call('ZADD', KEYS[2], (tonumber(ARGV[2]) - p) * tonumber(ARGV[3]) + seq, member)
end
return #due
`)

// reclaimScript returns jobs whose lease expired without an Ack to the delayed
// set, due immediately. Their payload keeps the delivery count.
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local payload = redis.call('HGET', KEYS[2], id)
  if payload then
    redis.call('HDEL', KEYS[2], id)
    redis.call('ZADD', KEYS[3], ARGV[1], payload)
  end
end
return #expired
`)

// DefaultLease is how long a delivered job may stay unacknowledged.
const DefaultLease = 30 * time.Minute

// RedisConfig holds configuration for the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "switchaiflow".
	Prefix string
	// PollTimeout bounds one blocking pop so delayed jobs get promoted.
	PollTimeout time.Duration
	// Lease is how long a delivered job may go without Ack or Retry before
	// it is redelivered, e.g. after a crash. It must exceed the longest job.
	Lease time.Duration
}

// RedisQueue is a Queue persisted in Redis sorted sets, so jobs survive
// process restarts.
type RedisQueue struct {
	rdb      *redis.Client
	cfg      RedisConfig
	policies map[string]Policy
}

// NewRedisQueue connects to Redis and validates the connection.
func NewRedisQueue(cfg RedisConfig, policies map[string]Policy) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisQueueWithClient(rdb, cfg, policies), nil
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(rdb *redis.Client, cfg RedisConfig, policies map[string]Policy) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "switchaiflow"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	p := make(map[string]Policy, len(policies))
	for k, v := range policies {
		p[k] = v
	}
	return &RedisQueue{rdb: rdb, cfg: cfg, policies: p}
}

func (q *RedisQueue) key(name, suffix string) string {
	k := q.cfg.Prefix + ":queue:" + name
	if suffix != "" {
		k += ":" + suffix
	}
	return k
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job *task.Job) error {
	j := *job
	j.Priority = clampPriority(j.Priority)
	payload, err := json.Marshal(&j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	seq, err := q.rdb.Incr(ctx, q.key(j.Queue, "seq")).Result()
	if err != nil {
		return fmt.Errorf("incr sequence: %w", err)
	}
	score := float64(MaxPriority-j.Priority)*priorityStride + float64(seq)
	if err := q.rdb.ZAdd(ctx, q.key(j.Queue, ""), redis.Z{Score: score, Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context, name string) (*task.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n, err := q.Reclaim(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("queue %s: reclaim expired leases: %v", name, err)
		} else if n > 0 {
			log.Warnf("queue %s: %d job(s) redelivered after lease expiry", name, n)
		}
		if err := q.promote(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("queue %s: promote delayed jobs: %v", name, err)
		}

		res, err := q.rdb.BZPopMin(ctx, q.cfg.PollTimeout, q.key(name, "")).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("bzpopmin failed: %w", err)
		}

		member, _ := res.Member.(string)
		var job task.Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			log.Errorf("queue %s: dropping undecodable job: %v", name, err)
			continue
		}
		job.Attempt++
		payload, _ := json.Marshal(&job)
		expires := time.Now().Add(q.cfg.Lease).UnixMilli()
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.key(name, "processing"), job.ID, payload)
		pipe.ZAdd(ctx, q.key(name, "leases"), redis.Z{Score: float64(expires), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warnf("queue %s: track in-flight job %s: %v", name, job.ID, err)
		}
		return &job, nil
	}
}

func (q *RedisQueue) promote(ctx context.Context, name string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.rdb,
		[]string{q.key(name, "delayed"), q.key(name, ""), q.key(name, "seq")},
		now, MaxPriority, priorityStride).Err()
}

// Reclaim moves jobs of queue name whose lease expired back to the queue and
// reports how many it moved. Dequeue calls it on every poll.
func (q *RedisQueue) Reclaim(ctx context.Context, name string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return reclaimScript.Run(ctx, q.rdb,
		[]string{q.key(name, "leases"), q.key(name, "processing"), q.key(name, "delayed")},
		now).Int()
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, job *task.Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.key(job.Queue, "processing"), job.ID)
	pipe.ZRem(ctx, q.key(job.Queue, "leases"), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry implements Queue.
func (q *RedisQueue) Retry(ctx context.Context, job *task.Job, cause error) (bool, error) {
	j := *job
	if cause != nil {
		j.LastError = cause.Error()
	}
	payload, err := json.Marshal(&j)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	policy := q.policies[j.Queue]

	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.key(j.Queue, "processing"), j.ID)
	pipe.ZRem(ctx, q.key(j.Queue, "leases"), j.ID)
	dead := j.Attempt >= maxAttempts(&j, policy)
	if dead {
		pipe.RPush(ctx, q.key(j.Queue, "dead"), string(payload))
	} else {
		readyAt := time.Now().Add(Backoff(backoffBase(policy), j.Attempt)).UnixMilli()
		pipe.ZAdd(ctx, q.key(j.Queue, "delayed"), redis.Z{Score: float64(readyAt), Member: string(payload)})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("retry job %s: %w", j.ID, err)
	}
	if dead {
		log.Warnf("queue %s: job %s dead-lettered after %d attempts: %s", j.Queue, j.ID, j.Attempt, j.LastError)
	}
	return dead, nil
}

// DeadLetters implements Queue.
func (q *RedisQueue) DeadLetters(ctx context.Context, name string) ([]*task.Job, error) {
	members, err := q.rdb.LRange(ctx, q.key(name, "dead"), 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return []*task.Job{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]*task.Job, 0, len(members))
	for _, m := range members {
		var j task.Job
		if err := json.Unmarshal([]byte(m), &j); err != nil {
			continue
		}
		out = append(out, &j)
	}
	return out, nil
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context, name string) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key(name, "")).Result()
	return int(n), err
}

// InFlight implements Queue.
func (q *RedisQueue) InFlight(ctx context.Context, name string) (int, error) {
	n, err := q.rdb.HLen(ctx, q.key(name, "processing")).Result()
	return int(n), err
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
