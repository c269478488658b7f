package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultRedisPrefix = "grader:queue"
	defaultLeaseTTL    = 30 * time.Second
)

// enqueueScript claims the submission key and pushes the payload atomically.
var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// removeScript drops a pending payload together with its key. Keys of
// payloads already held by a consumer are left for Ack.
var removeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw and redis.call('LREM', KEYS[2], 0, raw) > 0 then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// ackScript releases the key only if this consumer still held the payload.
// A consumer whose jobs were reclaimed must not free a key another worker
// is now running under.
var ackScript = redis.NewScript(`
if redis.call('LREM', KEYS[2], 1, ARGV[1]) > 0 and redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return 1
`)

// leaseScript registers the consumer and extends its lease. It returns 0 when
// the consumer had been dropped from the registry, which means its held jobs
// were handed back to pending by another node.
var leaseScript = redis.NewScript(`
local known = redis.call('SADD', KEYS[1], ARGV[1]) == 0
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
if known then
	return 1
end
return 0
`)

// reclaimScript hands the jobs of a consumer with an expired lease back to
// pending, oldest first, and drops the consumer from the registry.
var reclaimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
local moved = 0
while true do
	local raw = redis.call('LPOP', KEYS[2])
	if not raw then
		break
	end
	redis.call('RPUSH', KEYS[3], raw)
	moved = moved + 1
end
redis.call('SREM', KEYS[4], ARGV[1])
return moved
`)

// releaseScript drops the lease on shutdown. A consumer with nothing in
// flight also leaves the registry; otherwise its jobs wait for a reclaim.
var releaseScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
if redis.call('LLEN', KEYS[2]) == 0 then
	redis.call('SREM', KEYS[3], ARGV[1])
end
return 1
`)

// RedisQueue keeps jobs in a pending list and moves each one to the
// processing list of the consumer that dequeued it. A consumer holds its jobs
// under a lease that a heartbeat keeps alive; jobs of a consumer whose lease
// expired are reclaimed by any other node.
type RedisQueue struct {
	client      *redis.Client
	prefix      string
	consumer    string
	pollTimeout time.Duration
	leaseTTL    time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	leased   bool
	closed   bool
	stopBeat context.CancelFunc
	beatDone chan struct{}
}

// NewRedisQueue builds a Redis-backed queue rooted at prefix. Each instance
// is its own consumer.
func NewRedisQueue(client *redis.Client, prefix string, logger zerolog.Logger) *RedisQueue {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	consumer := uuid.NewString()
	if host, err := os.Hostname(); err == nil && host != "" {
		consumer = host + "-" + consumer[:8]
	}
	return &RedisQueue{
		client:      client,
		prefix:      prefix,
		consumer:    consumer,
		pollTimeout: time.Second,
		leaseTTL:    defaultLeaseTTL,
		logger:      logger.With().Str("component", "redis_queue").Str("consumer", consumer).Logger(),
	}
}

// SetLeaseTTL changes how long held jobs survive a silent consumer. It must
// be called before the first Dequeue.
func (q *RedisQueue) SetLeaseTTL(ttl time.Duration) {
	if ttl > 0 {
		q.leaseTTL = ttl
	}
}

func (q *RedisQueue) pendingKey() string   { return q.prefix + ":pending" }
func (q *RedisQueue) consumersKey() string { return q.prefix + ":consumers" }
func (q *RedisQueue) processingKey(consumer string) string {
	return q.prefix + ":processing:" + consumer
}
func (q *RedisQueue) leaseKey(consumer string) string {
	return q.prefix + ":lease:" + consumer
}
func (q *RedisQueue) jobKey(submissionID uint) string {
	return fmt.Sprintf("%s:job:%d", q.prefix, submissionID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.client, []string{q.jobKey(job.SubmissionID), q.pendingKey()}, string(payload)).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue submission %d: %w", job.SubmissionID, err)
	}
	return added == 1, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	if err := q.acquireLease(ctx); err != nil {
		return Job{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}

		raw, err := q.client.BRPopLPush(ctx, q.pendingKey(), q.processingKey(q.consumer), q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Job{}, ErrClosed
			}
			return Job{}, fmt.Errorf("dequeue: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn().Err(err).Str("payload", raw).Msg("dropping undecodable job")
			_ = q.client.LRem(ctx, q.processingKey(q.consumer), 1, raw).Err()
			continue
		}
		job.raw = raw
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	raw := job.raw
	if raw == "" {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		raw = string(payload)
	}

	if err := ackScript.Run(ctx, q.client, []string{q.jobKey(job.SubmissionID), q.processingKey(q.consumer)}, raw).Err(); err != nil {
		return fmt.Errorf("ack submission %d: %w", job.SubmissionID, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, submissionIDs ...uint) error {
	for _, id := range submissionIDs {
		if err := removeScript.Run(ctx, q.client, []string{q.jobKey(id), q.pendingKey()}).Err(); err != nil {
			return fmt.Errorf("remove submission %d: %w", id, err)
		}
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(length), nil
}

// Recover hands jobs held by consumers whose lease expired back to pending.
// Jobs of live consumers, including ones on other nodes, are left alone.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	consumers, err := q.client.SMembers(ctx, q.consumersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list queue consumers: %w", err)
	}

	moved := 0
	for _, consumer := range consumers {
		n, err := reclaimScript.Run(ctx, q.client,
			[]string{q.leaseKey(consumer), q.processingKey(consumer), q.pendingKey(), q.consumersKey()},
			consumer,
		).Int()
		if err != nil {
			return moved, fmt.Errorf("reclaim jobs of consumer %s: %w", consumer, err)
		}
		if n > 0 {
			q.logger.Info().Str("expired_consumer", consumer).Int("jobs", n).Msg("reclaimed jobs of expired consumer")
			moved += n
		}
	}
	return moved, nil
}

// Close stops the heartbeat and drops the lease so other nodes can reclaim
// anything still held. Call it after every worker has returned.
func (q *RedisQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	leased := q.leased
	q.mu.Unlock()

	if !leased {
		return
	}
	q.stopHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, q.client,
		[]string{q.leaseKey(q.consumer), q.processingKey(q.consumer), q.consumersKey()},
		q.consumer,
	).Err(); err != nil {
		q.logger.Warn().Err(err).Msg("failed to release queue lease")
	}
}

// acquireLease registers the consumer before its first dequeue so nothing
// lands in its processing list without a live lease.
func (q *RedisQueue) acquireLease(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.leased {
		return nil
	}
	if _, err := q.renewLease(ctx); err != nil {
		return fmt.Errorf("acquire queue lease: %w", err)
	}

	beatCtx, cancel := context.WithCancel(context.Background())
	q.stopBeat = cancel
	q.beatDone = make(chan struct{})
	q.leased = true
	go q.heartbeat(beatCtx, q.beatDone)
	return nil
}

func (q *RedisQueue) renewLease(ctx context.Context) (bool, error) {
	known, err := leaseScript.Run(ctx, q.client,
		[]string{q.consumersKey(), q.leaseKey(q.consumer)},
		q.consumer, time.Now().UTC().Format(time.RFC3339), q.leaseTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return known == 1, nil
}

// heartbeat keeps the lease alive and reclaims jobs of expired consumers.
func (q *RedisQueue) heartbeat(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		known, err := q.renewLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn().Err(err).Msg("queue lease renewal failed")
			}
			continue
		}
		if !known {
			q.logger.Error().Msg("queue lease had expired, jobs held by this consumer were reclaimed")
		}

		if _, err := q.Recover(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn().Err(err).Msg("reclaiming expired consumers failed")
		}
	}
}

func (q *RedisQueue) stopHeartbeat() {
	q.mu.Lock()
	stop, done := q.stopBeat, q.beatDone
	q.stopBeat = nil
	q.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}
