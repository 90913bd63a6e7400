// Package scheduler moves accepted runs from the RPC layer to the workers
// that execute them.
//
// Every tenant+key pair owns one Redis FIFO list, so one tenant's backlog
// never delays another's. Enqueue is a pipelined LPUSH onto the pair's list
// plus an SADD into the active-queue set; the first job for a pair also
// publishes the queue name, so workers already running attach to it without
// a restart. Workers BRPOP each attached queue and route every job either in
// process (the agent is reachable from here) or onto an ephemeral machine
// (bundle runs, which need the agent booted next to the caller).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the Redis-backed dispatch queue. One Queue serves every tenant;
// the isolation lives in the key layout, not in the type.
type Queue struct {
	client *redis.Client
	log    *slog.Logger
}

// NewQueue wraps an established Redis client. The caller owns the client's
// lifecycle.
func NewQueue(client *redis.Client, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{client: client, log: log}
}

// Enqueue appends job to its tenant queue and registers the queue in the
// active set. The queue's first job also announces the queue name on pub/sub.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("scheduler: encode job for run %s: %w", job.RunID, err)
	}

	name := job.QueueName()
	pipe := q.client.Pipeline()
	pipe.LPush(ctx, name, payload)
	added := pipe.SAdd(ctx, activeQueuesKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduler: enqueue run %s: %w", job.RunID, err)
	}

	if added.Val() == 1 {
		// Best effort: a worker that misses the announcement still finds the
		// queue in the active set on its next start.
		if err := q.client.Publish(ctx, newQueueChannel, name).Err(); err != nil {
			q.log.Warn("new queue announcement failed", "queue", name, "error", err)
		}
	}
	return nil
}

// ActiveQueues lists every queue that has ever received a job.
func (q *Queue) ActiveQueues(ctx context.Context) ([]string, error) {
	names, err := q.client.SMembers(ctx, activeQueuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: list active queues: %w", err)
	}
	return names, nil
}

// Depth reports the number of jobs waiting on the named queue.
func (q *Queue) Depth(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("scheduler: depth of %s: %w", name, err)
	}
	return n, nil
}

// pop blocks up to timeout for the next raw job payload on the named queue.
// An empty queue surfaces as redis.Nil.
func (q *Queue) pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	// BRPOP replies [key, value].
	vals, err := q.client.BRPop(ctx, timeout, name).Result()
	if err != nil {
		return nil, err
	}
	return []byte(vals[1]), nil
}

// subscribeNew opens a subscription to queue-creation announcements.
func (q *Queue) subscribeNew(ctx context.Context) *redis.PubSub {
	return q.client.Subscribe(ctx, newQueueChannel)
}
