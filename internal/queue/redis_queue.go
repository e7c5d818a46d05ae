package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a FIFO list: producers LPUSH, consumers BRPOP.
type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Push appends ids at the tail of the queue through c, which may be the
// client itself or a pipeline; on a pipeline the error surfaces at Exec.
func (q *RedisQueue) Push(ctx context.Context, c redis.Cmdable, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.LPush(ctx, q.queueName, toArgs(ids)...).Err()
}

// Requeue puts id back at the head of the queue, so it is the next one
// popped.
func (q *RedisQueue) Requeue(ctx context.Context, id string) error {
	return q.rdb.RPush(ctx, q.queueName, id).Err()
}

// Pop blocks up to timeout for an element (BRPOP). A zero timeout blocks
// until ctx ends. An empty queue at timeout returns "" and no error.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Len returns the number of elements waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}

func toArgs(ids []string) []any {
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	return vals
}
