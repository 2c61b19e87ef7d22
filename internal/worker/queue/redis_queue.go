package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// DefaultName is the Redis list holding pending render job ids.
const DefaultName = "renderd:jobs"

type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	if queueName == "" {
		queueName = DefaultName
	}
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Push enqueues a job id (LPUSH). Pop takes from the other end, so jobs run FIFO.
func (q *RedisQueue) Push(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueName, jobID).Err()
}

// Pop blocks until an element is available (BRPOP) or ctx ends.
// An empty id with a nil error means nothing was popped.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, 0, q.queueName).Result()
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Len reports how many job ids are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}
