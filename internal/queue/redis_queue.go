package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"booking-webhook-pipeline/internal/config"
)

// TaskRef locates a task inside the Redis structures.
type TaskRef struct {
	ID      string
	Queue   string
	Machine string
}

// RedisQueue coordinates ready, in-flight and scheduled tasks of every named queue in Redis.
//
// Keys per queue:
//
//	queue:<name>:ready:<machine>  list of task ids ready to run on that machine class
//	queue:<name>:scheduled        zset of task ids scored by run-at (ms)
//	queue:<name>:inflight         zset of leased task ids scored by lease deadline (ms)
//	queue:<name>:machines         set of machine classes that have been used
//	queue:meta:<id>               hash with queue and machine of a queued task
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient builds a queue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func readyKey(queue, machine string) string {
	return fmt.Sprintf("queue:%s:ready:%s", queue, machine)
}

func scheduledKey(queue string) string { return fmt.Sprintf("queue:%s:scheduled", queue) }

func inflightKey(queue string) string { return fmt.Sprintf("queue:%s:inflight", queue) }

func machinesKey(queue string) string { return fmt.Sprintf("queue:%s:machines", queue) }

func metaKey(taskID string) string { return "queue:meta:" + taskID }

func normalize(ref TaskRef) (TaskRef, error) {
	if ref.ID == "" || ref.Queue == "" {
		return ref, errors.New("task ref requires id and queue")
	}
	if ref.Machine == "" {
		ref.Machine = DefaultMachine
	}
	return ref, nil
}

// Enqueue inserts a task into either the scheduled set or the ready list of its machine.
func (q *RedisQueue) Enqueue(ctx context.Context, ref TaskRef, runAt time.Time) error {
	ref, err := normalize(ref)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(ref.ID), "queue", ref.Queue, "machine", ref.Machine)
	pipe.SAdd(ctx, machinesKey(ref.Queue), ref.Machine)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, scheduledKey(ref.Queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: ref.ID})
	} else {
		pipe.RPush(ctx, readyKey(ref.Queue, ref.Machine), ref.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// EnqueueIfAbsent enqueues a task only when Redis holds no metadata for it, which is the case
// when the first enqueue never landed or the task was forgotten. It reports whether the task was
// placed.
func (q *RedisQueue) EnqueueIfAbsent(ctx context.Context, ref TaskRef, runAt time.Time) (bool, error) {
	ref, err := normalize(ref)
	if err != nil {
		return false, err
	}
	keys := []string{metaKey(ref.ID), machinesKey(ref.Queue), scheduledKey(ref.Queue), readyKey(ref.Queue, ref.Machine)}
	n, err := enqueueIfAbsentScript.Run(ctx, q.client, keys,
		ref.ID, ref.Queue, ref.Machine, runAt.UnixMilli(), time.Now().UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Schedule moves a task into the scheduled set for deferred execution, possibly on another machine.
func (q *RedisQueue) Schedule(ctx context.Context, ref TaskRef, runAt time.Time) error {
	ref, err := normalize(ref)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(ref.ID), "queue", ref.Queue, "machine", ref.Machine)
	pipe.SAdd(ctx, machinesKey(ref.Queue), ref.Machine)
	pipe.ZAdd(ctx, scheduledKey(ref.Queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: ref.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) machineOf(ctx context.Context, taskID string) string {
	machine, err := q.client.HGet(ctx, metaKey(taskID), "machine").Result()
	if err != nil || machine == "" {
		return DefaultMachine
	}
	return machine
}

// PromoteScheduled moves due scheduled tasks of a queue into their ready lists.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey(queue), id)
		pipe.RPush(ctx, readyKey(queue, q.machineOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready task of a queue for the given machine class and places
// it in flight with a visibility deadline. When limit is positive and the queue already has
// limit tasks in flight across all workers, nothing is dequeued.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queue, machine string, limit int) (string, error) {
	if machine == "" {
		machine = DefaultMachine
	}
	keys := []string{readyKey(queue, machine), inflightKey(queue)}
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()

	res, err := dequeueScript.Run(ctx, q.client, keys, deadline, limit).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, queue, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey(queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking. Metadata is kept while the task may be rescheduled.
func (q *RedisQueue) Ack(ctx context.Context, queue, taskID string) error {
	return q.client.ZRem(ctx, inflightKey(queue), taskID).Err()
}

// Forget removes a finished task from in-flight tracking together with its metadata.
func (q *RedisQueue) Forget(ctx context.Context, queue, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(queue), taskID)
	pipe.Del(ctx, metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out and puts the tasks back on their ready lists.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey(queue), id)
		pipe.RPush(ctx, readyKey(queue, q.machineOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads the oldest dead-lettered task ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQRemove drops a task id from the dead-letter list, returning whether it was present.
func (q *RedisQueue) DLQRemove(ctx context.Context, taskID string) (bool, error) {
	n, err := q.client.LRem(ctx, q.dlqKey, 0, taskID).Result()
	return n > 0, err
}

// ReadyDepth returns the number of ready tasks of a queue across machine classes.
func (q *RedisQueue) ReadyDepth(ctx context.Context, queue string) (int64, error) {
	machines, err := q.client.SMembers(ctx, machinesKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	if len(machines) == 0 {
		return 0, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(machines))
	for _, m := range machines {
		cmds = append(cmds, pipe.LLen(ctx, readyKey(queue, m)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns how many tasks of a queue are currently leased.
func (q *RedisQueue) InFlight(ctx context.Context, queue string) (int64, error) {
	return q.client.ZCard(ctx, inflightKey(queue)).Result()
}

var dequeueScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
if limit > 0 and redis.call('ZCARD', KEYS[2]) >= limit then
  return nil
end
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)

var enqueueIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'queue', ARGV[2], 'machine', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[3])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('RPUSH', KEYS[4], ARGV[1])
end
return 1
`)
