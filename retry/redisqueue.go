package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

// RedisQueue is an alternative Queue backend for deployments running
// more than one gateway instance against a shared set of destinations,
// so retry tasks survive any single instance restarting (see PopDue for
// when two instances can dispatch the same task). Grounded on
// orchestration/redis_task_queue.go's client/config/logger shape, traded
// from an LPUSH/BRPOP FIFO list for a sorted set keyed on NextRetryAt's
// unix timestamp, since retry dispatch needs due-by-time ordering rather
// than FIFO.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisQueueConfig
	logger core.Logger
}

// RedisQueueConfig configures the Redis-backed queue.
type RedisQueueConfig struct {
	// Key is the Redis sorted-set key holding queued tasks.
	// Default: "dicomflow:retry:queue"
	Key string

	CircuitBreaker core.CircuitBreaker
	Logger         core.Logger
}

// DefaultRedisQueueConfig returns sensible defaults.
func DefaultRedisQueueConfig() RedisQueueConfig {
	return RedisQueueConfig{Key: "dicomflow:retry:queue"}
}

// NewRedisQueue constructs a RedisQueue. client must already be
// connected.
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "dicomflow:retry:queue"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/retry")
	}
	return &RedisQueue{client: client, cfg: cfg, logger: logger}
}

func (q *RedisQueue) addWithCircuitBreaker(ctx context.Context, member string, score float64) error {
	op := func() error {
		return q.client.ZAdd(ctx, q.cfg.Key, &redis.Z{Score: score, Member: member}).Err()
	}
	if q.cfg.CircuitBreaker != nil {
		return q.cfg.CircuitBreaker.Execute(ctx, op)
	}
	return op()
}

// Push serializes task and adds it to the sorted set, scored by
// NextRetryAt so ZRangeByScore gives due-ordered tasks directly.
func (q *RedisQueue) Push(ctx context.Context, task dicom.RetryTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("retry: encode task %s: %w", task.ID, err)
	}

	if err := q.addWithCircuitBreaker(ctx, string(data), float64(task.NextRetryAt.Unix())); err != nil {
		q.logger.Error("failed to push retry task", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		return fmt.Errorf("retry: push task %s: %w", task.ID, err)
	}
	return nil
}

// PopDue reads and then removes every member scored at or before now,
// via ZRangeByScore followed by ZRem — not a single Lua script, so
// two instances racing the same tick may both observe (and one may fail
// to remove) the same member; ZRem is idempotent, so the only effect is
// a task occasionally being popped by two instances and dispatched
// twice, which the Scheduler's per-destination send is safe to repeat.
func (q *RedisQueue) PopDue(ctx context.Context, now time.Time) ([]dicom.RetryTask, error) {
	members, err := q.client.ZRangeByScore(ctx, q.cfg.Key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("retry: range due tasks: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	tasks := make([]dicom.RetryTask, 0, len(members))
	for _, m := range members {
		var task dicom.RetryTask
		if err := json.Unmarshal([]byte(m), &task); err != nil {
			q.logger.Error("failed to decode retry task", map[string]interface{}{"error": err.Error()})
			continue
		}
		tasks = append(tasks, task)
	}

	if err := q.client.ZRem(ctx, q.cfg.Key, toInterfaceSlice(members)...).Err(); err != nil {
		return nil, fmt.Errorf("retry: remove due tasks: %w", err)
	}
	return tasks, nil
}

func toInterfaceSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// Len reports the sorted set's cardinality.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.cfg.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("retry: queue length: %w", err)
	}
	return int(n), nil
}
