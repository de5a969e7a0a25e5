package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue shares tasks between processes through a Redis list. Producers
// RPUSH, workers BLPOP.
type RedisQueue struct {
	client  *redis.Client
	key     string
	router  *Router
	logger  *slog.Logger
	workers int
	timeout time.Duration
	poll    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// RedisOptions configure a RedisQueue.
type RedisOptions struct {
	Addr           string
	Password       string
	Key            string
	Workers        int
	ProcessTimeout time.Duration
}

// NewRedisQueue connects to Redis and starts the workers. With zero
// workers the queue only produces.
func NewRedisQueue(ctx context.Context, router *Router, logger *slog.Logger, opts RedisOptions) (*RedisQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	logger.Info("redis queue connected", "addr", opts.Addr, "key", opts.Key)
	return newRedisQueue(client, router, logger, opts), nil
}

func newRedisQueue(client *redis.Client, router *Router, logger *slog.Logger, opts RedisOptions) *RedisQueue {
	q := &RedisQueue{
		client:  client,
		key:     opts.Key,
		router:  router,
		logger:  logger,
		workers: opts.Workers,
		timeout: opts.ProcessTimeout,
		poll:    2 * time.Second,
	}
	if q.key == "" {
		q.key = "docflow:tasks"
	}
	if q.timeout <= 0 {
		q.timeout = 3 * time.Minute
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.loop(runCtx, i+1)
	}
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		q.logger.Error("failed to push task", "kind", task.Kind, "entity_id", task.EntityID, "error", err)
		return fmt.Errorf("push task: %w", err)
	}
	q.logger.Info("queued task", "kind", task.Kind, "entity_id", task.EntityID, "trace_id", task.TraceID, "backend", "redis")
	return nil
}

func (q *RedisQueue) loop(ctx context.Context, workerID int) {
	defer q.wg.Done()
	q.logger.Info("worker started", "worker_id", workerID, "backend", "redis")
	for {
		if ctx.Err() != nil {
			q.logger.Info("worker stopped", "worker_id", workerID)
			return
		}
		res, err := q.client.BLPop(ctx, q.poll, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("waiting for redis", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			q.logger.Error("dropping undecodable task", "worker_id", workerID, "payload", res[1], "error", err)
			continue
		}
		pctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.router.Process(pctx, task); err != nil {
			q.logger.Error("task failed", "worker_id", workerID, "kind", task.Kind, "entity_id", task.EntityID, "trace_id", task.TraceID, "error", err)
		}
		cancel()
	}
}

// Shutdown stops the workers after their current task and closes the client.
func (q *RedisQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()
	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("redis workers stopped")
	}
	if err := q.client.Close(); err != nil {
		q.logger.Error("failed to close redis client", "error", err)
	}
}
