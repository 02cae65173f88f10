package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueCapacity bounds each recipient's queue.
const DefaultQueueCapacity = 1000

// Entry is one envelope waiting for an offline recipient.
type Entry struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	ExpiresAt int64           `json:"expiresAt,omitempty"` // unix ms; 0 never expires
	Payload   json.RawMessage `json:"payload"`
}

// Expired reports whether the entry is past its expiry at nowMillis.
func (e Entry) Expired(nowMillis int64) bool {
	return e.ExpiresAt > 0 && nowMillis > e.ExpiresAt
}

// Queue holds envelopes per recipient in FIFO order. Implementations only
// need per-key consistency; the relay serializes access per recipient.
type Queue interface {
	// Push appends entry and reports how many old entries were evicted to
	// stay within capacity.
	Push(ctx context.Context, recipient string, entry Entry) (dropped int, err error)
	// Drain removes and returns every entry for recipient, oldest first.
	Drain(ctx context.Context, recipient string) ([]Entry, error)
	// PushFront puts entries back ahead of anything queued since Drain. The
	// queue is trimmed to capacity like Push, oldest first.
	PushFront(ctx context.Context, recipient string, entries []Entry) (dropped int, err error)
	Len(ctx context.Context, recipient string) (int, error)
	Total(ctx context.Context) (int, error)
}

// MemoryQueue keeps queues in process memory.
type MemoryQueue struct {
	capacity int

	mu     sync.Mutex
	queues map[string][]Entry
	total  int
}

// NewMemoryQueue returns a queue holding at most capacity entries per
// recipient.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &MemoryQueue{capacity: capacity, queues: make(map[string][]Entry)}
}

func (q *MemoryQueue) Push(_ context.Context, recipient string, entry Entry) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.total++
	return q.store(recipient, append(q.queues[recipient], entry)), nil
}

// store keeps the newest capacity entries of queue. Callers hold mu and have
// already counted every entry of queue in total.
func (q *MemoryQueue) store(recipient string, queue []Entry) int {
	dropped := 0
	if over := len(queue) - q.capacity; over > 0 {
		queue = append([]Entry(nil), queue[over:]...)
		dropped = over
		q.total -= over
	}
	q.queues[recipient] = queue
	return dropped
}

func (q *MemoryQueue) Drain(_ context.Context, recipient string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.queues[recipient]
	delete(q.queues, recipient)
	q.total -= len(entries)
	return entries, nil
}

func (q *MemoryQueue) PushFront(_ context.Context, recipient string, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := make([]Entry, 0, len(entries)+len(q.queues[recipient]))
	queue = append(queue, entries...)
	queue = append(queue, q.queues[recipient]...)
	q.total += len(entries)
	return q.store(recipient, queue), nil
}

func (q *MemoryQueue) Len(_ context.Context, recipient string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[recipient]), nil
}

func (q *MemoryQueue) Total(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total, nil
}

// RedisQueue keeps one list per recipient so queued envelopes survive relay
// restarts and can be shared by relay replicas.
type RedisQueue struct {
	client   *redis.Client
	prefix   string
	capacity int
}

// NewRedisQueue connects to redisURL and verifies the connection.
func NewRedisQueue(ctx context.Context, redisURL string, capacity int) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay: ping redis: %w", err)
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &RedisQueue{client: client, prefix: "walletchat:relay", capacity: capacity}, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) queueKey(recipient string) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, recipient)
}

func (q *RedisQueue) recipientsKey() string {
	return q.prefix + ":recipients"
}

func (q *RedisQueue) Push(ctx context.Context, recipient string, entry Entry) (int, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("relay: encode queue entry: %w", err)
	}
	key := q.queueKey(recipient)

	var length *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.RPush(ctx, key, raw)
		pipe.LTrim(ctx, key, int64(-q.capacity), -1)
		pipe.SAdd(ctx, q.recipientsKey(), recipient)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("relay: push to redis: %w", err)
	}
	dropped := int(length.Val()) - q.capacity
	if dropped < 0 {
		dropped = 0
	}
	return dropped, nil
}

func (q *RedisQueue) Drain(ctx context.Context, recipient string) ([]Entry, error) {
	key := q.queueKey(recipient)

	var items *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		pipe.SRem(ctx, q.recipientsKey(), recipient)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: drain redis queue: %w", err)
	}

	entries := make([]Entry, 0, len(items.Val()))
	for _, raw := range items.Val() {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *RedisQueue) PushFront(ctx context.Context, recipient string, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	// LPUSH prepends one at a time, so push newest first.
	values := make([]any, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		raw, err := json.Marshal(entries[i])
		if err != nil {
			return 0, fmt.Errorf("relay: encode queue entry: %w", err)
		}
		values = append(values, raw)
	}
	key := q.queueKey(recipient)

	var length *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.LPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-q.capacity), -1)
		pipe.SAdd(ctx, q.recipientsKey(), recipient)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("relay: requeue to redis: %w", err)
	}
	dropped := int(length.Val()) - q.capacity
	if dropped < 0 {
		dropped = 0
	}
	return dropped, nil
}

func (q *RedisQueue) Len(ctx context.Context, recipient string) (int, error) {
	n, err := q.client.LLen(ctx, q.queueKey(recipient)).Result()
	if err != nil {
		return 0, fmt.Errorf("relay: redis queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Total(ctx context.Context) (int, error) {
	recipients, err := q.client.SMembers(ctx, q.recipientsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("relay: list redis recipients: %w", err)
	}
	if len(recipients) == 0 {
		return 0, nil
	}

	pipe := q.client.Pipeline()
	lengths := make([]*redis.IntCmd, 0, len(recipients))
	for _, recipient := range recipients {
		lengths = append(lengths, pipe.LLen(ctx, q.queueKey(recipient)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("relay: redis queue lengths: %w", err)
	}
	total := 0
	for _, cmd := range lengths {
		total += int(cmd.Val())
	}
	return total, nil
}
