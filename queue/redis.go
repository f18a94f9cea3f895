package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig wraps configuration for a redis backed queue.
type RedisQueueConfig struct {
	QueueName  string
	Address    string
	Password   string
	DB         int
	TLSEnabled bool
}

// redisQueueRegistry is the set holding the name of every queue created through NewRedisQueue.
const redisQueueRegistry = "multicast:queues"

// leaseScript requeues lapsed leases, then leases up to ARGV[3] ready messages.
// It returns a flat list of id, body, receive count triples.
var leaseScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[1], id)
end
local out = {}
for i = 1, tonumber(ARGV[3]) do
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		break
	end
	local body = redis.call('HGET', KEYS[3], id)
	if body then
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		local count = redis.call('HINCRBY', KEYS[4], id, 1)
		table.insert(out, id)
		table.insert(out, body)
		table.insert(out, count)
	end
end
return out
`)

// RedisQueue is a Queue stored in redis. Ready message ids live in a list,
// leased ids in a sorted set scored by lease deadline and bodies in a hash.
type RedisQueue struct {
	name   string
	client redis.Cmdable
	closer func() error
}

// NewRedisQueue connects to redis and registers the queue name, returning the
// queue and error (if any).
func NewRedisQueue(ctx context.Context, config RedisQueueConfig) (*RedisQueue, error) {
	options := &redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLSEnabled {
		options.TLSConfig = &tls.Config{}
	}
	client := redis.NewClient(options)
	q, err := newRedisQueueWithClient(ctx, client, config)
	if err != nil {
		client.Close()
		return nil, err
	}
	q.closer = client.Close
	return q, nil
}

func newRedisQueueWithClient(ctx context.Context, client redis.Cmdable, config RedisQueueConfig) (*RedisQueue, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", config.Address, err)
	}
	if err := client.SAdd(ctx, redisQueueRegistry, config.QueueName).Err(); err != nil {
		return nil, fmt.Errorf("registering redis queue %s: %w", config.QueueName, err)
	}
	return &RedisQueue{
		name:   config.QueueName,
		client: client,
		closer: func() error { return nil },
	}, nil
}

func (q *RedisQueue) readyKey() string    { return "queue:" + q.name }
func (q *RedisQueue) leaseKey() string    { return "lease:" + q.name }
func (q *RedisQueue) bodyKey() string     { return "body:" + q.name }
func (q *RedisQueue) receivesKey() string { return "receives:" + q.name }

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// EnqueueMessage stores the body and pushes a new id onto the ready list.
func (q *RedisQueue) EnqueueMessage(ctx context.Context, message Message) error {
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.bodyKey(), id, message.Body)
	pipe.LPush(ctx, q.readyKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// BatchEnqueueMessages enqueues every message in one transaction. The batch
// either fully succeeds or fully fails.
func (q *RedisQueue) BatchEnqueueMessages(ctx context.Context, messages []Message) ([]Message, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, message := range messages {
		id := uuid.New().String()
		pipe.HSet(ctx, q.bodyKey(), id, message.Body)
		pipe.LPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return messages, err
	}
	return []Message{}, nil
}

// BatchDequeueMessages leases up to max messages for the lease duration.
func (q *RedisQueue) BatchDequeueMessages(ctx context.Context, max int, lease time.Duration) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	now := time.Now()
	keys := []string{q.readyKey(), q.leaseKey(), q.bodyKey(), q.receivesKey()}
	res, err := leaseScript.Run(ctx, q.client, keys, now.UnixMilli(), now.Add(lease).UnixMilli(), max).Slice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	messages := make([]Message, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		id, _ := res[i].(string)
		body, _ := res[i+1].(string)
		count, _ := res[i+2].(int64)
		messages = append(messages, Message{
			ID:           id,
			Body:         []byte(body),
			ReceiptID:    id,
			ReceiveCount: int(count),
		})
	}
	return messages, nil
}

// DeleteMessage removes a leased message. Deleting a message that is no longer
// leased fails with ErrUnknownReceipt.
func (q *RedisQueue) DeleteMessage(ctx context.Context, receiptID string) error {
	removed, err := q.client.ZRem(ctx, q.leaseKey(), receiptID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrUnknownReceipt
	}
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.bodyKey(), receiptID)
	pipe.HDel(ctx, q.receivesKey(), receiptID)
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the redis connection owned by the queue.
func (q *RedisQueue) Close() error {
	return q.closer()
}
