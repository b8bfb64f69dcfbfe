package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "abilian:tasks"

// RedisBackend keeps tasks in a redis list shared by every worker process.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
}

// NewRedisBackend connects to brokerURL, e.g. "redis://localhost:6379/0".
func NewRedisBackend(ctx context.Context, brokerURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, ErrBroker.MsgErr("invalid broker url", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, ErrBroker.MsgErr("cannot reach broker", err)
	}
	return &RedisBackend{client: client, key: defaultRedisKey}, nil
}

// NewRedisBackendWithClient uses an existing client and list key.
func NewRedisBackendWithClient(client redis.UniversalClient, key string) *RedisBackend {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Push(ctx context.Context, t *Task) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.key, data).Err(); err != nil {
		return ErrBroker.MsgErr("push task", err)
	}
	return nil
}

func (b *RedisBackend) Pop(ctx context.Context, wait time.Duration) (*Task, error) {
	if wait <= 0 {
		wait = time.Second
	}
	res, err := b.client.BRPop(ctx, wait, b.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBroker.MsgErr("pop task", err)
	}
	// res holds the key then the value.
	if len(res) != 2 {
		return nil, ErrBroker.Msg("unexpected BRPOP reply")
	}
	return decodeTask([]byte(res[1]))
}

// Len returns the number of tasks waiting.
func (b *RedisBackend) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.key).Result()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
