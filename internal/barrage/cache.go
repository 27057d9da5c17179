package barrage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Cache keeps the most recent messages for replay. The oldest are evicted
// first once it is full.
type Cache interface {
	Add(ctx context.Context, msgs ...Message) error
	Recent(ctx context.Context) ([]Message, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

type MemoryCache struct {
	mu   sync.Mutex
	max  int
	msgs []Message
}

func NewMemoryCache(max int) *MemoryCache {
	if max < 1 {
		max = 1
	}
	return &MemoryCache{max: max}
}

func (c *MemoryCache) Add(_ context.Context, msgs ...Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	if over := len(c.msgs) - c.max; over > 0 {
		c.msgs = append([]Message(nil), c.msgs[over:]...)
	}
	return nil
}

func (c *MemoryCache) Recent(context.Context) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...), nil
}

func (c *MemoryCache) Len(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs), nil
}

func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
	return nil
}

// DialRedis connects to url and checks the connection with a PING.
func DialRedis(ctx context.Context, url string, readTimeout, writeTimeout, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// RedisCache stores the messages in a Redis list, newest at the head, so
// the replay history survives restarts.
type RedisCache struct {
	rdb redis.Cmdable
	key string
	max int
}

func NewRedisCache(rdb redis.Cmdable, key string, max int) *RedisCache {
	if max < 1 {
		max = 1
	}
	return &RedisCache{rdb: rdb, key: key, max: max}
}

func (c *RedisCache) Add(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return errors.Wrap(err, "encode barrage")
		}
		vals = append(vals, b)
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, c.key, vals...)
	pipe.LTrim(ctx, c.key, 0, int64(c.max-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis barrage add")
	}
	return nil
}

func (c *RedisCache) Recent(ctx context.Context) ([]Message, error) {
	rows, err := c.rdb.LRange(ctx, c.key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "redis barrage range")
	}
	out := make([]Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var m Message
		if err := json.Unmarshal([]byte(rows[i]), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n, err := c.rdb.LLen(ctx, c.key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis barrage len")
	}
	return int(n), nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	return errors.Wrap(c.rdb.Del(ctx, c.key).Err(), "redis barrage clear")
}
