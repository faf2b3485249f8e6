package state

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the narrow Redis surface the deploy-mode backends use.
// NewGoRedisClient adapts a real github.com/redis/go-redis/v9 client;
// tests substitute in-memory fakes.
type RedisClient interface {
	HSet(ctx context.Context, key string, fields map[string]any) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (RedisPubSub, error)

	// TxPipeline builds an atomic multi-command pipeline. Commands are
	// queued on the pipeline and applied together by Exec.
	TxPipeline() RedisPipeline

	Close() error
}

// RedisPipeline queues commands for atomic execution.
type RedisPipeline interface {
	HSet(ctx context.Context, key string, fields map[string]any)
	Expire(ctx context.Context, key string, ttl time.Duration)
	SAdd(ctx context.Context, key string, members ...string)
	SRem(ctx context.Context, key string, members ...string)
	Del(ctx context.Context, keys ...string)
	Exec(ctx context.Context) error
}

// RedisPubSub is one pub/sub subscription.
type RedisPubSub interface {
	// Channel streams incoming messages until Close.
	Channel() <-chan RedisMessage

	Close() error
}

// RedisMessage is a received pub/sub message.
type RedisMessage struct {
	Channel string
	Payload []byte
}

// DialRedis connects to Redis using a connection URL
// (e.g. "redis://localhost:6379/0").
func DialRedis(url string) (RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewGoRedisClient(redis.NewClient(opts)), nil
}

// NewGoRedisClient wraps a go-redis client in the RedisClient interface.
func NewGoRedisClient(rdb redis.UniversalClient) RedisClient {
	return &goRedisClient{rdb: rdb}
}

type goRedisClient struct {
	rdb redis.UniversalClient
}

func (c *goRedisClient) HSet(ctx context.Context, key string, fields map[string]any) error {
	return c.rdb.HSet(ctx, key, fields).Err()
}

func (c *goRedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *goRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *goRedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

func (c *goRedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *goRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

func (c *goRedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	return c.rdb.SAdd(ctx, key, toAnySlice(members)...).Err()
}

func (c *goRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	return c.rdb.SRem(ctx, key, toAnySlice(members)...).Err()
}

func (c *goRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *goRedisClient) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}

func (c *goRedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

func (c *goRedisClient) Subscribe(ctx context.Context, channel string) (RedisPubSub, error) {
	ps := c.rdb.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning, so messages
	// published after Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return newGoRedisPubSub(ps), nil
}

func (c *goRedisClient) TxPipeline() RedisPipeline {
	return &goRedisPipeline{pipe: c.rdb.TxPipeline()}
}

func (c *goRedisClient) Close() error {
	return c.rdb.Close()
}

type goRedisPipeline struct {
	pipe redis.Pipeliner
}

func (p *goRedisPipeline) HSet(ctx context.Context, key string, fields map[string]any) {
	p.pipe.HSet(ctx, key, fields)
}

func (p *goRedisPipeline) Expire(ctx context.Context, key string, ttl time.Duration) {
	p.pipe.Expire(ctx, key, ttl)
}

func (p *goRedisPipeline) SAdd(ctx context.Context, key string, members ...string) {
	p.pipe.SAdd(ctx, key, toAnySlice(members)...)
}

func (p *goRedisPipeline) SRem(ctx context.Context, key string, members ...string) {
	p.pipe.SRem(ctx, key, toAnySlice(members)...)
}

func (p *goRedisPipeline) Del(ctx context.Context, keys ...string) {
	p.pipe.Del(ctx, keys...)
}

func (p *goRedisPipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	return err
}

type goRedisPubSub struct {
	ps  *redis.PubSub
	out chan RedisMessage
}

func newGoRedisPubSub(ps *redis.PubSub) *goRedisPubSub {
	sub := &goRedisPubSub{
		ps:  ps,
		out: make(chan RedisMessage, 64),
	}
	go sub.pump()
	return sub
}

// pump translates go-redis messages until the subscription closes.
func (s *goRedisPubSub) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- RedisMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *goRedisPubSub) Channel() <-chan RedisMessage {
	return s.out
}

func (s *goRedisPubSub) Close() error {
	return s.ps.Close()
}

func toAnySlice(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
