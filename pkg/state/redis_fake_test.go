package state

import (
	"context"
	"sync"
	"time"
)

// fakeRedis is an in-memory RedisClient covering the commands the
// deploy-mode backends use: hashes, sets, TTLs, pub/sub, and transactional
// pipelines. TTLs are honored lazily, on access.
type fakeRedis struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	sets     map[string]map[string]bool
	expiries map[string]time.Time
	subs     map[string]map[*fakePubSub]bool
	closed   bool

	now func() time.Time
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]bool),
		expiries: make(map[string]time.Time),
		subs:     make(map[string]map[*fakePubSub]bool),
		now:      time.Now,
	}
}

// purgeLocked drops the key if its TTL has passed.
func (f *fakeRedis) purgeLocked(key string) {
	if exp, ok := f.expiries[key]; ok && f.now().After(exp) {
		delete(f.hashes, key)
		delete(f.sets, key)
		delete(f.expiries, key)
	}
}

func (f *fakeRedis) hsetLocked(key string, fields map[string]any) {
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			h[k] = s
		}
	}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	f.hsetLocked(key, fields)
	return nil
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	v, ok := f.hashes[key][field]
	return v, ok, nil
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		f.purgeLocked(key)
		if _, ok := f.hashes[key]; ok {
			delete(f.hashes, key)
			n++
		}
		if _, ok := f.sets[key]; ok {
			delete(f.sets, key)
			n++
		}
		delete(f.expiries, key)
	}
	return n, nil
}

func (f *fakeRedis) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	_, h := f.hashes[key]
	_, s := f.sets[key]
	return h || s, nil
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	_, h := f.hashes[key]
	_, s := f.sets[key]
	if !h && !s {
		return false, nil
	}
	f.expiries[key] = f.now().Add(ttl)
	return true, nil
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	set := f.sets[key]
	if set == nil {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = true
	}
	return nil
}

func (f *fakeRedis) SRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRedis) SCard(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeLocked(key)
	return int64(len(f.sets[key])), nil
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	subs := make([]*fakePubSub, 0, len(f.subs[channel]))
	for sub := range f.subs[channel] {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(RedisMessage{Channel: channel, Payload: payload})
	}
	return nil
}

func (f *fakeRedis) Subscribe(ctx context.Context, channel string) (RedisPubSub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakePubSub{
		client:  f,
		channel: channel,
		msgs:    make(chan RedisMessage, 64),
	}
	if f.subs[channel] == nil {
		f.subs[channel] = make(map[*fakePubSub]bool)
	}
	f.subs[channel][sub] = true
	return sub, nil
}

func (f *fakeRedis) TxPipeline() RedisPipeline {
	return &fakePipeline{client: f}
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// setExpiry backdates or adjusts a key's TTL directly, for expiry tests.
func (f *fakeRedis) setExpiry(key string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiries[key] = at
}

type fakePipeline struct {
	client *fakeRedis
	ops    []func()
}

func (p *fakePipeline) HSet(ctx context.Context, key string, fields map[string]any) {
	p.ops = append(p.ops, func() { p.client.hsetLocked(key, fields) })
}

func (p *fakePipeline) Expire(ctx context.Context, key string, ttl time.Duration) {
	p.ops = append(p.ops, func() { p.client.expiries[key] = p.client.now().Add(ttl) })
}

func (p *fakePipeline) SAdd(ctx context.Context, key string, members ...string) {
	p.ops = append(p.ops, func() {
		set := p.client.sets[key]
		if set == nil {
			set = make(map[string]bool)
			p.client.sets[key] = set
		}
		for _, m := range members {
			set[m] = true
		}
	})
}

func (p *fakePipeline) SRem(ctx context.Context, key string, members ...string) {
	p.ops = append(p.ops, func() {
		for _, m := range members {
			delete(p.client.sets[key], m)
		}
	})
}

func (p *fakePipeline) Del(ctx context.Context, keys ...string) {
	p.ops = append(p.ops, func() {
		for _, key := range keys {
			delete(p.client.hashes, key)
			delete(p.client.sets, key)
			delete(p.client.expiries, key)
		}
	})
}

// Exec applies every queued command under one lock, mirroring MULTI/EXEC
// atomicity.
func (p *fakePipeline) Exec(ctx context.Context) error {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()
	for _, op := range p.ops {
		op()
	}
	p.ops = nil
	return nil
}

type fakePubSub struct {
	client  *fakeRedis
	channel string
	msgs    chan RedisMessage
	once    sync.Once
}

func (s *fakePubSub) deliver(msg RedisMessage) {
	select {
	case s.msgs <- msg:
	default:
	}
}

func (s *fakePubSub) Channel() <-chan RedisMessage {
	return s.msgs
}

func (s *fakePubSub) Close() error {
	s.client.mu.Lock()
	delete(s.client.subs[s.channel], s)
	s.client.mu.Unlock()
	s.once.Do(func() { close(s.msgs) })
	return nil
}
