package synth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps synthesized audio keyed by CacheKey.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Close() error
}

// CacheKey identifies the audio a request would produce. Requests with a
// random seed have no stable key.
func CacheKey(req Request) (string, bool) {
	if req.Params.Seed == 0 {
		return "", false
	}
	voice := req.Voice.ID
	if voice == "" {
		voice = req.Voice.Path + req.Voice.URL
	}
	p := req.Params
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%g|%g|%g|%d|%t",
		req.Text, voice, p.Exaggeration, p.Temperature, p.CFGWeight, p.Seed, p.TrimSilence)))
	return "narrator:segment:" + hex.EncodeToString(h[:]), true
}

type cachedBackend struct {
	inner  Backend
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// WithCache serves repeated deterministic requests from store.
func WithCache(inner Backend, store Store, ttl time.Duration, logger *slog.Logger) Backend {
	return &cachedBackend{
		inner:  inner,
		store:  store,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "synth-cache")),
	}
}

func (c *cachedBackend) Name() string { return c.inner.Name() + "+cache" }

func (c *cachedBackend) Open(ctx context.Context) (Session, error) {
	s, err := c.inner.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedSession{inner: s, backend: c}, nil
}

type cachedSession struct {
	inner   Session
	backend *cachedBackend
}

func (c *cachedSession) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	key, ok := CacheKey(req)
	if !ok {
		return c.inner.Synthesize(ctx, req)
	}
	if data, hit, err := c.backend.store.Get(ctx, key); err != nil {
		c.backend.logger.Warn("cache lookup failed", slogError(err))
	} else if hit {
		c.backend.logger.Debug("segment served from cache", slog.String("key", key))
		return data, nil
	}
	data, err := c.inner.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.backend.store.Set(ctx, key, data, c.backend.ttl); err != nil {
		c.backend.logger.Warn("cache store failed", slogError(err))
	}
	return data, nil
}

func (c *cachedSession) Close() error { return c.inner.Close() }

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), clock: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && m.clock().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.data, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{data: append([]byte(nil), data...)}
	if ttl > 0 {
		e.expires = m.clock().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// RedisStore keeps cached audio in Redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return data, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
