// Package containment provides executors that apply response actions to real
// backends: a Redis denylist shared with enforcement points and an HTTP
// webhook for alerts.
package containment

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get for missing or expired keys.
var ErrKeyNotFound = errors.New("key not found")

// RedisClient is the subset of Redis used by the denylist.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	Exists(ctx context.Context, keys ...string) (int, error)
	Close() error
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// GoRedisClient adapts go-redis to RedisClient.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient connects to Redis and verifies the connection.
func NewGoRedisClient(ctx context.Context, cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (g *GoRedisClient) Delete(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

func (g *GoRedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	return g.client.SAdd(ctx, key, toArgs(members)...).Err()
}

func (g *GoRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, key).Result()
}

func (g *GoRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	return g.client.SRem(ctx, key, toArgs(members)...).Err()
}

func (g *GoRedisClient) Exists(ctx context.Context, keys ...string) (int, error) {
	n, err := g.client.Exists(ctx, keys...).Result()
	return int(n), err
}

func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

func toArgs(members []string) []any {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return vals
}

// MockRedisClient is an in-memory RedisClient for tests and dry runs.
type MockRedisClient struct {
	data   map[string][]byte
	sets   map[string]map[string]bool
	expiry map[string]time.Time
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewMockRedisClient creates an empty mock client.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:   make(map[string][]byte),
		sets:   make(map[string]map[string]bool),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

var errClientClosed = errors.New("client closed")

func (m *MockRedisClient) expired(key string) bool {
	exp, ok := m.expiry[key]
	return ok && m.now().After(exp)
}

func (m *MockRedisClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClientClosed
	}
	m.data[key] = value
	delete(m.expiry, key)
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	}
	return nil
}

func (m *MockRedisClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClientClosed
	}
	val, ok := m.data[key]
	if !ok || m.expired(key) {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

func (m *MockRedisClient) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClientClosed
	}
	for _, key := range keys {
		delete(m.data, key)
		delete(m.expiry, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *MockRedisClient) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClientClosed
	}
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]bool)
	}
	for _, member := range members {
		m.sets[key][member] = true
	}
	return nil
}

func (m *MockRedisClient) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClientClosed
	}
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *MockRedisClient) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClientClosed
	}
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *MockRedisClient) Exists(_ context.Context, keys ...string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errClientClosed
	}
	count := 0
	for _, key := range keys {
		if _, ok := m.data[key]; ok && !m.expired(key) {
			count++
			continue
		}
		if len(m.sets[key]) > 0 {
			count++
		}
	}
	return count, nil
}

// Close marks the client closed; later calls fail.
func (m *MockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
