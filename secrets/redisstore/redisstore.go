// Package redisstore provides a Redis-backed secrets.Store for deployments
// where credential bundles must survive process restarts or be shared across
// instances.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/authwire/authstate/secrets"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SECRETS_KEY_PREFIX
	KeyPrefix string `env:"SECRETS_KEY_PREFIX,default=authstate:secrets:"`
}

// Store implements secrets.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ secrets.Store = (*Store)(nil)

// envelope is the stored wire shape; TTL expiry is enforced by Redis itself,
// the timestamps are metadata only.
type envelope struct {
	Data      []byte     `json:"d"`
	CreatedAt time.Time  `json:"c"`
	ExpiresAt *time.Time `json:"e,omitempty"`
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "authstate:secrets:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("redisstore: config from env: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "authstate:secrets:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

func (s *Store) Get(ctx context.Context, key string) (*secrets.Item, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode stored item: %w", err)
	}
	item := &secrets.Item{Data: env.Data, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	if item.Expired() {
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...secrets.Option) error {
	options := &secrets.Options{}
	for _, opt := range opts {
		opt(options)
	}

	env := envelope{Data: data, CreatedAt: time.Now()}
	var ttl time.Duration
	if options.TTL != nil {
		ttl = *options.TTL
		exp := env.CreatedAt.Add(ttl)
		env.ExpiresAt = &exp
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode stored item: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	c := context.WithoutCancel(ctx)
	if err := s.client.Del(c, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
