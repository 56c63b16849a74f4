// Package memorystore provides an in-memory secrets.Store backed by
// github.com/hashicorp/golang-lru/v2 with TTL support. Intended for tests
// and single-process deployments where credentials need not survive a
// restart.
package memorystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/authwire/authstate/secrets"
)

// Store implements secrets.Store in memory.
type Store struct {
	mu     sync.RWMutex
	cache  *lru.Cache[string, *secrets.Item]
	stopCh chan struct{}
	once   sync.Once
}

var _ secrets.Store = (*Store)(nil)

// New creates an in-memory store holding at most maxItems secrets.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *secrets.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}

	s := &Store{cache: cache, stopCh: make(chan struct{})}
	go s.cleanupExpired()
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (*secrets.Item, error) {
	s.mu.RLock()
	item, ok := s.cache.Get(key)
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if item.Expired() {
		s.mu.Lock()
		s.cache.Remove(key)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...secrets.Option) error {
	options := &secrets.Options{}
	for _, opt := range opts {
		opt(options)
	}

	item := &secrets.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now(),
	}
	if options.TTL != nil {
		exp := item.CreatedAt.Add(*options.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.cache.Add(key, item)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}

// cleanupExpired evicts expired items periodically so the cache does not fill
// with dead entries that are never Get again.
func (s *Store) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, key := range s.cache.Keys() {
				if item, ok := s.cache.Peek(key); ok && item.Expired() {
					s.cache.Remove(key)
				}
			}
			s.mu.Unlock()
		}
	}
}
