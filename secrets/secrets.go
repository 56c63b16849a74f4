// Package secrets defines the interface the registry uses to persist
// credential bundles between process runs. The durable layout is the
// backend's concern; the registry only reads and writes opaque bytes.
//
// Reference backends live in subpackages: memorystore (LRU + TTL),
// redisstore, and filestore (0600 files with change watching). All backends
// must pass the secretstest conformance suite.
package secrets

import (
	"context"
	"time"
)

// Store is the credential persistence contract.
type Store interface {
	// Get retrieves the item stored under key. It returns (nil, nil) when the
	// key is absent or the item has expired; an error only signals a real
	// backend failure.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored secret with metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// Expired reports whether the item is past its expiry.
func (it *Item) Expired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a Set operation.
type Option func(*Options)

// Options holds Set configuration.
type Options struct {
	TTL *time.Duration
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = &ttl
	}
}
