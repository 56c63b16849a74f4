// Package filestore provides a file-backed secrets.Store. Each secret is one
// JSON file under the storage directory. Files are created 0600 and the
// directory 0700; secret values are never logged.
//
// The store can watch its directory with fsnotify so that credentials
// rotated by an external process (another instance, a CLI) are noticed;
// embedders typically wire the change callback to the registry's
// NotifyStateMayHaveChanged.
package filestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/authwire/authstate/secrets"
)

const fileSuffix = ".secret.json"

// Store implements secrets.Store on the filesystem.
type Store struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

var _ secrets.Store = (*Store)(nil)

type envelope struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a store rooted at dir, creating it 0700 if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "authstate", "secrets")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	s := &Store{dir: dir, log: slog.New(slog.NewTextHandler(io.Discard, nil)), stopCh: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// path maps a key to a filename. Keys are encoded so arbitrary key strings
// cannot escape the storage directory.
func (s *Store) path(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	return filepath.Join(s.dir, name+fileSuffix)
}

func keyFromPath(p string) (string, bool) {
	base := filepath.Base(p)
	if !strings.HasSuffix(base, fileSuffix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(base, fileSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (s *Store) Get(ctx context.Context, key string) (*secrets.Item, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read secret: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	item := &secrets.Item{Data: env.Data, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	if item.Expired() {
		_ = os.Remove(s.path(key))
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
	if options.TTL != nil {
		exp := env.CreatedAt.Add(*options.TTL)
		env.ExpiresAt = &exp
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode secret: %w", err)
	}
	// Write-then-rename so watchers never observe a partial file.
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}

// Watch invokes onChange with the affected key whenever a secret file is
// created, rewritten, or removed by any process. Events for the store's own
// writes are delivered too; callers dedupe by comparing state. Watch returns
// once the watcher is running; delivery stops when ctx ends or the store is
// closed.
func (s *Store) Watch(ctx context.Context, onChange func(key string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify init: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("fsnotify add: %w", err)
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		_ = w.Close()
		return fmt.Errorf("filestore: watch already running")
	}
	s.watcher = w
	stopCh := s.stopCh
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				key, ok := keyFromPath(ev.Name)
				if !ok {
					continue
				}
				onChange(key)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Debug("filestore watch error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
