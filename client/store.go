package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// StorageKey is the key (or file name stem) the auth state is kept
// under
const StorageKey = "bling_auth_state"

// Store persists the AuthState between runs. Load returns nil and no
// error when nothing is stored.
type Store interface {
	Load(ctx context.Context) (*AuthState, error)
	Save(ctx context.Context, state *AuthState) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the state in process
type MemoryStore struct {
	mu    sync.Mutex
	state *AuthState
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored state
func (m *MemoryStore) Load(ctx context.Context) (*AuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	return m.state.clone(), nil
}

// Save stores a copy of state
func (m *MemoryStore) Save(ctx context.Context, state *AuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.clone()
	return nil
}

// Clear removes the stored state
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	return nil
}

// FileStore keeps the state as a json file readable only by the owner
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultFilePath is the state file under the user config directory
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "blingnfe", StorageKey+".json"), nil
}

// Load reads the state file. An unreadable or corrupt file is treated
// as no state.
func (f *FileStore) Load(ctx context.Context) (*AuthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state AuthState
	if err := json.Unmarshal(buf, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// Save writes the state file, replacing it atomically
func (f *FileStore) Save(ctx context.Context, state *AuthState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Clear removes the state file
func (f *FileStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RedisStore keeps the state in redis, so several processes can share
// one login. Entries expire with the refresh window.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore returns a RedisStore using key prefix:bling_auth_state.
// A zero ttl keeps entries until cleared.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	key := StorageKey
	if prefix != "" {
		key = prefix + ":" + StorageKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

// Load reads the state from redis
func (r *RedisStore) Load(ctx context.Context) (*AuthState, error) {
	buf, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var state AuthState
	if err := json.Unmarshal(buf, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// Save writes the state to redis
func (r *RedisStore) Save(ctx context.Context, state *AuthState) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, buf, r.ttl).Err()
}

// Clear deletes the state from redis
func (r *RedisStore) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
