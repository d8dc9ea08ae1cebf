package statecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tummycrypt/tcfs/internal/errs"
)

// redisBackend is a write-through backend over a Redis hash, selected by a
// "redis://" dbPath. It supplements the JSON and embedded-KV backends for
// deployments where the state cache itself should be shared across
// daemons on different hosts (e.g. a fleet-wide cache in front of a
// per-device local cache), rather than tied to one machine's filesystem.
type redisBackend struct {
	mu      sync.RWMutex
	client  *redis.Client
	hashKey string
	entries map[string]State
	ctx     context.Context
}

const redisHashKeySuffix = ":state"

func openRedisBackend(dbPath string) (*redisBackend, error) {
	opts, err := redis.ParseURL(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis state cache URL %s: %v", errs.ErrParse, dbPath, err)
	}

	client := redis.NewClient(opts)
	ctx := context.Background()

	hashKey := "tcfs" + redisHashKeySuffix
	if db := opts.DB; db != 0 {
		hashKey = fmt.Sprintf("tcfs:%d%s", db, redisHashKeySuffix)
	}

	raw, err := client.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: loading redis state cache: %v", errs.ErrIO, err)
	}

	entries := make(map[string]State, len(raw))
	for k, v := range raw {
		var s State
		if err := json.Unmarshal([]byte(v), &s); err == nil {
			entries[k] = s
		}
	}

	return &redisBackend{client: client, hashKey: hashKey, entries: entries, ctx: ctx}, nil
}

func (b *redisBackend) Get(localPath string) (State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.entries[PathKey(localPath)]
	return s, ok
}

func (b *redisBackend) Set(localPath string, state State) {
	key := PathKey(localPath)

	b.mu.Lock()
	defer b.mu.Unlock()

	if data, err := json.Marshal(state); err == nil {
		_ = b.client.HSet(b.ctx, b.hashKey, key, data).Err()
	}
	b.entries[key] = state
}

func (b *redisBackend) Remove(localPath string) {
	key := PathKey(localPath)

	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.client.HDel(b.ctx, b.hashKey, key).Err()
	delete(b.entries, key)
}

// Flush is a no-op: Set/Remove already wrote through to Redis.
func (b *redisBackend) Flush() error {
	return nil
}

func (b *redisBackend) AllEntries() map[string]State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]State, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

func (b *redisBackend) GetByRelPath(relPath string) (string, State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k, v := range b.entries {
		if matchesRelPath(v.RemotePath, relPath) {
			return k, v, true
		}
	}
	return "", State{}, false
}

func (b *redisBackend) NeedsSync(localPath string) (string, bool, error) {
	cached, ok := b.Get(localPath)
	return needsSyncFor(localPath, cached, ok)
}

func (b *redisBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *redisBackend) IsEmpty() bool {
	return b.Len() == 0
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
