package statecache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tummycrypt/tcfs/internal/errs"
)

var stateBucket = []byte("sync_state")

// boltBackend is the embedded-KV backend: writes go through to bbolt
// immediately, so Flush is a no-op (durability comes from bbolt's own
// write-ahead log); an in-memory mirror loaded on open lets Get avoid a
// disk round trip.
type boltBackend struct {
	mu      sync.RWMutex
	db      *bbolt.DB
	entries map[string]State
}

func openBoltBackend(dbPath string) (*boltBackend, error) {
	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening state cache %s: %v", errs.ErrIO, dbPath, err)
	}

	entries := make(map[string]State)
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var s State
			if err := json.Unmarshal(v, &s); err != nil {
				return nil // skip corrupt entries rather than fail the whole open
			}
			entries[string(k)] = s
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: loading state cache %s: %v", errs.ErrIO, dbPath, err)
	}

	return &boltBackend{db: db, entries: entries}, nil
}

func (b *boltBackend) Get(localPath string) (State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.entries[PathKey(localPath)]
	return s, ok
}

func (b *boltBackend) Set(localPath string, state State) {
	key := PathKey(localPath)

	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := json.Marshal(state)
	if err == nil {
		_ = b.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(stateBucket).Put([]byte(key), data)
		})
	}
	b.entries[key] = state
}

func (b *boltBackend) Remove(localPath string) {
	key := PathKey(localPath)

	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).Delete([]byte(key))
	})
	delete(b.entries, key)
}

// Flush is a no-op: every Set/Remove already wrote through to bbolt.
func (b *boltBackend) Flush() error {
	return nil
}

func (b *boltBackend) AllEntries() map[string]State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]State, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

func (b *boltBackend) GetByRelPath(relPath string) (string, State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k, v := range b.entries {
		if matchesRelPath(v.RemotePath, relPath) {
			return k, v, true
		}
	}
	return "", State{}, false
}

func (b *boltBackend) NeedsSync(localPath string) (string, bool, error) {
	cached, ok := b.Get(localPath)
	return needsSyncFor(localPath, cached, ok)
}

func (b *boltBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *boltBackend) IsEmpty() bool {
	return b.Len() == 0
}

func (b *boltBackend) Close() error {
	return b.db.Close()
}
