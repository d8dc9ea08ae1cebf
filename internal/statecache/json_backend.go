package statecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tummycrypt/tcfs/internal/errs"
)

// jsonBackend is the whole-file-in-memory backend: the entire map loads on
// open and flush rewrites it atomically (write to a temp sibling, rename).
type jsonBackend struct {
	mu      sync.RWMutex
	dbPath  string
	entries map[string]State
	dirty   bool
}

func openJSONBackend(dbPath string) (*jsonBackend, error) {
	entries := make(map[string]State)

	if data, err := os.ReadFile(dbPath); err == nil {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("%w: parsing state cache %s: %v", errs.ErrParse, dbPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: reading state cache %s: %v", errs.ErrIO, dbPath, err)
	}

	return &jsonBackend{dbPath: dbPath, entries: entries}, nil
}

func (b *jsonBackend) Get(localPath string) (State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.entries[PathKey(localPath)]
	return s, ok
}

func (b *jsonBackend) Set(localPath string, state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[PathKey(localPath)] = state
	b.dirty = true
}

func (b *jsonBackend) Remove(localPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := PathKey(localPath)
	if _, ok := b.entries[key]; ok {
		delete(b.entries, key)
		b.dirty = true
	}
}

func (b *jsonBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}

	if dir := filepath.Dir(b.dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: creating state dir %s: %v", errs.ErrIO, dir, err)
		}
	}

	data, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: serializing state cache: %v", errs.ErrParse, err)
	}

	tmpPath := b.dbPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing state cache temp %s: %v", errs.ErrIO, tmpPath, err)
	}
	if err := os.Rename(tmpPath, b.dbPath); err != nil {
		return fmt.Errorf("%w: renaming state cache to %s: %v", errs.ErrIO, b.dbPath, err)
	}

	b.dirty = false
	return nil
}

func (b *jsonBackend) AllEntries() map[string]State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]State, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

func (b *jsonBackend) GetByRelPath(relPath string) (string, State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k, v := range b.entries {
		if matchesRelPath(v.RemotePath, relPath) {
			return k, v, true
		}
	}
	return "", State{}, false
}

func (b *jsonBackend) NeedsSync(localPath string) (string, bool, error) {
	cached, ok := b.Get(localPath)
	return needsSyncFor(localPath, cached, ok)
}

func (b *jsonBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *jsonBackend) IsEmpty() bool {
	return b.Len() == 0
}

// Close performs a best-effort flush, mirroring the original's Drop impl
// (a dirty cache attempts to flush when it goes out of scope).
func (b *jsonBackend) Close() error {
	return b.Flush()
}
