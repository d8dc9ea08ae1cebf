package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tummycrypt/tcfs/internal/conflict"
	"github.com/tummycrypt/tcfs/internal/hashing"
	"github.com/tummycrypt/tcfs/internal/keys"
	"github.com/tummycrypt/tcfs/internal/manifest"
	"github.com/tummycrypt/tcfs/internal/objectstore"
	"github.com/tummycrypt/tcfs/internal/statecache"
	"github.com/tummycrypt/tcfs/internal/vclock"
)

// memStore is a minimal in-memory objectstore.Store for exercising the
// engine without a real S3-compatible backend.
type memStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *memStore) Write(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]objectstore.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []objectstore.Entry
	for k, v := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, objectstore.Entry{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, deviceID string) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	backend, err := statecache.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return &Engine{Store: store, State: backend, DeviceID: deviceID}, store
}

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeTempFile(t, dir, "hello.txt", "hello, sync engine")

	engine, _ := newTestEngine(t, "laptop-1")

	uploadResult, err := engine.Upload(ctx, path, "devices/laptop-1", "hello.txt", nil)
	require.NoError(t, err)
	assert.False(t, uploadResult.Skipped)
	assert.NotEmpty(t, uploadResult.RemotePath)
	assert.Greater(t, uploadResult.Chunks, 0)

	outPath := filepath.Join(dir, "downloaded.txt")
	downloadResult, err := engine.Download(ctx, uploadResult.RemotePath, outPath, "devices/laptop-1", nil)
	require.NoError(t, err)
	assert.Equal(t, uploadResult.Bytes, downloadResult.Bytes)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello, sync engine", string(data))
}

func TestUploadSkipsWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeTempFile(t, dir, "hello.txt", "unchanged content")

	engine, _ := newTestEngine(t, "laptop-1")

	first, err := engine.Upload(ctx, path, "devices/laptop-1", "hello.txt", nil)
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := engine.Upload(ctx, path, "devices/laptop-1", "hello.txt", nil)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	require.NotNil(t, second.Outcome)
	assert.Equal(t, conflict.UpToDate, second.Outcome.Kind)
}

func TestUploadDedupsWithoutDeviceIdentity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	pathA := writeTempFile(t, dir, "a.txt", "identical payload")
	pathB := writeTempFile(t, dir, "b.txt", "identical payload")

	engine, store := newTestEngine(t, "")

	resultA, err := engine.Upload(ctx, pathA, "devices/shared", "a.txt", nil)
	require.NoError(t, err)
	assert.False(t, resultA.Skipped)

	objectCountAfterFirst := 0
	for range store.objects {
		objectCountAfterFirst++
	}

	resultB, err := engine.Upload(ctx, pathB, "devices/shared", "b.txt", nil)
	require.NoError(t, err)
	assert.False(t, resultB.Skipped)
	assert.Equal(t, resultA.Hash, resultB.Hash)
	assert.Equal(t, resultA.RemotePath, resultB.RemotePath)

	// No new chunk or manifest objects should have been written for the
	// dedup branch.
	objectCountAfterSecond := 0
	for range store.objects {
		objectCountAfterSecond++
	}
	assert.Equal(t, objectCountAfterFirst, objectCountAfterSecond)
}

// Two devices converging on identical content resolve as UpToDate even when
// their vector clocks disagree: the remote manifest for a given upload is
// addressed by that upload's own content hash, so a genuine content
// divergence never contends for the same path — each device's distinct
// content lands at its own hash-addressed manifest instead. Conflict only
// becomes reachable when a remote object's recorded FileHash disagrees with
// the path it was fetched from (exercised directly below via a forged
// manifest), which is the scenario multi-device convergence actually needs
// a higher-level per-path index to resolve.
func TestUploadIdenticalContentAcrossDevicesResolvesUpToDate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	dirA := t.TempDir()
	dirB := t.TempDir()

	backendA, err := statecache.Open(filepath.Join(t.TempDir(), "a.json"))
	require.NoError(t, err)
	backendB, err := statecache.Open(filepath.Join(t.TempDir(), "b.json"))
	require.NoError(t, err)

	engineA := &Engine{Store: store, State: backendA, DeviceID: "device-a"}
	engineB := &Engine{Store: store, State: backendB, DeviceID: "device-b"}

	pathA := writeTempFile(t, dirA, "notes.txt", "identical content")
	pathB := writeTempFile(t, dirB, "notes.txt", "identical content")

	_, err = engineA.Upload(ctx, pathA, "shared/notes", "notes.txt", nil)
	require.NoError(t, err)

	result, err := engineB.Upload(ctx, pathB, "shared/notes", "notes.txt", nil)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, conflict.UpToDate, result.Outcome.Kind)
}

// TestUploadConflictViaForgedRemoteManifest exercises the Conflict branch
// directly: a remote manifest is planted at the exact path the local upload
// will compute, with a FileHash that disagrees with that path and a vector
// clock concurrent with the local one.
func TestUploadConflictViaForgedRemoteManifest(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	backend, err := statecache.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	dir := t.TempDir()
	path := writeTempFile(t, dir, "notes.txt", "final version")
	localHash := hashing.Hex(hashing.Bytes([]byte("final version")))

	localVC := vclock.New()
	localVC.Tick("device-a")
	backend.Set(path, statecache.State{FileHash: localHash, VClock: localVC})

	remotePrefix := "shared/forged"
	manifestKey := remotePrefix + "/manifests/" + localHash

	remoteVC := vclock.New()
	remoteVC.Tick("device-b")
	forged := manifest.New("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", 4, []string{"chunk1"}, remoteVC, "device-b", "notes.txt", 1000, nil)
	forgedBytes, err := manifest.ToBytes(forged)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, manifestKey, forgedBytes))

	engine := &Engine{Store: store, State: backend, DeviceID: "device-a"}

	result, err := engine.Upload(ctx, path, remotePrefix, "notes.txt", nil)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, conflict.Conflict, result.Outcome.Kind)
	assert.Equal(t, "device-a", result.Outcome.Info.LocalDevice)
	assert.Equal(t, "device-b", result.Outcome.Info.RemoteDevice)
}

func TestEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeTempFile(t, dir, "secret.txt", "top secret payload")

	master, err := keys.DeriveMasterKey("correct horse battery staple", [16]byte{1, 2, 3}, keys.DefaultParams)
	require.NoError(t, err)

	store := newMemStore()
	backend, err := statecache.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	engine := &Engine{Store: store, State: backend, DeviceID: "laptop-1", MasterKey: &master}

	uploadResult, err := engine.Upload(ctx, path, "devices/laptop-1", "secret.txt", nil)
	require.NoError(t, err)
	assert.False(t, uploadResult.Skipped)

	manifestBytes, err := store.Read(ctx, uploadResult.RemotePath)
	require.NoError(t, err)
	m, err := manifest.FromBytes(manifestBytes)
	require.NoError(t, err)
	assert.NotEmpty(t, m.EncryptedFileKey)

	outPath := filepath.Join(dir, "decrypted.txt")
	_, err = engine.Download(ctx, uploadResult.RemotePath, outPath, "devices/laptop-1", nil)
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "top secret payload", string(data))
}

func TestDownloadRejectsCorruptedChunk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeTempFile(t, dir, "data.bin", "some plaintext bytes")

	engine, store := newTestEngine(t, "")
	uploadResult, err := engine.Upload(ctx, path, "devices/x", "data.bin", nil)
	require.NoError(t, err)

	// Corrupt every stored object that isn't the manifest itself, so any
	// chunk read during the download will fail its hash check.
	for key := range store.objects {
		if key != uploadResult.RemotePath {
			store.objects[key] = []byte("corrupted")
		}
	}

	outPath := filepath.Join(dir, "out.bin")
	_, err = engine.Download(ctx, uploadResult.RemotePath, outPath, "devices/x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity check failed")
}

func TestCollectFilesSkipsDefaultsAndSortsDeterministically(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "target"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	writeTempFile(t, root, "b.txt", "b")
	writeTempFile(t, root, "a.txt", "a")
	writeTempFile(t, filepath.Join(root, "target"), "ignored.txt", "x")
	writeTempFile(t, filepath.Join(root, "node_modules"), "ignored.txt", "x")
	writeTempFile(t, filepath.Join(root, ".hidden"), "ignored.txt", "x")
	writeTempFile(t, filepath.Join(root, "src"), "main.go", "package main")

	files, err := CollectFiles(root, DefaultCollectConfig(), nil)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rel, _ := filepath.Rel(root, f)
		rels = append(rels, filepath.ToSlash(rel))
	}

	assert.Equal(t, []string{"a.txt", "b.txt", "src/main.go"}, rels)
}

func TestCollectFilesAppliesExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeTempFile(t, root, "keep.txt", "keep")
	writeTempFile(t, root, "drop.tmp", "drop")

	cfg := DefaultCollectConfig()
	cfg.ExcludePatterns = []string{"*.tmp"}

	files, err := CollectFiles(root, cfg, nil)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, filepath.Base(f))
	}
	assert.Equal(t, []string{"keep.txt"}, rels)
}

func TestCollectFilesSkipsGitDirByDefault(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	writeTempFile(t, filepath.Join(root, ".git"), "config", "git config contents")
	writeTempFile(t, root, "README.md", "hello")

	files, err := CollectFiles(root, DefaultCollectConfig(), nil)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, filepath.Base(f))
	}
	assert.Equal(t, []string{"README.md"}, rels)
}

func TestCollectFilesLogsEachBlockingSignalOnGitSafetyBlock(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "index.lock"), []byte(""), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(gitDir, "rebase-merge"), 0o755))
	writeTempFile(t, filepath.Join(gitDir, "rebase-merge"), "head-name", "refs/heads/main")
	writeTempFile(t, root, "README.md", "hello")

	cfg := DefaultCollectConfig()
	cfg.SyncGitDirs = true

	logger, hook := test.NewNullLogger()

	files, err := CollectFiles(root, cfg, logger)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, filepath.Base(f))
	}
	assert.Equal(t, []string{"README.md"}, rels, "blocked .git dir must be skipped, not recursed into")

	require.Len(t, hook.AllEntries(), 2, "one log line per blocking signal")
	for _, entry := range hook.AllEntries() {
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, gitDir, entry.Data["git_dir"])
	}
}

func TestPushTreeUploadsNewFilesThenSkipsOnRepeat(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTempFile(t, root, "one.txt", "first file")
	writeTempFile(t, root, "two.txt", "second file")

	engine, store := newTestEngine(t, "laptop-1")

	summary, err := engine.PushTree(ctx, root, "devices/laptop-1", DefaultCollectConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Uploaded)
	assert.Equal(t, 0, summary.Skipped)

	_, hasIndexEntry := store.objects["devices/laptop-1/index/one.txt"]
	assert.True(t, hasIndexEntry)

	summary, err = engine.PushTree(ctx, root, "devices/laptop-1", DefaultCollectConfig())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Uploaded)
	assert.Equal(t, 2, summary.Skipped)
}
