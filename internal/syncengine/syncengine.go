// Package syncengine drives the upload/download/tree-walk operations that
// move a file between a local path and its content-addressed remote
// representation, wiring together chunking, optional encryption, the
// manifest format, the state cache, and conflict detection.
package syncengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	glob "github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tummycrypt/tcfs/internal/chunker"
	"github.com/tummycrypt/tcfs/internal/chunkcrypto"
	"github.com/tummycrypt/tcfs/internal/conflict"
	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tummycrypt/tcfs/internal/gitsafety"
	"github.com/tummycrypt/tcfs/internal/hashing"
	"github.com/tummycrypt/tcfs/internal/keys"
	"github.com/tummycrypt/tcfs/internal/manifest"
	"github.com/tummycrypt/tcfs/internal/metrics"
	"github.com/tummycrypt/tcfs/internal/objectstore"
	"github.com/tummycrypt/tcfs/internal/statecache"
	"github.com/tummycrypt/tcfs/internal/vclock"
)

var tracer = otel.Tracer("tcfs/syncengine")

// ProgressFunc reports chunk-level progress during upload/download; done and
// total are chunk counts, not bytes.
type ProgressFunc func(done, total uint64, message string)

// CollectConfig controls which files push_tree gathers from a local root.
type CollectConfig struct {
	SyncGitDirs     bool
	GitSyncMode     string
	SyncHiddenDirs  bool
	ExcludePatterns []string
}

// DefaultCollectConfig matches the conservative default: skip .git and
// hidden directories entirely, no excludes.
func DefaultCollectConfig() CollectConfig {
	return CollectConfig{GitSyncMode: "bundle"}
}

// UploadResult reports the outcome of a single-file upload.
type UploadResult struct {
	LocalPath  string
	RemotePath string
	Hash       string
	Chunks     int
	Bytes      uint64
	Skipped    bool
	Outcome    *conflict.SyncOutcome
}

// DownloadResult reports the outcome of a single-file download.
type DownloadResult struct {
	RemotePath string
	LocalPath  string
	Bytes      uint64
}

// PushSummary totals the results of a push_tree walk.
type PushSummary struct {
	Uploaded int
	Skipped  int
	Bytes    uint64
}

// Engine wires an object store, a state cache, and an optional per-file
// encryption master key into the upload/download/push-tree operations.
//
// A nil MasterKey means the pipeline runs unencrypted: chunks are stored as
// plaintext, and manifests carry no wrapped file key. Engine is safe for
// concurrent use across distinct local paths; callers sharing a StateCache
// across goroutines must ensure the backend itself is safe for that (all
// three backends in package statecache are).
type Engine struct {
	Store     objectstore.Store
	State     statecache.Backend
	DeviceID  string
	MasterKey *keys.MasterKey
	// Metrics, when set, records per-chunk encrypt/decrypt latency and
	// error counters. Nil disables recording.
	Metrics *metrics.Metrics
	// Logger receives warnings for conditions that don't fail the calling
	// operation (e.g. a push_tree index entry that fails to write). Nil
	// falls back to logrus.StandardLogger().
	Logger *logrus.Logger
}

func (e *Engine) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

// Upload chunks and uploads a single file, skipping it if the state cache
// says it is already current. When e.DeviceID is non-empty, the remote
// manifest (if any) is fetched and compared via vector clocks before any
// write is attempted, so a RemoteNewer or Conflict outcome never touches
// the object store's write path.
func (e *Engine) Upload(ctx context.Context, localPath, remotePrefix, relPath string, progress ProgressFunc) (UploadResult, error) {
	ctx, span := tracer.Start(ctx, "syncengine.Upload", trace.WithAttributes(
		attribute.String("local_path", localPath),
	))
	defer span.End()

	if reason, needsSync, err := e.State.NeedsSync(localPath); err != nil {
		return UploadResult{}, err
	} else if !needsSync {
		cached, _ := e.State.Get(localPath)
		return UploadResult{
			LocalPath:  localPath,
			RemotePath: cached.RemotePath,
			Hash:       cached.FileHash,
			Chunks:     cached.ChunkCount,
			Bytes:      cached.Size,
			Skipped:    true,
			Outcome:    &conflict.SyncOutcome{Kind: conflict.UpToDate},
		}, nil
	} else {
		span.SetAttributes(attribute.String("reason", reason))
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: reading %s: %v", errs.ErrIO, localPath, err)
	}

	sizes := chunker.SizesForPath(localPath)
	chunks, err := chunker.Data(data, sizes)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: chunking %s: %v", errs.ErrIO, localPath, err)
	}

	fileSize := uint64(len(data))
	fileHash := hashing.Bytes(data)
	fileHashHex := hashing.Hex(fileHash)

	remoteManifestKey := fmt.Sprintf("%s/manifests/%s", remotePrefix, fileHashHex)

	cachedState, haveCached := e.State.Get(localPath)
	localVClock := vclock.New()
	if haveCached {
		localVClock = cachedState.VClock.Clone()
	}

	var outcome *conflict.SyncOutcome

	if e.DeviceID != "" {
		if exists, _ := e.Store.Exists(ctx, remoteManifestKey); exists {
			remoteBytes, err := e.Store.Read(ctx, remoteManifestKey)
			if err == nil {
				if remoteManifest, err := manifest.FromBytes(remoteBytes); err == nil {
					result := conflict.CompareClocks(
						relPath,
						localVClock,
						remoteManifest.VClock,
						fileHashHex,
						remoteManifest.FileHash,
						e.DeviceID,
						remoteManifest.WrittenBy,
						uint64(time.Now().Unix()),
					)

					switch result.Kind {
					case conflict.RemoteNewer, conflict.Conflict:
						return UploadResult{
							LocalPath:  localPath,
							RemotePath: remoteManifestKey,
							Hash:       fileHashHex,
							Chunks:     len(chunks),
							Bytes:      fileSize,
							Skipped:    true,
							Outcome:    &result,
						}, nil
					case conflict.UpToDate:
						if err := e.recordState(localPath, fileHashHex, len(chunks), remoteManifestKey, localVClock); err != nil {
							return UploadResult{}, err
						}
						return UploadResult{
							LocalPath:  localPath,
							RemotePath: remoteManifestKey,
							Hash:       fileHashHex,
							Chunks:     len(chunks),
							Bytes:      fileSize,
							Skipped:    true,
							Outcome:    &result,
						}, nil
					case conflict.LocalNewer:
						localVClock.Merge(remoteManifest.VClock)
						outcome = &result
					}
				}
			}
		}
	}

	// Single-device content dedup: only applies when no device identity is
	// in play, since a device-aware caller always needs the vclock
	// comparison above to decide whether its own write is safe to skip.
	if outcome == nil && e.DeviceID == "" {
		if exists, _ := e.Store.Exists(ctx, remoteManifestKey); exists {
			if err := e.recordState(localPath, fileHashHex, len(chunks), remoteManifestKey, localVClock); err != nil {
				return UploadResult{}, err
			}
			return UploadResult{
				LocalPath:  localPath,
				RemotePath: remoteManifestKey,
				Hash:       fileHashHex,
				Chunks:     len(chunks),
				Bytes:      fileSize,
				Skipped:    false,
			}, nil
		}
	}

	if e.DeviceID != "" {
		localVClock.Tick(e.DeviceID)
	}

	var fileKey *keys.FileKey
	var encryptedFileKey []byte
	if e.MasterKey != nil {
		fk, err := keys.GenerateFileKey()
		if err != nil {
			return UploadResult{}, err
		}
		fileKey = &fk
		encryptedFileKey, err = keys.WrapKey(*e.MasterKey, fk)
		if err != nil {
			return UploadResult{}, err
		}
	}

	chunkHashes := make([]string, 0, len(chunks))
	var fileID [chunkcrypto.FileIDSize]byte = fileHash

	for i, c := range chunks {
		plaintext := data[c.Offset : c.Offset+uint64(c.Length)]

		var payload []byte
		var chunkKey string
		if fileKey != nil {
			encryptStart := time.Now()
			encrypted, err := chunkcrypto.Encrypt(*fileKey, uint64(i), fileID, plaintext)
			if err != nil {
				e.recordEncryptionError(ctx, "encrypt")
				return UploadResult{}, err
			}
			e.recordEncryptionOp(ctx, "encrypt", encryptStart, len(plaintext))
			payload = encrypted
			chunkKey = fmt.Sprintf("%s/chunks/%s", remotePrefix, hashing.Hex(hashing.Bytes(payload)))
		} else {
			payload = plaintext
			chunkKey = fmt.Sprintf("%s/chunks/%s", remotePrefix, hashing.Hex(c.Hash))
		}

		if exists, _ := e.Store.Exists(ctx, chunkKey); !exists {
			if err := e.Store.Write(ctx, chunkKey, payload); err != nil {
				return UploadResult{}, fmt.Errorf("%w: uploading chunk %d: %v", errs.ErrStorage, i, err)
			}
		}

		chunkHashes = append(chunkHashes, filepath.Base(chunkKey))

		if progress != nil {
			progress(uint64(i+1), uint64(len(chunks)), fmt.Sprintf("chunk %d/%d", i+1, len(chunks)))
		}
	}

	writtenAt := uint64(time.Now().Unix())
	m := manifest.New(fileHashHex, fileSize, chunkHashes, localVClock, e.DeviceID, relPath, writtenAt, encryptedFileKey)

	manifestBytes, err := manifest.ToBytes(m)
	if err != nil {
		return UploadResult{}, err
	}
	if err := e.Store.Write(ctx, remoteManifestKey, manifestBytes); err != nil {
		return UploadResult{}, fmt.Errorf("%w: uploading manifest %s: %v", errs.ErrStorage, remoteManifestKey, err)
	}

	if err := e.recordState(localPath, fileHashHex, len(chunks), remoteManifestKey, localVClock); err != nil {
		return UploadResult{}, err
	}

	return UploadResult{
		LocalPath:  localPath,
		RemotePath: remoteManifestKey,
		Hash:       fileHashHex,
		Chunks:     len(chunks),
		Bytes:      fileSize,
		Skipped:    false,
		Outcome:    outcome,
	}, nil
}

func (e *Engine) recordEncryptionOp(ctx context.Context, operation string, start time.Time, bytesLen int) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordEncryptionOperation(ctx, operation, time.Since(start), int64(bytesLen))
}

func (e *Engine) recordEncryptionError(ctx context.Context, operation string) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordEncryptionError(ctx, operation, "chunk_crypto_failure")
}

func (e *Engine) recordState(localPath, fileHash string, chunkCount int, remotePath string, vc vclock.Clock) error {
	st, err := statecache.MakeState(localPath, fileHash, chunkCount, remotePath, vc, e.DeviceID, uint64(time.Now().Unix()))
	if err != nil {
		return err
	}
	e.State.Set(localPath, st)
	return nil
}

// Download fetches a manifest, reassembles its chunks (decrypting them if
// the manifest carries a wrapped file key), verifies the reassembled file's
// hash, and atomically materializes it at localPath via a sibling temp file
// plus rename.
func (e *Engine) Download(ctx context.Context, remoteManifestKey, localPath, remotePrefix string, progress ProgressFunc) (DownloadResult, error) {
	ctx, span := tracer.Start(ctx, "syncengine.Download", trace.WithAttributes(
		attribute.String("remote_manifest", remoteManifestKey),
	))
	defer span.End()

	manifestBytes, err := e.Store.Read(ctx, remoteManifestKey)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("%w: reading manifest %s: %v", errs.ErrStorage, remoteManifestKey, err)
	}

	m, err := manifest.FromBytes(manifestBytes)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("%w: parsing manifest %s: %v", errs.ErrParse, remoteManifestKey, err)
	}

	chunkHashes := m.ChunkHashes()
	if len(chunkHashes) == 0 {
		return DownloadResult{}, fmt.Errorf("%w: integrity check failed: manifest %s has no chunks", errs.ErrIntegrity, remoteManifestKey)
	}

	var fileKey *keys.FileKey
	if e.MasterKey != nil && m.EncryptedFileKey != nil {
		fk, err := keys.UnwrapKey(*e.MasterKey, m.EncryptedFileKey)
		if err != nil {
			return DownloadResult{}, err
		}
		fileKey = &fk
	}

	var fileID [chunkcrypto.FileIDSize]byte
	if fh, err := hashing.FromHex(m.FileHash); err == nil {
		fileID = fh
	}

	assembled := make([]byte, 0, m.FileSize)
	for i, chunkHash := range chunkHashes {
		chunkKey := fmt.Sprintf("%s/chunks/%s", remotePrefix, chunkHash)
		chunkData, err := e.Store.Read(ctx, chunkKey)
		if err != nil {
			return DownloadResult{}, fmt.Errorf("%w: downloading chunk %d (%s): %v", errs.ErrStorage, i, chunkKey, err)
		}

		if fileKey != nil {
			decryptStart := time.Now()
			plain, err := chunkcrypto.Decrypt(*fileKey, uint64(i), fileID, chunkData)
			if err != nil {
				e.recordEncryptionError(ctx, "decrypt")
				return DownloadResult{}, err
			}
			e.recordEncryptionOp(ctx, "decrypt", decryptStart, len(plain))
			assembled = append(assembled, plain...)
		} else {
			gotHash := hashing.Hex(hashing.Bytes(chunkData))
			if gotHash != chunkHash {
				return DownloadResult{}, fmt.Errorf("%w: integrity check failed: chunk %d hash mismatch: got %s want %s", errs.ErrIntegrity, i, gotHash, chunkHash)
			}
			assembled = append(assembled, chunkData...)
		}

		if progress != nil {
			progress(uint64(i+1), uint64(len(chunkHashes)), fmt.Sprintf("chunk %d/%d", i+1, len(chunkHashes)))
		}
	}

	if !m.IsLegacy() {
		gotHash := hashing.Hex(hashing.Bytes(assembled))
		if gotHash != m.FileHash {
			return DownloadResult{}, fmt.Errorf("%w: integrity check failed: reassembled file hash mismatch: got %s want %s", errs.ErrIntegrity, gotHash, m.FileHash)
		}
	}

	if err := writeAtomic(localPath, assembled); err != nil {
		return DownloadResult{}, err
	}

	if e.DeviceID != "" {
		cachedState, haveCached := e.State.Get(localPath)
		localVClock := vclock.New()
		if haveCached {
			localVClock = cachedState.VClock.Clone()
		}
		localVClock.Merge(m.VClock)

		gotHash := hashing.Hex(hashing.Bytes(assembled))
		if err := e.recordState(localPath, gotHash, len(chunkHashes), remoteManifestKey, localVClock); err != nil {
			return DownloadResult{}, err
		}
	}

	return DownloadResult{
		RemotePath: remoteManifestKey,
		LocalPath:  localPath,
		Bytes:      uint64(len(assembled)),
	}, nil
}

func writeAtomic(localPath string, data []byte) error {
	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: creating dir %s: %v", errs.ErrIO, dir, err)
		}
	}

	tmp := localPath + ".tcfs_tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing temp file %s: %v", errs.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", errs.ErrIO, tmp, localPath, err)
	}
	return nil
}

// PushTree walks localRoot, collecting files per cfg, and uploads each
// changed one under remotePrefix. An index entry recording manifest hash,
// size, and chunk count is written alongside each successful upload so a
// presentation layer can list files by their original relative path.
func (e *Engine) PushTree(ctx context.Context, localRoot, remotePrefix string, cfg CollectConfig) (PushSummary, error) {
	ctx, span := tracer.Start(ctx, "syncengine.PushTree", trace.WithAttributes(
		attribute.String("local_root", localRoot),
	))
	defer span.End()

	files, err := CollectFiles(localRoot, cfg, e.logger())
	if err != nil {
		return PushSummary{}, err
	}

	var summary PushSummary
	prefix := strings.TrimSuffix(remotePrefix, "/")

	for _, path := range files {
		rel, err := filepath.Rel(localRoot, path)
		if err != nil {
			rel = path
		}
		relSlash := filepath.ToSlash(rel)

		result, err := e.Upload(ctx, path, prefix, relSlash, nil)
		if err != nil {
			continue
		}

		indexKey := fmt.Sprintf("%s/index/%s", prefix, relSlash)
		indexEntry := fmt.Sprintf("manifest_hash=%s\nsize=%d\nchunks=%d\n", result.Hash, result.Bytes, result.Chunks)
		if err := e.Store.Write(ctx, indexKey, []byte(indexEntry)); err != nil {
			e.logger().WithError(err).WithField("index_key", indexKey).Warn("failed to write push_tree index entry")
		}

		if result.Skipped {
			summary.Skipped++
		} else {
			summary.Uploaded++
			summary.Bytes += result.Bytes
		}
	}

	if err := e.State.Flush(); err != nil {
		return summary, err
	}

	return summary, nil
}

// CollectFiles walks root recursively, returning every regular file that
// survives the collection policy: target/node_modules/.DS_Store are always
// skipped; other hidden directories are skipped unless cfg.SyncHiddenDirs;
// .git is skipped by default, git-safety-checked and bundle-or-raw handled
// when cfg.SyncGitDirs is set; glob-matched names are excluded. Results are
// sorted for deterministic ordering across runs. On a git-safety block, one
// line per blocking signal is logged to logger and the directory is skipped
// without failing the rest of the walk.
func CollectFiles(root string, cfg CollectConfig, logger *logrus.Logger) ([]string, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var files []string
	if err := collectInto(root, &files, cfg, logger); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func collectInto(dir string, out *[]string, cfg CollectConfig, logger *logrus.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: reading dir %s: %v", errs.ErrIO, dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)

		if matchesAnyExclude(cfg.ExcludePatterns, name) {
			continue
		}

		if entry.IsDir() {
			if name == "target" || name == "node_modules" || name == ".DS_Store" {
				continue
			}

			if name == ".git" {
				if !cfg.SyncGitDirs {
					continue
				}
				safety := gitsafety.IsSafe(path)
				if len(safety.Blocking) > 0 {
					for _, signal := range safety.Blocking {
						logger.WithField("git_dir", path).Warnf("git-safety block: %s", signal)
					}
					continue
				}
				if cfg.GitSyncMode == "bundle" {
					continue
				}
				if err := collectInto(path, out, cfg, logger); err != nil {
					return err
				}
				continue
			}

			if strings.HasPrefix(name, ".") && !cfg.SyncHiddenDirs {
				continue
			}

			if err := collectInto(path, out, cfg, logger); err != nil {
				return err
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", errs.ErrIO, path, err)
		}
		if info.Mode().IsRegular() {
			*out = append(*out, path)
		}
	}

	return nil
}

func matchesAnyExclude(patterns []string, name string) bool {
	for _, p := range patterns {
		if glob.Glob(p, name) {
			return true
		}
	}
	return false
}
