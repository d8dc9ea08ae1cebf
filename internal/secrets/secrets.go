// Package secrets propagates small configuration/secret files (YAML, JSON,
// env, ini) across a fleet of devices through the same content-addressed
// object store the file sync engine uses, without deleting anything the
// other side wrote.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tummycrypt/tcfs/internal/hashing"
	"github.com/tummycrypt/tcfs/internal/objectstore"
)

// trackedExtensions lists the file extensions this propagator watches and
// diffs. Anything else in the directory tree is ignored.
var trackedExtensions = map[string]bool{
	".yaml": true,
	".yml":  true,
	".json": true,
	".env":  true,
	".ini":  true,
}

// Entry describes one tracked file at a point in time.
type Entry struct {
	RelativePath string `json:"relative_path"`
	Blake3Hash   string `json:"blake3_hash"`
	MachineID    string `json:"machine_id"`
	SizeBytes    uint64 `json:"size_bytes"`
}

// Diff is the five-way classification of local vs. remote entries.
type Diff struct {
	LocalOnly  []Entry
	RemoteOnly []Entry
	Unchanged  []Entry
	Modified   []Entry
	Conflicts  []Entry
}

// HasChanges reports whether pushing or pulling this diff would do anything.
func (d Diff) HasChanges() bool {
	return len(d.LocalOnly) > 0 || len(d.RemoteOnly) > 0 || len(d.Modified) > 0 || len(d.Conflicts) > 0
}

// Summary renders a one-line count of every bucket, for logging.
func (d Diff) Summary() string {
	return fmt.Sprintf("local_only=%d, remote_only=%d, modified=%d, unchanged=%d, conflicts=%d",
		len(d.LocalOnly), len(d.RemoteOnly), len(d.Modified), len(d.Unchanged), len(d.Conflicts))
}

// Compute classifies every local and remote entry by relative path.
//
// Conflicts is never populated here: telling "modified independently on both
// sides" apart from "remote caught up with what local already pushed"
// requires a last-known-good baseline per path, which this propagator does
// not keep. A remote entry whose hash disagrees with the matching local
// entry is always reported as Modified; resolving that ambiguity is left to
// Pull's backup-before-overwrite policy.
func Compute(local, remote []Entry) Diff {
	var d Diff

	remoteByPath := make(map[string]Entry, len(remote))
	for _, r := range remote {
		remoteByPath[r.RelativePath] = r
	}

	localSeen := make(map[string]bool, len(local))
	for _, l := range local {
		localSeen[l.RelativePath] = true
		if r, ok := remoteByPath[l.RelativePath]; ok {
			if l.Blake3Hash == r.Blake3Hash {
				d.Unchanged = append(d.Unchanged, l)
			} else {
				d.Modified = append(d.Modified, l)
			}
		} else {
			d.LocalOnly = append(d.LocalOnly, l)
		}
	}

	for _, r := range remote {
		if !localSeen[r.RelativePath] {
			d.RemoteOnly = append(d.RemoteOnly, r)
		}
	}

	return d
}

// Config controls where a Propagator looks locally and remotely.
type Config struct {
	// SopsDir is the local directory scanned for tracked files.
	SopsDir string
	// S3Prefix namespaces this fleet's manifest and file blobs in the
	// object store, e.g. "sops-sync".
	S3Prefix string
	// MachineID is recorded against every entry this device pushes.
	MachineID string
	// BackupDir receives timestamped copies of local files overwritten by
	// a conflicting pull.
	BackupDir string
	// AdditiveOnly, when true (the default), means Push never removes an
	// entry from the remote manifest even if the local file was deleted.
	AdditiveOnly bool
}

// DefaultConfig mirrors the propagator's out-of-the-box layout under the
// caller's home/config directories.
func DefaultConfig(machineID string) Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		SopsDir:      filepath.Join(home, ".config", "sops", "age"),
		S3Prefix:     path.Join("sops-sync", machineID),
		MachineID:    machineID,
		BackupDir:    filepath.Join(home, ".local", "share", "tcfs", "sops-backups"),
		AdditiveOnly: true,
	}
}

// PushResult tallies what Push actually sent.
type PushResult struct {
	Pushed  uint64
	Skipped uint64
}

// PullResult tallies what Pull brought down, and how many needed a backup.
type PullResult struct {
	Pulled    uint64
	Conflicts uint64
}

// Propagator scans, pushes, and pulls tracked secret files against an
// object store, and can watch the local directory to push on every change.
type Propagator struct {
	config Config
	store  objectstore.Store
	log    *logrus.Logger
}

// New builds a Propagator, creating the backup directory if needed.
func New(cfg Config, store objectstore.Store, log *logrus.Logger) (*Propagator, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating backup dir: %v", errs.ErrIO, err)
	}
	return &Propagator{config: cfg, store: store, log: log}, nil
}

func (p *Propagator) manifestKey() string {
	return path.Join(p.config.S3Prefix, "manifest.json")
}

func (p *Propagator) fileKey(relPath string) string {
	return path.Join(p.config.S3Prefix, "files", filepath.ToSlash(relPath))
}

// Scan computes the current diff between the local directory and the
// remote manifest.
func (p *Propagator) Scan(ctx context.Context) (Diff, error) {
	local, err := scanLocalDir(p.config.SopsDir)
	if err != nil {
		return Diff{}, err
	}
	remote, err := p.loadRemoteManifest(ctx)
	if err != nil {
		return Diff{}, err
	}
	return Compute(local, remote), nil
}

// Push uploads every local-only and modified file and folds the full local
// listing into the remote manifest. It never removes a remote manifest
// entry, even one with no corresponding local file, so AdditiveOnly is
// always honored regardless of its value.
func (p *Propagator) Push(ctx context.Context, diff Diff) (PushResult, error) {
	var result PushResult

	for _, entry := range append(append([]Entry{}, diff.LocalOnly...), diff.Modified...) {
		localPath := filepath.Join(p.config.SopsDir, filepath.FromSlash(entry.RelativePath))
		content, err := os.ReadFile(localPath)
		if err != nil {
			p.log.WithField("path", entry.RelativePath).Warn("local file disappeared before push, skipping")
			result.Skipped++
			continue
		}
		if err := p.store.Write(ctx, p.fileKey(entry.RelativePath), content); err != nil {
			return result, fmt.Errorf("%w: writing %s: %v", errs.ErrStorage, entry.RelativePath, err)
		}
		p.log.WithField("path", entry.RelativePath).Info("pushed secret file")
		result.Pushed++
	}

	local, err := scanLocalDir(p.config.SopsDir)
	if err != nil {
		return result, err
	}
	remote, err := p.loadRemoteManifest(ctx)
	if err != nil {
		return result, err
	}

	merged := mergeManifest(remote, local, p.config.MachineID)
	if err := p.saveRemoteManifest(ctx, merged); err != nil {
		return result, err
	}
	p.log.WithField("entries", len(merged)).Debug("saved remote manifest")

	return result, nil
}

// mergeManifest folds freshly-scanned local entries into the existing
// remote listing, stamping the pushing machine's id, without dropping any
// entry the remote side already has.
func mergeManifest(remote, local []Entry, machineID string) []Entry {
	byPath := make(map[string]Entry, len(remote)+len(local))
	order := make([]string, 0, len(remote)+len(local))
	for _, r := range remote {
		byPath[r.RelativePath] = r
		order = append(order, r.RelativePath)
	}
	for _, l := range local {
		if _, exists := byPath[l.RelativePath]; !exists {
			order = append(order, l.RelativePath)
		}
		l.MachineID = machineID
		byPath[l.RelativePath] = l
	}

	merged := make([]Entry, 0, len(order))
	for _, p := range order {
		merged = append(merged, byPath[p])
	}
	return merged
}

// Pull fetches every remote-only file into the local directory, and for
// conflicting entries backs up the local version before overwriting it
// with the incoming one.
func (p *Propagator) Pull(ctx context.Context) (PullResult, error) {
	diff, err := p.Scan(ctx)
	if err != nil {
		return PullResult{}, err
	}
	return p.pullDiff(ctx, diff)
}

// pullDiff applies a previously computed diff. Split out from Pull so the
// conflict-backup branch can be exercised directly: Compute never produces
// a populated Conflicts bucket on its own (see Compute's doc comment), so
// reaching it through Pull alone is not possible in practice.
func (p *Propagator) pullDiff(ctx context.Context, diff Diff) (PullResult, error) {
	var result PullResult

	for _, entry := range diff.RemoteOnly {
		if err := p.fetchInto(ctx, entry.RelativePath); err != nil {
			return result, err
		}
		p.log.WithFields(logrus.Fields{"path": entry.RelativePath, "from": entry.MachineID}).Info("pulled secret file")
		result.Pulled++
	}

	for _, entry := range diff.Conflicts {
		localPath := filepath.Join(p.config.SopsDir, filepath.FromSlash(entry.RelativePath))
		if _, err := BackupFile(localPath, p.config.BackupDir, entry.RelativePath); err != nil {
			return result, err
		}
		if err := p.fetchInto(ctx, entry.RelativePath); err != nil {
			return result, err
		}
		p.log.WithField("path", entry.RelativePath).Warn("conflict: both local and remote modified, backed up local copy")
		result.Conflicts++
	}

	return result, nil
}

func (p *Propagator) fetchInto(ctx context.Context, relPath string) error {
	content, err := p.store.Read(ctx, p.fileKey(relPath))
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", errs.ErrStorage, relPath, err)
	}
	localPath := filepath.Join(p.config.SopsDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return fmt.Errorf("%w: creating dir for %s: %v", errs.ErrIO, relPath, err)
	}
	if err := os.WriteFile(localPath, content, 0o600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", errs.ErrIO, relPath, err)
	}
	return nil
}

// BackupFile copies source into {backupDir}/{unix_ts}/{relativePath}
// before it is about to be overwritten. Returns "" if source does not
// exist (nothing to back up).
func BackupFile(source, backupDir, relativePath string) (string, error) {
	if _, err := os.Stat(source); err != nil {
		return "", nil
	}

	timestamp := time.Now().Unix()
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%d", timestamp), filepath.FromSlash(relativePath))

	if err := os.MkdirAll(filepath.Dir(backupPath), 0o700); err != nil {
		return "", fmt.Errorf("%w: creating backup dir: %v", errs.ErrIO, err)
	}

	content, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s for backup: %v", errs.ErrIO, source, err)
	}
	if err := os.WriteFile(backupPath, content, 0o600); err != nil {
		return "", fmt.Errorf("%w: writing backup %s: %v", errs.ErrIO, backupPath, err)
	}

	return backupPath, nil
}

func (p *Propagator) loadRemoteManifest(ctx context.Context) ([]Entry, error) {
	exists, err := p.store.Exists(ctx, p.manifestKey())
	if err != nil {
		return nil, fmt.Errorf("%w: checking manifest: %v", errs.ErrStorage, err)
	}
	if !exists {
		return nil, nil
	}
	data, err := p.store.Read(ctx, p.manifestKey())
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %v", errs.ErrStorage, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest: %v", errs.ErrParse, err)
	}
	return entries, nil
}

func (p *Propagator) saveRemoteManifest(ctx context.Context, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("%w: marshaling manifest: %v", errs.ErrParse, err)
	}
	if err := p.store.Write(ctx, p.manifestKey(), data); err != nil {
		return fmt.Errorf("%w: writing manifest: %v", errs.ErrStorage, err)
	}
	return nil
}

// scanLocalDir walks dir collecting an Entry for every tracked file.
// A missing dir scans as empty rather than erroring, since a device that
// has never touched its secrets directory is a normal starting state.
func scanLocalDir(dir string) ([]Entry, error) {
	var entries []Entry

	if _, err := os.Stat(dir); err != nil {
		return entries, nil
	}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !IsTrackedFile(p) {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", errs.ErrIO, p, err)
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		hash := hashing.Bytes(content)
		entries = append(entries, Entry{
			RelativePath: filepath.ToSlash(rel),
			Blake3Hash:   hashing.Hex(hash),
			SizeBytes:    uint64(len(content)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// IsTrackedFile reports whether path's extension is one this propagator
// tracks (yaml, yml, json, env, ini), case-insensitively.
func IsTrackedFile(path string) bool {
	return trackedExtensions[strings.ToLower(filepath.Ext(path))]
}
