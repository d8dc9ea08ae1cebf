// Package gitsafety guards against syncing a .git directory mid-operation:
// it refuses (or warns) when lock files or in-progress rebase/merge state
// are present, and provides a bundle-based snapshot/restore pair plus a
// cooperative lock for raw (non-bundle) sync mode.
package gitsafety

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tummycrypt/tcfs/internal/errs"
)

var lockFiles = []string{
	"index.lock",
	"HEAD.lock",
	"gc.pid",
	filepath.Join("refs", "heads", "*.lock"),
	"shallow.lock",
	"packed-refs.lock",
}

var inProgressOps = []struct {
	path string
	desc string
}{
	{"rebase-merge", "interactive rebase in progress"},
	{"rebase-apply", "rebase/am in progress"},
	{"MERGE_HEAD", "merge in progress"},
	{"CHERRY_PICK_HEAD", "cherry-pick in progress"},
	{"BISECT_LOG", "bisect in progress"},
	{"REVERT_HEAD", "revert in progress"},
}

const staleFetchHeadThreshold = time.Hour

// Check is the result of evaluating whether a .git directory is safe to
// sync: Blocking entries must cause that directory to be skipped for this
// push; Warnings are informational only.
type Check struct {
	Blocking []string
	Warnings []string
}

// IsSafe inspects gitDir for lock files and in-progress git operations.
func IsSafe(gitDir string) Check {
	var check Check

	for _, lock := range lockFiles {
		matches, _ := filepath.Glob(filepath.Join(gitDir, lock))
		if len(matches) > 0 {
			check.Blocking = append(check.Blocking, fmt.Sprintf("lock file exists: %s", lock))
		}
	}

	for _, op := range inProgressOps {
		if _, err := os.Stat(filepath.Join(gitDir, op.path)); err == nil {
			check.Blocking = append(check.Blocking, fmt.Sprintf("%s: %s exists", op.desc, op.path))
		}
	}

	if info, err := os.Stat(filepath.Join(gitDir, "FETCH_HEAD")); err == nil {
		if time.Since(info.ModTime()) > staleFetchHeadThreshold {
			check.Warnings = append(check.Warnings, "FETCH_HEAD is stale (>1h old)")
		}
	}

	return check
}

// SnapshotForSync runs `git bundle create --all` in repoRoot, producing a
// single-file snapshot of every ref and object.
func SnapshotForSync(repoRoot string) (string, error) {
	bundlePath := filepath.Join(repoRoot, ".git-tcfs-bundle")

	cmd := exec.Command("git", "bundle", "create", bundlePath, "--all")
	cmd.Dir = repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: git bundle create: %v: %s", errs.ErrSafety, err, out)
	}

	return bundlePath, nil
}

// RestoreFromBundle clones target from a bundle produced by SnapshotForSync.
func RestoreFromBundle(bundle, target string) error {
	cmd := exec.Command("git", "clone", bundle, target)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: git clone from bundle: %v: %s", errs.ErrSafety, err, out)
	}
	return nil
}

// AcquireLock creates gitDir/tcfs.lock with create-exclusive semantics,
// failing if another sync already holds it. The caller is responsible for
// removing the file (via Close, or os.Remove) once the sync completes.
func AcquireLock(gitDir string) (*os.File, error) {
	lockPath := filepath.Join(gitDir, "tcfs.lock")

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: could not acquire tcfs.lock in %s (another sync in progress?)", errs.ErrSafety, gitDir)
		}
		return nil, fmt.Errorf("%w: creating tcfs.lock: %v", errs.ErrIO, err)
	}
	return file, nil
}

// ReleaseLock closes and removes a lock acquired via AcquireLock.
func ReleaseLock(gitDir string, lock *os.File) error {
	lockPath := filepath.Join(gitDir, "tcfs.lock")
	closeErr := lock.Close()
	if err := os.Remove(lockPath); err != nil {
		return fmt.Errorf("%w: removing tcfs.lock: %v", errs.ErrIO, err)
	}
	return closeErr
}
