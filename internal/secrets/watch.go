package secrets

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/tummycrypt/tcfs/internal/errs"
)

// Watch blocks, scanning on every create/write event for a tracked
// extension under the configured directory and pushing whatever changed.
// It returns when ctx is canceled or the watcher itself fails.
func (p *Propagator) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: creating file watcher: %v", errs.ErrIO, err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, p.config.SopsDir); err != nil {
		return err
	}

	p.log.WithField("dir", p.config.SopsDir).Info("watching for secret file changes")

	for {
		select {
		case <-ctx.Done():
			p.log.Info("secret file watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := watcher.Add(event.Name); err != nil {
					p.log.WithField("dir", event.Name).WithError(err).Warn("failed to watch new subdirectory")
				}
				continue
			}
			if !IsTrackedFile(event.Name) {
				continue
			}

			p.log.WithField("path", event.Name).Info("secret file changed, scanning")
			diff, err := p.Scan(ctx)
			if err != nil {
				p.log.WithError(err).Warn("scan failed")
				continue
			}
			if !diff.HasChanges() {
				continue
			}
			if _, err := p.Push(ctx, diff); err != nil {
				p.log.WithError(err).Warn("auto-push failed")
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.WithError(werr).Warn("watcher error")
		}
	}
}

// addRecursive registers watcher on root and every subdirectory beneath
// it, since fsnotify watches are not recursive on their own.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("%w: watch target %s does not exist: %v", errs.ErrIO, root, err)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(p); err != nil {
				return fmt.Errorf("%w: watching %s: %v", errs.ErrIO, p, err)
			}
		}
		return nil
	})
}
