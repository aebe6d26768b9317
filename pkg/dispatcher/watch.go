package dispatcher

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// baseRefPaths returns the loose ref file of the base branch and the
// packed-refs file of the primary repository.
func (d *Dispatcher) baseRefPaths() (loose, packed string) {
	gitDir := filepath.Join(d.cfg.Repo, ".git")
	return filepath.Join(gitDir, "refs", "heads", filepath.FromSlash(d.cfg.BaseBranch)),
		filepath.Join(gitDir, "packed-refs")
}

// watchBaseRef kicks patrol when the base branch moves on disk, so a merge
// made outside the daemon is picked up before the next tick. The patrol
// timer remains the safety net if the watch cannot be set up.
func (d *Dispatcher) watchBaseRef(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("base ref watch unavailable; relying on patrol timer", "err", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	loose, packed := d.baseRefPaths()
	for _, dir := range []string{filepath.Dir(loose), filepath.Dir(packed)} {
		if err := watcher.Add(dir); err != nil {
			d.log.Warn("base ref watch unavailable; relying on patrol timer", "dir", dir, "err", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Name == loose || ev.Name == packed {
				d.log.Debug("base ref changed", "path", ev.Name, "op", ev.Op.String())
				d.kickPatrol()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("base ref watcher error", "err", err)
		}
	}
}
