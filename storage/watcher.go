package storage

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
)

const debounceInterval = 300 * time.Millisecond

// ReasonTopology is queued when a watched mount point changed.
const ReasonTopology = "topology"

// Watcher observes the directories whose changes can alter the root
// topology (mount points appearing or vanishing, root directories being
// removed) and queues a check after a quiet period.
type Watcher struct {
	paths   []string
	queue   *checkQueue
	watcher *fsnotify.Watcher
}

// WatchPaths returns the directories worth watching for a DirProvider: the
// primary root's parent, the secondary mount and the mount's parent.
func WatchPaths(d *DirProvider) []string {
	var paths []string
	if d.Primary != "" {
		paths = append(paths, filepath.Dir(absPath(d.Primary)))
	}
	if d.SecondaryMount != "" {
		mount := absPath(d.SecondaryMount)
		paths = append(paths, filepath.Dir(mount), mount)
	}
	return lo.Uniq(paths)
}

func newWatcher(paths []string, queue *checkQueue) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{paths: paths, queue: queue, watcher: w}, nil
}

// Start begins watching and debouncing events. Blocks until ctx is cancelled.
// Paths that do not exist yet are skipped; their parent usually is watched.
func (w *Watcher) Start(ctx context.Context) error {
	l := sub("watcher")
	for _, p := range w.paths {
		if err := w.watcher.Add(p); err != nil {
			l.Debug("watch skipped", "path", p, "err", err)
			continue
		}
		l.Debug("watching", "path", p)
	}

	pending := false
	timer := time.NewTimer(debounceInterval)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".probe-") || strings.Contains(base, tmpSuffix) {
				continue
			}
			if event.Has(fsnotify.Create) && lo.Contains(w.paths, event.Name) {
				// a watched mount reappeared
				w.watcher.Add(event.Name) //nolint:errcheck
			}
			pending = true
			timer.Reset(debounceInterval)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			l.Warn("watcher error", "err", err)

		case <-timer.C:
			if pending {
				w.queue.Push(ReasonTopology)
				l.Debug("topology change queued")
				pending = false
			}
		}
	}
}

// Close closes the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
