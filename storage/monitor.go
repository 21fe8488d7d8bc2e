package storage

import (
	"context"
	"errors"
	"time"
)

// Check reasons other than ReasonTopology.
const (
	ReasonStartup  = "startup"
	ReasonInterval = "interval"
	ReasonManual   = "manual"
)

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	// Interval between periodic checks. Zero disables the ticker.
	Interval time.Duration
	// WatchPaths are observed with fsnotify; empty disables the watcher.
	WatchPaths []string
	// AutoMigrate starts a migration to the optimal root when it is not in use.
	AutoMigrate bool
}

// Drift is the outcome of one check.
type Drift struct {
	Current       Root `json:"current"`
	Optimal       Root `json:"optimal"`
	ConfigChanged bool `json:"configChanged"`
}

// Detected reports whether the caller should act on the drift.
func (d Drift) Detected() bool {
	return d.ConfigChanged || d.Current != d.Optimal
}

// Monitor re-evaluates the root topology on startup, on a timer and on
// filesystem changes, and publishes drift events.
type Monitor struct {
	manager *Manager
	queue   *checkQueue
	opts    MonitorOptions
}

// NewMonitor creates a monitor for m.
func NewMonitor(m *Manager, opts MonitorOptions) *Monitor {
	return &Monitor{manager: m, queue: newCheckQueue(), opts: opts}
}

// Trigger queues a check.
func (mo *Monitor) Trigger(reason string) {
	mo.queue.Push(reason)
}

// Run performs an initial check, starts the watcher and ticker, then
// processes queued checks. Blocks until ctx is cancelled.
func (mo *Monitor) Run(ctx context.Context) {
	l := sub("monitor")
	l.Info("monitor starting", "interval", mo.opts.Interval, "watch", mo.opts.WatchPaths, "autoMigrate", mo.opts.AutoMigrate)

	mo.queue.Push(ReasonStartup)

	if len(mo.opts.WatchPaths) > 0 {
		watcher, err := newWatcher(mo.opts.WatchPaths, mo.queue)
		if err != nil {
			l.Warn("watcher creation failed, relying on interval checks", "err", err)
		} else {
			defer watcher.Close()
			go func() {
				if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
					l.Warn("watcher stopped unexpectedly", "err", err)
				}
			}()
		}
	}

	if mo.opts.Interval > 0 {
		go func() {
			ticker := time.NewTicker(mo.opts.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mo.queue.Push(ReasonInterval)
				}
			}
		}()
	}

	done := ctx.Done()
	for {
		reason, ok := mo.queue.Pop(done)
		if !ok || ctx.Err() != nil {
			break
		}
		l.Debug("check dequeued", "reason", reason, "pending", mo.queue.Len())
		if _, err := mo.Check(ctx, reason); err != nil {
			if ctx.Err() != nil {
				break
			}
			l.Error("check failed", "reason", reason, "err", err)
		}
	}
	if pending := mo.queue.Drain(); len(pending) > 0 {
		l.Info("dropping pending checks", "reasons", pending)
	}
	l.Info("monitor stopped")
}

// Check compares the persisted selection with the observed topology. On
// drift it publishes an EventDrift and, with AutoMigrate, starts a
// migration to the optimal root.
func (mo *Monitor) Check(ctx context.Context, reason string) (Drift, error) {
	l := sub("monitor")
	sel, err := mo.manager.selection(ctx)
	if err != nil {
		return Drift{}, err
	}
	paths := Snapshot(mo.manager.provider)
	d := Drift{
		Current:       sel.Root,
		Optimal:       mo.manager.optimalFor(paths, mo.manager.probe),
		ConfigChanged: sel.Fingerprint != Fingerprint(paths),
	}
	l.Debug("check", "reason", reason, "current", d.Current, "optimal", d.Optimal, "changed", d.ConfigChanged)

	if !d.Detected() {
		return d, nil
	}
	l.Info("drift detected", "reason", reason, "current", d.Current, "optimal", d.Optimal, "changed", d.ConfigChanged)
	mo.manager.events.Publish(Event{
		Type:    EventDrift,
		Current: ptr(d.Current),
		Optimal: ptr(d.Optimal),
		Changed: ptr(d.ConfigChanged),
	})

	if mo.opts.AutoMigrate && d.Current != d.Optimal {
		if mo.manager.Engine().Running() != nil {
			l.Debug("auto migration skipped, one is running")
			return d, nil
		}
		if after := mo.optimalAfterMove(paths, d.Current, d.Optimal); after != d.Optimal {
			l.Info("auto migration skipped, target would not stay optimal", "target", d.Optimal, "after", after)
			return d, nil
		}
		_, err := mo.manager.MigrateTo(ctx, d.Optimal, nil)
		switch {
		case errors.Is(err, ErrMigrationInProgress):
			l.Debug("auto migration skipped, one is running")
		case err != nil:
			return d, err
		default:
			l.Info("auto migration started", "target", d.Optimal)
		}
	}
	return d, nil
}

// optimalAfterMove evaluates the selector on the free space each root would
// have once the current tree sits on target. A move the selector would
// immediately reverse is not worth starting.
func (mo *Monitor) optimalAfterMove(paths RootPaths, current, target Root) Root {
	src, ok := paths.Path(current)
	if !ok {
		return target
	}
	dst, _ := paths.Path(target)
	st, err := TreeSize(mo.manager.fs, src)
	if err != nil {
		sub("monitor").Warn("tree size failed, using current figures", "path", src, "err", err)
		return target
	}
	return mo.manager.optimalFor(paths, shiftedProbe{
		SpaceProbe: mo.manager.probe,
		delta:      map[string]int64{src: st.Bytes, dst: -st.Bytes},
	})
}

// shiftedProbe adds a fixed delta to the free space of some paths.
type shiftedProbe struct {
	SpaceProbe
	delta map[string]int64
}

func (p shiftedProbe) FreeSpace(path string) (int64, error) {
	free, err := p.SpaceProbe.FreeSpace(path)
	if err != nil {
		return free, err
	}
	return max(free+p.delta[path], 0), nil
}
