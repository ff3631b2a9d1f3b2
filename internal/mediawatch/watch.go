package mediawatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/timesnap/internal/media"
)

// Event kinds passed to EventCallback.
const (
	MediaMissing  = "media.missing"
	MediaRestored = "media.restored"
)

// EventCallback is called when an owned file disappears or comes back.
type EventCallback func(kind string, ref media.AssetRef)

// Watch starts an fsnotify watcher on the asset directory and reports owned
// files that are removed or renamed away until ctx is cancelled. Rename and
// remove bursts are followed by a debounced Check so references lost
// while events were coalesced are still reported. Each ref is reported once
// until it reappears.
func Watch(ctx context.Context, dir string, cat Catalog, store media.Store, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	logger.Info("mediawatch: started", slog.String("dir", dir))

	reported := make(map[media.AssetRef]struct{})
	emit := func(kind string, ref media.AssetRef) {
		if cb != nil {
			cb(kind, ref)
		}
	}
	missing := func(ref media.AssetRef) {
		if _, seen := reported[ref]; seen {
			return
		}
		reported[ref] = struct{}{}
		logger.Warn("mediawatch: owned file missing", slog.String("ref", ref.String()))
		emit(MediaMissing, ref)
	}

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time
	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("mediawatch: stopped")
			return nil

		case <-reconcileCh:
			rep, err := Check(ctx, cat, store)
			if err != nil {
				logger.Warn("mediawatch: reconcile failed", slog.String("error", err.Error()))
				continue
			}
			for _, m := range rep.Missing {
				missing(m.Ref)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			ref := media.AssetRef(filepath.Base(ev.Name))
			switch {
			case ev.Op&fsnotify.Create != 0:
				if _, seen := reported[ref]; seen {
					delete(reported, ref)
					logger.Info("mediawatch: owned file restored", slog.String("ref", ref.String()))
					emit(MediaRestored, ref)
				}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if owns(cat, ref) {
					missing(ref)
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("mediawatch: error", slog.String("error", watchErr.Error()))
		}
	}
}

func owns(cat Catalog, ref media.AssetRef) bool {
	for _, c := range cat.List() {
		if c.OwnsRef(ref) {
			return true
		}
	}
	return false
}
