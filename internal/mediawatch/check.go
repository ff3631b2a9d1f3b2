// Package mediawatch detects drift between the capsule collection and the
// asset directory: files referenced by a capsule but missing on disk, and
// files on disk that no capsule owns.
package mediawatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/media"
)

// Catalog lists the capsules whose media should exist.
type Catalog interface {
	List() []capsule.Capsule
}

// MissingMedia is a reference whose file is gone.
type MissingMedia struct {
	CapsuleID string         `json:"capsule_id"`
	MediaID   string         `json:"media_id"`
	Ref       media.AssetRef `json:"ref"`
}

// Report is the result of Check.
type Report struct {
	Missing []MissingMedia `json:"missing"`
	Orphans []media.Asset  `json:"orphans"`
}

// Clean reports whether nothing drifted.
func (r Report) Clean() bool { return len(r.Missing) == 0 && len(r.Orphans) == 0 }

// Check compares every reference in cat against store.
func Check(ctx context.Context, cat Catalog, store media.Store) (Report, error) {
	var rep Report
	owned := make(map[media.AssetRef]struct{})
	for _, c := range cat.List() {
		for _, m := range c.MediaItems {
			for _, ref := range m.Refs() {
				owned[ref] = struct{}{}
				ok, err := store.Exists(ctx, ref)
				if err != nil {
					return Report{}, fmt.Errorf("mediawatch: exists %s: %w", ref, err)
				}
				if !ok {
					rep.Missing = append(rep.Missing, MissingMedia{CapsuleID: c.ID, MediaID: m.ID, Ref: ref})
				}
			}
		}
	}

	assets, err := store.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("mediawatch: list: %w", err)
	}
	for _, a := range assets {
		if _, ok := owned[a.Ref]; !ok {
			rep.Orphans = append(rep.Orphans, a)
		}
	}
	return rep, nil
}

// Sweep deletes orphan files last modified before now-grace and returns the
// refs it removed. Younger orphans are left alone: they are usually draft
// uploads that a capsule is about to claim.
func Sweep(ctx context.Context, cat Catalog, store media.Store, grace time.Duration, now time.Time, logger *slog.Logger) ([]media.AssetRef, error) {
	rep, err := Check(ctx, cat, store)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-grace)
	var deleted []media.AssetRef
	for _, a := range rep.Orphans {
		if a.ModTime.After(cutoff) {
			continue
		}
		if err := store.Delete(ctx, a.Ref); err != nil {
			logger.Warn("sweep: delete failed", slog.String("ref", a.Ref.String()), slog.String("error", err.Error()))
			continue
		}
		logger.Info("sweep: removed orphan", slog.String("ref", a.Ref.String()), slog.Int64("size", a.Size))
		deleted = append(deleted, a.Ref)
	}
	return deleted, nil
}
