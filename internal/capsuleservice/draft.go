package capsuleservice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/capsule"
)

// Draft is the in-progress media list of a capsule being composed. Attached
// files are saved immediately and discarded files are deleted immediately.
type Draft struct {
	svc *Service

	mu    sync.Mutex
	items []capsule.MediaItem
}

// NewDraft starts an empty draft.
func (s *Service) NewDraft() *Draft { return &Draft{svc: s} }

// Items returns the attached items in attach order.
func (d *Draft) Items() []capsule.MediaItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.items)
}

// Attach saves data and appends it to the draft.
func (d *Draft) Attach(ctx context.Context, t capsule.MediaType, data []byte, ext string) (capsule.MediaItem, error) {
	ref, err := d.svc.Upload(ctx, t, data, ext)
	if err != nil {
		return capsule.MediaItem{}, err
	}
	item := capsule.NewMediaItem(t, ref)
	d.mu.Lock()
	d.items = append(d.items, item)
	d.mu.Unlock()
	return item, nil
}

// Discard deletes one attached item and its file.
func (d *Draft) Discard(ctx context.Context, mediaID string) error {
	d.mu.Lock()
	i := slices.IndexFunc(d.items, func(m capsule.MediaItem) bool { return m.ID == mediaID })
	if i < 0 {
		d.mu.Unlock()
		return fmt.Errorf("capsuleservice: draft media %s: %w", mediaID, apperr.ErrNotFound)
	}
	item := d.items[i]
	d.items = slices.Delete(d.items, i, i+1)
	d.mu.Unlock()

	var errs []error
	for _, ref := range item.Refs() {
		if err := d.svc.media.Delete(ctx, ref); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Abandon deletes every attached file and empties the draft.
func (d *Draft) Abandon(ctx context.Context) error {
	d.mu.Lock()
	items := d.items
	d.items = nil
	d.mu.Unlock()

	var errs []error
	for _, item := range items {
		for _, ref := range item.Refs() {
			if err := d.svc.media.Delete(ctx, ref); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CreateFromDraft adds a capsule owning the draft's media. On success (or a
// persist warning) the draft is emptied; on failure it is left intact so the
// caller can retry or abandon it.
func (s *Service) CreateFromDraft(ctx context.Context, meta Metadata, d *Draft) (capsule.Capsule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := s.CreateWithItems(ctx, meta, slices.Clone(d.items))
	if err != nil && !errors.Is(err, apperr.ErrNotPersisted) {
		return capsule.Capsule{}, err
	}
	d.items = nil
	return c, err
}
