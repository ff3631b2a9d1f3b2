// Package capsuleservice coordinates the media store and the capsule
// repository for the create, read and share workflows.
package capsuleservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/media"
	"github.com/starford/timesnap/internal/repository"
	"github.com/starford/timesnap/internal/unlock"
)

// DefaultMaxUpload caps a single media file.
const DefaultMaxUpload = 64 << 20

// Metadata is the user-entered part of a new capsule.
type Metadata struct {
	Title       string
	Description string
	UnlockAt    time.Time // zero means the default delay
	IncludeTime bool
	Color       *capsule.Color
	SharedWith  []string
}

// MediaUpload is one captured asset awaiting storage. Ext may be empty.
type MediaUpload struct {
	Type      capsule.MediaType
	Data      []byte
	Ext       string
	Thumbnail []byte // optional, stored as jpg
}

// Input is a complete create request.
type Input struct {
	Metadata
	Media []MediaUpload
}

// Status summarises persistence health for status endpoints.
type Status struct {
	Capsules         int                   `json:"capsules"`
	LastPersistError string                `json:"last_persist_error,omitempty"`
	Load             repository.LoadReport `json:"load"`
	RecoverySlots    []string              `json:"recovery_slots,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithMaxUpload overrides DefaultMaxUpload.
func WithMaxUpload(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service coordinates media and repository operations.
type Service struct {
	repo      *repository.Repository
	media     media.Store
	logger    *slog.Logger
	maxUpload int64
	now       func() time.Time
}

// NewService creates a capsule service.
func NewService(repo *repository.Repository, store media.Store, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		media:     store,
		logger:    slog.Default(),
		maxUpload: DefaultMaxUpload,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time { return s.now() }

// Media returns the underlying media store.
func (s *Service) Media() media.Store { return s.media }

// Repository returns the underlying repository.
func (s *Service) Repository() *repository.Repository { return s.repo }

// Create validates meta, saves every upload, and adds the capsule. It is
// all-or-nothing: if any save fails, files saved by this call are deleted
// and the repository is untouched. A *repository.PersistError is returned
// together with the capsule, which is then live in memory only.
func (s *Service) Create(ctx context.Context, in Input) (capsule.Capsule, error) {
	c, err := s.build(in.Metadata, nil)
	if err != nil {
		return capsule.Capsule{}, err
	}
	for i, u := range in.Media {
		if err := s.checkUpload(u.Type, u.Data); err != nil {
			return capsule.Capsule{}, fmt.Errorf("capsuleservice: media %d: %w", i, err)
		}
	}

	var saved []media.AssetRef
	items := make([]capsule.MediaItem, 0, len(in.Media))
	for i, u := range in.Media {
		item, refs, err := s.save(ctx, u)
		saved = append(saved, refs...)
		if err != nil {
			s.discard(ctx, saved)
			return capsule.Capsule{}, fmt.Errorf("capsuleservice: save media %d: %w", i, err)
		}
		items = append(items, item)
	}

	c.MediaItems = items
	if err := s.repo.Add(ctx, c); err != nil {
		if errors.Is(err, apperr.ErrNotPersisted) {
			return c, err
		}
		s.discard(ctx, saved)
		return capsule.Capsule{}, err
	}
	return c, nil
}

// CreateWithItems adds a capsule whose media were uploaded beforehand. Every
// referenced file must exist, be referenced once, and must not already belong
// to a capsule.
func (s *Service) CreateWithItems(ctx context.Context, meta Metadata, items []capsule.MediaItem) (capsule.Capsule, error) {
	c, err := s.build(meta, items)
	if err != nil {
		return capsule.Capsule{}, err
	}
	for _, ref := range c.MediaRefs() {
		ok, err := s.media.Exists(ctx, ref)
		if err != nil {
			return capsule.Capsule{}, fmt.Errorf("capsuleservice: check %s: %w", ref, err)
		}
		if !ok {
			return capsule.Capsule{}, fmt.Errorf("capsuleservice: media %s: %w", ref, apperr.ErrNotFound)
		}
	}
	// Ownership and duplicate refs are checked by Add under the repository lock.
	if err := s.repo.Add(ctx, c); err != nil {
		if errors.Is(err, apperr.ErrNotPersisted) {
			return c, err
		}
		return capsule.Capsule{}, err
	}
	return c, nil
}

// Upload stores one asset outside any capsule, for a draft.
func (s *Service) Upload(ctx context.Context, t capsule.MediaType, data []byte, ext string) (media.AssetRef, error) {
	if err := s.checkUpload(t, data); err != nil {
		return "", fmt.Errorf("capsuleservice: upload: %w", err)
	}
	if ext == "" {
		ext = t.DefaultExt()
	}
	ref, err := s.media.Save(ctx, data, ext)
	if err != nil {
		return "", fmt.Errorf("capsuleservice: upload: %w", err)
	}
	return ref, nil
}

// DiscardUpload deletes a draft asset. Assets owned by a capsule, or still
// referenced by the stored slot after a failed write, are refused.
func (s *Service) DiscardUpload(ctx context.Context, ref media.AssetRef) error {
	if _, owned := s.repo.OwnerOf(ref); owned {
		return fmt.Errorf("capsuleservice: discard %s: %w", ref, apperr.ErrConflict)
	}
	if slices.Contains(s.repo.PendingDeletes(), ref) {
		return fmt.Errorf("capsuleservice: discard %s: awaiting save: %w", ref, apperr.ErrConflict)
	}
	return s.media.Delete(ctx, ref)
}

// ReadGated returns the view of one capsule at now.
func (s *Service) ReadGated(_ context.Context, id string, now time.Time) (unlock.View, error) {
	c, ok := s.repo.Get(id)
	if !ok {
		return unlock.View{}, fmt.Errorf("capsuleservice: capsule %s: %w", id, apperr.ErrNotFound)
	}
	return unlock.Reveal(c, now), nil
}

// ListGated returns views of all capsules at now, in arrival order.
func (s *Service) ListGated(_ context.Context, now time.Time) []unlock.View {
	return unlock.RevealAll(s.repo.List(), now)
}

// OpenMedia resolves ref to its file path if the owning capsule is unlocked.
func (s *Service) OpenMedia(_ context.Context, ref media.AssetRef, now time.Time) (string, error) {
	owner, ok := s.repo.OwnerOf(ref)
	if !ok {
		return "", fmt.Errorf("capsuleservice: media %s: %w", ref, apperr.ErrNotFound)
	}
	if !unlock.IsUnlocked(owner, now) {
		return "", fmt.Errorf("capsuleservice: media %s: %w", ref, apperr.ErrLocked)
	}
	return s.media.Path(ref)
}

// Delete removes a capsule and its media.
func (s *Service) Delete(ctx context.Context, id string) (repository.Outcome, error) {
	return s.repo.Remove(ctx, id)
}

// Share adds email to the capsule and returns its updated view.
func (s *Service) Share(ctx context.Context, id, email string) (unlock.View, error) {
	out, err := s.repo.AddShare(ctx, id, email)
	return s.afterMutation(id, out, err)
}

// Unshare removes email from the capsule and returns its updated view.
func (s *Service) Unshare(ctx context.Context, id, email string) (unlock.View, error) {
	out, err := s.repo.RemoveShare(ctx, id, email)
	return s.afterMutation(id, out, err)
}

// RemoveMedia detaches one item and deletes its files.
func (s *Service) RemoveMedia(ctx context.Context, capsuleID, mediaID string) error {
	out, err := s.repo.RemoveMedia(ctx, capsuleID, mediaID)
	if out == repository.NotFound {
		return fmt.Errorf("capsuleservice: media %s in %s: %w", mediaID, capsuleID, apperr.ErrNotFound)
	}
	return err
}

// Status reports collection size and persistence health, including every
// recovery slot still holding an undecodable blob.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{Capsules: len(s.repo.List()), Load: s.repo.LoadReport()}
	if err := s.repo.LastPersistError(); err != nil {
		st.LastPersistError = err.Error()
	}
	slots, err := s.repo.RecoverySlots(ctx)
	if err != nil {
		s.logger.Warn("status: recovery slots unavailable", slog.String("error", err.Error()))
	}
	st.RecoverySlots = slots
	return st
}

func (s *Service) afterMutation(id string, out repository.Outcome, err error) (unlock.View, error) {
	if out == repository.NotFound {
		return unlock.View{}, fmt.Errorf("capsuleservice: capsule %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil && !errors.Is(err, apperr.ErrNotPersisted) {
		return unlock.View{}, err
	}
	c, ok := s.repo.Get(id)
	if !ok {
		return unlock.View{}, fmt.Errorf("capsuleservice: capsule %s: %w", id, apperr.ErrNotFound)
	}
	return unlock.Reveal(c, s.now()), err
}

func (s *Service) build(meta Metadata, items []capsule.MediaItem) (capsule.Capsule, error) {
	c, err := capsule.New(capsule.Params{
		Title:       meta.Title,
		Description: meta.Description,
		UnlockAt:    meta.UnlockAt,
		IncludeTime: meta.IncludeTime,
		Color:       meta.Color,
		SharedWith:  meta.SharedWith,
		MediaItems:  items,
	})
	if err != nil {
		return capsule.Capsule{}, fmt.Errorf("capsuleservice: %w: %w", apperr.ErrInvalid, err)
	}
	return c, nil
}

func (s *Service) checkUpload(t capsule.MediaType, data []byte) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown media type %q", apperr.ErrInvalid, t)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty %s", apperr.ErrInvalid, t)
	}
	if int64(len(data)) > s.maxUpload {
		return fmt.Errorf("%w: %s exceeds %d bytes", apperr.ErrInvalid, t, s.maxUpload)
	}
	if err := t.CheckContent(data); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
	}
	return nil
}

// save stores u and its optional thumbnail. Refs saved before a failure are
// returned so the caller can discard them.
func (s *Service) save(ctx context.Context, u MediaUpload) (capsule.MediaItem, []media.AssetRef, error) {
	ext := u.Ext
	if ext == "" {
		ext = u.Type.DefaultExt()
	}
	ref, err := s.media.Save(ctx, u.Data, ext)
	if err != nil {
		return capsule.MediaItem{}, nil, err
	}
	item := capsule.NewMediaItem(u.Type, ref)
	if len(u.Thumbnail) == 0 {
		return item, []media.AssetRef{ref}, nil
	}
	thumb, err := s.media.Save(ctx, u.Thumbnail, "jpg")
	if err != nil {
		return capsule.MediaItem{}, []media.AssetRef{ref}, err
	}
	item.ThumbnailURL = thumb
	return item, []media.AssetRef{ref, thumb}, nil
}

// discard deletes refs even if ctx was cancelled.
func (s *Service) discard(ctx context.Context, refs []media.AssetRef) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		if err := s.media.Delete(ctx, ref); err != nil {
			s.logger.Warn("discard saved media failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
		}
	}
}
