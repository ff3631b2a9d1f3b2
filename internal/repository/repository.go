// Package repository holds the authoritative in-memory capsule collection and
// persists the whole collection to one durable slot after every mutation.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/kv"
	"github.com/starford/timesnap/internal/media"
)

// DefaultKey is the slot the collection is stored under.
const DefaultKey = "timeCapsules"

// Outcome tells a caller what a mutation did. Missing capsules are not
// errors, but they are distinguishable from a change.
type Outcome int

const (
	Unchanged Outcome = iota
	Changed
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Changed:
		return "changed"
	case NotFound:
		return "not_found"
	default:
		return "unchanged"
	}
}

// Option configures a Repository.
type Option func(*Repository)

// WithKey overrides the slot key.
func WithKey(key string) Option {
	return func(r *Repository) {
		if key != "" {
			r.key = key
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Repository is the capsule collection for the running process.
//
// All state is guarded by mu; each mutation encodes and writes the slot while
// holding it, so writes to the slot are serialized. Media file deletion and
// listener callbacks run after mu is released.
//
// Files are only deleted once the slot no longer references them. When the
// write that dropped a reference fails, the refs wait in deferred until a
// later write succeeds.
type Repository struct {
	store  kv.Store
	media  media.Store
	key    string
	logger *slog.Logger

	mu        sync.Mutex
	capsules  []capsule.Capsule
	lastErr   error
	deferred  []media.AssetRef
	report    LoadReport
	listeners map[int]Listener
	nextID    int
}

// Open builds the repository and loads the slot. A missing slot starts an
// empty collection; an undecodable slot is copied to a recovery slot first
// (see load). Only a failing read or a failing recovery copy is fatal.
func Open(ctx context.Context, store kv.Store, mediaStore media.Store, opts ...Option) (*Repository, error) {
	r := &Repository{
		store:     store,
		media:     mediaStore,
		key:       DefaultKey,
		logger:    slog.Default(),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Key returns the slot key.
func (r *Repository) Key() string { return r.key }

// List returns copies of all capsules in arrival order.
func (r *Repository) List() []capsule.Capsule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]capsule.Capsule, len(r.capsules))
	for i, c := range r.capsules {
		out[i] = c.Clone()
	}
	return out
}

// Get returns a copy of the capsule with id.
func (r *Repository) Get(id string) (capsule.Capsule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(id); i >= 0 {
		return r.capsules[i].Clone(), true
	}
	return capsule.Capsule{}, false
}

// OwnerOf returns the capsule that owns ref.
func (r *Repository) OwnerOf(ref media.AssetRef) (capsule.Capsule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.capsules {
		if c.OwnsRef(ref) {
			return c.Clone(), true
		}
	}
	return capsule.Capsule{}, false
}

// Add appends c and persists the collection. Invalid capsules and reused ids
// are rejected before anything changes, since either would make the slot
// undecodable. Every asset ref must be used once and must not be owned by
// another capsule or be awaiting deletion (ErrConflict); the check and the
// insert happen under one lock.
func (r *Repository) Add(ctx context.Context, c capsule.Capsule) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("repository: add: %w: %w", apperr.ErrInvalid, err)
	}
	refs := c.MediaRefs()
	if dup, ok := firstDuplicate(refs); ok {
		return fmt.Errorf("repository: add %s: media %s used twice: %w", c.ID, dup, apperr.ErrConflict)
	}

	r.mu.Lock()
	if r.indexOf(c.ID) >= 0 {
		r.mu.Unlock()
		return fmt.Errorf("repository: add %s: %w", c.ID, apperr.ErrConflict)
	}
	if err := r.claimable(refs); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("repository: add %s: %w", c.ID, err)
	}
	r.capsules = append(r.capsules, c.Clone())
	err := r.persist(ctx, "add")
	due := r.takeDeferred()
	r.mu.Unlock()

	r.release(ctx, due)

	r.logger.Info("capsule added", slog.String("capsule_id", c.ID), slog.Int("media", len(c.MediaItems)))
	r.notify(Event{Kind: EventCreated, CapsuleID: c.ID})
	return err
}

// Remove deletes the capsule, persists, then deletes every media file the
// capsule owned. Removing an unknown id is a no-op. File deletion is
// best-effort: failures are logged and returned as a *CleanupError but the
// capsule stays removed. If the write fails the files are kept, since the
// stored slot still references them, and are deleted after the next
// successful write.
func (r *Repository) Remove(ctx context.Context, id string) (Outcome, error) {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		r.logger.Debug("remove: capsule not found", slog.String("capsule_id", id))
		return NotFound, nil
	}
	removed := r.capsules[i]
	r.capsules = slices.Delete(r.capsules, i, i+1)
	persistErr := r.persist(ctx, "remove")
	refs := r.afterDetach(persistErr, id, removed.MediaRefs())
	due := r.takeDeferred()
	r.mu.Unlock()

	r.release(ctx, due)
	cleanupErr := r.deleteRefs(ctx, id, refs)
	r.logger.Info("capsule removed", slog.String("capsule_id", id), slog.Int("media", len(removed.MediaItems)))
	r.notify(Event{Kind: EventDeleted, CapsuleID: id})
	return Changed, errors.Join(persistErr, cleanupErr)
}

// AddShare appends email to the capsule's share list. It is a no-op when the
// capsule is missing or the address is already present.
func (r *Repository) AddShare(ctx context.Context, id, email string) (Outcome, error) {
	if err := capsule.ValidateEmail(email); err != nil {
		return Unchanged, fmt.Errorf("repository: share: %w: %w", apperr.ErrInvalid, err)
	}
	email = capsule.NormalizeEmail(email)

	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		r.logger.Debug("share: capsule not found", slog.String("capsule_id", id))
		return NotFound, nil
	}
	if r.capsules[i].HasShare(email) {
		r.mu.Unlock()
		return Unchanged, nil
	}
	r.capsules[i].AddShare(email)
	err := r.persist(ctx, "share")
	due := r.takeDeferred()
	r.mu.Unlock()

	r.release(ctx, due)

	r.notify(Event{Kind: EventShared, CapsuleID: id, Email: email})
	return Changed, err
}

// RemoveShare drops email from the capsule's share list, clearing IsShared
// when the list becomes empty.
func (r *Repository) RemoveShare(ctx context.Context, id, email string) (Outcome, error) {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		r.logger.Debug("unshare: capsule not found", slog.String("capsule_id", id))
		return NotFound, nil
	}
	if !r.capsules[i].HasShare(email) {
		r.mu.Unlock()
		return Unchanged, nil
	}
	r.capsules[i].RemoveShare(email)
	err := r.persist(ctx, "unshare")
	due := r.takeDeferred()
	r.mu.Unlock()

	r.release(ctx, due)

	r.notify(Event{Kind: EventUnshared, CapsuleID: id, Email: capsule.NormalizeEmail(email)})
	return Changed, err
}

// RemoveMedia detaches one item from an existing capsule, persists, and
// deletes the item's files. As with Remove, a failed write defers deletion.
func (r *Repository) RemoveMedia(ctx context.Context, capsuleID, mediaID string) (Outcome, error) {
	r.mu.Lock()
	i := r.indexOf(capsuleID)
	if i < 0 {
		r.mu.Unlock()
		return NotFound, nil
	}
	item, ok := r.capsules[i].RemoveMedia(mediaID)
	if !ok {
		r.mu.Unlock()
		return NotFound, nil
	}
	persistErr := r.persist(ctx, "remove media")
	refs := r.afterDetach(persistErr, capsuleID, item.Refs())
	due := r.takeDeferred()
	r.mu.Unlock()

	r.release(ctx, due)
	cleanupErr := r.deleteRefs(ctx, capsuleID, refs)
	r.notify(Event{Kind: EventMediaRemoved, CapsuleID: capsuleID, MediaID: mediaID})
	return Changed, errors.Join(persistErr, cleanupErr)
}

// Flush re-persists the current collection, e.g. after a failed write, and
// then deletes files whose removal waited for it.
func (r *Repository) Flush(ctx context.Context) error {
	r.mu.Lock()
	err := r.persist(ctx, "flush")
	due := r.takeDeferred()
	r.mu.Unlock()

	r.release(ctx, due)
	return err
}

// PendingDeletes returns refs whose deletion waits for a successful write.
func (r *Repository) PendingDeletes() []media.AssetRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deferred)
}

// LastPersistError returns the error of the most recent failed write, or nil
// once a later write succeeds.
func (r *Repository) LastPersistError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// claimable reports whether refs may be attached to a new capsule. Caller
// holds mu.
func (r *Repository) claimable(refs []media.AssetRef) error {
	for _, ref := range refs {
		for _, c := range r.capsules {
			if c.OwnsRef(ref) {
				return fmt.Errorf("media %s belongs to %s: %w", ref, c.ID, apperr.ErrConflict)
			}
		}
		if slices.Contains(r.deferred, ref) {
			return fmt.Errorf("media %s is awaiting deletion: %w", ref, apperr.ErrConflict)
		}
	}
	return nil
}

// afterDetach returns the refs that may be deleted now. After a failed write
// they are queued instead. Caller holds mu.
func (r *Repository) afterDetach(persistErr error, capsuleID string, refs []media.AssetRef) []media.AssetRef {
	if persistErr == nil || len(refs) == 0 {
		return refs
	}
	r.deferred = append(r.deferred, refs...)
	r.logger.Warn("media deletion deferred until the collection is saved",
		slog.String("capsule_id", capsuleID),
		slog.Int("refs", len(refs)))
	return nil
}

// takeDeferred hands out the queued refs once the last write succeeded.
// Caller holds mu.
func (r *Repository) takeDeferred() []media.AssetRef {
	if r.lastErr != nil || len(r.deferred) == 0 {
		return nil
	}
	due := r.deferred
	r.deferred = nil
	return due
}

// release deletes refs queued by an earlier failed write. Failures only log;
// the files are orphans now and a sweep reclaims them.
func (r *Repository) release(ctx context.Context, refs []media.AssetRef) {
	if len(refs) == 0 {
		return
	}
	if err := r.deleteRefs(ctx, "", refs); err != nil {
		r.logger.Warn("deferred media cleanup incomplete", slog.String("error", err.Error()))
	}
}

func firstDuplicate(refs []media.AssetRef) (media.AssetRef, bool) {
	seen := make(map[media.AssetRef]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref]; dup {
			return ref, true
		}
		seen[ref] = struct{}{}
	}
	return "", false
}

func (r *Repository) indexOf(id string) int {
	return slices.IndexFunc(r.capsules, func(c capsule.Capsule) bool { return c.ID == id })
}

func (r *Repository) deleteRefs(ctx context.Context, capsuleID string, refs []media.AssetRef) error {
	var failed []media.AssetRef
	var errs []error
	for _, ref := range refs {
		if err := r.media.Delete(ctx, ref); err != nil {
			r.logger.Warn("media cleanup failed",
				slog.String("capsule_id", capsuleID),
				slog.String("ref", ref.String()),
				slog.String("error", err.Error()))
			failed = append(failed, ref)
			errs = append(errs, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &CleanupError{CapsuleID: capsuleID, Refs: failed, Err: errors.Join(errs...)}
}
