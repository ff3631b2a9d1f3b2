package repository

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/kv"
	"github.com/starford/timesnap/internal/media"
	"github.com/starford/timesnap/internal/testutil"
)

func openRepo(t *testing.T, store kv.Store, ms media.Store) *Repository {
	t.Helper()
	r, err := Open(context.Background(), store, ms, WithLogger(testutil.Logger()))
	require.NoError(t, err)
	return r
}

func newCapsule(t *testing.T, title string, items ...capsule.MediaItem) capsule.Capsule {
	t.Helper()
	c, err := capsule.New(capsule.Params{
		Title:      title,
		UnlockAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		MediaItems: items,
	})
	require.NoError(t, err)
	return c
}

func saveAsset(t *testing.T, ms media.Store, body string) media.AssetRef {
	t.Helper()
	ref, err := ms.Save(context.Background(), []byte(body), "jpg")
	require.NoError(t, err)
	return ref
}

func TestOpen_EmptySlot(t *testing.T) {
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)

	assert.Empty(t, r.List())
	rep := r.LoadReport()
	assert.True(t, rep.Empty)
	assert.False(t, rep.Recovered())
}

func TestAdd_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store := testutil.TestKV(t)
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, store, ms)

	a := newCapsule(t, "first")
	b := newCapsule(t, "second")
	require.NoError(t, r.Add(ctx, a))
	require.NoError(t, r.Add(ctx, b))

	again := openRepo(t, store, ms)
	got := again.List()
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, b.ID, got[1].ID)
	assert.Equal(t, 2, again.LoadReport().Loaded)
	assert.Equal(t, capsule.FormatVersion, again.LoadReport().Version)
}

func TestAdd_RejectsInvalidAndDuplicate(t *testing.T) {
	ctx := context.Background()
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)

	err := r.Add(ctx, capsule.Capsule{Title: "no id"})
	require.ErrorIs(t, err, apperr.ErrInvalid)

	c := newCapsule(t, "once")
	require.NoError(t, r.Add(ctx, c))
	require.ErrorIs(t, r.Add(ctx, c), apperr.ErrConflict)
	assert.Len(t, r.List(), 1)
}

func TestList_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)
	require.NoError(t, r.Add(ctx, newCapsule(t, "orig")))

	got := r.List()
	got[0].Title = "mutated"
	got[0].SharedWith = append(got[0].SharedWith, "x@y.com")

	fresh := r.List()
	assert.Equal(t, "orig", fresh[0].Title)
	assert.Empty(t, fresh[0].SharedWith)
}

func TestRemove_CascadesMedia(t *testing.T) {
	ctx := context.Background()
	dir, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)

	photo := capsule.NewMediaItem(capsule.MediaPhoto, saveAsset(t, ms, "p"))
	video := capsule.NewMediaItem(capsule.MediaVideo, saveAsset(t, ms, "v"))
	video.ThumbnailURL = saveAsset(t, ms, "thumb")
	c := newCapsule(t, "cascade", photo, video)
	require.NoError(t, r.Add(ctx, c))
	require.Len(t, testutil.MediaFiles(t, dir), 3)

	out, err := r.Remove(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, Changed, out)
	assert.Empty(t, testutil.MediaFiles(t, dir))
	_, ok := r.Get(c.ID)
	assert.False(t, ok)
}

func TestRemove_UnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFlakyKV(testutil.TestKV(t))
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, store, ms)
	require.NoError(t, r.Add(ctx, newCapsule(t, "keep")))
	sets := store.Sets()

	out, err := r.Remove(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, NotFound, out)
	assert.Len(t, r.List(), 1)
	assert.Equal(t, sets, store.Sets())
}

func TestRemove_CleanupFailureStillRemoves(t *testing.T) {
	ctx := context.Background()
	dir, fs := testutil.TestMedia(t)
	ms := testutil.NewFlakyMedia(fs)
	r := openRepo(t, testutil.TestKV(t), ms)

	c := newCapsule(t, "sticky", capsule.NewMediaItem(capsule.MediaPhoto, saveAsset(t, ms, "p")))
	require.NoError(t, r.Add(ctx, c))
	ms.FailDelete = true

	out, err := r.Remove(ctx, c.ID)
	assert.Equal(t, Changed, out)
	require.ErrorIs(t, err, apperr.ErrIO)
	assert.NotErrorIs(t, err, apperr.ErrNotPersisted)
	var ce *CleanupError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Refs, 1)
	assert.Empty(t, r.List())
	assert.Len(t, testutil.MediaFiles(t, dir), 1)
}

func TestShares_Invariant(t *testing.T) {
	ctx := context.Background()
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)
	c := newCapsule(t, "shares")
	require.NoError(t, r.Add(ctx, c))

	out, err := r.AddShare(ctx, c.ID, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, Changed, out)

	out, err = r.AddShare(ctx, c.ID, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)

	got, _ := r.Get(c.ID)
	assert.Equal(t, []string{"a@x.com"}, got.SharedWith)
	assert.True(t, got.IsShared)

	out, err = r.RemoveShare(ctx, c.ID, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, Changed, out)
	got, _ = r.Get(c.ID)
	assert.Empty(t, got.SharedWith)
	assert.False(t, got.IsShared)

	out, err = r.RemoveShare(ctx, c.ID, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)
}

func TestShares_UnknownCapsuleAndBadEmail(t *testing.T) {
	ctx := context.Background()
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)

	out, err := r.AddShare(ctx, "missing", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, NotFound, out)

	out, err = r.RemoveShare(ctx, "missing", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, NotFound, out)

	_, err = r.AddShare(ctx, "missing", "nope")
	require.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestRemoveMedia_DeletesOnlyThatItem(t *testing.T) {
	ctx := context.Background()
	dir, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)

	keep := capsule.NewMediaItem(capsule.MediaPhoto, saveAsset(t, ms, "keep"))
	drop := capsule.NewMediaItem(capsule.MediaMessage, saveAsset(t, ms, "drop"))
	c := newCapsule(t, "media", keep, drop)
	require.NoError(t, r.Add(ctx, c))

	out, err := r.RemoveMedia(ctx, c.ID, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, Changed, out)
	assert.Equal(t, []string{string(keep.URL)}, testutil.MediaFiles(t, dir))

	got, _ := r.Get(c.ID)
	require.Len(t, got.MediaItems, 1)
	assert.Equal(t, keep.ID, got.MediaItems[0].ID)

	out, err = r.RemoveMedia(ctx, c.ID, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, NotFound, out)
}

func TestPersistFailure_KeepsMemoryAndReports(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFlakyKV(testutil.TestKV(t))
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, store, ms)

	store.FailSet(true)
	c := newCapsule(t, "unsaved")
	err := r.Add(ctx, c)
	require.ErrorIs(t, err, apperr.ErrNotPersisted)
	require.ErrorIs(t, err, testutil.ErrInjected)
	var pe *PersistError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "add", pe.Op)

	_, ok := r.Get(c.ID)
	assert.True(t, ok, "mutation stays in memory")
	assert.ErrorIs(t, r.LastPersistError(), apperr.ErrNotPersisted)

	store.FailSet(false)
	require.NoError(t, r.Flush(ctx))
	assert.NoError(t, r.LastPersistError())

	again := openRepo(t, store, ms)
	assert.Len(t, again.List(), 1)
}

func TestRemove_FailedWriteKeepsFilesUntilSaved(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFlakyKV(testutil.TestKV(t))
	dir, ms := testutil.TestMedia(t)
	r := openRepo(t, store, ms)

	ref := saveAsset(t, ms, "p")
	c := newCapsule(t, "unsaved removal", capsule.NewMediaItem(capsule.MediaPhoto, ref))
	require.NoError(t, r.Add(ctx, c))

	store.FailSet(true)
	out, err := r.Remove(ctx, c.ID)
	assert.Equal(t, Changed, out)
	require.ErrorIs(t, err, apperr.ErrNotPersisted)
	assert.NotErrorIs(t, err, apperr.ErrIO)
	assert.Empty(t, r.List())
	assert.Equal(t, []string{string(ref)}, testutil.MediaFiles(t, dir), "slot still references the file")
	assert.Equal(t, []media.AssetRef{ref}, r.PendingDeletes())

	// A restart at this point reloads the capsule with its file intact.
	reopened := openRepo(t, store, ms)
	require.Len(t, reopened.List(), 1)
	ok, err := ms.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	store.FailSet(false)
	require.NoError(t, r.Flush(ctx))
	assert.Empty(t, testutil.MediaFiles(t, dir))
	assert.Empty(t, r.PendingDeletes())
}

func TestRemoveMedia_FailedWriteDefersUntilNextSave(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFlakyKV(testutil.TestKV(t))
	dir, ms := testutil.TestMedia(t)
	r := openRepo(t, store, ms)

	keep := capsule.NewMediaItem(capsule.MediaPhoto, saveAsset(t, ms, "keep"))
	drop := capsule.NewMediaItem(capsule.MediaPhoto, saveAsset(t, ms, "drop"))
	c := newCapsule(t, "partial", keep, drop)
	require.NoError(t, r.Add(ctx, c))

	store.FailSet(true)
	_, err := r.RemoveMedia(ctx, c.ID, drop.ID)
	require.ErrorIs(t, err, apperr.ErrNotPersisted)
	assert.Len(t, testutil.MediaFiles(t, dir), 2)

	// The deferred ref cannot be claimed by another capsule meanwhile.
	err = r.Add(ctx, newCapsule(t, "claim", capsule.NewMediaItem(capsule.MediaPhoto, drop.URL)))
	require.ErrorIs(t, err, apperr.ErrConflict)

	// Any later successful write releases it.
	store.FailSet(false)
	_, err = r.AddShare(ctx, c.ID, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{string(keep.URL)}, testutil.MediaFiles(t, dir))
}

func TestAdd_RejectsSharedRefs(t *testing.T) {
	ctx := context.Background()
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)
	ref := saveAsset(t, ms, "p")

	twice := newCapsule(t, "twice",
		capsule.NewMediaItem(capsule.MediaPhoto, ref),
		capsule.NewMediaItem(capsule.MediaPhoto, ref))
	require.ErrorIs(t, r.Add(ctx, twice), apperr.ErrConflict)

	video := capsule.NewMediaItem(capsule.MediaVideo, ref)
	video.ThumbnailURL = ref
	require.ErrorIs(t, r.Add(ctx, newCapsule(t, "self thumb", video)), apperr.ErrConflict)

	owner := newCapsule(t, "owner", capsule.NewMediaItem(capsule.MediaPhoto, ref))
	require.NoError(t, r.Add(ctx, owner))
	other := newCapsule(t, "other", capsule.NewMediaItem(capsule.MediaPhoto, ref))
	require.ErrorIs(t, r.Add(ctx, other), apperr.ErrConflict)
	assert.Len(t, r.List(), 1)
}

func TestAdd_ConcurrentClaimsOfOneRef(t *testing.T) {
	ctx := context.Background()
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)
	ref := saveAsset(t, ms, "contested")

	claims := make([]capsule.Capsule, 8)
	for i := range claims {
		claims[i] = newCapsule(t, "claim", capsule.NewMediaItem(capsule.MediaPhoto, ref))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(claims))
	for i := range claims {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Add(ctx, claims[i])
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, won)
	assert.Len(t, r.List(), 1)
}

func TestOpen_CorruptSlotIsPreserved(t *testing.T) {
	ctx := context.Background()
	store := testutil.TestKV(t)
	_, ms := testutil.TestMedia(t)
	raw := []byte(`{"version":1,"capsules":[{"id":"broken"}]}`)
	require.NoError(t, store.Set(ctx, DefaultKey, raw))

	r := openRepo(t, store, ms)
	assert.Empty(t, r.List())
	rep := r.LoadReport()
	require.True(t, rep.Recovered())
	assert.True(t, strings.HasPrefix(rep.RecoveryKey, r.RecoveryPrefix()))
	assert.NotEmpty(t, rep.DecodeError)

	saved, err := store.Get(ctx, rep.RecoveryKey)
	require.NoError(t, err)
	assert.Equal(t, raw, saved)

	// A later write replaces the main slot but not the recovery copy.
	require.NoError(t, r.Add(ctx, newCapsule(t, "fresh")))
	keys, err := store.Keys(ctx, r.RecoveryPrefix())
	require.NoError(t, err)
	assert.Equal(t, []string{rep.RecoveryKey}, keys)
}

func TestRecoverySlots_SurviveRestartUntilDropped(t *testing.T) {
	ctx := context.Background()
	store := testutil.TestKV(t)
	_, ms := testutil.TestMedia(t)
	require.NoError(t, store.Set(ctx, DefaultKey, []byte("not json")))

	first := openRepo(t, store, ms)
	key := first.LoadReport().RecoveryKey
	require.NotEmpty(t, key)
	require.NoError(t, first.Add(ctx, newCapsule(t, "fresh")))

	// The next run loads cleanly but still lists the old recovery slot.
	second := openRepo(t, store, ms)
	assert.False(t, second.LoadReport().Recovered())
	slots, err := second.RecoverySlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, slots)

	require.ErrorIs(t, second.DropRecovery(ctx, DefaultKey), apperr.ErrInvalid)
	require.NoError(t, second.DropRecovery(ctx, key))
	slots, err = second.RecoverySlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, slots)
	assert.Len(t, second.List(), 1)
}

func TestOpen_CustomKey(t *testing.T) {
	ctx := context.Background()
	store := testutil.TestKV(t)
	_, ms := testutil.TestMedia(t)
	r, err := Open(ctx, store, ms, WithKey("other"), WithLogger(testutil.Logger()))
	require.NoError(t, err)
	require.NoError(t, r.Add(ctx, newCapsule(t, "k")))

	_, err = store.Get(ctx, "other")
	require.NoError(t, err)
	_, err = store.Get(ctx, DefaultKey)
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	ctx := context.Background()
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, testutil.TestKV(t), ms)

	var mu sync.Mutex
	var kinds []EventKind
	unsubscribe := r.Subscribe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	c := newCapsule(t, "events")
	require.NoError(t, r.Add(ctx, c))
	_, err := r.AddShare(ctx, c.ID, "a@x.com")
	require.NoError(t, err)
	_, err = r.AddShare(ctx, c.ID, "a@x.com") // unchanged, no event
	require.NoError(t, err)
	_, err = r.RemoveShare(ctx, c.ID, "a@x.com")
	require.NoError(t, err)
	_, err = r.Remove(ctx, c.ID)
	require.NoError(t, err)

	unsubscribe()
	require.NoError(t, r.Add(ctx, newCapsule(t, "after")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventCreated, EventShared, EventUnshared, EventDeleted}, kinds)
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	store := testutil.TestKV(t)
	_, ms := testutil.TestMedia(t)
	r := openRepo(t, store, ms)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := capsule.New(capsule.Params{Title: "c"})
			if err == nil {
				_ = r.Add(ctx, c)
			}
		}()
	}
	wg.Wait()

	again := openRepo(t, store, ms)
	assert.Len(t, again.List(), 20)
}
