// Package testutil provides shared test helpers for capsule stores and media.
package testutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/starford/timesnap/internal/kv"
	"github.com/starford/timesnap/internal/media"
)

// ErrInjected is returned by the failing fakes.
var ErrInjected = errors.New("injected failure")

// Logger returns a logger that discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestKV opens an in-memory Badger store that is closed on cleanup.
func TestKV(t *testing.T) kv.Store {
	t.Helper()
	store, err := kv.OpenBadgerInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestMedia creates a temporary media directory with an FS store.
func TestMedia(t *testing.T) (string, *media.FS) {
	t.Helper()
	dir := t.TempDir()
	store, err := media.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// MediaFiles lists the regular files in dir.
func MediaFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names
}

// WriteFile creates dir/name with data.
func WriteFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// FlakyKV wraps a kv.Store and fails Set while FailSet is true.
type FlakyKV struct {
	kv.Store

	mu      sync.Mutex
	failSet bool
	sets    int
}

// NewFlakyKV wraps inner.
func NewFlakyKV(inner kv.Store) *FlakyKV { return &FlakyKV{Store: inner} }

// FailSet toggles Set failures.
func (f *FlakyKV) FailSet(fail bool) {
	f.mu.Lock()
	f.failSet = fail
	f.mu.Unlock()
}

// Sets returns the number of successful Set calls.
func (f *FlakyKV) Sets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func (f *FlakyKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	if err := f.Store.Set(ctx, key, value); err != nil {
		return err
	}
	f.mu.Lock()
	f.sets++
	f.mu.Unlock()
	return nil
}

// FlakyMedia wraps a media.Store. Save fails once SaveBudget successful saves
// have happened (negative means unlimited); Delete fails while FailDelete is set.
type FlakyMedia struct {
	media.Store

	mu         sync.Mutex
	SaveBudget int
	FailDelete bool
}

// NewFlakyMedia wraps inner with an unlimited save budget.
func NewFlakyMedia(inner media.Store) *FlakyMedia {
	return &FlakyMedia{Store: inner, SaveBudget: -1}
}

func (f *FlakyMedia) Save(ctx context.Context, data []byte, ext string) (media.AssetRef, error) {
	f.mu.Lock()
	if f.SaveBudget == 0 {
		f.mu.Unlock()
		return "", ErrInjected
	}
	if f.SaveBudget > 0 {
		f.SaveBudget--
	}
	f.mu.Unlock()
	return f.Store.Save(ctx, data, ext)
}

func (f *FlakyMedia) Delete(ctx context.Context, ref media.AssetRef) error {
	f.mu.Lock()
	fail := f.FailDelete
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Store.Delete(ctx, ref)
}
