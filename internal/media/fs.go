package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/timesnap/internal/apperr"
)

const tmpPrefix = ".timesnap-tmp-"

// FS implements Store backed by a single local directory.
type FS struct {
	root string // absolute path to the asset directory
}

// NewFS creates a new FS store rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("media: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("media: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("media: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute asset directory.
func (f *FS) Root() string { return f.root }

// safePath maps a ref to a file directly inside root. Refs with separators
// or traversal are rejected.
func (f *FS) safePath(ref AssetRef) (string, error) {
	name := string(ref)
	if name == "" {
		return "", fmt.Errorf("media: empty asset ref: %w", apperr.ErrInvalid)
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, tmpPrefix) {
		return "", fmt.Errorf("media: invalid asset ref %q: %w", name, apperr.ErrInvalid)
	}
	abs := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("media: asset ref escapes root %q: %w", name, apperr.ErrInvalid)
	}
	return abs, nil
}

// Path returns the absolute file path backing ref.
func (f *FS) Path(ref AssetRef) (string, error) {
	return f.safePath(ref)
}

// Save atomically writes data: tmp file → fsync → rename, under "<uuid>.<ext>".
func (f *FS) Save(ctx context.Context, data []byte, ext string) (AssetRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext, err := NormalizeExt(ext)
	if err != nil {
		return "", err
	}
	ref := AssetRef(uuid.NewString() + "." + ext)
	abs, err := f.safePath(ref)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(f.root, tmpPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("media: create temp: %w: %w", apperr.ErrIO, err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("media: write temp: %w: %w", apperr.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("media: fsync: %w: %w", apperr.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("media: close temp: %w: %w", apperr.ErrIO, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return "", fmt.Errorf("media: rename: %w: %w", apperr.ErrIO, err)
	}
	success = true
	return ref, nil
}

// Delete removes the asset file. Deleting an absent asset succeeds.
func (f *FS) Delete(ctx context.Context, ref AssetRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := f.safePath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("media: delete %s: %w: %w", ref, apperr.ErrIO, err)
	}
	return nil
}

// Exists reports whether the asset file is present.
func (f *FS) Exists(_ context.Context, ref AssetRef) (bool, error) {
	abs, err := f.safePath(ref)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	switch {
	case err == nil:
		return !info.IsDir(), nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("media: stat %s: %w: %w", ref, apperr.ErrIO, err)
	}
}

// List returns every regular file in the asset directory, skipping
// in-flight temp files.
func (f *FS) List(ctx context.Context) ([]Asset, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("media: list: %w: %w", apperr.ErrIO, err)
	}
	out := make([]Asset, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("media: list: %w: %w", apperr.ErrIO, err)
		}
		out = append(out, Asset{Ref: AssetRef(e.Name()), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

// Verify *FS satisfies Store at compile time.
var _ Store = (*FS)(nil)
