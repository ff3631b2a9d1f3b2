// Package media manages the on-disk lifecycle of capsule media assets.
package media

import (
	"context"
	"time"
)

// AssetRef is an opaque handle to a stored asset: the generated file name
// inside the asset directory.
type AssetRef string

// String returns the ref as a plain string.
func (r AssetRef) String() string { return string(r) }

// Asset describes one file found in the asset directory.
type Asset struct {
	Ref     AssetRef  `json:"ref"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store is the interface for media file operations.
type Store interface {
	// Save writes data under a freshly generated name with the given extension.
	Save(ctx context.Context, data []byte, ext string) (AssetRef, error)
	// Delete removes the asset. A missing asset is not an error.
	Delete(ctx context.Context, ref AssetRef) error
	// Exists reports whether the asset is present on disk.
	Exists(ctx context.Context, ref AssetRef) (bool, error)
	// Path returns the absolute file path backing ref.
	Path(ref AssetRef) (string, error)
	// List returns every asset in the directory.
	List(ctx context.Context) ([]Asset, error)
}
