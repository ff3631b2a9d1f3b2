package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/capsuleservice"
	"github.com/starford/timesnap/internal/media"
	"github.com/starford/timesnap/internal/unlock"
)

// CapsuleView is the gated capsule representation (aliased from the domain layer).
type CapsuleView = unlock.View

// CapsuleListResponse wraps capsule listings.
type CapsuleListResponse struct {
	Capsules []CapsuleView `json:"capsules" validate:"required"`
}

// CapsuleResponse is a capsule view plus an optional persistence warning.
type CapsuleResponse struct {
	CapsuleView
	PersistWarning string `json:"persist_warning,omitempty"`
}

// ShareRequest is the request body for sharing a capsule.
type ShareRequest struct {
	Email string `json:"email" example:"friend@example.com" validate:"required"`
}

// DraftMediaRef names a previously uploaded asset.
type DraftMediaRef struct {
	Type         string `json:"type" example:"photo" validate:"required"`
	Ref          string `json:"ref" example:"0b6f...jpg" validate:"required"`
	ThumbnailRef string `json:"thumbnail_ref,omitempty"`
}

// CreateFromDraftRequest creates a capsule around uploaded media.
type CreateFromDraftRequest struct {
	Title       string          `json:"title" example:"Summer 2026" validate:"required"`
	Description string          `json:"description"`
	UnlockAt    *time.Time      `json:"unlock_at,omitempty"`
	IncludeTime bool            `json:"include_time"`
	Color       string          `json:"color,omitempty" example:"gold"`
	SharedWith  []string        `json:"shared_with,omitempty"`
	Media       []DraftMediaRef `json:"media"`
}

func (r CreateFromDraftRequest) metadata() (capsuleservice.Metadata, error) {
	meta := capsuleservice.Metadata{
		Title:       r.Title,
		Description: r.Description,
		IncludeTime: r.IncludeTime,
		SharedWith:  r.SharedWith,
	}
	if r.UnlockAt != nil {
		meta.UnlockAt = *r.UnlockAt
	}
	if r.Color != "" {
		c, err := capsule.ParseColor(r.Color)
		if err != nil {
			return meta, fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
		}
		meta.Color = &c
	}
	return meta, nil
}

func (r CreateFromDraftRequest) items() ([]capsule.MediaItem, error) {
	items := make([]capsule.MediaItem, 0, len(r.Media))
	for i, m := range r.Media {
		t, err := capsule.ParseMediaType(strings.TrimSpace(m.Type))
		if err != nil {
			return nil, fmt.Errorf("%w: media %d: %w", apperr.ErrInvalid, i, err)
		}
		item := capsule.NewMediaItem(t, media.AssetRef(m.Ref))
		item.ThumbnailURL = media.AssetRef(m.ThumbnailRef)
		items = append(items, item)
	}
	return items, nil
}

// MediaUploadResponse is returned after a draft upload.
type MediaUploadResponse struct {
	Ref  string `json:"ref" example:"0b6f...jpg" validate:"required"`
	Type string `json:"type" example:"photo" validate:"required"`
	Size int    `json:"size" example:"12345" validate:"required"`
}
