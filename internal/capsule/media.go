package capsule

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/starford/timesnap/internal/media"
)

// MediaType tags the kind of asset attached to a capsule.
type MediaType string

const (
	MediaPhoto   MediaType = "photo"
	MediaVideo   MediaType = "video"
	MediaMessage MediaType = "message" // voice recording
)

// MediaTypes lists every known tag in display order.
var MediaTypes = []MediaType{MediaPhoto, MediaVideo, MediaMessage}

// ParseMediaType converts a stored or user supplied tag.
func ParseMediaType(s string) (MediaType, error) {
	t := MediaType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("capsule: unknown media type %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known tags.
func (t MediaType) Valid() bool {
	switch t {
	case MediaPhoto, MediaVideo, MediaMessage:
		return true
	}
	return false
}

// DefaultExt is the file extension used when the capture flow does not
// suggest one.
func (t MediaType) DefaultExt() string {
	switch t {
	case MediaPhoto:
		return "jpg"
	case MediaVideo:
		return "mov"
	case MediaMessage:
		return "m4a"
	}
	return "bin"
}

// MediaItem is one asset attached to a capsule. URL is owned exclusively by
// the item while it is attached.
type MediaItem struct {
	ID           string
	Type         MediaType
	URL          media.AssetRef
	ThumbnailURL media.AssetRef // empty when absent
}

// NewMediaItem builds an item with a fresh id.
func NewMediaItem(t MediaType, ref media.AssetRef) MediaItem {
	return MediaItem{ID: uuid.NewString(), Type: t, URL: ref}
}

// Refs returns every asset the item owns.
func (m MediaItem) Refs() []media.AssetRef {
	if m.ThumbnailURL == "" {
		return []media.AssetRef{m.URL}
	}
	return []media.AssetRef{m.URL, m.ThumbnailURL}
}

// Validate checks id, tag and asset reference.
func (m MediaItem) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required, is.UUID),
		validation.Field(&m.Type, validation.Required, validation.By(func(v interface{}) error {
			if t, _ := v.(MediaType); !t.Valid() {
				return errors.New("must be photo, video or message")
			}
			return nil
		})),
		validation.Field(&m.URL, validation.Required),
	)
}

// Kind is the content family files of this type are expected to sniff as.
func (t MediaType) Kind() media.Kind {
	switch t {
	case MediaPhoto:
		return media.KindImage
	case MediaVideo:
		return media.KindVideo
	case MediaMessage:
		return media.KindAudio
	}
	return media.KindUnknown
}

// CheckContent rejects data whose sniffed kind contradicts t. Data that
// cannot be classified is accepted.
func (t MediaType) CheckContent(data []byte) error {
	got := media.DetectKind(data)
	if got == media.KindUnknown || got == t.Kind() {
		return nil
	}
	return fmt.Errorf("capsule: %s upload looks like %s", t, got)
}
