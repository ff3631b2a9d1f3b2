package capsule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/media"
)

// FormatVersion is the schema version written by Encode.
// Version 0 is the legacy bare-array layout without an envelope.
const FormatVersion = 1

// ErrUnsupportedVersion is returned for blobs written by a newer schema.
var ErrUnsupportedVersion = errors.New("unsupported format version")

// DecodeError reports why a persisted collection could not be decoded.
// Index is the failing record, or -1 when the envelope itself is bad.
type DecodeError struct {
	Index int
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("capsule: decode: %v", e.Err)
	case e.Field != "":
		return fmt.Sprintf("capsule: decode record %d: field %s: %v", e.Index, e.Field, e.Err)
	default:
		return fmt.Sprintf("capsule: decode record %d: %v", e.Index, e.Err)
	}
}

// Unwrap exposes both apperr.ErrDecode and the cause to errors.Is.
func (e *DecodeError) Unwrap() []error {
	return []error{apperr.ErrDecode, e.Err}
}

var errMissing = errors.New("missing")

type envelope struct {
	Version  int             `json:"version"`
	Capsules []capsuleRecord `json:"capsules"`
}

type capsuleRecord struct {
	ID          *string       `json:"id"`
	Title       *string       `json:"title"`
	Description string        `json:"description"`
	UnlockAt    *time.Time    `json:"unlock_at"`
	IncludeTime bool          `json:"include_time"`
	MediaItems  []mediaRecord `json:"media_items"`
	CreatedAt   *time.Time    `json:"created_at"`
	ColorRed    *float64      `json:"color_red"`
	ColorGreen  *float64      `json:"color_green"`
	ColorBlue   *float64      `json:"color_blue"`
	SharedWith  []string      `json:"shared_with"`
	IsShared    bool          `json:"is_shared"`
}

type mediaRecord struct {
	ID           *string `json:"id"`
	Type         *string `json:"type"`
	URL          *string `json:"url"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
}

// Encode serializes the whole collection into one versioned blob.
// Every capsule is validated first so the blob always decodes again.
func Encode(caps []Capsule) ([]byte, error) {
	env := envelope{Version: FormatVersion, Capsules: make([]capsuleRecord, 0, len(caps))}
	for i := range caps {
		c := &caps[i]
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("capsule: encode record %d: %w", i, err)
		}
		env.Capsules = append(env.Capsules, toRecord(c))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("capsule: encode: %w", err)
	}
	return data, nil
}

// Decode parses a blob produced by Encode (or the legacy bare array).
// It is all-or-nothing: any bad record fails the whole collection.
func Decode(data []byte) ([]Capsule, error) {
	caps, _, err := DecodeVersion(data)
	return caps, err
}

// DecodeVersion is Decode that also reports the blob's format version.
// The legacy bare array is version 0.
func DecodeVersion(data []byte) ([]Capsule, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, 0, &DecodeError{Index: -1, Err: errors.New("empty blob")}
	}

	var env envelope
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &env.Capsules); err != nil {
			return nil, 0, &DecodeError{Index: -1, Err: err}
		}
	} else {
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, 0, &DecodeError{Index: -1, Err: err}
		}
		if env.Version > FormatVersion {
			return nil, 0, &DecodeError{Index: -1, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)}
		}
	}

	out := make([]Capsule, 0, len(env.Capsules))
	seen := make(map[string]struct{}, len(env.Capsules))
	for i, rec := range env.Capsules {
		c, err := fromRecord(i, rec)
		if err != nil {
			return nil, 0, err
		}
		if _, dup := seen[c.ID]; dup {
			return nil, 0, &DecodeError{Index: i, Field: "id", Err: fmt.Errorf("duplicate capsule id %s", c.ID)}
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out, env.Version, nil
}

func toRecord(c *Capsule) capsuleRecord {
	items := make([]mediaRecord, 0, len(c.MediaItems))
	for _, m := range c.MediaItems {
		id, typ, url := m.ID, string(m.Type), string(m.URL)
		items = append(items, mediaRecord{ID: &id, Type: &typ, URL: &url, ThumbnailURL: string(m.ThumbnailURL)})
	}
	id, title := c.ID, c.Title
	unlockAt, createdAt := c.UnlockAt.UTC(), c.CreatedAt.UTC()
	r, g, b := c.Color.R, c.Color.G, c.Color.B
	shared := c.SharedWith
	if shared == nil {
		shared = []string{}
	}
	return capsuleRecord{
		ID:          &id,
		Title:       &title,
		Description: c.Description,
		UnlockAt:    &unlockAt,
		IncludeTime: c.IncludeTime,
		MediaItems:  items,
		CreatedAt:   &createdAt,
		ColorRed:    &r,
		ColorGreen:  &g,
		ColorBlue:   &b,
		SharedWith:  shared,
		IsShared:    len(c.SharedWith) > 0,
	}
}

func fromRecord(i int, rec capsuleRecord) (Capsule, error) {
	missing := func(field string) error {
		return &DecodeError{Index: i, Field: field, Err: errMissing}
	}
	switch {
	case rec.ID == nil:
		return Capsule{}, missing("id")
	case rec.Title == nil:
		return Capsule{}, missing("title")
	case rec.UnlockAt == nil:
		return Capsule{}, missing("unlock_at")
	case rec.CreatedAt == nil:
		return Capsule{}, missing("created_at")
	case rec.ColorRed == nil:
		return Capsule{}, missing("color_red")
	case rec.ColorGreen == nil:
		return Capsule{}, missing("color_green")
	case rec.ColorBlue == nil:
		return Capsule{}, missing("color_blue")
	}

	c := Capsule{
		ID:          *rec.ID,
		Title:       *rec.Title,
		Description: rec.Description,
		UnlockAt:    *rec.UnlockAt,
		IncludeTime: rec.IncludeTime,
		CreatedAt:   *rec.CreatedAt,
		Color:       Color{R: *rec.ColorRed, G: *rec.ColorGreen, B: *rec.ColorBlue},
	}
	for j, mr := range rec.MediaItems {
		field := fmt.Sprintf("media_items[%d]", j)
		if mr.ID == nil || mr.Type == nil || mr.URL == nil {
			return Capsule{}, missing(field)
		}
		t, err := ParseMediaType(*mr.Type)
		if err != nil {
			return Capsule{}, &DecodeError{Index: i, Field: field + ".type", Err: err}
		}
		c.MediaItems = append(c.MediaItems, MediaItem{
			ID:           *mr.ID,
			Type:         t,
			URL:          media.AssetRef(*mr.URL),
			ThumbnailURL: media.AssetRef(mr.ThumbnailURL),
		})
	}
	// is_shared is derived; recompute it rather than trusting the stored copy.
	for _, email := range rec.SharedWith {
		c.SharedWith = append(c.SharedWith, NormalizeEmail(email))
	}
	c.IsShared = len(c.SharedWith) > 0

	if err := c.Validate(); err != nil {
		return Capsule{}, &DecodeError{Index: i, Err: err}
	}
	return c, nil
}
