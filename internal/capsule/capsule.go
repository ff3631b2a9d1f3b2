// Package capsule defines the time capsule data model and its durable codec.
package capsule

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/starford/timesnap/internal/media"
)

// DefaultUnlockYears is the number of calendar years added to the creation
// time when a capsule is created without an unlock date.
const DefaultUnlockYears = 5

// DefaultUnlockAt returns the unlock date used when none is given.
func DefaultUnlockAt(now time.Time) time.Time {
	return now.AddDate(DefaultUnlockYears, 0, 0)
}

// timeNow returns current time (allows for mock in tests)
var timeNow = time.Now

// Capsule is a bundle of content that stays hidden until UnlockAt.
type Capsule struct {
	ID          string
	Title       string
	Description string
	UnlockAt    time.Time
	// IncludeTime marks the time-of-day part of UnlockAt as meaningful for display.
	IncludeTime bool
	MediaItems  []MediaItem
	CreatedAt   time.Time
	Color       Color
	SharedWith  []string
	// IsShared caches len(SharedWith) > 0.
	IsShared bool
}

// Params holds the caller supplied fields for New. Zero values get defaults.
type Params struct {
	ID          string
	Title       string
	Description string
	UnlockAt    time.Time
	IncludeTime bool
	MediaItems  []MediaItem
	CreatedAt   time.Time
	Color       *Color
	SharedWith  []string
}

// New builds a validated capsule, filling ID, CreatedAt, UnlockAt and Color
// when omitted.
func New(p Params) (Capsule, error) {
	now := timeNow().UTC()
	c := Capsule{
		ID:          p.ID,
		Title:       strings.TrimSpace(p.Title),
		Description: p.Description,
		UnlockAt:    p.UnlockAt,
		IncludeTime: p.IncludeTime,
		MediaItems:  slices.Clone(p.MediaItems),
		CreatedAt:   p.CreatedAt,
		Color:       DefaultColor(),
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UnlockAt.IsZero() {
		c.UnlockAt = DefaultUnlockAt(now)
	}
	if p.Color != nil {
		c.Color = *p.Color
	}
	for _, email := range p.SharedWith {
		c.AddShare(email)
	}
	if err := c.Validate(); err != nil {
		return Capsule{}, err
	}
	return c, nil
}

// Validate checks field constraints and the IsShared invariant.
func (c *Capsule) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.ID, validation.Required, is.UUID),
		validation.Field(&c.Title, validation.By(notBlank)),
		validation.Field(&c.UnlockAt, validation.Required),
		validation.Field(&c.CreatedAt, validation.Required),
		validation.Field(&c.Color),
		validation.Field(&c.MediaItems, validation.By(uniqueMediaIDs)),
		validation.Field(&c.SharedWith, validation.Each(validation.Required, is.EmailFormat), validation.By(uniqueStrings)),
	)
	if err != nil {
		return err
	}
	if c.IsShared != (len(c.SharedWith) > 0) {
		return fmt.Errorf("capsule %s: is_shared=%t does not match %d shares", c.ID, c.IsShared, len(c.SharedWith))
	}
	return nil
}

// NormalizeEmail trims surrounding whitespace. Case is preserved.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

// ValidateEmail checks the address format.
func ValidateEmail(email string) error {
	return validation.Validate(NormalizeEmail(email), validation.Required, is.EmailFormat)
}

// HasShare reports whether email is in SharedWith.
func (c *Capsule) HasShare(email string) bool {
	return slices.Contains(c.SharedWith, NormalizeEmail(email))
}

// AddShare appends email if absent and marks the capsule shared.
// It returns false when the address was already present.
func (c *Capsule) AddShare(email string) bool {
	email = NormalizeEmail(email)
	if slices.Contains(c.SharedWith, email) {
		return false
	}
	c.SharedWith = append(c.SharedWith, email)
	c.IsShared = true
	return true
}

// RemoveShare drops email and clears IsShared once no shares remain.
// It returns false when the address was not present.
func (c *Capsule) RemoveShare(email string) bool {
	email = NormalizeEmail(email)
	before := len(c.SharedWith)
	c.SharedWith = slices.DeleteFunc(c.SharedWith, func(s string) bool { return s == email })
	c.IsShared = len(c.SharedWith) > 0
	return len(c.SharedWith) != before
}

// FindMedia returns the index of the item with the given id, or -1.
func (c *Capsule) FindMedia(mediaID string) int {
	return slices.IndexFunc(c.MediaItems, func(m MediaItem) bool { return m.ID == mediaID })
}

// RemoveMedia detaches the item with the given id and returns it.
func (c *Capsule) RemoveMedia(mediaID string) (MediaItem, bool) {
	i := c.FindMedia(mediaID)
	if i < 0 {
		return MediaItem{}, false
	}
	item := c.MediaItems[i]
	c.MediaItems = slices.Delete(c.MediaItems, i, i+1)
	return item, true
}

// OwnsRef reports whether any attached item references ref.
func (c *Capsule) OwnsRef(ref media.AssetRef) bool {
	for _, m := range c.MediaItems {
		if slices.Contains(m.Refs(), ref) {
			return true
		}
	}
	return false
}

// MediaRefs returns every asset owned by the capsule in display order.
func (c *Capsule) MediaRefs() []media.AssetRef {
	var refs []media.AssetRef
	for _, m := range c.MediaItems {
		refs = append(refs, m.Refs()...)
	}
	return refs
}

// Clone returns a deep copy.
func (c Capsule) Clone() Capsule {
	c.MediaItems = slices.Clone(c.MediaItems)
	c.SharedWith = slices.Clone(c.SharedWith)
	return c
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

func uniqueMediaIDs(value interface{}) error {
	items, _ := value.([]MediaItem)
	seen := make(map[string]struct{}, len(items))
	for _, m := range items {
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate media id %s", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

func uniqueStrings(value interface{}) error {
	list, _ := value.([]string)
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		if _, dup := seen[s]; dup {
			return fmt.Errorf("duplicate entry %q", s)
		}
		seen[s] = struct{}{}
	}
	return nil
}
