package unlock

import (
	"time"

	"github.com/starford/timesnap/internal/capsule"
)

// MediaView is the public shape of an attached item.
type MediaView struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Ref          string `json:"ref"`
	ThumbnailRef string `json:"thumbnail_ref,omitempty"`
}

// View is a capsule as presentation may show it at a given instant. Title,
// colour, unlock date and sharing are always visible; Description and Media
// are empty while the capsule is locked.
type View struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Locked      bool        `json:"locked"`
	UnlockAt    time.Time   `json:"unlock_at"`
	IncludeTime bool        `json:"include_time"`
	UnlockLabel string      `json:"unlock_label,omitempty"`
	Remaining   string      `json:"remaining,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Color       string      `json:"color"`
	SharedWith  []string    `json:"shared_with"`
	IsShared    bool        `json:"is_shared"`
	MediaCount  int         `json:"media_count"`
	Description string      `json:"description,omitempty"`
	Media       []MediaView `json:"media,omitempty"`
}

// Reveal builds the View of c for instant now.
func Reveal(c capsule.Capsule, now time.Time) View {
	v := View{
		ID:          c.ID,
		Title:       c.Title,
		Locked:      !IsUnlocked(c, now),
		UnlockAt:    c.UnlockAt,
		IncludeTime: c.IncludeTime,
		CreatedAt:   c.CreatedAt,
		Color:       c.Color.Hex(),
		SharedWith:  append([]string{}, c.SharedWith...),
		IsShared:    c.IsShared,
		MediaCount:  len(c.MediaItems),
	}
	if v.Locked {
		v.UnlockLabel = UnlockLabel(c, time.UTC)
		v.Remaining = Remaining(c, now).Truncate(time.Second).String()
		return v
	}
	v.Description = c.Description
	v.Media = make([]MediaView, 0, len(c.MediaItems))
	for _, m := range c.MediaItems {
		v.Media = append(v.Media, MediaView{
			ID:           m.ID,
			Type:         string(m.Type),
			Ref:          m.URL.String(),
			ThumbnailRef: m.ThumbnailURL.String(),
		})
	}
	return v
}

// RevealAll maps Reveal over caps, keeping order.
func RevealAll(caps []capsule.Capsule, now time.Time) []View {
	out := make([]View, 0, len(caps))
	for _, c := range caps {
		out = append(out, Reveal(c, now))
	}
	return out
}
