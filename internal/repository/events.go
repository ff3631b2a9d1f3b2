package repository

import "log/slog"

// EventKind names a collection change.
type EventKind string

const (
	EventCreated      EventKind = "capsule.created"
	EventDeleted      EventKind = "capsule.deleted"
	EventShared       EventKind = "capsule.shared"
	EventUnshared     EventKind = "capsule.unshared"
	EventMediaRemoved EventKind = "media.removed"
)

// Event is delivered to listeners after a mutation has been applied.
type Event struct {
	Kind      EventKind `json:"kind"`
	CapsuleID string    `json:"capsule_id"`
	Email     string    `json:"email,omitempty"`
	MediaID   string    `json:"media_id,omitempty"`
}

// Listener receives events synchronously on the mutating goroutine. It must
// not block.
type Listener func(Event)

// Subscribe registers l and returns a function that removes it.
func (r *Repository) Subscribe(l Listener) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Repository) notify(ev Event) {
	r.mu.Lock()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	r.logger.Debug("collection event", slog.String("kind", string(ev.Kind)), slog.String("capsule_id", ev.CapsuleID))
	for _, l := range ls {
		l(ev)
	}
}
