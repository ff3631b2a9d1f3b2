// Package sse implements a Server-Sent Events broker that streams capsule
// collection changes to presentation clients.
//
// Every frame carries a sequence id. A client reconnecting with Last-Event-ID
// is first sent the retained frames it missed, so a short network drop does
// not force a full reload of the collection.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/starford/timesnap/internal/repository"
)

// CollectionUpdated is the throttled event sent after capsule changes.
const CollectionUpdated = "collection.updated"

const (
	defaultThrottle  = 2 * time.Second
	defaultHeartbeat = 25 * time.Second
	replaySize       = 128
	clientBuffer     = 64
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type frame struct {
	id  uint64
	raw []byte
}

type subscription struct {
	ch    chan []byte
	after uint64 // replay frames with id > after; 0 means none
}

// Broker manages SSE client connections and broadcasts events.
//
// A single goroutine owns the client set, the replay ring and the
// collection.updated throttle. Public methods talk to it over channels.
type Broker struct {
	throttle  time.Duration
	heartbeat time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	changeCh      chan repository.Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithHeartbeat sets the interval of keep-alive comments sent to idle
// streams. Zero disables them.
func WithHeartbeat(d time.Duration) BrokerOption {
	return func(b *Broker) { b.heartbeat = d }
}

// NewBroker creates a broker that sends at most one collection.updated per
// throttle interval. Changes inside the interval are announced by a single
// trailing collection.updated when it ends.
func NewBroker(throttle time.Duration, opts ...BrokerOption) *Broker {
	if throttle <= 0 {
		throttle = defaultThrottle
	}

	b := &Broker{
		throttle:      throttle,
		heartbeat:     defaultHeartbeat,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		changeCh:      make(chan repository.Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	ring := make([]frame, 0, replaySize)
	var seq uint64

	var (
		lastCollection time.Time
		trailing       *time.Timer
		trailingC      <-chan time.Time
	)

	var heartbeatC <-chan time.Time
	if b.heartbeat > 0 {
		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	send := func(ch chan []byte, raw []byte) {
		select {
		case ch <- raw:
		default:
			// Slow client; it can resume with Last-Event-ID.
		}
	}

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))
		if len(ring) == replaySize {
			copy(ring, ring[1:])
			ring = ring[:replaySize-1]
		}
		ring = append(ring, frame{id: seq, raw: raw})
		for ch := range clients {
			send(ch, raw)
		}
	}

	collection := func(now time.Time) {
		lastCollection = now
		broadcast(Event{Type: CollectionUpdated, Data: map[string]uint64{"seq": seq}})
	}

	for {
		select {
		case <-b.stopCh:
			if trailing != nil {
				trailing.Stop()
			}
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = struct{}{}
			if sub.after > 0 {
				for _, f := range ring {
					if f.id > sub.after {
						send(sub.ch, f.raw)
					}
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case ev := <-b.changeCh:
			broadcast(Event{Type: string(ev.Kind), Data: ev})

			now := time.Now()
			if wait := b.throttle - now.Sub(lastCollection); wait <= 0 {
				collection(now)
			} else if trailing == nil {
				trailing = time.NewTimer(wait)
				trailingC = trailing.C
			}

		case now := <-trailingC:
			trailing, trailingC = nil, nil
			collection(now)

		case <-heartbeatC:
			for ch := range clients {
				send(ch, []byte(": ping\n\n"))
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	return b.SubscribeAfter(0)
}

// SubscribeAfter adds a client that is first sent every retained frame with
// an id greater than lastID.
func (b *Broker) SubscribeAfter(lastID uint64) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, after: lastID}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishChange publishes a repository event followed, subject to the
// throttle, by collection.updated. Its signature matches repository.Listener.
func (b *Broker) PublishChange(ev repository.Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changeCh <- ev:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.SubscribeAfter(lastID)
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
