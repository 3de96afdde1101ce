// Package hub fans parsed telemetry records out to every registered subscriber.
//
// Delivery is best effort per subscriber: each subscription owns a bounded
// channel and a record that does not fit is dropped for that subscriber only.
// The hub keeps no history.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"zephirus-bridge/internal/frame"
)

// DefaultBuffer is the outbound queue depth used when Register gets buffer <= 0.
const DefaultBuffer = 64

var ErrClosed = errors.New("hub: closed")

// Message is one record together with its JSON encoding. Payload is shared
// between subscribers and must not be modified.
type Message struct {
	Record  frame.Record
	Payload []byte
}

// Subscription is a registered sink. Messages arrive on C in publish order.
// C is closed when the subscription is unregistered or the hub is closed.
type Subscription struct {
	ID   string
	Kind string
	C    <-chan Message

	ch        chan Message
	created   time.Time
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }
func (s *Subscription) Dropped() uint64   { return s.dropped.Load() }

type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published   atomic.Uint64
	encodeFails atomic.Uint64
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:  logger.With("component", "hub"),
		subs: make(map[string]*Subscription),
	}
}

// Register adds a subscriber of the given kind ("ws", "udp", "mqtt", ...).
func (h *Hub) Register(kind string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Kind:    kind,
		C:       ch,
		ch:      ch,
		created: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subs[sub.ID] = sub
	h.log.Debug("subscriber registered", "id", sub.ID, "kind", kind, "subscribers", len(h.subs))
	return sub, nil
}

// Unregister removes the subscription and closes its channel. Unknown ids
// are ignored, so it is safe to call more than once.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(sub.ch)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.log.Debug("subscriber unregistered", "id", id, "kind", sub.Kind,
			"delivered", sub.Delivered(), "dropped", sub.Dropped(), "subscribers", n)
	}
}

// Publish encodes rec once and offers it to every subscriber registered at
// the time of the call. It never blocks on a subscriber.
func (h *Hub) Publish(rec frame.Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		h.encodeFails.Add(1)
		h.log.Error("record encode failed", "err", err)
		return
	}
	h.PublishMessage(Message{Record: rec, Payload: payload})
}

// PublishMessage fans out an already encoded message.
func (h *Hub) PublishMessage(msg Message) {
	h.published.Add(1)

	// Sends never block; the read lock only keeps Unregister from closing a
	// channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
			sub.delivered.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters every subscriber. Later Register calls fail with ErrClosed
// and later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

type SubscriberStats struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Queued     int    `json:"queued"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	CreatedUTC string `json:"created_utc"`
}

type Stats struct {
	Subscribers int               `json:"subscribers"`
	Published   uint64            `json:"published"`
	EncodeFails uint64            `json:"encode_fails,omitempty"`
	Sessions    []SubscriberStats `json:"sessions"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	out := Stats{
		Subscribers: len(h.subs),
		Published:   h.published.Load(),
		EncodeFails: h.encodeFails.Load(),
		Sessions:    make([]SubscriberStats, 0, len(h.subs)),
	}
	for _, sub := range h.subs {
		out.Sessions = append(out.Sessions, SubscriberStats{
			ID:         sub.ID,
			Kind:       sub.Kind,
			Queued:     len(sub.ch),
			Delivered:  sub.Delivered(),
			Dropped:    sub.Dropped(),
			CreatedUTC: sub.created.Format(time.RFC3339Nano),
		})
	}
	h.mu.RUnlock()

	sort.Slice(out.Sessions, func(i, j int) bool {
		if out.Sessions[i].CreatedUTC != out.Sessions[j].CreatedUTC {
			return out.Sessions[i].CreatedUTC < out.Sessions[j].CreatedUTC
		}
		return out.Sessions[i].ID < out.Sessions[j].ID
	})
	return out
}
