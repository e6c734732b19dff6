// Package presence tracks who is online and who is typing, derived purely
// from inbound socket events. No polling.
package presence

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/raaznotes/chatkit/internal/transport"
)

// stopTyping delivery is not guaranteed, so a local expiry timer is the
// correctness backstop for the typing indicator.
const defaultTypingTTL = 1800 * time.Millisecond

// EventSource is the slice of the transport session the tracker needs.
type EventSource interface {
	On(event string, h transport.Handler) (off func())
}

// Tracker is process-wide: one instance shared read-only by every open
// conversation view. Only inbound events mutate it.
type Tracker struct {
	mu     sync.Mutex
	online map[string]struct{}
	typing map[string]*time.Timer
	ttl    time.Duration
	unsubs []func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTypingTTL overrides the typing expiry window. Tests shorten it.
func WithTypingTTL(d time.Duration) Option {
	return func(t *Tracker) { t.ttl = d }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		online: make(map[string]struct{}),
		typing: make(map[string]*time.Timer),
		ttl:    defaultTypingTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind subscribes the tracker to presence events on src.
func (t *Tracker) Bind(src EventSource) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unsubs = append(t.unsubs,
		src.On(transport.EventOnlineUsers, t.onOnlineUsers),
		src.On(transport.EventUserTyping, t.onUserTyping),
		src.On(transport.EventUserStopTyping, t.onUserStopTyping),
	)
}

// Unbind removes the tracker's subscriptions and stops pending timers.
func (t *Tracker) Unbind() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, off := range t.unsubs {
		off()
	}
	t.unsubs = nil

	for id, timer := range t.typing {
		timer.Stop()
		delete(t.typing, id)
	}
}

// IsOnline reports whether userID is currently connected to the push
// channel. Callers render a "last seen" string instead when false.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// IsTyping reports whether userID has a live typing indicator.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID]
	return ok
}

// Online returns a snapshot of the online set.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	return ids
}

// onOnlineUsers fully replaces the online set on every broadcast.
func (t *Tracker) onOnlineUsers(data json.RawMessage) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		log.Printf("presence: failed to decode online users: %v", err)
		return
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = next
	t.mu.Unlock()
}

func (t *Tracker) onUserTyping(data json.RawMessage) {
	id, err := transport.DecodeUserID(data)
	if err != nil {
		log.Printf("presence: failed to decode typing event: %v", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.typing[id]; ok {
		timer.Reset(t.ttl)
		return
	}
	t.typing[id] = time.AfterFunc(t.ttl, func() { t.expireTyping(id) })
}

func (t *Tracker) onUserStopTyping(data json.RawMessage) {
	id, err := transport.DecodeUserID(data)
	if err != nil {
		log.Printf("presence: failed to decode stop-typing event: %v", err)
		return
	}
	t.expireTyping(id)
}

func (t *Tracker) expireTyping(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.typing[userID]; ok {
		timer.Stop()
		delete(t.typing, userID)
	}
}
