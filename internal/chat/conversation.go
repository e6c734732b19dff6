// Package chat reconciles the two sources of truth for a conversation: the
// one-shot REST history and the continuous live event stream. It owns the
// ordered, de-duplicated message list per open conversation and the outbound
// composer that feeds it.
package chat

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/raaznotes/chatkit/internal/model"
	"github.com/raaznotes/chatkit/internal/transport"
)

// EventSource is the subscription half of the transport session.
type EventSource interface {
	On(event string, h transport.Handler) (off func())
}

// Emitter is the slice of the transport session a conversation needs.
type Emitter interface {
	EventSource
	Emit(ctx context.Context, event string, payload any) error
}

// HistoryLoader pulls the durable message log for a peer.
type HistoryLoader interface {
	History(ctx context.Context, peerID string) ([]model.Message, error)
}

// Conversation holds the reconciled state of one open 1:1 chat. Create one
// per open chat window with Open, discard it with Close; history is
// re-fetched on re-open, there is no cross-session cache.
type Conversation struct {
	self    model.User
	peer    model.User
	emitter Emitter
	loader  HistoryLoader
	// Inbound text is sanitized before it enters state, same as the server
	// does on ingest. Belt and braces against a compromised peer payload.
	sanitizer *bluemonday.Policy

	mu             sync.Mutex
	gen            uint64
	closed         bool
	loadingHistory bool
	loadErr        error
	messages       []model.Message
	byID           map[string]int
	unsubs         []func()
}

// Open creates the conversation state, subscribes to live events and kicks
// off the history fetch in the background.
func Open(ctx context.Context, self, peer model.User, emitter Emitter, loader HistoryLoader) *Conversation {
	c := &Conversation{
		self:           self,
		peer:           peer,
		emitter:        emitter,
		loader:         loader,
		sanitizer:      bluemonday.StrictPolicy(),
		byID:           make(map[string]int),
		loadingHistory: true,
	}

	c.unsubs = append(c.unsubs,
		emitter.On(transport.EventNewMessage, c.onNewMessage),
		emitter.On(transport.EventMessageSeenAck, c.onSeenAck),
	)

	go c.loadHistory(ctx)

	return c
}

// Peer returns the other participant's profile snapshot.
func (c *Conversation) Peer() model.User { return c.peer }

// Key returns the conversation key of this chat.
func (c *Conversation) Key() model.ConversationKey {
	return model.NewConversationKey(c.self.ID, c.peer.ID)
}

// Messages returns a copy of the visible list, sorted ascending by
// CreatedAt and unique by id.
func (c *Conversation) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// LoadingHistory reports whether the initial history fetch is still in
// flight. Distinguishes "still loading" from "loaded empty".
func (c *Conversation) LoadingHistory() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadingHistory
}

// LoadErr returns the history fetch failure, if any, so the caller can
// present a retry affordance instead of a silently empty conversation.
func (c *Conversation) LoadErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

// RetryHistory re-runs a failed history fetch. No-op while a fetch is in
// flight or after Close.
func (c *Conversation) RetryHistory(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.loadingHistory || c.loadErr == nil {
		c.mu.Unlock()
		return
	}
	c.loadingHistory = true
	c.loadErr = nil
	c.mu.Unlock()

	go c.loadHistory(ctx)
}

// Close unsubscribes all handlers and discards state. Async continuations
// started before Close see a stale generation and drop their results.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.gen++

	for _, off := range c.unsubs {
		off()
	}
	c.unsubs = nil
	c.messages = nil
	c.byID = nil
}

func (c *Conversation) loadHistory(ctx context.Context) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	history, err := c.loader.History(ctx, c.peer.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	// The conversation may have been closed (or closed and reopened) while
	// the fetch was in flight.
	if c.closed || c.gen != gen {
		return
	}

	c.loadingHistory = false
	if err != nil {
		c.loadErr = err
		log.Printf("chat: history load for peer %s failed: %v", c.peer.ID, err)
		return
	}

	// Live events may already have been appended. Union by id, then
	// restore the ordering invariant.
	for _, msg := range history {
		if _, dup := c.byID[msg.ID]; dup {
			continue
		}
		c.insertLocked(msg)
	}
	c.sortLocked()
}

func (c *Conversation) onNewMessage(data json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("chat: failed to decode message event: %v", err)
		return
	}

	// Events for other conversations are someone else's business.
	if msg.SenderID != c.peer.ID && msg.ReceiverID != c.peer.ID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if _, dup := c.byID[msg.ID]; dup {
		// The optimistic echo beat the broadcast here.
		c.mu.Unlock()
		return
	}

	c.insertLocked(msg)
	shouldAck := msg.ReceiverID == c.self.ID
	sender := msg.SenderID
	c.mu.Unlock()

	if shouldAck {
		err := c.emitter.Emit(context.Background(), transport.EventMessageSeen, transport.SeenPayload{
			MessageID:  msg.ID,
			ReceiverID: sender,
		})
		if err != nil {
			log.Printf("chat: failed to emit read receipt for %s: %v", msg.ID, err)
		}
	}
}

func (c *Conversation) onSeenAck(data json.RawMessage) {
	id, err := transport.DecodeMessageID(data)
	if err != nil {
		log.Printf("chat: failed to decode seen ack: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	// Idempotent and monotonic: false→true only, applying twice is a no-op.
	if idx, ok := c.byID[id]; ok {
		c.messages[idx].IsSeen = true
	}
}

// Append merges an already-accepted message into the visible list. The
// composer uses it for the optimistic echo after a successful submit;
// de-duplication by id keeps the later broadcast from double-rendering.
func (c *Conversation) Append(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, dup := c.byID[msg.ID]; dup {
		return
	}
	c.insertLocked(msg)
}

// SetReaction applies a reaction locally and returns the pre-image so the
// caller can roll back on a confirmed server failure. Last write wins.
func (c *Conversation) SetReaction(messageID, emoji string) (prev string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, found := c.byID[messageID]
	if c.closed || !found {
		return "", false
	}

	prev = c.messages[idx].Reaction
	c.messages[idx].Reaction = emoji
	return prev, true
}

// MarkSeenFromSelf flips the receipt on every message the current user
// received. Pairs with the bulk-seen REST endpoint.
func (c *Conversation) MarkSeenFromSelf() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		if c.messages[i].ReceiverID == c.self.ID {
			c.messages[i].IsSeen = true
		}
	}
}

// Remove drops a message from the visible list. Used after a confirmed
// delete; there is no delete broadcast to reconcile against.
func (c *Conversation) Remove(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.byID[messageID]
	if c.closed || !ok {
		return false
	}

	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	c.reindexLocked()
	return true
}

// insertLocked tags, sanitizes and appends msg, restoring sort order when a
// late arrival lands out of sequence. Caller holds c.mu.
func (c *Conversation) insertLocked(msg model.Message) {
	msg.IsMine = msg.SenderID == c.self.ID
	msg.Text = c.sanitizer.Sanitize(msg.Text)

	c.messages = append(c.messages, msg)
	c.byID[msg.ID] = len(c.messages) - 1

	if n := len(c.messages); n > 1 && c.messages[n-2].CreatedAt.After(msg.CreatedAt) {
		c.sortLocked()
	}
}

func (c *Conversation) sortLocked() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
	c.reindexLocked()
}

func (c *Conversation) reindexLocked() {
	c.byID = make(map[string]int, len(c.messages))
	for i, m := range c.messages {
		c.byID[m.ID] = i
	}
}
