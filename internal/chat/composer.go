package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/raaznotes/chatkit/internal/api"
	"github.com/raaznotes/chatkit/internal/model"
	"github.com/raaznotes/chatkit/internal/transport"
)

const typingDebounce = 1500 * time.Millisecond

// MessageAPI is the request/response half the composer submits through.
type MessageAPI interface {
	Send(ctx context.Context, receiverID, text string, media *api.Attachment) (model.Message, error)
	React(ctx context.Context, messageID, emoji string) error
	MarkSeen(ctx context.Context, conversationID string) error
	Delete(ctx context.Context, messageID string, forEveryone bool) error
}

// Composer builds and submits outgoing messages for one conversation. The
// draft survives a failed submit so the user can retry.
type Composer struct {
	self    model.User
	conv    *Conversation
	emitter Emitter
	api     MessageAPI
	delay   time.Duration

	mu        sync.Mutex
	text      string
	media     *api.Attachment
	stopTimer *time.Timer
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithTypingDebounce overrides the trailing stopTyping delay. Tests
// shorten it.
func WithTypingDebounce(d time.Duration) ComposerOption {
	return func(c *Composer) { c.delay = d }
}

func NewComposer(self model.User, conv *Conversation, emitter Emitter, client MessageAPI, opts ...ComposerOption) *Composer {
	c := &Composer{
		self:    self,
		conv:    conv,
		emitter: emitter,
		api:     client,
		delay:   typingDebounce,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetText updates the draft and announces typing. Every call reschedules
// the trailing stopTyping emission; the timer, not the stop event, is what
// peers can rely on.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.text = text

	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.stopTimer = time.AfterFunc(c.delay, c.announceStop)
	c.mu.Unlock()

	err := c.emitter.Emit(context.Background(), transport.EventTyping, transport.TypingPayload{
		SenderID:   c.self.ID,
		ReceiverID: c.conv.Peer().ID,
	})
	if err != nil {
		log.Printf("chat: failed to announce typing: %v", err)
	}
}

// Attach stages a single media file on the draft.
func (c *Composer) Attach(filename string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = &api.Attachment{Filename: filename, Data: data}
}

// Draft returns the current draft content.
func (c *Composer) Draft() (text string, media *api.Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, c.media
}

// Send submits the draft. An empty draft (text blank after trim, no media)
// is silently ignored. On success the canonical server message is appended
// to the conversation as the optimistic echo and announced on the live
// channel for fan-out to the peer; the draft is cleared. On failure the
// draft is preserved and the error wraps api.ErrSendFailed.
func (c *Composer) Send(ctx context.Context) error {
	c.mu.Lock()
	text := strings.TrimSpace(c.text)
	media := c.media
	c.mu.Unlock()

	if text == "" && media == nil {
		return nil
	}

	msg, err := c.api.Send(ctx, c.conv.Peer().ID, text, media)
	if err != nil {
		return err
	}

	msg.IsMine = true
	c.conv.Append(msg)

	if err := c.emitter.Emit(ctx, transport.EventSendMessage, msg); err != nil {
		// The message is durable server-side; the peer catches up from
		// history even if the fan-out hint is lost.
		log.Printf("chat: failed to announce message %s: %v", msg.ID, err)
	}

	c.mu.Lock()
	c.text = ""
	c.media = nil
	c.mu.Unlock()

	return nil
}

// React sets the reaction slot optimistically and rolls back from the
// stored pre-image if the server rejects it.
func (c *Composer) React(ctx context.Context, messageID, emoji string) error {
	prev, ok := c.conv.SetReaction(messageID, emoji)
	if !ok {
		return fmt.Errorf("%w: unknown message %s", api.ErrActionFailed, messageID)
	}

	if err := c.api.React(ctx, messageID, emoji); err != nil {
		c.conv.SetReaction(messageID, prev)
		return err
	}

	return nil
}

// MarkConversationSeen flips every received message in the conversation via
// the bulk-seen endpoint. Local state changes only after the server
// confirms, so there is nothing to roll back.
func (c *Composer) MarkConversationSeen(ctx context.Context, conversationID string) error {
	if err := c.api.MarkSeen(ctx, conversationID); err != nil {
		return err
	}

	c.conv.MarkSeenFromSelf()
	return nil
}

// Delete removes a message server-side, then locally. No delete broadcast
// exists, so the peer's view converges on its next history fetch.
func (c *Composer) Delete(ctx context.Context, messageID string, forEveryone bool) error {
	if err := c.api.Delete(ctx, messageID, forEveryone); err != nil {
		return err
	}

	c.conv.Remove(messageID)
	return nil
}

func (c *Composer) announceStop() {
	err := c.emitter.Emit(context.Background(), transport.EventStopTyping, transport.TypingPayload{
		SenderID:   c.self.ID,
		ReceiverID: c.conv.Peer().ID,
	})
	if err != nil {
		log.Printf("chat: failed to announce stop typing: %v", err)
	}
}
