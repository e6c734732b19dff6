package chat

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/raaznotes/chatkit/internal/model"
	"github.com/raaznotes/chatkit/internal/transport"
)

// Inbox is the sidebar rollup: last message and unread count per chat
// partner, driven by newMessage events across all conversations. One
// instance per client, alongside the presence tracker.
type Inbox struct {
	selfID string

	mu     sync.Mutex
	last   map[string]model.Message
	unread map[string]int
	off    func()
}

// OpenInbox subscribes the rollup to the live stream.
func OpenInbox(selfID string, src EventSource) *Inbox {
	i := &Inbox{
		selfID: selfID,
		last:   make(map[string]model.Message),
		unread: make(map[string]int),
	}
	i.off = src.On(transport.EventNewMessage, i.onNewMessage)
	return i
}

// LastMessage returns the most recent message exchanged with peerID.
func (i *Inbox) LastMessage(peerID string) (model.Message, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	msg, ok := i.last[peerID]
	return msg, ok
}

// Unread returns the count of messages received from peerID since the last
// ClearUnread.
func (i *Inbox) Unread(peerID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.unread[peerID]
}

// ClearUnread resets the badge for peerID. Call when their conversation is
// opened.
func (i *Inbox) ClearUnread(peerID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.unread, peerID)
}

// Close unsubscribes the rollup.
func (i *Inbox) Close() {
	if i.off != nil {
		i.off()
		i.off = nil
	}
}

func (i *Inbox) onNewMessage(data json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("chat: inbox failed to decode message event: %v", err)
		return
	}

	partner := msg.Conversation().Other(i.selfID)
	if partner == "" {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.last[partner] = msg
	if msg.ReceiverID == i.selfID {
		i.unread[msg.SenderID]++
	}
}
