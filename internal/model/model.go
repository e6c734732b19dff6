// Package model defines data structure.
package model

import "time"

// User is the public profile snapshot of a chat participant.
type User struct {
	ID       string    `json:"_id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// Message holds information about a single message. IDs and CreatedAt are
// server-assigned and stable for the message's lifetime.
type Message struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"sender"`
	ReceiverID string    `json:"receiver"`
	Text       string    `json:"text,omitempty"`
	Media      []string  `json:"media,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	IsSeen     bool      `json:"isSeen"`
	Reaction   string    `json:"reaction,omitempty"`

	// IsMine is computed at merge time by comparing SenderID against the
	// authenticated user. It never travels on the wire.
	IsMine bool `json:"-"`
}

// Conversation returns the key of the 1:1 conversation this message
// belongs to.
func (m Message) Conversation() ConversationKey {
	return NewConversationKey(m.SenderID, m.ReceiverID)
}

// ConversationKey identifies a 1:1 conversation as the unordered pair of
// its participant ids.
type ConversationKey struct {
	A string
	B string
}

// NewConversationKey normalizes the participant pair so that the same two
// users always produce the same key regardless of direction.
func NewConversationKey(a, b string) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{A: a, B: b}
}

// Other returns the participant that is not userID. Returns the empty
// string when userID is not part of the conversation.
func (k ConversationKey) Other(userID string) string {
	switch userID {
	case k.A:
		return k.B
	case k.B:
		return k.A
	}
	return ""
}
