package transport

import "encoding/json"

// Canonical wire event names. The server historically answered to a few
// aliases (seen/messageSeen, typing/userTyping); this client standardizes on
// the set below and tolerates the aliases on decode.
const (
	// Client → Server
	EventJoin        = "join"
	EventTyping      = "typing"
	EventStopTyping  = "stopTyping"
	EventSendMessage = "sendMessage"
	EventMessageSeen = "messageSeen"

	// Server → Client
	EventOnlineUsers    = "onlineUsers"
	EventUserTyping     = "userTyping"
	EventUserStopTyping = "userStopTyping"
	EventNewMessage     = "newMessage"
	EventMessageSeenAck = "messageSeenAck"
)

// Envelope is the frame for every message on the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload under an event name.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

// TypingPayload announces typing start/stop for a conversation.
type TypingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// SeenPayload is the read receipt. ReceiverID names the user the ack should
// be routed to, which is the original sender of the message.
type SeenPayload struct {
	MessageID  string `json:"messageId"`
	ReceiverID string `json:"receiverId"`
}

// DecodeUserID reads a payload that is either a bare user-id string or a
// TypingPayload and returns the sender id.
func DecodeUserID(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}

	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", err
	}
	return p.SenderID, nil
}

// DecodeMessageID reads a payload that is either a bare message-id string or
// a SeenPayload and returns the message id.
func DecodeMessageID(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}

	var p SeenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", err
	}
	return p.MessageID, nil
}
