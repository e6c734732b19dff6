// Package testutil runs an in-process stand-in for the chat backend: the
// REST contract plus the push channel, enough for end-to-end tests without
// a network.
package testutil

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/raaznotes/chatkit/internal/auth"
	"github.com/raaznotes/chatkit/internal/model"
	"github.com/raaznotes/chatkit/internal/transport"
)

// Secret signs the tokens the fake server accepts.
const Secret = "test-secret"

type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *wsPeer) write(event string, payload any) error {
	env, err := transport.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Write(ctx, websocket.MessageText, data)
}

// FakeChatServer implements the REST endpoints and the socket room
// semantics the client depends on.
type FakeChatServer struct {
	mu       sync.Mutex
	users    []model.User
	messages []model.Message
	peers    map[string]*wsPeer

	srv *httptest.Server
}

func NewFakeChatServer() *FakeChatServer {
	s := &FakeChatServer{peers: make(map[string]*wsPeer)}

	r := chi.NewRouter()
	r.Get("/api/chat/{peerID}", s.handleHistory)
	r.Post("/api/chat/send", s.handleSend)
	r.Put("/api/chat/react/{messageID}", s.handleReact)
	r.Put("/api/chat/seen/{conversationID}", s.handleSeen)
	r.Delete("/api/chat/delete/{messageID}", s.handleDelete)
	r.Get("/api/auth/users", s.handleUsers)
	r.Get("/ws", s.handleWS)

	s.srv = httptest.NewServer(r)
	return s
}

// BaseURL is the REST root the api client should point at.
func (s *FakeChatServer) BaseURL() string { return s.srv.URL + "/api" }

// WSURL is the push-channel endpoint.
func (s *FakeChatServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *FakeChatServer) Close() { s.srv.Close() }

// AddUser registers a user in the directory.
func (s *FakeChatServer) AddUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, u)
}

// Token mints a credential the fake server accepts for userID.
func (s *FakeChatServer) Token(userID string) string {
	token, err := auth.MakeToken(userID, Secret, time.Hour)
	if err != nil {
		panic(err)
	}
	return token
}

// Message returns the stored message by id.
func (s *FakeChatServer) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

func (s *FakeChatServer) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return "", false
	}

	userID, err := auth.ValidateToken(token, Secret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (s *FakeChatServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	me, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	key := model.NewConversationKey(me, chi.URLParam(r, "peerID"))

	s.mu.Lock()
	var history []model.Message
	for _, m := range s.messages {
		if m.Conversation() == key {
			history = append(history, m)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})

	w.Header().Set("Content-Type", "application/json")
	if history == nil {
		history = []model.Message{}
	}
	if err := json.NewEncoder(w).Encode(history); err != nil {
		log.Printf("testutil: failed to encode history: %v", err)
	}
}

func (s *FakeChatServer) handleSend(w http.ResponseWriter, r *http.Request) {
	me, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	msg := model.Message{
		ID:         uuid.NewString(),
		SenderID:   me,
		ReceiverID: r.FormValue("receiverId"),
		Text:       r.FormValue("text"),
		CreatedAt:  time.Now().UTC(),
	}

	if _, header, err := r.FormFile("media"); err == nil {
		msg.Media = []string{"/uploads/" + header.Filename}
	}

	if msg.ReceiverID == "" || (msg.Text == "" && len(msg.Media) == 0) {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]model.Message{"data": msg}); err != nil {
		log.Printf("testutil: failed to encode send response: %v", err)
	}
}

func (s *FakeChatServer) handleReact(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	var body struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "messageID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Reaction = body.Emoji
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	http.Error(w, "message not found", http.StatusNotFound)
}

func (s *FakeChatServer) handleSeen(w http.ResponseWriter, r *http.Request) {
	me, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ReceiverID == me {
			s.messages[i].IsSeen = true
		}
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *FakeChatServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	id := chi.URLParam(r, "messageID")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	http.Error(w, "message not found", http.StatusNotFound)
}

func (s *FakeChatServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	s.mu.Lock()
	users := append([]model.User(nil), s.users...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if users == nil {
		users = []model.User{}
	}
	if err := json.NewEncoder(w).Encode(users); err != nil {
		log.Printf("testutil: failed to encode users: %v", err)
	}
}

func (s *FakeChatServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("testutil: ws accept failed: %v", err)
		return
	}

	peer := &wsPeer{conn: conn}
	var userID string
	defer func() {
		conn.CloseNow()
		if userID != "" {
			s.mu.Lock()
			delete(s.peers, userID)
			s.mu.Unlock()
			s.broadcastOnline()
		}
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Event {
		case transport.EventJoin:
			id, err := transport.DecodeUserID(env.Data)
			if err != nil {
				continue
			}
			userID = id
			s.mu.Lock()
			s.peers[userID] = peer
			s.mu.Unlock()
			s.broadcastOnline()

		case transport.EventTyping:
			var p transport.TypingPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				continue
			}
			s.forward(p.ReceiverID, transport.EventUserTyping, p.SenderID)

		case transport.EventStopTyping:
			var p transport.TypingPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				continue
			}
			s.forward(p.ReceiverID, transport.EventUserStopTyping, p.SenderID)

		case transport.EventSendMessage:
			var msg model.Message
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				continue
			}
			// Fan out to both rooms; the sender's copy exercises the
			// client-side de-duplication against its optimistic echo.
			s.forward(msg.ReceiverID, transport.EventNewMessage, msg)
			s.forward(msg.SenderID, transport.EventNewMessage, msg)

		case transport.EventMessageSeen:
			var p transport.SeenPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				continue
			}
			s.mu.Lock()
			for i := range s.messages {
				if s.messages[i].ID == p.MessageID {
					s.messages[i].IsSeen = true
				}
			}
			s.mu.Unlock()
			s.forward(p.ReceiverID, transport.EventMessageSeenAck, p.MessageID)
		}
	}
}

func (s *FakeChatServer) forward(userID, event string, payload any) {
	s.mu.Lock()
	peer, ok := s.peers[userID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := peer.write(event, payload); err != nil {
		log.Printf("testutil: failed to forward %s to %s: %v", event, userID, err)
	}
}

func (s *FakeChatServer) broadcastOnline() {
	s.mu.Lock()
	online := make([]string, 0, len(s.peers))
	targets := make([]*wsPeer, 0, len(s.peers))
	for id, peer := range s.peers {
		online = append(online, id)
		targets = append(targets, peer)
	}
	s.mu.Unlock()

	for _, peer := range targets {
		if err := peer.write(transport.EventOnlineUsers, online); err != nil {
			log.Printf("testutil: failed to broadcast online set: %v", err)
		}
	}
}
