// Package transport owns the persistent duplex connection to the messaging
// server: one Session per client process, joined to the authenticated
// user's room.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	ratelimiter "github.com/raaznotes/chatkit/internal/rate_limiter"
)

const (
	writeWait           = 10 * time.Second
	dialBackoffBase     = 500 * time.Millisecond
	dialMaxRetries      = 5
	reconnectBackoffCap = 30 * time.Second
)

// ErrNotConnected is returned by Emit before Connect has succeeded or after
// Close.
var ErrNotConnected = errors.New("transport: session not connected")

// Handler receives the raw payload of a dispatched event. Handlers for one
// session run sequentially on the read goroutine, in the order the server
// emitted the events.
type Handler func(data json.RawMessage)

// Session is the single live connection to the chat server. It redials with
// backoff when the connection drops and re-announces room membership, so
// registered handlers survive a reconnect.
type Session struct {
	url    string
	userID string

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]map[int]Handler
	nextID   int
	closed   bool
	cancel   context.CancelFunc

	limiter       *ratelimiter.EmitLimiter
	onState       func(connected bool)
	reconnectBase time.Duration
}

// NewSession prepares a session for userID against the ws endpoint at wsURL.
// Nothing is dialed until Connect.
func NewSession(wsURL, userID string) *Session {
	return &Session{
		url:      wsURL,
		userID:   userID,
		handlers: make(map[string]map[int]Handler),
		// Typing fires per keystroke; cap bursts before they hit the wire.
		limiter: ratelimiter.NewEmitLimiter(15, time.Second, ratelimiter.CleanupOpts{
			TTL:      time.Minute,
			Interval: time.Minute,
		}),
		reconnectBase: dialBackoffBase,
	}
}

// SetStateHandler registers a callback for connect/disconnect transitions.
// Must be called before Connect.
func (s *Session) SetStateHandler(fn func(connected bool)) {
	s.onState = fn
}

// Connect dials the server and joins the user's room. Calling it on an
// already-connected session only re-announces room membership.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.conn != nil {
		s.mu.Unlock()
		return s.join(ctx)
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("transport: failed to dial %s: %w", s.url, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.CloseNow()
		return ErrNotConnected
	}
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.join(ctx); err != nil {
		// No read loop is watching this conn yet, so nothing would ever
		// recover it. Drop it so a retried Connect redials.
		s.mu.Lock()
		s.conn = nil
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		conn.CloseNow()
		return err
	}

	s.notifyState(true)
	go s.readLoop(readCtx, conn)

	return nil
}

// Emit sends an event to the server. Fire-and-forget: the protocol carries
// no acknowledgement for chat events, so callers must not assume delivery.
// Throttled typing emissions are dropped silently.
func (s *Session) Emit(ctx context.Context, event string, payload any) error {
	if event == EventTyping || event == EventStopTyping {
		if !s.limiter.Allow(event) {
			return nil
		}
	}

	env, err := NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("transport: failed to encode %s payload: %w", event, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: failed to encode %s envelope: %w", event, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, writeWait)
	defer cancelWrite()

	return conn.Write(writeCtx, websocket.MessageText, data)
}

// On subscribes a handler to an event name and returns its unsubscribe
// func. Multiple handlers per event are supported; the presence tracker and
// every open conversation listen on overlapping names.
func (s *Session) On(event string, h Handler) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]Handler)
	}
	s.handlers[event][id] = h

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
	}
}

// Close tears the connection down for good. Dispose on logout.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.mu.Unlock()

	s.limiter.Cancel()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn

	backoff := retry.WithMaxRetries(dialMaxRetries, retry.NewExponential(dialBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// redial keeps trying until the server answers or the session is closed.
// Mid-session outages can outlast any fixed retry count, so only the
// backoff interval is bounded, not the attempts.
func (s *Session) redial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn

	backoff := retry.WithCappedDuration(reconnectBackoffCap, retry.NewExponential(s.reconnectBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// join registers this connection under the user's room. The join event is
// the push channel's only authentication-equivalent.
func (s *Session) join(ctx context.Context) error {
	if err := s.Emit(ctx, EventJoin, s.userID); err != nil {
		return fmt.Errorf("transport: failed to join room for %s: %w", s.userID, err)
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.CloseNow()

			s.mu.Lock()
			closed := s.closed
			s.conn = nil
			s.mu.Unlock()

			if closed || ctx.Err() != nil {
				return
			}

			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway {
				log.Printf("transport: connection lost: %v", err)
			}
			s.notifyState(false)

			next, derr := s.redial(ctx)
			if derr != nil {
				// redial only gives up when the session is closed.
				return
			}

			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				next.CloseNow()
				return
			}
			s.conn = next
			s.mu.Unlock()

			if jerr := s.join(ctx); jerr != nil {
				log.Printf("transport: %v", jerr)
			}
			s.notifyState(true)

			conn = next
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("transport: failed to decode frame: %v", err)
			continue
		}

		s.dispatch(env)
	}
}

func (s *Session) dispatch(env Envelope) {
	s.mu.Lock()
	hs := make([]Handler, 0, len(s.handlers[env.Event]))
	for _, h := range s.handlers[env.Event] {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h(env.Data)
	}
}

func (s *Session) notifyState(connected bool) {
	if s.onState != nil {
		s.onState(connected)
	}
}
