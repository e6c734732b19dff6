package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaznotes/chatkit/internal/model"
)

// startEcho runs a ws endpoint that reflects every frame back to the sender.
func startEcho(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionConnectAnnouncesRoom(t *testing.T) {
	srv := startEcho(t)
	defer srv.Close()

	s := NewSession(wsURL(srv), "user-1")
	defer s.Close()

	joined := make(chan string, 1)
	s.On(EventJoin, func(data json.RawMessage) {
		id, err := DecodeUserID(data)
		assert.NoError(t, err)
		joined <- id
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	select {
	case id := <-joined:
		assert.Equal(t, "user-1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("join event was never echoed back")
	}
}

func TestSessionDispatchesToAllHandlers(t *testing.T) {
	srv := startEcho(t)
	defer srv.Close()

	s := NewSession(wsURL(srv), "user-1")
	defer s.Close()

	first := make(chan model.Message, 1)
	second := make(chan model.Message, 1)
	decode := func(out chan model.Message) Handler {
		return func(data json.RawMessage) {
			var msg model.Message
			assert.NoError(t, json.Unmarshal(data, &msg))
			out <- msg
		}
	}
	s.On(EventNewMessage, decode(first))
	s.On(EventNewMessage, decode(second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	want := model.Message{ID: "m1", SenderID: "user-1", ReceiverID: "user-2", Text: "hi"}
	require.NoError(t, s.Emit(ctx, EventNewMessage, want))

	for _, ch := range []chan model.Message{first, second} {
		select {
		case got := <-ch:
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Text, got.Text)
		case <-time.After(3 * time.Second):
			t.Fatal("handler never received the event")
		}
	}
}

func TestSessionOff(t *testing.T) {
	srv := startEcho(t)
	defer srv.Close()

	s := NewSession(wsURL(srv), "user-1")
	defer s.Close()

	removedHits := make(chan struct{}, 4)
	off := s.On(EventNewMessage, func(json.RawMessage) {
		removedHits <- struct{}{}
	})

	kept := make(chan struct{}, 4)
	s.On(EventNewMessage, func(json.RawMessage) {
		kept <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	off()
	require.NoError(t, s.Emit(ctx, EventNewMessage, model.Message{ID: "m1"}))

	select {
	case <-kept:
	case <-time.After(3 * time.Second):
		t.Fatal("surviving handler never received the event")
	}

	select {
	case <-removedHits:
		t.Error("unsubscribed handler was still invoked")
	default:
	}
}

// startFlaky runs a ws endpoint whose first connection is severed right
// after the join frame. It then refuses the next `rejects` upgrade attempts
// with a 503 before settling into echoing every frame.
func startFlaky(t *testing.T, rejects int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n > 1 && n <= int32(1+rejects) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}

		if n == 1 {
			// Take the join frame, then drop the socket without a close
			// handshake.
			conn.Read(r.Context())
			conn.CloseNow()
			return
		}

		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	return srv, &attempts
}

func TestSessionReconnectsAndRejoins(t *testing.T) {
	srv, attempts := startFlaky(t, 0)
	defer srv.Close()

	s := NewSession(wsURL(srv), "user-1")
	defer s.Close()

	states := make(chan bool, 8)
	s.SetStateHandler(func(connected bool) { states <- connected })

	joined := make(chan string, 4)
	s.On(EventJoin, func(data json.RawMessage) {
		if id, err := DecodeUserID(data); err == nil {
			joined <- id
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	// The first conn never echoes, so a join coming back proves the
	// session redialed and re-announced the room on the replacement.
	select {
	case id := <-joined:
		assert.Equal(t, "user-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("re-join was never echoed after the drop")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))

	for _, want := range []bool{true, false, true} {
		select {
		case got := <-states:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("state transition never arrived")
		}
	}

	// Handlers registered before the drop keep working on the new conn.
	got := make(chan model.Message, 1)
	s.On(EventNewMessage, func(data json.RawMessage) {
		var msg model.Message
		if json.Unmarshal(data, &msg) == nil {
			got <- msg
		}
	})
	require.NoError(t, s.Emit(ctx, EventNewMessage, model.Message{ID: "m1", Text: "still here"}))
	select {
	case msg := <-got:
		assert.Equal(t, "m1", msg.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("event never dispatched after reconnect")
	}
}

func TestConnectRetriesAfterJoinFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		if attempts.Add(1) == 1 {
			// Sever the socket before the join frame arrives so the
			// first Connect fails mid-handshake.
			conn.CloseNow()
			return
		}

		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSession(wsURL(srv), "user-1")
	defer s.Close()

	joined := make(chan string, 4)
	s.On(EventJoin, func(data json.RawMessage) {
		if id, err := DecodeUserID(data); err == nil {
			joined <- id
		}
	})

	// Whether the first Connect fails on the join write or survives just
	// long enough for the read loop to notice the dead socket, a retried
	// Connect must end up on a fresh, working connection.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.Connect(ctx) == nil
	}, 10*time.Second, 50*time.Millisecond, "session never recovered after the failed join")

	select {
	case id := <-joined:
		assert.Equal(t, "user-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("join was never echoed on the recovered connection")
	}
}

func TestSessionOutlastsLongOutage(t *testing.T) {
	srv, attempts := startFlaky(t, dialMaxRetries+2)
	defer srv.Close()

	s := NewSession(wsURL(srv), "user-1")
	s.reconnectBase = 5 * time.Millisecond
	defer s.Close()

	joined := make(chan string, 4)
	s.On(EventJoin, func(data json.RawMessage) {
		if id, err := DecodeUserID(data); err == nil {
			joined <- id
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	// More upgrade refusals than Connect's own dial budget: the read
	// loop's redial has to keep going until the server comes back.
	select {
	case id := <-joined:
		assert.Equal(t, "user-1", id)
	case <-time.After(10 * time.Second):
		t.Fatal("session never recovered from the outage")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(dialMaxRetries+4))
}

func TestEmitBeforeConnect(t *testing.T) {
	s := NewSession("ws://127.0.0.1:0", "user-1")
	defer s.Close()

	err := s.Emit(context.Background(), EventSendMessage, model.Message{ID: "m1"})
	assert.True(t, errors.Is(err, ErrNotConnected))
}
