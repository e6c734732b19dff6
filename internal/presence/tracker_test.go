package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaznotes/chatkit/internal/transport"
)

// fakeSource lets tests feed events straight into the tracker's handlers.
type fakeSource struct {
	handlers map[string][]transport.Handler
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeSource) On(event string, h transport.Handler) func() {
	f.handlers[event] = append(f.handlers[event], h)
	return func() {}
}

func (f *fakeSource) fire(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	for _, h := range f.handlers[event] {
		h(data)
	}
}

func TestOnlineSetFullReplace(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker()
	tr.Bind(src)
	defer tr.Unbind()

	src.fire(t, transport.EventOnlineUsers, []string{"a", "b"})
	assert.True(t, tr.IsOnline("a"))
	assert.True(t, tr.IsOnline("b"))

	// Each broadcast replaces the whole set, no diffing.
	src.fire(t, transport.EventOnlineUsers, []string{"c"})
	assert.False(t, tr.IsOnline("a"))
	assert.False(t, tr.IsOnline("b"))
	assert.True(t, tr.IsOnline("c"))
	assert.ElementsMatch(t, []string{"c"}, tr.Online())
}

func TestTypingStopEvent(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(WithTypingTTL(time.Minute))
	tr.Bind(src)
	defer tr.Unbind()

	src.fire(t, transport.EventUserTyping, "peer-1")
	assert.True(t, tr.IsTyping("peer-1"))
	assert.False(t, tr.IsTyping("peer-2"))

	src.fire(t, transport.EventUserStopTyping, "peer-1")
	assert.False(t, tr.IsTyping("peer-1"))
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(WithTypingTTL(40 * time.Millisecond))
	tr.Bind(src)
	defer tr.Unbind()

	src.fire(t, transport.EventUserTyping, "peer-1")
	assert.True(t, tr.IsTyping("peer-1"))

	assert.Eventually(t, func() bool {
		return !tr.IsTyping("peer-1")
	}, time.Second, 10*time.Millisecond, "typing indicator never expired")
}

func TestTypingRefreshExtendsWindow(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(WithTypingTTL(80 * time.Millisecond))
	tr.Bind(src)
	defer tr.Unbind()

	src.fire(t, transport.EventUserTyping, "peer-1")
	time.Sleep(50 * time.Millisecond)
	src.fire(t, transport.EventUserTyping, "peer-1")
	time.Sleep(50 * time.Millisecond)

	// 100ms after the first event the indicator is still live because the
	// second event reset the timer.
	assert.True(t, tr.IsTyping("peer-1"))

	assert.Eventually(t, func() bool {
		return !tr.IsTyping("peer-1")
	}, time.Second, 10*time.Millisecond)
}

func TestTypingPayloadVariant(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(WithTypingTTL(time.Minute))
	tr.Bind(src)
	defer tr.Unbind()

	// Some server variants deliver {senderId, receiverId} instead of a bare id.
	src.fire(t, transport.EventUserTyping, transport.TypingPayload{
		SenderID:   "peer-9",
		ReceiverID: "me",
	})
	assert.True(t, tr.IsTyping("peer-9"))
}
