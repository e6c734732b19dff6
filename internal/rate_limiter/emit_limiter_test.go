package ratelimiter

import (
	"testing"
	"time"
)

func TestEmitLimiterAllow(t *testing.T) {
	el := NewEmitLimiter(3, time.Minute, CleanupOpts{TTL: time.Minute, Interval: time.Minute})
	defer el.Cancel()

	for i := 0; i < 3; i++ {
		if !el.Allow("typing") {
			t.Fatalf("emission %d within burst was denied", i+1)
		}
	}

	if el.Allow("typing") {
		t.Error("emission past the burst was allowed")
	}

	// Buckets are independent per event name.
	if !el.Allow("stopTyping") {
		t.Error("unrelated event was throttled")
	}
}
