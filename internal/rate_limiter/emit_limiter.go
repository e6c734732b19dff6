package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type CleanupOpts struct {
	TTL      time.Duration
	Interval time.Duration
}

type eventName string

// EmitLimiter throttles outbound socket emissions per event name. Typing
// announcements fire on every keystroke, so without a cap a fast typist
// floods the channel.
type EmitLimiter struct {
	limiters map[eventName]*rate.Limiter
	lastSeen map[eventName]time.Time
	mu       sync.Mutex
	Cancel   context.CancelFunc
	rate     rate.Limit
	burst    int
	CleanupOpts
}

func NewEmitLimiter(requests int, window time.Duration, cleanupOpts CleanupOpts) *EmitLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	el := &EmitLimiter{
		limiters:    make(map[eventName]*rate.Limiter),
		lastSeen:    make(map[eventName]time.Time),
		Cancel:      cancel,
		mu:          sync.Mutex{},
		rate:        rate.Every(window / time.Duration(requests)),
		burst:       requests,
		CleanupOpts: cleanupOpts,
	}

	go el.cleanup(ctx)

	return el
}

func (el *EmitLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(el.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			el.mu.Lock()

			for ev, ls := range el.lastSeen {
				if time.Since(ls) > el.TTL {
					delete(el.limiters, ev)
					delete(el.lastSeen, ev)
				}
			}

			el.mu.Unlock()
		}
	}
}

// Allow reports whether one more emission of event fits within the window.
func (el *EmitLimiter) Allow(event string) bool {
	el.mu.Lock()
	defer el.mu.Unlock()

	ev := eventName(event)
	bucket, ok := el.limiters[ev]
	if !ok {
		bucket = rate.NewLimiter(el.rate, el.burst)
		el.limiters[ev] = bucket
	}

	el.lastSeen[ev] = time.Now()
	return bucket.Allow()
}
