// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"sync"
	"time"
)

// throttle is a token bucket pacing outbound requests under the API's
// per-key quota.
type throttle struct {
	mu              sync.Mutex
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

func newThrottle(perSecond float64) *throttle {
	return &throttle{
		capacity:        1,
		tokens:          1,
		refillPerSecond: perSecond,
		lastRefill:      time.Now(),
	}
}

// wait blocks until a token is available or ctx is done.
func (t *throttle) wait(ctx context.Context) error {
	for {
		if t.take(time.Now()) {
			return nil
		}

		timer := time.NewTimer(t.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *throttle) take(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.lastRefill).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSecond
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.lastRefill = now
	}

	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// nextWait estimates how long until the next token lands.
func (t *throttle) nextWait() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	missing := 1 - t.tokens
	if missing <= 0 {
		return time.Millisecond
	}

	wait := time.Duration(missing / t.refillPerSecond * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
