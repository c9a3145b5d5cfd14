// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package secureipc

import (
	"sync"
	"time"

	"github.com/chronos-agent/chronos/internal/clock"
)

// rateLimiter enforces a fixed-window message budget per connection:
// at most budget messages within window, after which Allow returns
// false until the window rolls over. Grounded on the same tracked-
// window shape as a GitHub API rate limit tracker, simplified from a
// server-reported remaining/reset pair to a self-maintained counter
// since there is no remote header to read here.
type rateLimiter struct {
	clock  clock.Clock
	budget int
	window time.Duration

	mu         sync.Mutex
	count      int
	windowEnds time.Time
}

func newRateLimiter(c clock.Clock, budget int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		clock:      c,
		budget:     budget,
		window:     window,
		windowEnds: c.Now().Add(window),
	}
}

// Allow reports whether one more message fits within the current
// window, incrementing the count if so.
func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if !now.Before(r.windowEnds) {
		r.count = 0
		r.windowEnds = now.Add(r.window)
	}

	if r.count >= r.budget {
		return false
	}
	r.count++
	return true
}
