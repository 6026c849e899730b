package protocol

import (
	"sync"
	"time"
)

const (
	messagesPerWindow = 100
	window            = time.Minute
	staleAfter        = 5 * time.Minute
)

// RateLimiter caps per-user message throughput with a fixed one-minute
// window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{clients: make(map[string]*clientWindow)}
}

// Allow reports whether the key may send another message now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cw, ok := rl.clients[key]
	if !ok || now.Sub(cw.windowStart) >= window {
		rl.clients[key] = &clientWindow{count: 1, windowStart: now}
		return true
	}
	if cw.count >= messagesPerWindow {
		return false
	}
	cw.count++
	return true
}

// Cleanup drops entries idle for several windows. Called periodically by
// the sweeper so departed users do not accumulate.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, cw := range rl.clients {
		if now.Sub(cw.windowStart) > staleAfter {
			delete(rl.clients, key)
		}
	}
}
