package ratelimit

import (
	"context"
	"sync"
	"time"
)

// slidingWindow tracks request timestamps for rate limiting.
type slidingWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// MemoryBackend keeps sliding windows in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{windows: make(map[string]*slidingWindow)}
}

func (b *MemoryBackend) Allow(_ context.Context, key string, limit Limit, now time.Time) (bool, error) {
	b.mu.Lock()
	w, ok := b.windows[key]
	if !ok {
		w = &slidingWindow{}
		b.windows[key] = w
	}
	b.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	// Remove expired timestamps
	cutoff := now.Add(-limit.Window)
	valid := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			w.timestamps[valid] = ts
			valid++
		}
	}
	w.timestamps = w.timestamps[:valid]

	if len(w.timestamps) >= limit.Max {
		return false, nil
	}
	w.timestamps = append(w.timestamps, now)
	return true, nil
}

// Prune drops windows with no request newer than maxAge.
func (b *MemoryBackend) Prune(now time.Time, maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, w := range b.windows {
		w.mu.Lock()
		idle := len(w.timestamps) == 0 || !w.timestamps[len(w.timestamps)-1].After(now.Add(-maxAge))
		w.mu.Unlock()
		if idle {
			delete(b.windows, key)
			removed++
		}
	}
	return removed
}

// Reset clears all rate limit windows.
func (b *MemoryBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows = make(map[string]*slidingWindow)
}
